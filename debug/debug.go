package debug

import (
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const EnvVar = "TRANSIT_GO_DEBUG"

var (
	Debug bool
)

func init() {
	debugEnv, exists := os.LookupEnv(EnvVar)
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil {
			Debug = val
		}
	}
}

// NewLogger builds the logger shared by the client, transport and simulator.
// Output is console-encoded to stderr; debug level is enabled by Enable or the
// TRANSIT_GO_DEBUG environment variable.
func NewLogger() *zap.Logger {
	level := zapcore.InfoLevel
	if Debug {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = !Debug

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func Enable() {
	Debug = true
}

func Disable() {
	Debug = false
}
