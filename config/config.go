// Package config loads the realtime client configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	EnvEndpoint  = "TRANSIT_ENDPOINT"
	EnvAuthToken = "TRANSIT_AUTH_TOKEN"

	DefaultBaseDelay        = 1000 * time.Millisecond
	DefaultMaxAttempts      = 5
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// ReconnectConfig contains the automatic reconnection policy
type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"base_delay" validate:"gt=0"`
	// MaxAttempts of 0 disables automatic reconnection, negative is unlimited.
	MaxAttempts *int `yaml:"max_attempts"`
}

// TransportConfig contains the WebSocket transport timeouts
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gte=0"`
	ReadTimeout      time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout     time.Duration `yaml:"write_timeout" validate:"gte=0"`
	Compression      bool          `yaml:"compression"`
}

// Config is the root configuration structure
type Config struct {
	Endpoint  string          `yaml:"endpoint" validate:"required,url"`
	AuthToken string          `yaml:"auth_token"`
	UserID    string          `yaml:"user_id"`
	Routes    []string        `yaml:"routes" validate:"dive,required"`
	Trips     []string        `yaml:"trips" validate:"dive,required"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Transport TransportConfig `yaml:"transport"`
	Debug     bool            `yaml:"debug"`
}

// Attempts returns the configured reconnect ceiling, or the default when unset.
func (c *Config) Attempts() int {
	if c.Reconnect.MaxAttempts == nil {
		return DefaultMaxAttempts
	}
	return *c.Reconnect.MaxAttempts
}

// Default returns a configuration with every default applied and no endpoint.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies environment overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML data, applies environment overrides and defaults, then
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvEndpoint); ok && v != "" {
		c.Endpoint = v
	}
	if v, ok := os.LookupEnv(EnvAuthToken); ok {
		c.AuthToken = v
	}
}

func (c *Config) applyDefaults() {
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Transport.ReadTimeout == 0 {
		c.Transport.ReadTimeout = DefaultReadTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}
}
