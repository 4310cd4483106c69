package realtime

import (
	"time"

	"go.uber.org/zap"

	"github.com/kleeedolinux/transit.go/config"
	"github.com/kleeedolinux/transit.go/debug"
	"github.com/kleeedolinux/transit.go/realtime/transport"
)

// Handlers are the consumer callbacks, one per event kind. Any may be nil.
type Handlers struct {
	OnTripUpdate            func(TripUpdate)
	OnNotification          func(Notification)
	OnSystemAlert           func(SystemAlert)
	OnRouteStatus           func(RouteStatus)
	OnSubscriptionConfirmed func(SubscriptionAck)
	OnSubscriptionCancelled func(SubscriptionAck)
	OnConnectionStatus      func(ConnectionStatus)
	OnStatusResponse        func(StatusResponse)
	OnPong                  func(Pong)
	OnError                 func(error)
	OnStateChange           func(from, to State)
}

type clientConfig struct {
	dialer       transport.Dialer
	wsOptions    []transport.WebSocketOption
	token        string
	baseDelay    time.Duration
	maxAttempts  int
	logger       *zap.Logger
	presenter    AlertPresenter
	presenterSet bool
	handlers     Handlers
	minPriority  Priority
	timer        timerFunc
}

type ClientOption func(*clientConfig)

func WithAuthToken(token string) ClientOption {
	return func(c *clientConfig) {
		c.token = token
	}
}

// WithDialer replaces the WebSocket transport.
func WithDialer(d transport.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = d
	}
}

// WithTransportOptions configures the default WebSocket dialer.
func WithTransportOptions(opts ...transport.WebSocketOption) ClientOption {
	return func(c *clientConfig) {
		c.wsOptions = append(c.wsOptions, opts...)
	}
}

// WithReconnectDelay sets the base backoff delay.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.baseDelay = d
	}
}

// WithReconnectAttempts sets the failure ceiling. 0 disables automatic
// reconnection, a negative value retries forever.
func WithReconnectAttempts(attempts int) ClientOption {
	return func(c *clientConfig) {
		c.maxAttempts = attempts
	}
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAlertPresenter replaces the default log presenter. nil opts out of
// presentation.
func WithAlertPresenter(p AlertPresenter) ClientOption {
	return func(c *clientConfig) {
		c.presenter = p
		c.presenterSet = true
	}
}

func WithHandlers(h Handlers) ClientOption {
	return func(c *clientConfig) {
		c.handlers = h
	}
}

// WithNotificationFilter suppresses notification callbacks below min.
// Presentation is unaffected.
func WithNotificationFilter(min Priority) ClientOption {
	return func(c *clientConfig) {
		c.minPriority = min
	}
}

func withTimer(fn timerFunc) ClientOption {
	return func(c *clientConfig) {
		c.timer = fn
	}
}

// NewClientFromConfig builds a client from a loaded configuration. opts are
// applied after the configuration and win over it.
func NewClientFromConfig(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Debug {
		debug.Enable()
	}

	base := []ClientOption{
		WithAuthToken(cfg.AuthToken),
		WithReconnectDelay(cfg.Reconnect.BaseDelay),
		WithReconnectAttempts(cfg.Attempts()),
		WithTransportOptions(
			transport.WithHandshakeTimeout(cfg.Transport.HandshakeTimeout),
			transport.WithReadTimeout(cfg.Transport.ReadTimeout),
			transport.WithWriteTimeout(cfg.Transport.WriteTimeout),
			transport.WithCompression(cfg.Transport.Compression),
		),
	}

	return NewClient(cfg.Endpoint, append(base, opts...)...), nil
}
