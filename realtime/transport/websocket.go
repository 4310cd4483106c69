package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close codes a push server uses to reject credentials after the upgrade.
const (
	CloseAuthFailed      = 4401
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrAuthFailed   = errors.New("transport: authentication rejected")
)

// Conn is one physical duplex connection. Receive is called from a single
// goroutine; Send and Close may be called from any goroutine.
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens connections. token is empty for anonymous sessions.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

type WebSocketDialer struct {
	dialer           *websocket.Dialer
	headers          http.Header
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	compression      bool
	logger           *zap.Logger
}

type WebSocketOption func(*WebSocketDialer)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(d *WebSocketDialer) {
		for k, v := range headers {
			d.headers[k] = v
		}
	}
}

func WithHandshakeTimeout(timeout time.Duration) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.handshakeTimeout = timeout
	}
}

// WithReadTimeout bounds the silence tolerated between inbound frames. Server
// pings extend the deadline. Zero disables the deadline.
func WithReadTimeout(timeout time.Duration) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.readTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.writeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.compression = enabled
	}
}

func WithLogger(logger *zap.Logger) WebSocketOption {
	return func(d *WebSocketDialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func NewWebSocketDialer(opts ...WebSocketOption) *WebSocketDialer {
	d := &WebSocketDialer{
		dialer:           websocket.DefaultDialer,
		headers:          make(http.Header),
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
		logger:           zap.NewNop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	dialer := *d.dialer
	dialer.HandshakeTimeout = d.handshakeTimeout
	dialer.EnableCompression = d.compression

	headers := d.headers.Clone()
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	d.logger.Debug("websocket dialing", zap.String("endpoint", endpoint), zap.Bool("authenticated", token != ""))

	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, resp.Status)
		}
		d.logger.Debug("websocket dial failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, err
	}

	c := &WebSocketConn{
		conn:         conn,
		readTimeout:  d.readTimeout,
		writeTimeout: d.writeTimeout,
		logger:       d.logger,
	}
	c.installPingHandler()

	d.logger.Debug("websocket connected", zap.String("endpoint", endpoint))
	return c, nil
}

type WebSocketConn struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	closed       bool
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
}

func (c *WebSocketConn) installPingHandler() {
	c.conn.SetPingHandler(func(appData string) error {
		c.extendReadDeadline()
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

func (c *WebSocketConn) extendReadDeadline() {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

func (c *WebSocketConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrNotConnected
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}

	c.logger.Debug("websocket send", zap.ByteString("data", data))
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		c.logger.Debug("websocket send error", zap.Error(err))
	}
	return err
}

func (c *WebSocketConn) Receive() ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.mu.Unlock()

	c.extendReadDeadline()

	_, message, err := c.conn.ReadMessage()
	if err != nil {
		c.logger.Debug("websocket read error", zap.Error(err))
		return nil, err
	}

	c.logger.Debug("websocket received", zap.ByteString("data", message))
	return message, nil
}

// Close sends a normal closure frame and tears the connection down. It is
// idempotent.
func (c *WebSocketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		c.logger.Debug("websocket close frame failed", zap.Error(err))
	}

	return c.conn.Close()
}

// IsServerClose reports whether err carries a close frame sent by the peer.
func IsServerClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

// IsAuthFailure reports whether err means the server rejected the credentials,
// either during the handshake or with an auth close code afterwards.
func IsAuthFailure(err error) bool {
	if errors.Is(err, ErrAuthFailed) {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == CloseAuthFailed || ce.Code == ClosePolicyViolation
	}
	return false
}
