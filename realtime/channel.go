package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kleeedolinux/transit.go/realtime/transport"
)

// DisconnectReason explains why a live connection ended.
type DisconnectReason string

const (
	ReasonClientClose    DisconnectReason = "client close"
	ReasonServerClose    DisconnectReason = "server close"
	ReasonTransportError DisconnectReason = "transport error"
	ReasonAuthFailed     DisconnectReason = "auth failed"
)

// Reconnectable reports whether a drop with this reason should be retried.
func (r DisconnectReason) Reconnectable() bool {
	return r == ReasonServerClose || r == ReasonTransportError
}

func disconnectReason(err error) DisconnectReason {
	switch {
	case transport.IsAuthFailure(err):
		return ReasonAuthFailed
	case transport.IsServerClose(err):
		return ReasonServerClose
	default:
		return ReasonTransportError
	}
}

// channelListener receives the channel lifecycle. Every callback carries the
// epoch passed to Open so receivers can discard callbacks from superseded
// connections.
type channelListener interface {
	channelMessage(epoch uint64, ev Event)
	channelDisconnect(epoch uint64, reason DisconnectReason, err error)
	channelError(epoch uint64, err error)
}

// Channel wraps one physical connection at a time.
type Channel struct {
	dialer transport.Dialer
	logger *zap.Logger

	mu         sync.Mutex
	conn       transport.Conn
	epoch      uint64
	started    bool
	cancelDial context.CancelFunc
}

func NewChannel(dialer transport.Dialer, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		dialer: dialer,
		logger: logger,
	}
}

// Open closes any current connection and dials endpoint. It blocks until the
// dial completes. A Close during the dial makes Open fail with
// ErrClientDisconnected. Inbound frames are not read until Start.
func (ch *Channel) Open(ctx context.Context, epoch uint64, endpoint, token string) error {
	dialCtx, cancel := context.WithCancel(ctx)

	ch.mu.Lock()
	prev := ch.detachLocked()
	ch.epoch = epoch
	ch.cancelDial = cancel
	ch.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	conn, err := ch.dialer.Dial(dialCtx, endpoint, token)

	ch.mu.Lock()
	if ch.epoch != epoch {
		ch.mu.Unlock()
		cancel()
		if conn != nil {
			_ = conn.Close()
		}
		if err == nil {
			err = ErrClientDisconnected
		}
		return err
	}
	ch.cancelDial = nil
	if err != nil {
		ch.mu.Unlock()
		cancel()
		return err
	}
	ch.conn = conn
	ch.started = false
	ch.mu.Unlock()
	cancel()

	return nil
}

// Start runs the receive loop of the connection opened for epoch. Frames that
// arrived since Open stay buffered in the connection. It reports false when
// epoch has been superseded or the loop already runs.
func (ch *Channel) Start(epoch uint64, l channelListener) bool {
	ch.mu.Lock()
	conn := ch.conn
	ok := conn != nil && ch.epoch == epoch && !ch.started
	if ok {
		ch.started = true
	}
	ch.mu.Unlock()

	if !ok {
		return false
	}
	go ch.receiveLoop(epoch, conn, l)
	return true
}

func (ch *Channel) receiveLoop(epoch uint64, conn transport.Conn, l channelListener) {
	for {
		data, err := conn.Receive()
		if err != nil {
			ch.mu.Lock()
			current := ch.epoch == epoch && ch.conn == conn
			if current {
				ch.conn = nil
			}
			ch.mu.Unlock()

			if !current {
				return
			}

			_ = conn.Close()
			reason := disconnectReason(err)
			ch.logger.Info("connection lost", zap.String("reason", string(reason)), zap.Error(err))
			l.channelDisconnect(epoch, reason, err)
			return
		}

		ev, err := decodeMessage(data, time.Now())
		if err != nil {
			ch.logger.Warn("discarding frame", zap.Error(err))
			l.channelError(epoch, err)
			continue
		}

		l.channelMessage(epoch, ev)
	}
}

// Send emits one event. It is fire-and-forget: while disconnected it logs a
// warning and reports false.
func (ch *Channel) Send(name EventName, payload interface{}) bool {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()

	if conn == nil {
		ch.logger.Warn("send while disconnected, dropping", zap.String("event", string(name)))
		return false
	}

	data, err := encodeMessage(name, payload)
	if err != nil {
		ch.logger.Error("encode failed", zap.String("event", string(name)), zap.Error(err))
		return false
	}

	if err := conn.Send(data); err != nil {
		ch.logger.Warn("send failed", zap.String("event", string(name)), zap.Error(err))
		return false
	}
	return true
}

// Close tears down the connection or cancels an in-flight dial. It is
// idempotent and never emits a disconnect callback.
func (ch *Channel) Close() {
	ch.mu.Lock()
	conn := ch.detachLocked()
	ch.epoch = 0
	ch.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (ch *Channel) detachLocked() transport.Conn {
	conn := ch.conn
	ch.conn = nil
	ch.started = false
	if ch.cancelDial != nil {
		ch.cancelDial()
		ch.cancelDial = nil
	}
	return conn
}

func (ch *Channel) connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn != nil
}
