package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pong is delivered when the server answers a Ping.
type Pong struct {
	ReceivedAt time.Time
}

// Dispatcher maps inbound events to typed payloads and invokes the callback
// registered for their kind. At most one callback exists per kind: Register
// replaces any previous one. Notifications and system alerts are also handed
// to the AlertPresenter, whether or not a callback is registered.
type Dispatcher struct {
	mu          sync.RWMutex
	handlers    map[Kind]func(payload interface{})
	onError     func(error)
	presenter   AlertPresenter
	minPriority Priority
	logger      *zap.Logger
}

func NewDispatcher(logger *zap.Logger, presenter AlertPresenter) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if presenter == nil {
		presenter = NopPresenter{}
	}
	return &Dispatcher{
		handlers:  make(map[Kind]func(payload interface{})),
		presenter: presenter,
		logger:    logger,
	}
}

// Register installs fn for kind, replacing the previous callback. A nil fn
// removes it. fn receives the decoded payload type for kind.
func (d *Dispatcher) Register(kind Kind, fn func(payload interface{})) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if fn == nil {
		delete(d.handlers, kind)
		return
	}
	if _, replaced := d.handlers[kind]; replaced {
		d.logger.Debug("replacing handler", zap.Stringer("kind", kind))
	}
	d.handlers[kind] = fn
}

func register[T any](d *Dispatcher, kind Kind, fn func(T)) {
	if fn == nil {
		d.Register(kind, nil)
		return
	}
	d.Register(kind, func(payload interface{}) {
		fn(payload.(T))
	})
}

func (d *Dispatcher) hasHandler(kind Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[kind]
	return ok
}

// SetErrorHandler installs the generic error callback, replacing any previous
// one.
func (d *Dispatcher) SetErrorHandler(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = fn
}

// SetPresenter replaces the alert presenter. nil disables presentation.
func (d *Dispatcher) SetPresenter(p AlertPresenter) {
	if p == nil {
		p = NopPresenter{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presenter = p
}

// SetNotificationFilter drops notification callbacks below min. The filter
// applies to the callback only; every notification is still presented.
func (d *Dispatcher) SetNotificationFilter(min Priority) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minPriority = min
}

// Dispatch delivers ev. Unknown names and undecodable payloads are logged,
// reported to the error callback and dropped.
func (d *Dispatcher) Dispatch(ev Event) {
	kind := KindOf(ev.Name)
	if kind == KindUnknown {
		d.logger.Warn("dropping unknown event", zap.String("event", string(ev.Name)))
		d.ReportError(fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name))
		return
	}

	payload, err := decodePayload(kind, ev)
	if err != nil {
		d.logger.Warn("dropping malformed event", zap.String("event", string(ev.Name)), zap.Error(err))
		d.ReportError(err)
		return
	}

	if kind == KindError {
		perr := payload.(*ProtocolError)
		d.logger.Warn("server error", zap.String("message", perr.Message))
		d.ReportError(perr)
		return
	}

	if alert, ok := classify(payload, ev.Timestamp); ok {
		d.Present(alert)
	}

	d.mu.RLock()
	handler := d.handlers[kind]
	minPriority := d.minPriority
	d.mu.RUnlock()

	if handler == nil {
		d.logger.Debug("no handler registered", zap.Stringer("kind", kind))
		return
	}

	if n, ok := payload.(Notification); ok && minPriority != "" && !n.Priority.AtLeast(minPriority) {
		d.logger.Debug("notification below filter", zap.String("priority", string(n.Priority)))
		return
	}

	handler(payload)
}

// Present hands a to the presenter.
func (d *Dispatcher) Present(a Alert) {
	d.mu.RLock()
	presenter := d.presenter
	d.mu.RUnlock()

	presenter.Present(a)
}

func (d *Dispatcher) ReportError(err error) {
	d.mu.RLock()
	onError := d.onError
	d.mu.RUnlock()

	if onError != nil {
		onError(err)
	}
}

func decodePayload(kind Kind, ev Event) (interface{}, error) {
	switch kind {
	case KindTripUpdate:
		return decodeAs[TripUpdate](ev)
	case KindNotification:
		return decodeAs[Notification](ev)
	case KindSystemAlert:
		return decodeAs[SystemAlert](ev)
	case KindRouteStatus:
		return decodeAs[RouteStatus](ev)
	case KindSubscriptionConfirmed, KindSubscriptionCancelled:
		return decodeAs[SubscriptionAck](ev)
	case KindConnectionStatus:
		return decodeAs[ConnectionStatus](ev)
	case KindStatusResponse:
		return decodeAs[StatusResponse](ev)
	case KindPong:
		return Pong{ReceivedAt: ev.Timestamp}, nil
	case KindError:
		p, err := decodeAs[ProtocolError](ev)
		if err != nil {
			return nil, err
		}
		perr := p.(ProtocolError)
		return &perr, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
}

func decodeAs[T any](ev Event) (interface{}, error) {
	var p T
	if len(ev.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, ev.Name, err)
	}
	return p, nil
}
