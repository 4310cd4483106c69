package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kleeedolinux/transit.go/debug"
	"github.com/kleeedolinux/transit.go/realtime/transport"
)

// Client is the real-time subscription client. Construct one per dashboard
// session and pass it to the components that need it.
//
// Topic operations require the Connected state and fail with ErrNotConnected
// otherwise; callers retry after observing the transition. Connection loss is
// recovered automatically with exponential backoff, and the registry of held
// subscriptions is replayed on every successful connect.
type Client struct {
	id       string
	endpoint string

	channel    *Channel
	policy     *Policy
	registry   *Registry
	dispatcher *Dispatcher
	logger     *zap.Logger
	timer      timerFunc

	mu            sync.Mutex
	state         State
	stateCh       chan struct{}
	token         string
	epoch         uint64
	timerGen      uint64
	stopTimer     func() bool
	onStateChange func(from, to State)
}

func NewClient(endpoint string, opts ...ClientOption) *Client {
	cfg := clientConfig{
		baseDelay:   DefaultBaseDelay,
		maxAttempts: DefaultMaxAttempts,
		timer:       afterFunc,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	if cfg.logger == nil {
		cfg.logger = debug.NewLogger()
	}
	logger := cfg.logger.With(zap.String("client_id", id))

	presenter := cfg.presenter
	if !cfg.presenterSet {
		presenter = LogPresenter{Logger: logger.Named("alert")}
	}

	dialer := cfg.dialer
	if dialer == nil {
		wsOpts := append([]transport.WebSocketOption{transport.WithLogger(logger.Named("transport"))}, cfg.wsOptions...)
		dialer = transport.NewWebSocketDialer(wsOpts...)
	}

	c := &Client{
		id:         id,
		endpoint:   endpoint,
		channel:    NewChannel(dialer, logger.Named("channel")),
		policy:     NewPolicy(cfg.baseDelay, cfg.maxAttempts),
		registry:   NewRegistry(),
		dispatcher: NewDispatcher(logger.Named("dispatch"), presenter),
		logger:     logger,
		timer:      cfg.timer,
		state:      StateDisconnected,
		stateCh:    make(chan struct{}),
		token:      cfg.token,
	}

	c.dispatcher.SetNotificationFilter(cfg.minPriority)
	c.install(cfg.handlers)

	return c
}

func (c *Client) install(h Handlers) {
	c.OnTripUpdate(h.OnTripUpdate)
	c.OnNotification(h.OnNotification)
	c.OnSystemAlert(h.OnSystemAlert)
	c.OnRouteStatus(h.OnRouteStatus)
	c.OnSubscriptionConfirmed(h.OnSubscriptionConfirmed)
	c.OnSubscriptionCancelled(h.OnSubscriptionCancelled)
	c.OnConnectionStatus(h.OnConnectionStatus)
	c.OnStatusResponse(h.OnStatusResponse)
	c.OnPong(h.OnPong)
	c.OnError(h.OnError)
	c.OnStateChange(h.OnStateChange)
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the failed connect attempts since the last success.
func (c *Client) Attempts() int {
	return c.policy.Attempts()
}

// Subscriptions returns the topics currently held, in subscription order.
func (c *Client) Subscriptions() []Subscription {
	return c.registry.AllActive()
}

// Confirmed reports whether the server acknowledged sub on the current
// connection.
func (c *Client) Confirmed(sub Subscription) bool {
	return c.registry.Confirmed(sub)
}

// Connect opens the connection with the current token and blocks until it is
// established or fails. It is a no-op while connected or while a connection
// attempt or backoff is already in progress. A failed attempt is retried
// automatically according to the reconnection policy; the error of the first
// attempt is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	}

	c.policy.Reset()
	epoch, from := c.beginAttemptLocked(StateConnecting)
	token := c.token
	c.mu.Unlock()

	c.notifyState(from, StateConnecting)
	return c.attempt(ctx, epoch, token)
}

// Reconnect drops any current connection, resets the attempt counter and
// connects immediately. Held subscriptions are kept and replayed.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.policy.Reset()
	epoch, from := c.beginAttemptLocked(StateConnecting)
	token := c.token
	c.mu.Unlock()

	c.logger.Info("manual reconnect")
	c.notifyState(from, StateConnecting)
	return c.attempt(ctx, epoch, token)
}

// Disconnect closes the connection, cancels any pending reconnect and clears
// the subscription registry. No callback from the closed connection changes
// client state after Disconnect returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.epoch++
	c.registry.Clear()
	c.policy.Reset()
	from := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.channel.Close()
	if from != StateDisconnected {
		c.logger.Info("disconnected by client")
	}
	c.notifyState(from, StateDisconnected)
}

// SetAuthToken replaces the token used for future connections. While
// connected, a token change closes the session and reconnects with the new
// token, keeping held subscriptions.
func (c *Client) SetAuthToken(ctx context.Context, token string) error {
	c.mu.Lock()
	if token == c.token {
		c.mu.Unlock()
		return nil
	}
	c.token = token
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}

	c.logger.Info("auth token changed, cycling connection")
	return c.Reconnect(ctx)
}

func (c *Client) SubscribeToRoute(routeID string) error {
	return c.subscribe(RouteTopic(routeID))
}

func (c *Client) UnsubscribeFromRoute(routeID string) error {
	return c.unsubscribe(RouteTopic(routeID))
}

func (c *Client) SubscribeToTrip(tripID string) error {
	return c.subscribe(TripTopic(tripID))
}

func (c *Client) UnsubscribeFromTrip(tripID string) error {
	return c.unsubscribe(TripTopic(tripID))
}

// JoinUserRoom subscribes to notifications addressed to userID. The server
// only admits the authenticated owner.
func (c *Client) JoinUserRoom(userID string) error {
	return c.subscribe(UserTopic(userID))
}

// Ping asks the server for a pong.
func (c *Client) Ping() error {
	return c.emit(EventPing, nil)
}

// RequestStatus asks the server for a status_response.
func (c *Client) RequestStatus() error {
	return c.emit(EventGetStatus, nil)
}

func (c *Client) emit(name EventName, payload interface{}) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != StateConnected {
		return fmt.Errorf("%w: cannot send %s while %s", ErrNotConnected, name, state)
	}
	c.channel.Send(name, payload)
	return nil
}

func (c *Client) subscribe(sub Subscription) error {
	if sub.TargetID == "" {
		return ErrEmptyTarget
	}

	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("subscribe rejected", zap.Stringer("topic", sub), zap.Stringer("state", state))
		return fmt.Errorf("%w: cannot subscribe to %s while %s", ErrNotConnected, sub, state)
	}
	added := c.registry.Add(sub)
	c.mu.Unlock()

	if !added {
		c.logger.Debug("already subscribed", zap.Stringer("topic", sub))
		return nil
	}

	name, payload := sub.request()
	c.channel.Send(name, payload)
	c.logger.Debug("subscribe requested", zap.Stringer("topic", sub))
	return nil
}

// unsubscribe drops sub from the registry in every state so it is not
// replayed later; the request only goes out while connected.
func (c *Client) unsubscribe(sub Subscription) error {
	if sub.TargetID == "" {
		return ErrEmptyTarget
	}

	c.mu.Lock()
	removed := c.registry.Remove(sub)
	state := c.state
	c.mu.Unlock()

	if state != StateConnected {
		if removed {
			c.logger.Debug("unsubscribed locally while offline", zap.Stringer("topic", sub))
		}
		return fmt.Errorf("%w: cannot unsubscribe from %s while %s", ErrNotConnected, sub, state)
	}
	if !removed {
		return nil
	}

	if name, payload, ok := sub.cancelRequest(); ok {
		c.channel.Send(name, payload)
	}
	return nil
}

// WaitForState blocks until the client is in one of states or ctx ends.
func (c *Client) WaitForState(ctx context.Context, states ...State) (State, error) {
	for {
		c.mu.Lock()
		current := c.state
		changed := c.stateCh
		c.mu.Unlock()

		for _, s := range states {
			if current == s {
				return current, nil
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return current, ctx.Err()
		}
	}
}

func (c *Client) attempt(ctx context.Context, epoch uint64, token string) error {
	err := c.channel.Open(ctx, epoch, c.endpoint, token)
	if err != nil {
		c.connectFailed(ctx, epoch, err)
		return err
	}
	c.connected(epoch)
	return nil
}

func (c *Client) connected(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.policy.Reset()
	c.registry.Reset()
	replay := c.registry.AllActive()
	from := c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("endpoint", c.endpoint), zap.Int("replay", len(replay)))

	// A peer close from here on reaches channelDisconnect in StateConnected.
	if !c.channel.Start(epoch, c) {
		return
	}

	for _, sub := range replay {
		if !c.current(epoch) {
			return
		}
		name, payload := sub.request()
		c.channel.Send(name, payload)
	}

	c.notifyState(from, StateConnected)
}

func (c *Client) connectFailed(ctx context.Context, epoch uint64, err error) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}

	if ctx.Err() != nil {
		from := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.logger.Info("connect cancelled", zap.Error(err))
		c.notifyState(from, StateDisconnected)
		return
	}

	if transport.IsAuthFailure(err) {
		from := c.setStateLocked(StateFailed)
		c.mu.Unlock()
		c.authFailed(from, err)
		return
	}

	attempt, delay, retry := c.policy.Failed()
	if !retry {
		from := c.setStateLocked(StateFailed)
		failures := c.policy.Attempts()
		c.mu.Unlock()
		c.exhausted(from, failures, err)
		return
	}

	from := c.setStateLocked(StateReconnecting)
	c.scheduleLocked(attempt, delay)
	c.mu.Unlock()

	c.logger.Warn("connect failed", zap.Int("failures", attempt-1), zap.Error(err))
	c.notifyState(from, StateReconnecting)
	if from != StateReconnecting {
		c.reconnectingAlert()
	}
}

func (c *Client) channelDisconnect(epoch uint64, reason DisconnectReason, err error) {
	c.mu.Lock()
	if epoch != c.epoch || c.state != StateConnected {
		c.mu.Unlock()
		return
	}

	if reason == ReasonAuthFailed {
		from := c.setStateLocked(StateFailed)
		c.mu.Unlock()
		c.authFailed(from, err)
		return
	}

	attempt, delay, retry := c.policy.Dropped()
	if !retry || !reason.Reconnectable() {
		from := c.setStateLocked(StateFailed)
		c.mu.Unlock()
		c.exhausted(from, 0, err)
		return
	}

	from := c.setStateLocked(StateReconnecting)
	c.scheduleLocked(attempt, delay)
	c.mu.Unlock()

	c.notifyState(from, StateReconnecting)
	c.reconnectingAlert()
}

func (c *Client) channelMessage(epoch uint64, ev Event) {
	if !c.current(epoch) {
		return
	}

	if ev.Name == EventSubscriptionConfirmed {
		var ack SubscriptionAck
		if err := json.Unmarshal(ev.Payload, &ack); err == nil {
			c.mu.Lock()
			if epoch == c.epoch {
				c.registry.Confirm(ack.Subscription())
			}
			c.mu.Unlock()
		}
	}

	c.dispatcher.Dispatch(ev)
}

func (c *Client) channelError(epoch uint64, err error) {
	if c.current(epoch) {
		c.dispatcher.ReportError(err)
	}
}

func (c *Client) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch == c.epoch
}

func (c *Client) scheduleLocked(attempt int, delay time.Duration) {
	c.cancelTimerLocked()
	gen := c.timerGen
	c.stopTimer = c.timer(delay, func() {
		c.fireReconnect(gen, attempt)
	})
	c.logger.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

func (c *Client) cancelTimerLocked() {
	c.timerGen++
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
}

func (c *Client) fireReconnect(gen uint64, attempt int) {
	c.mu.Lock()
	if gen != c.timerGen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.stopTimer = nil
	c.epoch++
	epoch := c.epoch
	token := c.token
	c.mu.Unlock()

	c.logger.Info("reconnecting", zap.Int("attempt", attempt))
	_ = c.attempt(context.Background(), epoch, token)
}

func (c *Client) beginAttemptLocked(state State) (uint64, State) {
	c.cancelTimerLocked()
	c.epoch++
	return c.epoch, c.setStateLocked(state)
}

func (c *Client) setStateLocked(s State) State {
	from := c.state
	if from == s {
		return from
	}
	c.state = s
	close(c.stateCh)
	c.stateCh = make(chan struct{})
	return from
}

func (c *Client) notifyState(from, to State) {
	if from == to {
		return
	}

	c.logger.Debug("state change", zap.Stringer("from", from), zap.Stringer("to", to))

	c.mu.Lock()
	fn := c.onStateChange
	c.mu.Unlock()

	if fn != nil {
		fn(from, to)
	}
}

func (c *Client) authFailed(from State, err error) {
	c.logger.Error("authentication rejected, not retrying", zap.Error(err))
	c.notifyState(from, StateFailed)
	c.dispatcher.Present(newAlert(SourceConnection, "Authentication failed",
		"The server rejected the credentials. Sign in again to resume live updates.",
		SeverityCritical, time.Now()))
	c.dispatcher.ReportError(fmt.Errorf("%w: %v", ErrAuthFailed, err))
}

func (c *Client) exhausted(from State, failures int, err error) {
	c.logger.Error("connection lost", zap.Int("failures", failures), zap.Error(err))
	c.notifyState(from, StateFailed)
	c.dispatcher.Present(newAlert(SourceConnection, "Connection lost",
		"Live updates stopped. Reconnect to resume.",
		SeverityCritical, time.Now()))
	c.dispatcher.ReportError(fmt.Errorf("%w: %v", ErrReconnectExhausted, err))
}

func (c *Client) reconnectingAlert() {
	c.dispatcher.Present(newAlert(SourceConnection, "Reconnecting",
		"Connection interrupted, trying to reconnect.",
		SeverityInfo, time.Now()))
}

// IsTerminal reports whether err means automatic recovery has stopped.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrReconnectExhausted)
}

func (c *Client) OnTripUpdate(fn func(TripUpdate)) {
	register(c.dispatcher, KindTripUpdate, fn)
}

func (c *Client) OnNotification(fn func(Notification)) {
	register(c.dispatcher, KindNotification, fn)
}

func (c *Client) OnSystemAlert(fn func(SystemAlert)) {
	register(c.dispatcher, KindSystemAlert, fn)
}

func (c *Client) OnRouteStatus(fn func(RouteStatus)) {
	register(c.dispatcher, KindRouteStatus, fn)
}

func (c *Client) OnSubscriptionConfirmed(fn func(SubscriptionAck)) {
	register(c.dispatcher, KindSubscriptionConfirmed, fn)
}

func (c *Client) OnSubscriptionCancelled(fn func(SubscriptionAck)) {
	register(c.dispatcher, KindSubscriptionCancelled, fn)
}

func (c *Client) OnConnectionStatus(fn func(ConnectionStatus)) {
	register(c.dispatcher, KindConnectionStatus, fn)
}

func (c *Client) OnStatusResponse(fn func(StatusResponse)) {
	register(c.dispatcher, KindStatusResponse, fn)
}

func (c *Client) OnPong(fn func(Pong)) {
	register(c.dispatcher, KindPong, fn)
}

// OnError receives protocol errors, unknown events and terminal connection
// failures.
func (c *Client) OnError(fn func(error)) {
	c.dispatcher.SetErrorHandler(fn)
}

func (c *Client) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// SetAlertPresenter replaces the presenter. nil disables presentation.
func (c *Client) SetAlertPresenter(p AlertPresenter) {
	c.dispatcher.SetPresenter(p)
}

func (c *Client) SetNotificationFilter(min Priority) {
	c.dispatcher.SetNotificationFilter(min)
}
