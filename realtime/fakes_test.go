package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kleeedolinux/transit.go/realtime/transport"
)

var errConnClosed = errors.New("fake: closed")

type fakeConn struct {
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	sent    []Message
	dropErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (f *fakeConn) Send(data []byte) error {
	select {
	case <-f.done:
		return transport.ErrNotConnected
	default:
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Receive() ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.dropErr != nil {
			return nil, f.dropErr
		}
		return nil, errConnClosed
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

// drop simulates the remote end closing the connection with err.
func (f *fakeConn) drop(err error) {
	f.mu.Lock()
	f.dropErr = err
	f.mu.Unlock()
	_ = f.Close()
}

func (f *fakeConn) push(t *testing.T, name EventName, payload interface{}) {
	t.Helper()
	data, err := encodeMessage(name, payload)
	require.NoError(t, err)
	f.inbox <- data
}

func (f *fakeConn) pushRaw(data string) {
	f.inbox <- []byte(data)
}

func (f *fakeConn) messages(names ...EventName) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Message
	for _, m := range f.sent {
		if len(names) == 0 {
			out = append(out, m)
			continue
		}
		for _, n := range names {
			if m.Event == n {
				out = append(out, m)
			}
		}
	}
	return out
}

func (f *fakeConn) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	results []error
	conns   []*fakeConn
	tokens  []string
	dials   int

	// preDrop closes the next dialed connection from the remote side before
	// Dial returns.
	preDrop error
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint, token string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.tokens = append(d.tokens, token)
	if len(d.results) > 0 {
		err := d.results[0]
		d.results = d.results[1:]
		if err != nil {
			return nil, err
		}
	}

	c := newFakeConn()
	if d.preDrop != nil {
		c.drop(d.preDrop)
		d.preDrop = nil
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dropOnDial(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preDrop = err
}

func (d *fakeDialer) failNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, errs...)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.conns, "no connection was established")
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) usedTokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

type scheduled struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// fakeTimer records scheduled reconnects so tests fire them by hand.
type fakeTimer struct {
	mu    sync.Mutex
	items []*scheduled
}

func (ft *fakeTimer) schedule(d time.Duration, fn func()) func() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	s := &scheduled{delay: d, fn: fn}
	ft.items = append(ft.items, s)
	return func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		active := !s.stopped && !s.fired
		s.stopped = true
		return active
	}
}

func (ft *fakeTimer) pending() []*scheduled {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	var out []*scheduled
	for _, s := range ft.items {
		if !s.stopped && !s.fired {
			out = append(out, s)
		}
	}
	return out
}

// fire runs the single pending timer and returns its delay.
func (ft *fakeTimer) fire(t *testing.T) time.Duration {
	t.Helper()

	ft.mu.Lock()
	var next *scheduled
	count := 0
	for _, s := range ft.items {
		if !s.stopped && !s.fired {
			next = s
			count++
		}
	}
	require.Equal(t, 1, count, "expected exactly one pending timer")
	next.fired = true
	ft.mu.Unlock()

	next.fn()
	return next.delay
}

type recordingPresenter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (p *recordingPresenter) Present(a Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
}

func (p *recordingPresenter) all() []Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Alert(nil), p.alerts...)
}

func (p *recordingPresenter) bySource(source string) []Alert {
	var out []Alert
	for _, a := range p.all() {
		if a.Source == source {
			out = append(out, a)
		}
	}
	return out
}

type harness struct {
	client    *Client
	dialer    *fakeDialer
	timer     *fakeTimer
	presenter *recordingPresenter
}

func newHarness(t *testing.T, opts ...ClientOption) *harness {
	t.Helper()

	h := &harness{
		dialer:    &fakeDialer{},
		timer:     &fakeTimer{},
		presenter: &recordingPresenter{},
	}

	base := []ClientOption{
		WithDialer(h.dialer),
		WithLogger(zap.NewNop()),
		WithAlertPresenter(h.presenter),
		withTimer(h.timer.schedule),
	}
	h.client = NewClient("ws://transit.test/ws", append(base, opts...)...)
	t.Cleanup(h.client.Disconnect)
	return h
}

func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, h.client.Connect(context.Background()))
	require.Equal(t, StateConnected, h.client.State())
	return h.dialer.last(t)
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := h.client.WaitForState(ctx, want)
	require.NoError(t, err, "state stayed %s, want %s", got, want)
}

func serverRestart() error {
	return &websocket.CloseError{Code: websocket.CloseServiceRestart, Text: "restarting"}
}

func payloadOf(t *testing.T, m Message) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(m.Data, &out))
	return out
}
