package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kleeedolinux/transit.go/realtime/transport"
)

type drop struct {
	epoch  uint64
	reason DisconnectReason
}

type recordingListener struct {
	mu       sync.Mutex
	events   []Event
	drops    []drop
	errs     []error
	dropped  chan struct{}
	received chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		dropped:  make(chan struct{}, 4),
		received: make(chan struct{}, 16),
	}
}

func (l *recordingListener) channelMessage(epoch uint64, ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.received <- struct{}{}
}

func (l *recordingListener) channelDisconnect(epoch uint64, reason DisconnectReason, err error) {
	l.mu.Lock()
	l.drops = append(l.drops, drop{epoch: epoch, reason: reason})
	l.mu.Unlock()
	l.dropped <- struct{}{}
}

func (l *recordingListener) channelError(epoch uint64, err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
	l.received <- struct{}{}
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestDisconnectReason(t *testing.T) {
	tests := []struct {
		err  error
		want DisconnectReason
	}{
		{&websocket.CloseError{Code: websocket.CloseServiceRestart}, ReasonServerClose},
		{&websocket.CloseError{Code: websocket.CloseGoingAway}, ReasonServerClose},
		{&websocket.CloseError{Code: transport.CloseAuthFailed}, ReasonAuthFailed},
		{&websocket.CloseError{Code: websocket.ClosePolicyViolation}, ReasonAuthFailed},
		{errors.New("connection reset by peer"), ReasonTransportError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, disconnectReason(tt.err), "%v", tt.err)
	}

	assert.True(t, ReasonServerClose.Reconnectable())
	assert.True(t, ReasonTransportError.Reconnectable())
	assert.False(t, ReasonClientClose.Reconnectable())
	assert.False(t, ReasonAuthFailed.Reconnectable())
}

func TestChannelDeliversInOrder(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(d, zap.NewNop())
	l := newRecordingListener()

	require.NoError(t, ch.Open(context.Background(), 1, "ws://x", ""))
	require.True(t, ch.Start(1, l))
	conn := d.last(t)

	conn.push(t, EventTripUpdate, map[string]string{"trip_id": "1"})
	conn.pushRaw(`garbage`)
	conn.push(t, EventTripUpdate, map[string]string{"trip_id": "2"})
	for i := 0; i < 3; i++ {
		wait(t, l.received)
	}

	l.mu.Lock()
	require.Len(t, l.events, 2)
	assert.JSONEq(t, `{"trip_id":"1"}`, string(l.events[0].Payload))
	assert.JSONEq(t, `{"trip_id":"2"}`, string(l.events[1].Payload))
	require.Len(t, l.errs, 1)
	assert.ErrorIs(t, l.errs[0], ErrInvalidMessage)
	l.mu.Unlock()
}

func TestChannelReportsRemoteDrop(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(d, zap.NewNop())
	l := newRecordingListener()

	require.NoError(t, ch.Open(context.Background(), 7, "ws://x", ""))
	require.True(t, ch.Start(7, l))
	d.last(t).drop(serverRestart())
	wait(t, l.dropped)

	l.mu.Lock()
	assert.Equal(t, []drop{{epoch: 7, reason: ReasonServerClose}}, l.drops)
	l.mu.Unlock()
	assert.False(t, ch.connected())
	assert.False(t, ch.Send(EventPing, nil))
}

func TestChannelCloseIsSilent(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(d, zap.NewNop())
	l := newRecordingListener()

	require.NoError(t, ch.Open(context.Background(), 1, "ws://x", ""))
	require.True(t, ch.Start(1, l))
	conn := d.last(t)
	require.True(t, ch.Send(EventPing, nil))
	assert.Len(t, conn.messages(EventPing), 1)

	ch.Close()
	ch.Close()

	assert.True(t, conn.closed())
	assert.False(t, ch.Send(EventPing, nil))

	select {
	case <-l.dropped:
		t.Fatal("local close must not report a disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelOpenReplacesConnection(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(d, zap.NewNop())
	l := newRecordingListener()

	require.NoError(t, ch.Open(context.Background(), 1, "ws://x", ""))
	require.True(t, ch.Start(1, l))
	first := d.last(t)
	require.NoError(t, ch.Open(context.Background(), 2, "ws://x", ""))
	require.True(t, ch.Start(2, l))

	assert.True(t, first.closed())
	assert.False(t, d.last(t).closed())

	select {
	case <-l.dropped:
		t.Fatal("superseded connection must not report a disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelDialError(t *testing.T) {
	d := &fakeDialer{}
	d.failNext(errors.New("refused"))
	ch := NewChannel(d, zap.NewNop())

	err := ch.Open(context.Background(), 1, "ws://x", "")
	require.EqualError(t, err, "refused")
	assert.False(t, ch.connected())
}

func TestChannelBuffersUntilStart(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(d, zap.NewNop())
	l := newRecordingListener()

	require.NoError(t, ch.Open(context.Background(), 3, "ws://x", ""))
	conn := d.last(t)
	conn.push(t, EventPong, nil)

	select {
	case <-l.received:
		t.Fatal("frames must not be delivered before Start")
	case <-time.After(50 * time.Millisecond):
	}

	assert.False(t, ch.Start(2, l), "stale epoch")
	require.True(t, ch.Start(3, l))
	assert.False(t, ch.Start(3, l), "loop already running")
	wait(t, l.received)
}

func TestChannelStartAfterRemoteClose(t *testing.T) {
	d := &fakeDialer{}
	d.dropOnDial(&websocket.CloseError{Code: transport.CloseAuthFailed})
	ch := NewChannel(d, zap.NewNop())
	l := newRecordingListener()

	require.NoError(t, ch.Open(context.Background(), 1, "ws://x", ""))
	require.True(t, ch.Start(1, l))
	wait(t, l.dropped)

	l.mu.Lock()
	assert.Equal(t, []drop{{epoch: 1, reason: ReasonAuthFailed}}, l.drops)
	l.mu.Unlock()
}

func TestChannelStartAfterCloseFails(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(d, zap.NewNop())

	require.NoError(t, ch.Open(context.Background(), 1, "ws://x", ""))
	ch.Close()
	assert.False(t, ch.Start(1, newRecordingListener()))
}
