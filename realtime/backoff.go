package realtime

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxAttempts = 5
)

// Policy decides whether and when to retry after a drop or a failed connect.
// Attempt n (1-indexed) waits BaseDelay * 2^(n-1). A failure count reaching
// MaxAttempts is terminal. MaxAttempts of 0 disables automatic retries and a
// negative value retries forever.
type Policy struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxAttempts int
	failures    int
}

func NewPolicy(baseDelay time.Duration, maxAttempts int) *Policy {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Policy{
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
	}
}

// Delay returns the wait before attempt n.
func (p *Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift >= 62 || p.baseDelay > time.Duration(math.MaxInt64>>uint(shift)) {
		return time.Duration(math.MaxInt64)
	}
	return p.baseDelay << uint(shift)
}

// Dropped plans the first attempt after a live connection was lost.
func (p *Policy) Dropped() (attempt int, delay time.Duration, retry bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exhausted() {
		return 0, 0, false
	}
	attempt = p.failures + 1
	return attempt, p.Delay(attempt), true
}

// Failed records a failed connect attempt and plans the next one.
func (p *Policy) Failed() (attempt int, delay time.Duration, retry bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures++
	if p.exhausted() {
		return 0, 0, false
	}
	attempt = p.failures + 1
	return attempt, p.Delay(attempt), true
}

func (p *Policy) exhausted() bool {
	return p.maxAttempts >= 0 && p.failures >= p.maxAttempts
}

// Reset zeroes the failure count after a successful connect or a manual
// reconnect.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
}

// Attempts returns the failed attempts since the last reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// timerFunc schedules f after d and returns a function that cancels it.
type timerFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}
