package realtime

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelay(t *testing.T) {
	p := NewPolicy(time.Second, 5)

	for n, want := range map[int]time.Duration{
		0: time.Second,
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		5: 16 * time.Second,
	} {
		assert.Equal(t, want, p.Delay(n), "attempt %d", n)
	}

	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(80))
}

func TestPolicyCeiling(t *testing.T) {
	p := NewPolicy(100*time.Millisecond, 3)

	attempt, delay, retry := p.Dropped()
	assert.True(t, retry)
	assert.Equal(t, 1, attempt)
	assert.Equal(t, 100*time.Millisecond, delay)

	attempt, delay, retry = p.Failed()
	assert.True(t, retry)
	assert.Equal(t, 2, attempt)
	assert.Equal(t, 200*time.Millisecond, delay)

	_, _, retry = p.Failed()
	assert.True(t, retry)

	_, _, retry = p.Failed()
	assert.False(t, retry)
	assert.Equal(t, 3, p.Attempts())

	_, _, retry = p.Dropped()
	assert.False(t, retry)

	p.Reset()
	assert.Zero(t, p.Attempts())
	_, _, retry = p.Dropped()
	assert.True(t, retry)
}

func TestPolicyDisabledAndUnlimited(t *testing.T) {
	disabled := NewPolicy(time.Second, 0)
	_, _, retry := disabled.Dropped()
	assert.False(t, retry)

	unlimited := NewPolicy(time.Millisecond, -1)
	for i := 0; i < 100; i++ {
		_, _, retry = unlimited.Failed()
		assert.True(t, retry)
	}
	assert.Equal(t, 100, unlimited.Attempts())
}

func TestPolicyDefaults(t *testing.T) {
	p := NewPolicy(0, DefaultMaxAttempts)
	assert.Equal(t, DefaultBaseDelay, p.baseDelay)
	assert.Equal(t, 5, p.maxAttempts)
}
