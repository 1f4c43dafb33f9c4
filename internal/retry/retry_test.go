package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffCalculation(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 1000*time.Millisecond, p.DelayForAttempt(0))
	assert.Equal(t, 2000*time.Millisecond, p.DelayForAttempt(1))
	assert.Equal(t, 4000*time.Millisecond, p.DelayForAttempt(2))
	assert.Equal(t, 8000*time.Millisecond, p.DelayForAttempt(3))
}

func TestMaxDelayCap(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 30000*time.Millisecond, p.DelayForAttempt(10))
}

func TestMaxAttempts(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = Finite(3)

	assert.True(t, p.ShouldRetry(0))
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
}

func TestInfiniteRetry(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.ShouldRetry(0))
	assert.True(t, p.ShouldRetry(100))
	assert.True(t, p.ShouldRetry(1000))
}

func TestMaxAttemptsZeroMeansExhaustedOnFirstFailure(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = Finite(0)
	assert.False(t, p.ShouldRetry(0))
	_, ok := p.Next(0)
	assert.False(t, ok)
}

func TestMonotoneNonDecreasingUntilSaturation(t *testing.T) {
	p := Policy{
		InitialDelay: 100 * time.Millisecond,
		Backoff:      1.5,
		MaxDelay:     5 * time.Second,
	}

	var prev time.Duration
	for n := uint32(0); n < 50; n++ {
		d := p.DelayForAttempt(n)
		assert.LessOrEqual(t, prev, d)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}
