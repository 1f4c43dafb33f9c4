// Package retry implements the pure backoff/give-up policy shared by both
// x2ssh modes. It has no side effects and no knowledge of what it is
// retrying — the supervisor decides what "attempt" means.
package retry

import (
	"math"
	"time"
)

// MaxAttempts mirrors original_source/x2ssh/src/config.rs's MaxAttempts enum:
// either unbounded ("inf") or a finite count, including zero (which means
// "give up after the very first failure"). A bare uint32 can't distinguish
// "unbounded" from "zero attempts", and the spec explicitly tests
// max_attempts=0 as an immediate-exhaustion boundary case, so this needs to
// be its own type rather than overloading the zero value.
type MaxAttempts struct {
	Unbounded bool
	Count     uint32
}

// Unlimited is the "inf" sentinel.
var Unlimited = MaxAttempts{Unbounded: true}

// Finite wraps a bounded attempt count.
func Finite(n uint32) MaxAttempts { return MaxAttempts{Count: n} }

// Policy is the retry configuration.
type Policy struct {
	InitialDelay   time.Duration
	Backoff        float64 // multiplier, >= 1
	MaxDelay       time.Duration
	MaxAttempts    MaxAttempts
	HealthInterval time.Duration
}

// DefaultPolicy mirrors original_source/src/retry.rs's Default impl.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:   1000 * time.Millisecond,
		Backoff:        2.0,
		MaxDelay:       30000 * time.Millisecond,
		MaxAttempts:    Unlimited,
		HealthInterval: 5000 * time.Millisecond,
	}
}

// DelayForAttempt returns delay(n) = min(initial * backoff^n, max_delay).
func (p Policy) DelayForAttempt(attempt uint32) time.Duration {
	delayMS := float64(p.InitialDelay.Milliseconds()) * math.Pow(p.Backoff, float64(attempt))
	maxMS := float64(p.MaxDelay.Milliseconds())
	if delayMS > maxMS {
		delayMS = maxMS
	}
	return time.Duration(delayMS) * time.Millisecond
}

// ShouldRetry reports whether another attempt numbered `attempt` (0-based)
// is permitted under MaxAttempts.
func (p Policy) ShouldRetry(attempt uint32) bool {
	if p.MaxAttempts.Unbounded {
		return true
	}
	return attempt < p.MaxAttempts.Count
}

// Next is the single entry point the supervisor loop calls: given the
// attempt index that just failed, it returns the delay to wait before the
// next attempt, or ok=false if attempts are exhausted.
func (p Policy) Next(attempt uint32) (delay time.Duration, ok bool) {
	if !p.ShouldRetry(attempt) {
		return 0, false
	}
	return p.DelayForAttempt(attempt), true
}
