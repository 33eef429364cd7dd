// Package backoff provides retry delay strategies for the worker's reconnect
// loop. Strategies are stateless and safe for concurrent use; Timer is the
// stateful wrapper that walks a strategy attempt by attempt and resets on a
// successful connection.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// This prevents thundering herd when many workers reconnect simultaneously.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Timer
// ──────────────────────────────────────────────────

// Timer tracks the delay before the next reconnection attempt. It holds the
// delay flat for Flat attempts, then doubles it, capped at Max. Flat = 0
// means the delay never grows. Reset returns the timer to the initial delay
// after a successful connection.
//
// Timer is not safe for concurrent use; each reconnect loop owns its own.
type Timer struct {
	Initial time.Duration
	Max     time.Duration
	Flat    int

	cur time.Duration
	rem int
}

// NewTimer creates a reconnect timer in the reset state.
func NewTimer(initial, maxDelay time.Duration, flat int) *Timer {
	t := &Timer{Initial: initial, Max: maxDelay, Flat: flat}
	t.Reset()
	return t
}

// Next returns the delay to wait before the next attempt and advances the
// timer's internal state.
func (t *Timer) Next() time.Duration {
	res := t.cur

	if t.Flat != 0 {
		t.rem--
		if t.rem == 0 {
			t.rem = t.Flat
			t.cur *= 2
			if t.Max > 0 && t.cur > t.Max {
				t.cur = t.Max
			}
		}
	}

	return res
}

// Reset returns the timer to the initial delay.
func (t *Timer) Reset() {
	t.cur = t.Initial
	t.rem = t.Flat
}

// ──────────────────────────────────────────────────
// Retry
// ──────────────────────────────────────────────────

// Retry walks a Strategy attempt by attempt. It satisfies the same
// Next/Reset contract as Timer, so a reconnect loop can drive either.
//
// Retry is not safe for concurrent use; each reconnect loop owns its own.
type Retry struct {
	strategy Strategy
	attempt  int
}

// NewRetry creates a Retry in the reset state.
func NewRetry(s Strategy) *Retry {
	return &Retry{strategy: s}
}

// Next returns the delay before the next attempt and advances the counter.
func (r *Retry) Next() time.Duration {
	r.attempt++
	return r.strategy.Delay(r.attempt)
}

// Reset returns the retry to the first attempt.
func (r *Retry) Reset() {
	r.attempt = 0
}
