// Package retry holds the bounded backoff policy shared by handshake
// polling, repeated profile pushes, shared store busy retries and
// transport redialing.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/clock"
)

// ErrAttemptsExhausted is returned once a policy has no attempts left.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy describes when to try again. A zero Multiplier (or 1) yields a
// fixed interval. MaxAttempts <= 0 means unbounded.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// Fixed returns a policy that waits interval between attempts, at most
// maxAttempts times.
func Fixed(interval time.Duration, maxAttempts int) Policy {
	return Policy{Interval: interval, MaxAttempts: maxAttempts}
}

// Exponential returns a policy whose delay grows by multiplier per attempt
// and is capped at maxDelay.
func Exponential(initial time.Duration, multiplier float64, maxDelay time.Duration, maxAttempts int) Policy {
	return Policy{
		Interval:    initial,
		MaxAttempts: maxAttempts,
		Multiplier:  multiplier,
		MaxDelay:    maxDelay,
	}
}

// Bounded reports whether the policy stops after MaxAttempts.
func (p Policy) Bounded() bool {
	return p.MaxAttempts > 0
}

// Exhausted reports whether attempt (1-indexed) is beyond the budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.Bounded() && attempt > p.MaxAttempts
}

// Delay returns the wait before attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Interval)
	if p.Multiplier > 1 {
		delay *= math.Pow(p.Multiplier, float64(attempt-1))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	d := time.Duration(delay)
	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return d
}

// Do calls fn until it succeeds, returns an error for which retryable is
// false, the context ends, or the budget runs out. Waits use clk.
func (p Policy) Do(ctx context.Context, clk clock.Clock, retryable func(error) bool, fn func(attempt int) error) error {
	if clk == nil {
		clk = clock.Real()
	}
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return err
		}
		if p.Exhausted(attempt + 1) {
			return errors.Join(ErrAttemptsExhausted, lastErr)
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), lastErr)
		case <-clk.After(p.Delay(attempt)):
		}
	}
}
