package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/clock"
	"github.com/ashureev/wardrobe-sync/internal/retry"
)

// Lifecycle events that trigger repeated profile pushes.
const (
	EventForegrounded        = "foregrounded"
	EventOnboardingCompleted = "onboarding_completed"
)

// IsLifecycleEvent reports whether name is a known lifecycle event.
func IsLifecycleEvent(name string) bool {
	return name == EventForegrounded || name == EventOnboardingCompleted
}

// RepeatPolicy returns the policy for count pushes in total: one
// immediately, then count-1 more at delays growing from first.
func RepeatPolicy(count int, first time.Duration) retry.Policy {
	if count < 1 {
		count = 1
	}
	return retry.Exponential(first, 2, 0, count-1)
}

// Repeater pushes the profile a bounded number of times after a lifecycle
// event. A single push can be lost while the companion is unreachable;
// repetition stands in for acknowledgements.
type Repeater struct {
	push    func(ctx context.Context) error
	logger  *slog.Logger
	repeats bool

	mu       sync.Mutex
	ctx      context.Context
	reason   string
	schedule *retry.Schedule
}

// NewRepeater returns a Repeater calling push on the policy's schedule.
// Follow-up pushes are only armed for a bounded policy.
func NewRepeater(clk clock.Clock, policy retry.Policy, push func(ctx context.Context) error, logger *slog.Logger) *Repeater {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repeater{
		push:    push,
		logger:  logger.With("component", "repeater"),
		repeats: policy.Bounded(),
	}
	r.schedule = retry.NewSchedule(clk, policy, r.fire)
	return r
}

// Trigger pushes now and arms the follow-up pushes, replacing any
// schedule left from an earlier event.
func (r *Repeater) Trigger(ctx context.Context, reason string) error {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	r.schedule.Reset()
	r.ctx = ctx
	r.reason = reason
	r.mu.Unlock()

	r.logger.Info("repeating profile push", "reason", reason)
	err := r.push(ctx)
	if r.repeats {
		r.schedule.Next()
	}
	return err
}

// Stop cancels pending pushes.
func (r *Repeater) Stop() {
	r.mu.Lock()
	r.ctx = nil
	r.mu.Unlock()
	r.schedule.Stop()
}

// Pending reports whether a follow-up push is armed.
func (r *Repeater) Pending() bool {
	return r.schedule.Armed()
}

func (r *Repeater) fire(attempt int) {
	r.mu.Lock()
	ctx, reason := r.ctx, r.reason
	r.mu.Unlock()
	if ctx == nil {
		return
	}

	if err := r.push(ctx); err != nil {
		r.logger.Warn("repeated profile push failed", "reason", reason, "attempt", attempt, "error", err)
	}
	r.schedule.Next()
}
