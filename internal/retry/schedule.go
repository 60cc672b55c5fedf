package retry

import (
	"sync"

	"github.com/ashureev/wardrobe-sync/internal/clock"
)

// Schedule fires a callback at most MaxAttempts times, one armed timer at
// a time. The owner calls Next after each fire to arm the following one,
// so a slow attempt never overlaps the next tick.
type Schedule struct {
	clock  clock.Clock
	policy Policy
	fire   func(attempt int)

	mu    sync.Mutex
	fired int
	gen   uint64
	timer *clock.Timer
	armed bool
}

// NewSchedule returns an idle schedule. fire runs on the clock's timer
// goroutine with the 1-indexed attempt number.
func NewSchedule(clk clock.Clock, policy Policy, fire func(attempt int)) *Schedule {
	if clk == nil {
		clk = clock.Real()
	}
	return &Schedule{clock: clk, policy: policy, fire: fire}
}

// Next arms the timer for the next attempt. It returns false when the
// budget is spent; the schedule then stays idle until Reset.
func (s *Schedule) Next() bool {
	s.mu.Lock()
	if s.armed {
		s.mu.Unlock()
		return true
	}
	attempt := s.fired + 1
	if s.policy.Exhausted(attempt) {
		s.mu.Unlock()
		return false
	}
	s.gen++
	gen := s.gen
	s.armed = true
	delay := s.policy.Delay(attempt)
	s.mu.Unlock()

	timer := s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.gen != gen || !s.armed {
			s.mu.Unlock()
			return
		}
		s.armed = false
		s.timer = nil
		s.fired++
		n := s.fired
		s.mu.Unlock()
		s.fire(n)
	})

	s.mu.Lock()
	if s.gen == gen && s.armed {
		s.timer = timer
	}
	s.mu.Unlock()
	return true
}

// Stop cancels the armed timer, if any. The attempt count is kept.
func (s *Schedule) Stop() {
	s.mu.Lock()
	timer := s.timer
	s.timer = nil
	s.armed = false
	s.gen++
	s.mu.Unlock()
	timer.Stop()
}

// Reset stops the schedule and restores the full attempt budget.
func (s *Schedule) Reset() {
	s.Stop()
	s.mu.Lock()
	s.fired = 0
	s.mu.Unlock()
}

// Armed reports whether a timer is pending.
func (s *Schedule) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Fired returns how many times the schedule has fired since the last Reset.
func (s *Schedule) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Exhausted reports whether no further attempt can be armed.
func (s *Schedule) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.Exhausted(s.fired + 1)
}
