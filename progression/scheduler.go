package progression

import (
	"sync"
	"time"
)

// Scheduler drives periodic sweeps. It is a two-state machine, stopped or
// running, and it only schedules: the sweep body itself belongs to the
// engine and is passed in as a callback.
//
// The next tick is armed after a sweep returns, so the interval is measured
// from sweep end. A sweep that runs longer than the interval delays the next
// tick instead of stacking a second sweep behind it.
type Scheduler struct {
	sweep func()

	mu       sync.Mutex
	running  bool
	interval time.Duration
	timer    *time.Timer

	// gen identifies the current timer chain. Start and Stop bump it, and a
	// tick only re-arms when its generation is still current, so a sweep
	// that straddles a stop/start cannot resurrect the old chain next to
	// the new one.
	gen uint64
}

// NewScheduler creates a stopped scheduler around a sweep callback.
func NewScheduler(sweep func()) *Scheduler {
	return &Scheduler{sweep: sweep}
}

// Start arms the first tick after interval and returns the effective
// interval. Starting a running scheduler is a no-op that returns the
// interval already in force and started=false; it never creates a second
// timer.
func (s *Scheduler) Start(interval time.Duration) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.interval, false
	}

	s.running = true
	s.interval = interval
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(interval, func() { s.tick(gen) })
	return interval, true
}

// Stop cancels any pending tick and transitions to stopped. A sweep already
// in flight is left to finish; it simply will not be rescheduled. Stopping a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// TriggerOnce runs a sweep immediately, running or not. The sweep callback
// owns the concurrency guard, so a trigger overlapping a scheduled tick is
// skipped there, not here.
func (s *Scheduler) TriggerOnce() {
	s.sweep()
}

// Running reports whether the scheduler is in the running state.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Interval returns the configured interval, zero when stopped.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return s.interval
}

func (s *Scheduler) tick(gen uint64) {
	s.sweep()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && gen == s.gen {
		s.timer = time.AfterFunc(s.interval, func() { s.tick(gen) })
	}
}
