package printer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Timer is the part of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// AfterFunc arms a single-shot timer calling f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SchedulerState is the reconnect scheduler state machine value.
type SchedulerState int

const (
	SchedulerIdle SchedulerState = iota
	SchedulerScheduled
	SchedulerAttempting
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerScheduled:
		return "scheduled"
	case SchedulerAttempting:
		return "attempting"
	}
	return "idle"
}

// Scheduler drives bounded automatic reconnection with linear backoff.
type Scheduler struct {
	attempt     func(ctx context.Context) error
	onExhausted func()
	after       AfterFunc
	base        time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	state    SchedulerState
	attempts int
	max      int
	gen      uint64
	timer    Timer
	cancel   context.CancelCauseFunc
	lastWait time.Duration
}

// NewScheduler creates a scheduler that calls attempt when a scheduled
// reconnect fires and onExhausted when the attempt cap is hit.
func NewScheduler(max int, base time.Duration, attempt func(ctx context.Context) error, onExhausted func(), after AfterFunc, log *slog.Logger) *Scheduler {
	if after == nil {
		after = realAfterFunc
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		attempt:     attempt,
		onExhausted: onExhausted,
		after:       after,
		base:        base,
		max:         max,
		log:         log,
	}
}

// Trigger schedules the next automatic reconnect after an involuntary
// disconnect. It returns false when nothing was scheduled, either because
// one is already pending or because the attempt cap was reached.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	if s.state != SchedulerIdle {
		s.mu.Unlock()
		return false
	}
	if s.attempts >= s.max {
		s.mu.Unlock()
		s.log.Warn("reconnect attempts exhausted", "attempts", s.max)
		if s.onExhausted != nil {
			s.onExhausted()
		}
		return false
	}

	s.attempts++
	delay := s.base * time.Duration(s.attempts)
	s.gen++
	gen := s.gen
	s.state = SchedulerScheduled
	s.lastWait = delay
	s.timer = s.after(delay, func() { s.fire(gen) })
	attempts := s.attempts
	s.mu.Unlock()

	s.log.Info("reconnect scheduled", "attempt", attempts, "of", s.max, "delay", delay)
	return true
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != SchedulerScheduled {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	s.cancel = cancel
	s.state = SchedulerAttempting
	s.timer = nil
	s.mu.Unlock()

	err := s.attempt(ctx)
	cancel(nil)

	s.mu.Lock()
	if gen != s.gen {
		// Cancelled or succeeded while the attempt ran
		s.mu.Unlock()
		return
	}
	s.state = SchedulerIdle
	s.cancel = nil
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("scheduled reconnect failed", "error", err)
		s.Trigger()
	}
}

// Succeeded resets the counter and drops any pending reconnect.
func (s *Scheduler) Succeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.attempts = 0
}

// Cancel drops any scheduled or in-flight scheduled reconnect. The counter
// is left alone.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// ResetCounter re-enables automatic reconnection after the cap was hit.
func (s *Scheduler) ResetCounter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
}

func (s *Scheduler) stopLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		// The attempt sees errAborted as the cause and stays quiet
		s.cancel(errAborted)
		s.cancel = nil
	}
	s.state = SchedulerIdle
}

// Attempts returns the reconnect counter.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Max returns the attempt cap.
func (s *Scheduler) Max() int {
	return s.max
}

// State returns the scheduler state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastDelay returns the delay of the most recently scheduled reconnect.
func (s *Scheduler) LastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWait
}
