package state

import (
	"sync"
	"time"
)

// DefaultFrameInterval approximates one display refresh at 60Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler defers a single callback. Coalescing of repeated notifications
// is done by Manager, so implementations only need to run fn later.
type Scheduler interface {
	Schedule(fn func())
}

// FrameScheduler runs callbacks after a fixed frame interval on a timer
// goroutine. It is the default scheduler.
type FrameScheduler struct {
	interval time.Duration
}

// NewFrameScheduler creates a timer-based scheduler.
// Non-positive intervals fall back to DefaultFrameInterval.
func NewFrameScheduler(interval time.Duration) *FrameScheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &FrameScheduler{interval: interval}
}

// Schedule runs fn after one frame interval.
func (s *FrameScheduler) Schedule(fn func()) {
	time.AfterFunc(s.interval, fn)
}

// Interval returns the frame interval.
func (s *FrameScheduler) Interval() time.Duration {
	return s.interval
}

// SyncScheduler runs callbacks immediately on the calling goroutine.
type SyncScheduler struct{}

// Schedule runs fn now.
func (SyncScheduler) Schedule(fn func()) { fn() }

// ManualScheduler queues callbacks until Flush is called.
// Used for deterministic tests.
//
// Thread-safety: safe for concurrent use.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []func()
}

// NewManualScheduler creates an empty manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// Schedule queues fn.
func (s *ManualScheduler) Schedule(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, fn)
}

// Pending returns the number of queued callbacks.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush runs every queued callback, including any scheduled while flushing.
// Returns the number of callbacks run.
func (s *ManualScheduler) Flush() int {
	ran := 0
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			return ran
		}
		for _, fn := range batch {
			fn()
			ran++
		}
	}
}
