package testutil

import (
	"sort"
	"sync"
	"time"
)

// VirtualClock is a manually advanced clock whose AfterFunc can stand in for
// time.AfterFunc in stores and tracers.
//
// Timers fire only inside Advance, on the caller's goroutine, in due-time
// order. Timers due at the same instant fire in the order they were
// scheduled.
//
// Thread-safety: all methods are safe for concurrent use. Callbacks run
// without the clock's lock held and may schedule more timers.
type VirtualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int64
	timers []virtualTimer
}

type virtualTimer struct {
	due time.Time
	seq int64
	fn  func()
}

// NewVirtualClock creates a clock reading start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

// Now returns the virtual time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn to run once the clock has advanced by d.
func (c *VirtualClock) AfterFunc(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.timers = append(c.timers, virtualTimer{due: c.now.Add(d), seq: c.seq, fn: fn})
}

// Advance moves the clock forward by d, firing every timer that becomes
// due, including timers scheduled by the callbacks themselves. Returns the
// number of timers fired.
func (c *VirtualClock) Advance(d time.Duration) int {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	fired := 0
	for {
		t, ok := c.popDue(target)
		if !ok {
			break
		}
		t.fn()
		fired++
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
	return fired
}

// popDue removes the earliest timer due at or before target and moves the
// clock to its due time.
func (c *VirtualClock) popDue(target time.Time) (virtualTimer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.timers) == 0 {
		return virtualTimer{}, false
	}
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].due.Equal(c.timers[j].due) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].due.Before(c.timers[j].due)
	})
	next := c.timers[0]
	if next.due.After(target) {
		return virtualTimer{}, false
	}
	c.timers = c.timers[1:]
	c.now = next.due
	return next, true
}

// Pending returns the number of timers not yet fired.
func (c *VirtualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
