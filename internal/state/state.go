// Package state holds the single authoritative state value and batches
// change notifications through an injectable Scheduler.
//
// Reads after SetState observe the new value immediately. Notifications are
// deferred: any number of SetState calls before the scheduler fires produce
// one notification carrying only the latest state.
package state

import (
	"log/slog"
	"sync"
)

// Listener receives the latest state on each batched notification.
type Listener func(state any)

// Manager holds the current state value.
//
// Thread-safety: all methods are safe for concurrent use. Listeners run on
// whatever goroutine the scheduler uses and never under the manager's lock.
// Deliveries never overlap: a notification that fires while listeners are
// still running is folded into one more round on the delivering goroutine.
type Manager struct {
	mu         sync.Mutex
	state      any
	pending    bool
	delivering bool
	again      bool
	scheduler  Scheduler
	listeners  []Listener
}

// NewManager creates a manager with an initial state.
// A nil scheduler selects the default FrameScheduler.
func NewManager(initial any, scheduler Scheduler) *Manager {
	if scheduler == nil {
		scheduler = NewFrameScheduler(DefaultFrameInterval)
	}
	return &Manager{
		state:     initial,
		scheduler: scheduler,
	}
}

// OnNotify registers a listener for batched notifications.
// Listeners are called in registration order.
func (m *Manager) OnNotify(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// GetState returns the current state by reference.
func (m *Manager) GetState() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState replaces the state when next is not identical to the current
// value, and schedules a notification. Returns whether the state changed.
func (m *Manager) SetState(next any) bool {
	m.mu.Lock()
	if Identical(m.state, next) {
		m.mu.Unlock()
		return false
	}
	m.state = next
	m.mu.Unlock()

	m.ScheduleNotification()
	return true
}

// ScheduleNotification schedules a notification unless one is pending.
func (m *Manager) ScheduleNotification() {
	m.mu.Lock()
	if m.pending {
		m.mu.Unlock()
		return
	}
	m.pending = true
	m.mu.Unlock()

	m.scheduler.Schedule(m.notify)
}

// Pending reports whether a notification is scheduled but not yet delivered.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// notify delivers the latest state to every listener, repeating while
// notifications arrive during delivery.
func (m *Manager) notify() {
	m.mu.Lock()
	if m.delivering {
		m.again = true
		m.mu.Unlock()
		return
	}
	m.delivering = true

	for {
		m.pending = false
		m.again = false
		current := m.state
		listeners := make([]Listener, len(m.listeners))
		copy(listeners, m.listeners)
		m.mu.Unlock()

		for _, l := range listeners {
			callListener(l, current)
		}

		m.mu.Lock()
		if !m.again {
			m.delivering = false
			m.mu.Unlock()
			return
		}
	}
}

func callListener(l Listener, current any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("state listener panicked", "panic", r)
		}
	}()
	l(current)
}
