package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManualManager(t *testing.T, initial any) (*Manager, *ManualScheduler, *[]any) {
	t.Helper()
	sched := NewManualScheduler()
	m := NewManager(initial, sched)

	var mu sync.Mutex
	var got []any
	m.OnNotify(func(s any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
	})
	return m, sched, &got
}

func TestManager_GetState(t *testing.T) {
	initial := map[string]any{"count": 0}
	m, _, _ := newManualManager(t, initial)

	assert.True(t, Identical(initial, m.GetState()), "state is returned by reference")
}

func TestManager_SetState_SameReferenceIsNoop(t *testing.T) {
	initial := map[string]any{"count": 0}
	m, sched, got := newManualManager(t, initial)

	changed := m.SetState(initial)

	assert.False(t, changed)
	assert.False(t, m.Pending())
	assert.Equal(t, 0, sched.Pending(), "no notification scheduled")
	assert.Empty(t, *got)
}

func TestManager_SetState_DeepEqualButDifferentTriggers(t *testing.T) {
	m, sched, got := newManualManager(t, map[string]any{"count": 0})

	changed := m.SetState(map[string]any{"count": 0})

	assert.True(t, changed, "identity, not value, decides change")
	assert.Equal(t, 1, sched.Pending())
	sched.Flush()
	assert.Len(t, *got, 1)
}

func TestManager_SetState_VisibleImmediately(t *testing.T) {
	m, sched, got := newManualManager(t, 1)

	m.SetState(2)

	assert.Equal(t, 2, m.GetState(), "reads observe new state before notification")
	assert.Empty(t, *got)
	sched.Flush()
	assert.Equal(t, []any{2}, *got)
}

func TestManager_BatchesNotifications(t *testing.T) {
	m, sched, got := newManualManager(t, 0)

	m.SetState(1)
	m.SetState(2)
	m.SetState(3)

	assert.Equal(t, 1, sched.Pending(), "coalesced into one notification")
	sched.Flush()
	assert.Equal(t, []any{3}, *got, "only the latest state is delivered")

	m.SetState(4)
	sched.Flush()
	assert.Equal(t, []any{3, 4}, *got)
}

func TestManager_ScheduleNotificationIdempotent(t *testing.T) {
	m, sched, _ := newManualManager(t, 0)

	m.ScheduleNotification()
	m.ScheduleNotification()

	assert.Equal(t, 1, sched.Pending())
	assert.True(t, m.Pending())
	sched.Flush()
	assert.False(t, m.Pending())
}

func TestManager_ListenerPanicIsContained(t *testing.T) {
	sched := NewManualScheduler()
	m := NewManager(0, sched)

	var second []any
	m.OnNotify(func(any) { panic("boom") })
	m.OnNotify(func(s any) { second = append(second, s) })

	m.SetState(1)
	require.NotPanics(t, func() { sched.Flush() })
	assert.Equal(t, []any{1}, second)
}

func TestManager_SyncScheduler(t *testing.T) {
	m := NewManager(0, SyncScheduler{})
	var got []any
	m.OnNotify(func(s any) { got = append(got, s) })

	m.SetState(5)
	assert.Equal(t, []any{5}, got)
	assert.False(t, m.Pending())
}

func TestManager_FrameScheduler(t *testing.T) {
	m := NewManager(0, NewFrameScheduler(time.Millisecond))
	done := make(chan any, 4)
	m.OnNotify(func(s any) { done <- s })

	m.SetState(1)
	m.SetState(2)

	select {
	case s := <-done:
		assert.Equal(t, 2, s)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestManager_FrameScheduler_SlowListenerSerializes(t *testing.T) {
	m := NewManager(0, NewFrameScheduler(time.Millisecond))

	var (
		mu      sync.Mutex
		active  int
		overlap bool
		got     []any
	)
	started := make(chan struct{})
	var once sync.Once
	m.OnNotify(func(s any) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		got = append(got, s)
		mu.Unlock()

		once.Do(func() {
			close(started)
			time.Sleep(50 * time.Millisecond)
		})

		mu.Lock()
		active--
		mu.Unlock()
	})

	m.SetState(1)
	<-started
	m.SetState(2)
	time.Sleep(10 * time.Millisecond)
	m.SetState(3)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == 3 && !m.Pending()
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlap, "listener calls never overlap")
	assert.Equal(t, []any{1, 3}, got, "notifications during delivery fold into the latest state")
}

func TestManager_SyncScheduler_NestedSetState(t *testing.T) {
	m := NewManager(0, SyncScheduler{})
	var got []any
	m.OnNotify(func(s any) {
		got = append(got, s)
		if s == 1 {
			m.SetState(2)
			assert.Equal(t, []any{1}, got, "nested notification waits for the current round")
		}
	})

	m.SetState(1)
	assert.Equal(t, []any{1, 2}, got)
}

func TestNewFrameScheduler_DefaultInterval(t *testing.T) {
	assert.Equal(t, DefaultFrameInterval, NewFrameScheduler(0).Interval())
	assert.Equal(t, 5*time.Millisecond, NewFrameScheduler(5*time.Millisecond).Interval())
}

func TestManualScheduler_FlushRunsNestedSchedules(t *testing.T) {
	s := NewManualScheduler()
	var order []string
	s.Schedule(func() {
		order = append(order, "outer")
		s.Schedule(func() { order = append(order, "inner") })
	})

	ran := s.Flush()
	assert.Equal(t, 2, ran)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestIdentical(t *testing.T) {
	m := map[string]any{"a": 1}
	sl := []int{1, 2, 3}
	type point struct{ X, Y int }
	type holder struct{ M map[string]int }
	p := &point{1, 2}

	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"both nil", nil, nil, true},
		{"nil vs value", nil, 1, false},
		{"equal ints", 3, 3, true},
		{"different ints", 3, 4, false},
		{"different types", 3, int64(3), false},
		{"equal strings", "x", "x", true},
		{"same map", m, m, true},
		{"deep-equal maps", m, map[string]any{"a": 1}, false},
		{"same slice", sl, sl, true},
		{"resliced", sl, sl[:2], false},
		{"same pointer", p, p, true},
		{"equal pointees", p, &point{1, 2}, false},
		{"comparable structs", point{1, 2}, point{1, 2}, true},
		{"non-comparable struct", holder{}, holder{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Identical(tt.a, tt.b))
		})
	}
}
