package effects

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reframe/internal/errhandler"
	"github.com/roach88/reframe/internal/registrar"
	"github.com/roach88/reframe/internal/state"
)

type dispatched struct {
	Event   string
	Payload any
}

// fixture wires an executor to recording collaborators.
type fixture struct {
	x            *Executor
	state        *state.Manager
	errs         *errhandler.Handler
	mu           sync.Mutex
	dispatches   []dispatched
	deregistered []string
	reported     []errhandler.Context
	timers       []func()
	timerDelays  []time.Duration
}

func newFixture(t *testing.T, initial any) *fixture {
	t.Helper()
	f := &fixture{
		state: state.NewManager(initial, state.NewManualScheduler()),
		errs:  errhandler.New(),
	}
	f.errs.Register(func(err error, ec errhandler.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.reported = append(f.reported, ec)
		return nil
	}, nil)

	f.x = NewExecutor(
		registrar.New(),
		f.state,
		f.errs,
		func(_ context.Context, key string, payload any) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.dispatches = append(f.dispatches, dispatched{key, payload})
		},
		func(key string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.deregistered = append(f.deregistered, key)
		},
		WithAfterFunc(func(d time.Duration, fn func()) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.timerDelays = append(f.timerDelays, d)
			f.timers = append(f.timers, fn)
		}),
	)
	return f
}

func (f *fixture) fireTimers() {
	f.mu.Lock()
	timers := f.timers
	f.timers = nil
	f.mu.Unlock()
	for _, fn := range timers {
		fn()
	}
}

// recordingSink collects effect traces.
type recordingSink struct {
	mu     sync.Mutex
	traces []Trace
}

func (s *recordingSink) RecordEffect(tr Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, tr)
}

func TestExecute_Empty(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.x.Execute(context.Background(), nil, "e", nil, nil))
	require.NoError(t, f.x.Execute(context.Background(), Effects{}, "e", nil, nil))
}

func TestExecute_DBWritesState(t *testing.T) {
	f := newFixture(t, map[string]any{"count": 0})
	next := map[string]any{"count": 1}

	require.NoError(t, f.x.Execute(context.Background(), Effects{KeyDB: next}, "inc", nil, nil))
	assert.Equal(t, next, f.state.GetState())
}

func TestExecute_DBBeforeOthersBeforeFx(t *testing.T) {
	f := newFixture(t, "old")

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	f.x.Register("a", func(_ context.Context, _ any, deps Deps) error {
		assert.Equal(t, "new", deps.GetState(), "db runs before other effects")
		record("a")
		return nil
	})
	f.x.Register("b", func(_ context.Context, _ any, deps Deps) error {
		assert.Equal(t, "new", deps.GetState())
		record("b")
		return nil
	})
	f.x.Register("step", func(_ context.Context, cfg any, _ Deps) error {
		record(cfg.(string))
		return nil
	})

	err := f.x.Execute(context.Background(), Effects{
		KeyDB: "new",
		"a":   true,
		"b":   true,
		KeyFx: []FxEntry{{Type: "step", Config: "fx-1"}, {Type: "step", Config: "fx-2"}},
	}, "e", nil, nil)
	require.NoError(t, err)

	require.Len(t, order, 4)
	assert.ElementsMatch(t, []string{"a", "b"}, order[:2], "non-fx effects have no relative order")
	assert.Equal(t, []string{"fx-1", "fx-2"}, order[2:], "fx runs last, in order")
}

func TestExecute_NonFxEffectsRunConcurrently(t *testing.T) {
	f := newFixture(t, nil)

	// Each effect waits for the other; sequential execution would deadlock.
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	f.x.Register("a", func(context.Context, any, Deps) error {
		close(aStarted)
		select {
		case <-bStarted:
			return nil
		case <-time.After(time.Second):
			return errors.New("b never started")
		}
	})
	f.x.Register("b", func(context.Context, any, Deps) error {
		close(bStarted)
		select {
		case <-aStarted:
			return nil
		case <-time.After(time.Second):
			return errors.New("a never started")
		}
	})

	require.NoError(t, f.x.Execute(context.Background(), Effects{"a": 1, "b": 2}, "e", nil, nil))
	assert.Empty(t, f.reported)
}

func TestExecute_FailingEffectIsIsolated(t *testing.T) {
	f := newFixture(t, nil)

	var siblingRan, fxRan bool
	f.x.Register("broken", func(context.Context, any, Deps) error {
		return errors.New("boom")
	})
	f.x.Register("panicky", func(context.Context, any, Deps) error {
		panic("kaboom")
	})
	f.x.Register("sibling", func(context.Context, any, Deps) error {
		siblingRan = true
		return nil
	})
	f.x.Register("later", func(context.Context, any, Deps) error {
		fxRan = true
		return nil
	})

	err := f.x.Execute(context.Background(), Effects{
		"broken":  nil,
		"panicky": nil,
		"sibling": nil,
		KeyFx:     []any{[]any{"later", nil}},
	}, "save", "payload", nil)
	require.NoError(t, err)

	assert.True(t, siblingRan)
	assert.True(t, fxRan, "fx still runs after a sibling failure")

	require.Len(t, f.reported, 2)
	types := []string{f.reported[0].EffectType, f.reported[1].EffectType}
	assert.ElementsMatch(t, []string{"broken", "panicky"}, types)
	for _, ec := range f.reported {
		assert.Equal(t, errhandler.PhaseEffect, ec.Phase)
		assert.Equal(t, "save", ec.EventKey)
		assert.Equal(t, "payload", ec.Payload)
	}
}

func TestExecute_RethrowSkipsFx(t *testing.T) {
	f := newFixture(t, nil)
	f.errs.Register(func(error, errhandler.Context) error { return nil }, &errhandler.Config{Rethrow: true})

	var siblingRan, fxRan bool
	f.x.Register("broken", func(context.Context, any, Deps) error { return errors.New("boom") })
	f.x.Register("sibling", func(context.Context, any, Deps) error { siblingRan = true; return nil })
	f.x.Register("later", func(context.Context, any, Deps) error { fxRan = true; return nil })

	err := f.x.Execute(context.Background(), Effects{
		"broken":  nil,
		"sibling": nil,
		KeyFx:     []FxEntry{{Type: "later"}},
	}, "e", nil, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, siblingRan)
	assert.False(t, fxRan)
}

func TestExecute_MissingHandlerIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	err := f.x.Execute(context.Background(), Effects{
		"unknown": 1,
		KeyFx:     []FxEntry{{Type: "also-unknown"}},
	}, "e", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, f.reported)
}

func TestExecute_FxEntries(t *testing.T) {
	f := newFixture(t, "old")

	var seen []any
	f.x.Register("log", func(_ context.Context, cfg any, deps Deps) error {
		seen = append(seen, deps.GetState())
		return nil
	})

	err := f.x.Execute(context.Background(), Effects{
		KeyFx: []any{
			nil,
			[]any{KeyDB, "from-fx"},
			FxEntry{Type: "log"},
			[]any{KeyFx, nil},
			"malformed",
		},
	}, "e", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "from-fx", f.state.GetState(), "db tuple inside fx still executes")
	assert.Equal(t, []any{"from-fx"}, seen, "fx entries see state from earlier entries")
}

func TestExecute_FxNotArray(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.x.Execute(context.Background(), Effects{KeyFx: 42}, "e", nil, nil))
}

func TestExecute_TraceSink(t *testing.T) {
	f := newFixture(t, 0)
	f.x.Register("broken", func(context.Context, any, Deps) error { return errors.New("boom") })

	sink := &recordingSink{}
	err := f.x.Execute(context.Background(), Effects{
		KeyDB:    1,
		"broken": "cfg",
	}, "e", nil, sink)
	require.NoError(t, err)

	require.Len(t, sink.traces, 2)
	assert.Equal(t, KeyDB, sink.traces[0].EffectType)
	assert.Equal(t, 1, sink.traces[0].Config)
	assert.NoError(t, sink.traces[0].Err)
	assert.Equal(t, "broken", sink.traces[1].EffectType)
	assert.EqualError(t, sink.traces[1].Err, "boom")
	assert.GreaterOrEqual(t, sink.traces[1].Duration, time.Duration(0))
}

func TestBuiltin_Dispatch(t *testing.T) {
	tests := []struct {
		name string
		cfg  any
		want []dispatched
	}{
		{"typed", Dispatch{Event: "next", Payload: 1}, []dispatched{{"next", 1}}},
		{"pointer", &Dispatch{Event: "next"}, []dispatched{{"next", nil}}},
		{"map", map[string]any{"event": "next", "payload": "p"}, []dispatched{{"next", "p"}}},
		{"nil is skipped", nil, nil},
		{"missing event", map[string]any{"payload": 1}, nil},
		{"non-string event", map[string]any{"event": 7}, nil},
		{"wrong type", 42, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, f.x.Execute(context.Background(), Effects{KeyDispatch: tt.cfg}, "e", nil, nil))
			assert.Equal(t, tt.want, f.dispatches)
			assert.Empty(t, f.reported, "malformed dispatch is logged, not reported")
		})
	}
}

func TestBuiltin_DispatchN(t *testing.T) {
	f := newFixture(t, nil)
	cfg := []any{
		Dispatch{Event: "a", Payload: 1},
		nil,
		map[string]any{"event": "b"},
		map[string]any{"nope": true},
		Dispatch{Event: "c"},
	}

	require.NoError(t, f.x.Execute(context.Background(), Effects{KeyDispatchN: cfg}, "e", nil, nil))
	assert.Equal(t, []dispatched{{"a", 1}, {"b", nil}, {"c", nil}}, f.dispatches)

	f2 := newFixture(t, nil)
	require.NoError(t, f2.x.Execute(context.Background(), Effects{KeyDispatchN: "not-array"}, "e", nil, nil))
	assert.Empty(t, f2.dispatches)
}

func TestBuiltin_DispatchLater(t *testing.T) {
	f := newFixture(t, nil)
	cfg := []any{
		DispatchLater{Ms: 100, Event: "tick", Payload: 1},
		map[string]any{"ms": 50, "event": "tock"},
		map[string]any{"event": "no-ms"},
		map[string]any{"ms": 10},
		nil,
	}

	require.NoError(t, f.x.Execute(context.Background(), Effects{KeyDispatchLater: cfg}, "e", nil, nil))
	assert.Empty(t, f.dispatches, "dispatch-later does not dispatch synchronously")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 50 * time.Millisecond}, f.timerDelays)

	f.fireTimers()
	assert.Equal(t, []dispatched{{"tick", 1}, {"tock", nil}}, f.dispatches)
}

func TestBuiltin_DispatchLater_RealTimer(t *testing.T) {
	done := make(chan string, 1)
	x := NewExecutor(
		registrar.New(),
		state.NewManager(nil, state.SyncScheduler{}),
		errhandler.New(),
		func(_ context.Context, key string, _ any) { done <- key },
		func(string) {},
	)

	require.NoError(t, x.Execute(context.Background(), Effects{
		KeyDispatchLater: []DispatchLater{{Ms: 1, Event: "later"}},
	}, "e", nil, nil))

	select {
	case key := <-done:
		assert.Equal(t, "later", key)
	case <-time.After(time.Second):
		t.Fatal("dispatch-later never fired")
	}
}

func TestBuiltin_Deregister(t *testing.T) {
	tests := []struct {
		name string
		cfg  any
		want []string
	}{
		{"string", "old", []string{"old"}},
		{"array", []any{"a", 3, "b"}, []string{"a", "b"}},
		{"string slice", []string{"x", "y"}, []string{"x", "y"}},
		{"wrong type", 42, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, f.x.Execute(context.Background(), Effects{KeyDeregister: tt.cfg}, "e", nil, nil))
			assert.Equal(t, tt.want, f.deregistered)
		})
	}
}

func TestRegister_ReservedKeyRefused(t *testing.T) {
	f := newFixture(t, "old")
	f.x.Register(KeyDB, func(context.Context, any, Deps) error {
		return errors.New("should never run")
	})

	require.NoError(t, f.x.Execute(context.Background(), Effects{KeyDB: "new"}, "e", nil, nil))
	assert.Equal(t, "new", f.state.GetState(), "built-in db handler is used")
	assert.Empty(t, f.reported)
}

func TestAsFxEntry(t *testing.T) {
	e, ok := AsFxEntry([]any{"http", map[string]any{"url": "/x"}})
	require.True(t, ok)
	assert.Equal(t, "http", e.Type)

	_, ok = AsFxEntry([]any{"only-one"})
	assert.False(t, ok)
	_, ok = AsFxEntry([]any{1, 2})
	assert.False(t, ok)
	_, ok = AsFxEntry(&FxEntry{Type: "p"})
	assert.True(t, ok)
}
