package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reframe/internal/effects"
	"github.com/roach88/reframe/internal/errhandler"
	"github.com/roach88/reframe/internal/registrar"
	"github.com/roach88/reframe/internal/state"
)

type fixture struct {
	m        *Manager
	x        *effects.Executor
	state    *state.Manager
	errs     *errhandler.Handler
	mu       sync.Mutex
	reported []reportedError
	queued   []string
}

type reportedError struct {
	err error
	ec  errhandler.Context
}

func newFixture(t *testing.T, initial any, providers map[string]func() any) *fixture {
	t.Helper()
	f := &fixture{
		state: state.NewManager(initial, state.NewManualScheduler()),
		errs:  errhandler.New(),
	}
	f.errs.Register(func(err error, ec errhandler.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.reported = append(f.reported, reportedError{err, ec})
		return nil
	}, nil)

	reg := registrar.New()
	f.x = effects.NewExecutor(reg, f.state, f.errs,
		func(_ context.Context, key string, _ any) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.queued = append(f.queued, key)
		},
		func(key string) { f.m.Deregister(key) },
	)
	f.m = NewManager(reg, f.state, f.x, f.errs, providers)
	return f
}

// recorder returns an interceptor that appends "<id>:before" and
// "<id>:after" to log.
func recorder(id string, log *[]string) Interceptor {
	return Interceptor{
		ID: id,
		Before: func(c Context) (Context, error) {
			*log = append(*log, id+":before")
			return c, nil
		},
		After: func(c Context) (Context, error) {
			*log = append(*log, id+":after")
			return c, nil
		},
	}
}

// =============================================================================
// Handlers
// =============================================================================

func TestHandleEvent_DbHandler(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.m.RegisterDb("inc", func(cofx Coeffects, _ any) (any, error) {
		return cofx.DB().(int) + 1, nil
	})

	require.NoError(t, f.m.HandleEvent(context.Background(), "inc", nil))
	require.NoError(t, f.m.HandleEvent(context.Background(), "inc", nil))
	assert.Equal(t, 2, f.state.GetState())
}

func TestHandleEvent_FxHandler(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.m.RegisterFx("set", func(cofx Coeffects, payload any) (effects.Effects, error) {
		return effects.Effects{
			effects.KeyDB:       payload,
			effects.KeyDispatch: effects.Dispatch{Event: "next"},
		}, nil
	})

	require.NoError(t, f.m.HandleEvent(context.Background(), "set", 7))
	assert.Equal(t, 7, f.state.GetState())
	assert.Equal(t, []string{"next"}, f.queued)
}

func TestHandleEvent_Coeffects(t *testing.T) {
	calls := 0
	f := newFixture(t, "db", map[string]func() any{
		"now": func() any { calls++; return calls },
	})

	var seen []Coeffects
	f.m.RegisterFx("look", func(cofx Coeffects, _ any) (effects.Effects, error) {
		seen = append(seen, cofx)
		return nil, nil
	})

	require.NoError(t, f.m.HandleEvent(context.Background(), "look", "p"))
	require.NoError(t, f.m.HandleEvent(context.Background(), "look", "p"))

	require.Len(t, seen, 2)
	assert.Equal(t, "db", seen[0].DB())
	assert.Equal(t, "p", seen[0].Event())
	assert.Equal(t, "look", seen[0].EventKey())
	assert.Equal(t, 1, seen[0]["now"])
	assert.Equal(t, 2, seen[1]["now"], "providers are evaluated on every dispatch")
}

func TestHandleEvent_Unregistered(t *testing.T) {
	f := newFixture(t, 0, nil)
	assert.NoError(t, f.m.HandleEvent(context.Background(), "missing", nil))
	assert.Empty(t, f.reported)
	assert.Equal(t, 0, f.state.GetState())
}

func TestDeregister(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.m.RegisterDb("inc", func(cofx Coeffects, _ any) (any, error) {
		return cofx.DB().(int) + 1, nil
	})
	assert.True(t, f.m.Has("inc"))

	f.m.Deregister("inc")
	assert.False(t, f.m.Has("inc"))
	require.NoError(t, f.m.HandleEvent(context.Background(), "inc", nil))
	assert.Equal(t, 0, f.state.GetState())
}

func TestDeregister_ViaEffect(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.m.RegisterDb("once", func(cofx Coeffects, _ any) (any, error) {
		return cofx.DB().(int) + 1, nil
	})
	f.m.RegisterFx("retire", func(Coeffects, any) (effects.Effects, error) {
		return effects.Effects{effects.KeyDeregister: "once"}, nil
	})

	require.NoError(t, f.m.HandleEvent(context.Background(), "retire", nil))
	assert.False(t, f.m.Has("once"))
}

// =============================================================================
// Chain order
// =============================================================================

func TestHandleEvent_ChainOrder(t *testing.T) {
	f := newFixture(t, 0, nil)
	var log []string

	f.m.RegisterGlobalInterceptor(recorder("g", &log))
	f.m.RegisterDb("ev", func(cofx Coeffects, _ any) (any, error) {
		log = append(log, "handler")
		return cofx.DB(), nil
	}, recorder("a", &log), recorder("b", &log))

	require.NoError(t, f.m.HandleEvent(context.Background(), "ev", nil))
	assert.Equal(t, []string{
		"g:before", "a:before", "b:before",
		"handler",
		"b:after", "a:after", "g:after",
	}, log)
}

func TestGlobalInterceptors_ReplaceAndClear(t *testing.T) {
	f := newFixture(t, 0, nil)
	var log []string

	f.m.RegisterGlobalInterceptor(recorder("g", &log))
	f.m.RegisterGlobalInterceptor(recorder("h", &log))
	f.m.RegisterGlobalInterceptor(Interceptor{ID: "g"})
	require.Len(t, f.m.GlobalInterceptors(), 2)
	assert.Equal(t, "g", f.m.GlobalInterceptors()[0].ID, "replacement keeps position")

	f.m.ClearGlobalInterceptors("g")
	require.Len(t, f.m.GlobalInterceptors(), 1)
	assert.Equal(t, "h", f.m.GlobalInterceptors()[0].ID)

	f.m.ClearGlobalInterceptors()
	assert.Empty(t, f.m.GlobalInterceptors())
}

func TestHandleEvent_InterceptorCanEnqueue(t *testing.T) {
	f := newFixture(t, 0, nil)
	var log []string

	adder := Interceptor{
		ID: "adder",
		Before: func(c Context) (Context, error) {
			return c.Enqueue(recorder("late", &log)), nil
		},
	}
	f.m.RegisterDb("ev", func(cofx Coeffects, _ any) (any, error) {
		log = append(log, "handler")
		return cofx.DB(), nil
	}, adder)

	require.NoError(t, f.m.HandleEvent(context.Background(), "ev", nil))
	assert.Equal(t, []string{"handler", "late:before", "late:after"}, log)
}

// =============================================================================
// Failures
// =============================================================================

func TestHandleEvent_HandlerError(t *testing.T) {
	f := newFixture(t, 0, nil)
	boom := errors.New("boom")
	f.m.RegisterFx("bad", func(Coeffects, any) (effects.Effects, error) {
		return nil, boom
	})

	require.NoError(t, f.m.HandleEvent(context.Background(), "bad", "p"))
	require.Len(t, f.reported, 1)

	got := f.reported[0]
	assert.ErrorIs(t, got.err, boom)
	assert.True(t, IsInterceptorError(got.err))
	assert.Equal(t, errhandler.PhaseInterceptor, got.ec.Phase)
	assert.Equal(t, "bad", got.ec.EventKey)
	assert.Equal(t, "p", got.ec.Payload)
	require.NotNil(t, got.ec.Interceptor)
	assert.Equal(t, FxHandlerID, got.ec.Interceptor.ID)
	assert.Equal(t, errhandler.Before, got.ec.Interceptor.Direction)
}

func TestHandleEvent_AfterPanicAbortsEffects(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.m.RegisterDb("ev", func(Coeffects, any) (any, error) {
		return 99, nil
	}, Interceptor{
		ID: "explode",
		After: func(Context) (Context, error) {
			panic("kaboom")
		},
	})

	require.NoError(t, f.m.HandleEvent(context.Background(), "ev", nil))
	assert.Equal(t, 0, f.state.GetState(), "no effects after a chain failure")
	require.Len(t, f.reported, 1)
	assert.Equal(t, "explode", f.reported[0].ec.Interceptor.ID)
	assert.Equal(t, errhandler.After, f.reported[0].ec.Interceptor.Direction)
	assert.Contains(t, f.reported[0].err.Error(), "kaboom")
}

func TestHandleEvent_CoeffectProviderPanics(t *testing.T) {
	f := newFixture(t, 0, map[string]func() any{
		"now": func() any { panic("clock down") },
	})
	tr := &fakeTracer{}
	f.m.SetTracer(tr)
	f.m.RegisterDb("ev", func(Coeffects, any) (any, error) {
		return 1, nil
	})

	require.NoError(t, f.m.HandleEvent(context.Background(), "ev", nil))
	assert.Equal(t, 0, f.state.GetState(), "handler does not run")

	require.Len(t, f.reported, 1)
	got := f.reported[0]
	assert.Equal(t, errhandler.PhaseInterceptor, got.ec.Phase)
	require.NotNil(t, got.ec.Interceptor)
	assert.Equal(t, "coeffects/now", got.ec.Interceptor.ID)
	assert.Equal(t, errhandler.Before, got.ec.Interceptor.Direction)
	assert.Contains(t, got.err.Error(), "clock down")

	require.Len(t, tr.spans, 1)
	assert.True(t, tr.spans[0].finished)
	assert.Error(t, tr.spans[0].err)
}

func TestHandleEvent_CoeffectProviderPanicRethrown(t *testing.T) {
	f := newFixture(t, 0, map[string]func() any{
		"now": func() any { panic("clock down") },
	})
	f.errs.Register(func(error, errhandler.Context) error { return nil }, &errhandler.Config{Rethrow: true})
	f.m.RegisterDb("ev", func(Coeffects, any) (any, error) { return 1, nil })

	err := f.m.HandleEvent(context.Background(), "ev", nil)
	require.Error(t, err)
	assert.True(t, IsInterceptorError(err))
}

func TestHandleEvent_Rethrow(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.errs.Register(func(error, errhandler.Context) error { return nil }, &errhandler.Config{Rethrow: true})

	boom := errors.New("boom")
	f.m.RegisterDb("bad", func(Coeffects, any) (any, error) { return nil, boom })

	err := f.m.HandleEvent(context.Background(), "bad", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

// =============================================================================
// Tracing
// =============================================================================

type fakeSpan struct {
	key          string
	interceptors []string
	effects      []effects.Trace
	fx           effects.Effects
	before       any
	after        any
	err          error
	finished     bool
}

func (s *fakeSpan) RecordEffect(t effects.Trace) { s.effects = append(s.effects, t) }
func (s *fakeSpan) Interceptor(id string)        { s.interceptors = append(s.interceptors, id) }
func (s *fakeSpan) Finish(fx effects.Effects, before, after any, err error) {
	s.fx, s.before, s.after, s.err, s.finished = fx, before, after, err, true
}

type fakeTracer struct{ spans []*fakeSpan }

func (t *fakeTracer) Begin(key string, _ any) TraceSpan {
	s := &fakeSpan{key: key}
	t.spans = append(t.spans, s)
	return s
}

func TestHandleEvent_Trace(t *testing.T) {
	f := newFixture(t, 1, nil)
	tr := &fakeTracer{}
	f.m.SetTracer(tr)
	f.m.RegisterDb("inc", func(cofx Coeffects, _ any) (any, error) {
		return cofx.DB().(int) + 1, nil
	}, Debug())

	require.NoError(t, f.m.HandleEvent(context.Background(), "inc", nil))

	require.Len(t, tr.spans, 1)
	s := tr.spans[0]
	assert.True(t, s.finished)
	assert.Equal(t, "inc", s.key)
	assert.Equal(t, []string{"debug", DbHandlerID}, s.interceptors)
	assert.Equal(t, effects.Effects{effects.KeyDB: 2}, s.fx)
	assert.Equal(t, 1, s.before)
	assert.Equal(t, 2, s.after)
	require.Len(t, s.effects, 1)
	assert.Equal(t, effects.KeyDB, s.effects[0].EffectType)
	assert.NoError(t, s.err)
}

func TestHandleEvent_TraceOnFailure(t *testing.T) {
	f := newFixture(t, 1, nil)
	tr := &fakeTracer{}
	f.m.SetTracer(tr)
	f.m.RegisterDb("bad", func(Coeffects, any) (any, error) { return nil, errors.New("nope") })

	require.NoError(t, f.m.HandleEvent(context.Background(), "bad", nil))
	require.Len(t, tr.spans, 1)
	assert.Nil(t, tr.spans[0].fx)
	assert.Error(t, tr.spans[0].err)
	assert.True(t, IsInterceptorError(tr.spans[0].err))
}
