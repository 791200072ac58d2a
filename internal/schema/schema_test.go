package schema

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reframe/internal/effects"
	"github.com/roach88/reframe/internal/errhandler"
	"github.com/roach88/reframe/internal/events"
	"github.com/roach88/reframe/internal/registrar"
	"github.com/roach88/reframe/internal/state"
)

const todoSchema = `
#Todo: {
	title: string & !=""
	done:  bool | *false
}

#State: {
	count: int & >=0
	todos: [...#Todo]
}
`

func TestCompile(t *testing.T) {
	s, err := Compile("state.cue", todoSchema, "#State")
	require.NoError(t, err)
	assert.Equal(t, "#State", s.Path())

	_, err = Compile("bad.cue", `#State: {count: int`, "")
	assert.Error(t, err)

	_, err = Compile("state.cue", todoSchema, "#Missing")
	assert.ErrorContains(t, err, "#Missing")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cue")
	require.NoError(t, os.WriteFile(path, []byte(todoSchema), 0o644))

	s, err := Load(path, "#State")
	require.NoError(t, err)
	assert.NoError(t, s.Validate(map[string]any{"count": 0, "todos": []any{}}))

	_, err = Load(filepath.Join(t.TempDir(), "missing.cue"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	s, err := Compile("state.cue", todoSchema, "#State")
	require.NoError(t, err)

	tests := []struct {
		name    string
		state   any
		wantErr bool
	}{
		{
			name:  "valid",
			state: map[string]any{"count": 2, "todos": []any{map[string]any{"title": "a"}}},
		},
		{
			name:    "negative count",
			state:   map[string]any{"count": -1, "todos": []any{}},
			wantErr: true,
		},
		{
			name:    "missing field",
			state:   map[string]any{"todos": []any{}},
			wantErr: true,
		},
		{
			name:    "closed definition",
			state:   map[string]any{"count": 0, "todos": []any{}, "extra": true},
			wantErr: true,
		},
		{
			name:    "empty title",
			state:   map[string]any{"count": 0, "todos": []any{map[string]any{"title": ""}}},
			wantErr: true,
		},
		{
			name:    "wrong kind",
			state:   "not a struct",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.state)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve), "got %T", err)
		})
	}
}

type harness struct {
	m        *events.Manager
	state    *state.Manager
	reported []error
}

func newHarness(t *testing.T, initial any) *harness {
	t.Helper()
	h := &harness{state: state.NewManager(initial, state.NewManualScheduler())}
	errs := errhandler.New()
	errs.Register(func(err error, _ errhandler.Context) error {
		h.reported = append(h.reported, err)
		return nil
	}, nil)

	reg := registrar.New()
	x := effects.NewExecutor(reg, h.state, errs, func(context.Context, string, any) {}, func(string) {})
	h.m = events.NewManager(reg, h.state, x, errs, nil)
	return h
}

func TestInterceptor(t *testing.T) {
	s, err := Compile("state.cue", todoSchema, "#State")
	require.NoError(t, err)

	h := newHarness(t, map[string]any{"count": 0, "todos": []any{}})
	h.m.RegisterGlobalInterceptor(Interceptor(s))
	h.m.RegisterDb("add", func(cofx events.Coeffects, payload any) (any, error) {
		db := cofx.DB().(map[string]any)
		return map[string]any{"count": db["count"].(int) + payload.(int), "todos": db["todos"]}, nil
	})
	h.m.RegisterFx("noop", func(events.Coeffects, any) (effects.Effects, error) {
		return nil, nil
	})

	require.NoError(t, h.m.HandleEvent(context.Background(), "add", 2))
	assert.Equal(t, 2, h.state.GetState().(map[string]any)["count"])
	assert.Empty(t, h.reported)

	require.NoError(t, h.m.HandleEvent(context.Background(), "add", -5))
	assert.Equal(t, 2, h.state.GetState().(map[string]any)["count"], "invalid state is never committed")
	require.Len(t, h.reported, 1)
	assert.True(t, events.IsInterceptorError(h.reported[0]))
	var ve *ValidationError
	assert.True(t, errors.As(h.reported[0], &ve))

	require.NoError(t, h.m.HandleEvent(context.Background(), "noop", nil))
	assert.Len(t, h.reported, 1)
}

func TestStrip(t *testing.T) {
	s, err := Compile("state.cue", `count: int & <10`, "")
	require.NoError(t, err)

	h := newHarness(t, map[string]any{"count": 9})
	var dispatched []string
	reg := registrar.New()
	x := effects.NewExecutor(reg, h.state, errhandler.New(), func(_ context.Context, key string, _ any) {
		dispatched = append(dispatched, key)
	}, func(string) {})
	h.m = events.NewManager(reg, h.state, x, errhandler.New(), nil)

	h.m.RegisterFx("bump", func(cofx events.Coeffects, _ any) (effects.Effects, error) {
		return effects.Effects{
			effects.KeyDB:       map[string]any{"count": 10},
			effects.KeyDispatch: effects.Dispatch{Event: "after-bump"},
		}, nil
	}, Strip(s))

	require.NoError(t, h.m.HandleEvent(context.Background(), "bump", nil))
	assert.Equal(t, map[string]any{"count": 9}, h.state.GetState())
	assert.Equal(t, []string{"after-bump"}, dispatched)
}
