package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/reframe/internal/errhandler"
	"github.com/roach88/reframe/internal/registrar"
	"github.com/roach88/reframe/internal/state"
)

// Deps is what an effect handler may use besides its config.
type Deps struct {
	EventKey   string
	Payload    any
	Dispatch   func(eventKey string, payload any)
	Deregister func(eventKey string)
	GetState   func() any
}

// Handler runs one effect. A returned error or a panic is reported to the
// error handler with phase "effect".
type Handler func(ctx context.Context, config any, deps Deps) error

// DispatchFunc enqueues an event without waiting for it.
type DispatchFunc func(ctx context.Context, eventKey string, payload any)

// Trace records one effect invocation.
type Trace struct {
	EffectType string
	Config     any
	Duration   time.Duration
	Err        error
}

// Sink receives effect traces. Implementations must be safe for concurrent
// use: sibling effects record from their own goroutines.
type Sink interface {
	RecordEffect(Trace)
}

// Executor runs effect maps.
type Executor struct {
	registrar  *registrar.Registrar
	state      *state.Manager
	errors     *errhandler.Handler
	dispatch   DispatchFunc
	deregister func(string)
	afterFunc  func(time.Duration, func())
	builtins   map[string]Handler
}

// Option configures an Executor.
type Option func(*Executor)

// WithAfterFunc replaces the timer used by "dispatch-later".
func WithAfterFunc(fn func(time.Duration, func())) Option {
	return func(x *Executor) {
		if fn != nil {
			x.afterFunc = fn
		}
	}
}

// NewExecutor creates an executor. dispatch and deregister are the router's
// enqueue and the event manager's deregistration.
func NewExecutor(
	reg *registrar.Registrar,
	st *state.Manager,
	errs *errhandler.Handler,
	dispatch DispatchFunc,
	deregister func(string),
	opts ...Option,
) *Executor {
	x := &Executor{
		registrar:  reg,
		state:      st,
		errors:     errs,
		dispatch:   dispatch,
		deregister: deregister,
		afterFunc:  func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
	for _, opt := range opts {
		opt(x)
	}
	x.builtins = map[string]Handler{
		KeyDB:            x.doDB,
		KeyDispatch:      doDispatch,
		KeyDispatchN:     doDispatchN,
		KeyDispatchLater: x.doDispatchLater,
		KeyDeregister:    doDeregister,
	}
	return x
}

// Register adds a custom effect handler. Reserved keys are refused with a
// warning.
func (x *Executor) Register(effectType string, h Handler) {
	if IsReserved(effectType) {
		slog.Warn("cannot register custom handler for built-in effect", "effect", effectType)
		return
	}
	x.registrar.Register(registrar.KindEffect, effectType, h)
}

// Execute runs fx for the event (eventKey, payload). sink may be nil.
//
// The returned error is non-nil only when the error handler rethrows. A
// rethrown error from a non-fx effect still lets its siblings finish but
// skips the fx phase.
func (x *Executor) Execute(ctx context.Context, fx Effects, eventKey string, payload any, sink Sink) error {
	if len(fx) == 0 {
		return nil
	}
	deps := x.deps(ctx, eventKey, payload)

	if cfg, ok := fx[KeyDB]; ok {
		if err := x.run(ctx, KeyDB, cfg, deps, sink); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(fx))
	for k := range fx {
		if k != KeyDB && k != KeyFx {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rethrown []error
	)
	for _, k := range keys {
		wg.Add(1)
		go func(k string, cfg any) {
			defer wg.Done()
			if err := x.run(ctx, k, cfg, deps, sink); err != nil {
				mu.Lock()
				rethrown = append(rethrown, err)
				mu.Unlock()
			}
		}(k, fx[k])
	}
	wg.Wait()

	if len(rethrown) > 0 {
		return errors.Join(rethrown...)
	}

	if cfg, ok := fx[KeyFx]; ok {
		return x.runFx(ctx, cfg, deps, sink)
	}
	return nil
}

// runFx executes fx tuples strictly in order.
func (x *Executor) runFx(ctx context.Context, cfg any, deps Deps, sink Sink) error {
	if cfg == nil {
		return nil
	}
	entries, ok := AsSlice(cfg)
	if !ok {
		slog.Error("fx effect expects an array of [effectType, config] tuples",
			"event", deps.EventKey,
			"config_type", fmt.Sprintf("%T", cfg),
		)
		return nil
	}

	for i, raw := range entries {
		if raw == nil {
			continue
		}
		entry, ok := AsFxEntry(raw)
		if !ok {
			slog.Error("malformed fx entry, skipping", "event", deps.EventKey, "index", i)
			continue
		}
		switch entry.Type {
		case KeyFx:
			slog.Warn("nested fx inside fx is not supported, skipping", "event", deps.EventKey, "index", i)
			continue
		case KeyDB:
			slog.Warn("db effect inside fx is deprecated, use the top-level db key", "event", deps.EventKey)
		}
		if err := x.run(ctx, entry.Type, entry.Config, deps, sink); err != nil {
			return err
		}
	}
	return nil
}

// run invokes one effect, times it, and reports failures.
func (x *Executor) run(ctx context.Context, effectType string, cfg any, deps Deps, sink Sink) error {
	h, ok := x.lookup(effectType)
	if !ok {
		slog.Warn("no handler registered for effect", "effect", effectType, "event", deps.EventKey)
		return nil
	}

	start := time.Now()
	err := invoke(ctx, h, cfg, deps)
	if sink != nil {
		sink.RecordEffect(Trace{
			EffectType: effectType,
			Config:     cfg,
			Duration:   time.Since(start),
			Err:        err,
		})
	}
	if err == nil {
		return nil
	}

	return x.errors.Handle(err, errhandler.Context{
		EventKey:   deps.EventKey,
		Payload:    deps.Payload,
		Phase:      errhandler.PhaseEffect,
		EffectType: effectType,
	})
}

func (x *Executor) lookup(effectType string) (Handler, bool) {
	if h, ok := x.builtins[effectType]; ok {
		return h, true
	}
	return registrar.Lookup[Handler](x.registrar, registrar.KindEffect, effectType)
}

func (x *Executor) deps(ctx context.Context, eventKey string, payload any) Deps {
	return Deps{
		EventKey: eventKey,
		Payload:  payload,
		Dispatch: func(key string, p any) {
			x.dispatch(ctx, key, p)
		},
		Deregister: x.deregister,
		GetState:   x.state.GetState,
	}
}

func invoke(ctx context.Context, h Handler, cfg any, deps Deps) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect handler panicked: %v", r)
		}
	}()
	return h(ctx, cfg, deps)
}
