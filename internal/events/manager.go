package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/reframe/internal/effects"
	"github.com/roach88/reframe/internal/errhandler"
	"github.com/roach88/reframe/internal/registrar"
	"github.com/roach88/reframe/internal/state"
)

// Handler step interceptor IDs.
const (
	DbHandlerID = "db-handler"
	FxHandlerID = "fx-handler"
)

// TraceSpan records one dispatch. effects.Sink receives per-effect timings.
type TraceSpan interface {
	effects.Sink

	// Interceptor is called each time an interceptor's before phase ran.
	Interceptor(id string)

	// Finish completes the span. fx is nil when the chain failed.
	Finish(fx effects.Effects, stateBefore, stateAfter any, err error)
}

// Tracer starts spans. Begin may return nil when tracing is disabled.
type Tracer interface {
	Begin(eventKey string, payload any) TraceSpan
}

// registration is what the registrar holds for an event key.
type registration struct {
	chain []Interceptor
}

// Manager registers event handlers and runs them.
//
// Thread-safety: registration is safe for concurrent use. HandleEvent is
// called from the router's single drain loop.
type Manager struct {
	registrar *registrar.Registrar
	state     *state.Manager
	executor  *effects.Executor
	errors    *errhandler.Handler

	mu        sync.RWMutex
	globals   []Interceptor
	providers map[string]func() any
	tracer    Tracer
}

// NewManager creates a Manager. providers are store-level coeffects, each
// evaluated fresh on every dispatch.
func NewManager(
	reg *registrar.Registrar,
	st *state.Manager,
	x *effects.Executor,
	errs *errhandler.Handler,
	providers map[string]func() any,
) *Manager {
	p := make(map[string]func() any, len(providers))
	for k, fn := range providers {
		if fn != nil {
			p[k] = fn
		}
	}
	return &Manager{
		registrar: reg,
		state:     st,
		executor:  x,
		errors:    errs,
		providers: p,
	}
}

// SetTracer installs t. Pass nil to disable tracing.
func (m *Manager) SetTracer(t Tracer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracer = t
}

// RegisterDb registers a handler whose return value becomes the db effect.
func (m *Manager) RegisterDb(key string, h DbHandler, interceptors ...Interceptor) {
	step := Interceptor{
		ID: DbHandlerID,
		Before: func(c Context) (Context, error) {
			next, err := h(c.Coeffects, c.Event())
			if err != nil {
				return c, err
			}
			return c.WithEffect(effects.KeyDB, next), nil
		},
	}
	m.register(key, interceptors, step)
}

// RegisterFx registers a handler that returns a full effect map.
func (m *Manager) RegisterFx(key string, h FxHandler, interceptors ...Interceptor) {
	step := Interceptor{
		ID: FxHandlerID,
		Before: func(c Context) (Context, error) {
			fx, err := h(c.Coeffects, c.Event())
			if err != nil {
				return c, err
			}
			return c.MergeEffects(fx), nil
		},
	}
	m.register(key, interceptors, step)
}

func (m *Manager) register(key string, interceptors []Interceptor, step Interceptor) {
	chain := make([]Interceptor, 0, len(interceptors)+1)
	for _, i := range interceptors {
		if i.Before == nil && i.After == nil {
			slog.Warn("interceptor has no before or after phase", "event", key, "interceptor", i.ID)
		}
		chain = append(chain, i)
	}
	chain = append(chain, step)
	m.registrar.Register(registrar.KindEvent, key, &registration{chain: chain})
}

// Deregister removes the handler for key. A missing key is warned about.
func (m *Manager) Deregister(key string) {
	m.registrar.ClearEntry(registrar.KindEvent, key)
}

// Has reports whether key has a handler.
func (m *Manager) Has(key string) bool {
	return m.registrar.Has(registrar.KindEvent, key)
}

// RegisterCoeffect registers a coeffect handler used by InjectCoeffect.
func (m *Manager) RegisterCoeffect(id string, h CoeffectHandler) {
	m.registrar.Register(registrar.KindCoeffect, id, h)
}

// RegisterGlobalInterceptor adds i to the front of every chain. An existing
// global interceptor with the same ID is replaced in place.
func (m *Manager) RegisterGlobalInterceptor(i Interceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx, g := range m.globals {
		if g.ID == i.ID {
			slog.Warn("replacing global interceptor", "interceptor", i.ID)
			m.globals[idx] = i
			return
		}
	}
	m.globals = append(m.globals, i)
}

// ClearGlobalInterceptors removes global interceptors. With no ids, all of
// them are removed.
func (m *Manager) ClearGlobalInterceptors(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(ids) == 0 {
		m.globals = nil
		return
	}
	m.globals = slices.DeleteFunc(m.globals, func(i Interceptor) bool {
		return slices.Contains(ids, i.ID)
	})
}

// GlobalInterceptors returns a copy of the global interceptor list.
func (m *Manager) GlobalInterceptors() []Interceptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.globals)
}

// HandleEvent runs the chain for key and executes the resulting effects.
//
// An unregistered key is warned about and ignored. A chain failure is
// reported with phase "interceptor" and no effects run. The returned error
// is non-nil only when the error handler rethrows.
func (m *Manager) HandleEvent(ctx context.Context, key string, payload any) error {
	reg, ok := registrar.Lookup[*registration](m.registrar, registrar.KindEvent, key)
	if !ok {
		slog.Warn("no event handler registered", "event", key)
		return nil
	}

	m.mu.RLock()
	queue := make([]Interceptor, 0, len(m.globals)+len(reg.chain))
	queue = append(queue, m.globals...)
	tracer := m.tracer
	m.mu.RUnlock()
	queue = append(queue, reg.chain...)

	var span TraceSpan
	if tracer != nil {
		span = tracer.Begin(key, payload)
	}

	before := m.state.GetState()
	cofx, ierr := m.coeffects(key, payload, before)
	c := Context{
		Coeffects: cofx,
		Effects:   effects.Effects{},
		Queue:     queue,
	}
	if ierr == nil {
		c, ierr = m.runChain(c, key, span)
	}
	if ierr != nil {
		if span != nil {
			span.Finish(nil, before, before, ierr)
		}
		return m.errors.Handle(ierr, errhandler.Context{
			EventKey: key,
			Payload:  payload,
			Phase:    errhandler.PhaseInterceptor,
			Interceptor: &errhandler.InterceptorInfo{
				ID:        ierr.ID,
				Direction: ierr.Direction,
			},
		})
	}

	var sink effects.Sink
	if span != nil {
		sink = span
	}
	err := m.executor.Execute(ctx, c.Effects, key, payload, sink)
	if span != nil {
		span.Finish(c.Effects, before, m.state.GetState(), err)
	}
	return err
}

// coeffects evaluates the store-level providers in name order. A panicking
// provider fails the event as the "coeffects/<name>" interceptor.
func (m *Manager) coeffects(key string, payload, db any) (Coeffects, *InterceptorError) {
	m.mu.RLock()
	providers := m.providers
	m.mu.RUnlock()

	cofx := make(Coeffects, len(providers)+3)
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		v, err := provide(providers[name])
		if err != nil {
			return cofx, &InterceptorError{EventKey: key, ID: "coeffects/" + name, Direction: errhandler.Before, Err: err}
		}
		cofx[name] = v
	}
	cofx[CofxDB] = db
	cofx[CofxEvent] = payload
	cofx[CofxEventKey] = key
	return cofx, nil
}

func provide(fn func() any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coeffect provider panicked: %v", r)
		}
	}()
	return fn(), nil
}

// runChain walks the queue forward then unwinds the stack.
func (m *Manager) runChain(c Context, key string, span TraceSpan) (Context, *InterceptorError) {
	for len(c.Queue) > 0 {
		next := c.Queue[0]
		c.Queue = c.Queue[1:]
		c.Stack = append(slices.Clip(c.Stack), next)

		if next.Before == nil {
			continue
		}
		out, err := runPhase(next.Before, c)
		if err != nil {
			return c, &InterceptorError{EventKey: key, ID: next.ID, Direction: errhandler.Before, Err: err}
		}
		c = out
		if span != nil {
			span.Interceptor(next.ID)
		}
	}

	for len(c.Stack) > 0 {
		last := c.Stack[len(c.Stack)-1]
		c.Stack = c.Stack[: len(c.Stack)-1 : len(c.Stack)-1]

		if last.After == nil {
			continue
		}
		out, err := runPhase(last.After, c)
		if err != nil {
			return c, &InterceptorError{EventKey: key, ID: last.ID, Direction: errhandler.After, Err: err}
		}
		c = out
	}
	return c, nil
}

func runPhase(p Phase, c Context) (out Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p(c)
}
