package reframe

import (
	"context"
	"log/slog"

	"github.com/roach88/reframe/internal/effects"
	"github.com/roach88/reframe/internal/errhandler"
	"github.com/roach88/reframe/internal/events"
	"github.com/roach88/reframe/internal/registrar"
	"github.com/roach88/reframe/internal/router"
	"github.com/roach88/reframe/internal/state"
	"github.com/roach88/reframe/internal/subs"
	"github.com/roach88/reframe/internal/trace"
)

// Store is the state container.
//
// Thread-safety: all methods are safe for concurrent use. Handlers,
// interceptors, and effects run on the store's event loop goroutine;
// subscription listeners run on the scheduler's goroutine.
type Store struct {
	registrar *registrar.Registrar
	state     *state.Manager
	errors    *errhandler.Handler
	executor  *effects.Executor
	events    *events.Manager
	router    *router.Router
	subs      *subs.Manager
	tracer    *trace.Tracer
}

// New creates a store.
func New(opts ...Option) *Store {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{
		registrar: registrar.New(),
		state:     state.NewManager(o.initialState, o.scheduler),
		errors:    errhandler.New(),
	}
	s.registrar.SetWarnOnOverwrite(o.warnOnOverwrite)
	if o.errorHandler != nil {
		s.errors.Register(o.errorHandler, &o.errorConfig)
	}

	s.router = router.New(func(ctx context.Context, key string, payload any) error {
		return s.events.HandleEvent(ctx, key, payload)
	})
	s.executor = effects.NewExecutor(s.registrar, s.state, s.errors,
		func(ctx context.Context, key string, payload any) {
			s.router.Enqueue(ctx, key, payload)
		},
		func(key string) {
			s.events.Deregister(key)
		},
		effects.WithAfterFunc(o.afterFunc),
	)
	s.events = events.NewManager(s.registrar, s.state, s.executor, s.errors, o.coeffects)
	s.subs = subs.NewManager(s.registrar, s.errors)

	traceOpts := []trace.Option{
		trace.WithEnabled(o.tracing.Enabled),
		trace.WithDebounce(o.tracing.Debounce),
		trace.WithAfterFunc(o.afterFunc),
		trace.WithSeqStart(o.tracing.SeqStart),
	}
	if o.traceIDs != nil {
		traceOpts = append(traceOpts, trace.WithIDGenerator(o.traceIDs))
	}
	s.tracer = trace.New(traceOpts...)
	s.events.SetTracer(s.tracer)

	for _, i := range o.interceptors {
		s.events.RegisterGlobalInterceptor(i)
	}

	onStateChange := o.onStateChange
	s.state.OnNotify(func(current any) {
		if err := s.subs.NotifyListeners(current); err != nil {
			// No caller to return to; the error handler has already seen it.
			slog.Error("subscription error rethrown during notification", "error", err)
		}
		if onStateChange != nil {
			onStateChange(current)
		}
	})
	return s
}

// GetState returns the current state.
func (s *Store) GetState() any {
	return s.state.GetState()
}

// Dispatch queues an event and waits until it has been processed,
// including all of its effects. The returned error is non-nil only when
// the error handler rethrows, the store is closed, or ctx ends first. A
// cancelled ctx stops the wait, not the event.
//
// Called from inside a handler or effect, Dispatch only queues the event:
// waiting would block the event loop on itself.
func (s *Store) Dispatch(ctx context.Context, eventKey string, payload any) error {
	if router.InLoop(ctx) {
		if !s.router.Enqueue(ctx, eventKey, payload) {
			return ErrClosed
		}
		return nil
	}

	select {
	case err := <-s.router.Dispatch(ctx, eventKey, payload):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchAsync queues an event and returns a channel that receives its
// result. The channel is buffered and may be ignored.
func (s *Store) DispatchAsync(ctx context.Context, eventKey string, payload any) <-chan error {
	return s.router.Dispatch(ctx, eventKey, payload)
}

// Flush waits until the event queue is empty, including events queued by
// the events it waits for.
func (s *Store) Flush(ctx context.Context) error {
	return s.router.Flush(ctx)
}

// RegisterEventDb registers a handler that returns the next state.
func (s *Store) RegisterEventDb(eventKey string, h DbHandler, interceptors ...Interceptor) {
	s.events.RegisterDb(eventKey, h, interceptors...)
}

// RegisterEvent registers a handler that returns an effect map.
func (s *Store) RegisterEvent(eventKey string, h FxHandler, interceptors ...Interceptor) {
	s.events.RegisterFx(eventKey, h, interceptors...)
}

// DeregisterEvent removes an event handler. Later dispatches of eventKey
// are warned about and ignored.
func (s *Store) DeregisterEvent(eventKey string) {
	s.events.Deregister(eventKey)
}

// RegisterEffect registers a custom effect handler. Built-in effect keys
// cannot be overridden.
func (s *Store) RegisterEffect(effectType string, h EffectHandler) {
	s.executor.Register(effectType, h)
}

// RegisterCoeffect registers a coeffect handler for InjectCoeffect.
func (s *Store) RegisterCoeffect(id string, h CoeffectHandler) {
	s.events.RegisterCoeffect(id, h)
}

// InjectCoeffect returns an interceptor that adds the coeffect id to the
// handler's coeffects.
func (s *Store) InjectCoeffect(id string, arg any) Interceptor {
	return s.events.InjectCoeffect(id, arg)
}

// RegisterGlobalInterceptor adds an interceptor that runs for every event.
// An interceptor with the same ID is replaced in place.
func (s *Store) RegisterGlobalInterceptor(i Interceptor) {
	s.events.RegisterGlobalInterceptor(i)
}

// ClearGlobalInterceptors removes the named global interceptors, or all of
// them when no IDs are given.
func (s *Store) ClearGlobalInterceptors(ids ...string) {
	s.events.ClearGlobalInterceptors(ids...)
}

// RegisterSubscription registers a subscription. It fails when the config
// is invalid or would close a dependency cycle.
func (s *Store) RegisterSubscription(key string, cfg SubscriptionConfig) error {
	return s.subs.Register(key, cfg)
}

// DeregisterSubscription removes a subscription and its cached results.
func (s *Store) DeregisterSubscription(key string) {
	s.subs.Deregister(key)
}

// Subscribe calls cb with the current result of (key, params) and again
// after each batched state change that alters the result. The returned
// function unsubscribes and may be called more than once.
func (s *Store) Subscribe(key string, params []any, cb Listener) (func(), error) {
	return s.subs.Subscribe(s.state.GetState(), key, params, cb)
}

// Query returns the result of (key, params) against the current state.
func (s *Store) Query(key string, params []any) (any, error) {
	return s.subs.Query(s.state.GetState(), key, params, nil)
}

// QueryWithErrorHandler is Query with compute failures passed to onError
// instead of the store's error handler.
func (s *Store) QueryWithErrorHandler(key string, params []any, onError func(error)) (any, error) {
	return s.subs.Query(s.state.GetState(), key, params, onError)
}

// RegisterErrorHandler replaces the error handler. A nil config means no
// rethrow.
func (s *Store) RegisterErrorHandler(h ErrorHandler, cfg *ErrorConfig) {
	s.errors.Register(h, cfg)
}

// SetTracing turns event tracing on or off.
func (s *Store) SetTracing(enabled bool) {
	s.tracer.SetEnabled(enabled)
}

// RegisterTraceCallback adds or replaces the trace callback stored under id.
func (s *Store) RegisterTraceCallback(id string, fn TraceCallback) {
	s.tracer.RegisterCallback(id, fn)
}

// RemoveTraceCallback removes the trace callback stored under id.
func (s *Store) RemoveTraceCallback(id string) {
	s.tracer.RemoveCallback(id)
}

// FlushTraces delivers buffered traces now instead of after the debounce.
func (s *Store) FlushTraces() {
	s.tracer.Flush()
}

// Close stops accepting events, waits for queued events to finish, and
// delivers buffered traces.
func (s *Store) Close(ctx context.Context) error {
	s.router.Close()
	err := s.router.Flush(ctx)
	s.tracer.Flush()
	return err
}
