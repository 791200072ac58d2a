package reframe

import (
	"time"

	"github.com/roach88/reframe/internal/errhandler"
	"github.com/roach88/reframe/internal/state"
	"github.com/roach88/reframe/internal/trace"
)

// TracingConfig controls event tracing.
type TracingConfig struct {
	// Enabled turns tracing on. Disabled stores build no traces at all.
	Enabled bool

	// Debounce is how long to wait after the latest trace before calling
	// trace callbacks (default: 50ms).
	Debounce time.Duration

	// SeqStart is the sequence number traces are numbered after. Set it to
	// a trace log's highest seq to keep appending to that log.
	SeqStart int64
}

type options struct {
	initialState    any
	coeffects       map[string]func() any
	onStateChange   func(state any)
	errorHandler    errhandler.Func
	errorConfig     errhandler.Config
	tracing         TracingConfig
	scheduler       state.Scheduler
	traceIDs        trace.IDGenerator
	afterFunc       func(time.Duration, func())
	warnOnOverwrite bool
	interceptors    []Interceptor
}

func defaultOptions() options {
	return options{
		tracing:         TracingConfig{Debounce: trace.DefaultDebounce},
		warnOnOverwrite: true,
	}
}

// Option configures a Store.
type Option func(*options)

// WithInitialState sets the state the store starts with.
func WithInitialState(initial any) Option {
	return func(o *options) {
		o.initialState = initial
	}
}

// WithCoeffects adds providers whose values are injected into every event's
// coeffects. Providers are called once per dispatch.
func WithCoeffects(providers map[string]func() any) Option {
	return func(o *options) {
		if o.coeffects == nil {
			o.coeffects = make(map[string]func() any, len(providers))
		}
		for name, fn := range providers {
			o.coeffects[name] = fn
		}
	}
}

// WithOnStateChange registers fn to run on every batched state
// notification, after subscription listeners.
func WithOnStateChange(fn func(state any)) Option {
	return func(o *options) {
		o.onStateChange = fn
	}
}

// WithErrorHandler replaces the default logging error handler.
func WithErrorHandler(fn ErrorHandler, rethrow bool) Option {
	return func(o *options) {
		o.errorHandler = fn
		o.errorConfig = errhandler.Config{Rethrow: rethrow}
	}
}

// WithTracing configures event tracing.
func WithTracing(cfg TracingConfig) Option {
	return func(o *options) {
		o.tracing = cfg
	}
}

// WithScheduler replaces the frame scheduler used for batched state
// notifications. Tests typically pass a ManualScheduler or SyncScheduler.
func WithScheduler(s Scheduler) Option {
	return func(o *options) {
		o.scheduler = s
	}
}

// WithTraceIDs replaces the UUIDv7 trace ID generator.
func WithTraceIDs(g IDGenerator) Option {
	return func(o *options) {
		o.traceIDs = g
	}
}

// WithAfterFunc replaces the timer behind "dispatch-later" and trace
// debouncing.
func WithAfterFunc(fn func(time.Duration, func())) Option {
	return func(o *options) {
		o.afterFunc = fn
	}
}

// WithWarnOnOverwrite toggles the warning logged when a handler replaces
// an existing one. On by default.
func WithWarnOnOverwrite(warn bool) Option {
	return func(o *options) {
		o.warnOnOverwrite = warn
	}
}

// WithGlobalInterceptors registers interceptors that run before the
// per-event chain of every event.
func WithGlobalInterceptors(interceptors ...Interceptor) Option {
	return func(o *options) {
		o.interceptors = append(o.interceptors, interceptors...)
	}
}
