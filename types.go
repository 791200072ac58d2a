package reframe

import (
	"github.com/roach88/reframe/internal/effects"
	"github.com/roach88/reframe/internal/errhandler"
	"github.com/roach88/reframe/internal/events"
	"github.com/roach88/reframe/internal/router"
	"github.com/roach88/reframe/internal/state"
	"github.com/roach88/reframe/internal/subs"
	"github.com/roach88/reframe/internal/trace"
)

// Event handling.
type (
	Coeffects       = events.Coeffects
	DbHandler       = events.DbHandler
	FxHandler       = events.FxHandler
	CoeffectHandler = events.CoeffectHandler
	Interceptor     = events.Interceptor
	Context         = events.Context
	Phase           = events.Phase
)

// Effects.
type (
	Effects       = effects.Effects
	EffectHandler = effects.Handler
	EffectDeps    = effects.Deps
	Dispatch      = effects.Dispatch
	DispatchLater = effects.DispatchLater
	FxEntry       = effects.FxEntry
)

// Reserved effect keys.
const (
	EffectDB            = effects.KeyDB
	EffectDispatch      = effects.KeyDispatch
	EffectDispatchN     = effects.KeyDispatchN
	EffectDispatchLater = effects.KeyDispatchLater
	EffectFx            = effects.KeyFx
	EffectDeregister    = effects.KeyDeregister
)

// Subscriptions.
type (
	SubscriptionConfig = subs.Config
	ComputeFunc        = subs.ComputeFunc
	CombineFunc        = subs.CombineFunc
	Listener           = subs.Listener
)

// Errors.
type (
	ErrorHandler     = errhandler.Func
	ErrorConfig      = errhandler.Config
	ErrorContext     = errhandler.Context
	ErrorPhase       = errhandler.Phase
	InterceptorError = events.InterceptorError
	CycleError       = subs.CycleError
)

const (
	PhaseInterceptor  = errhandler.PhaseInterceptor
	PhaseEffect       = errhandler.PhaseEffect
	PhaseSubscription = errhandler.PhaseSubscription
)

var (
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = router.ErrClosed

	// ErrInLoop is returned by Flush when called from an event handler.
	ErrInLoop = router.ErrInLoop

	ErrCycle           = subs.ErrCycle
	ErrInvalidConfig   = subs.ErrInvalidConfig
	ErrNotRegistered   = subs.ErrNotRegistered
	ErrInterceptor     = events.ErrInterceptor
	IsCycleError       = subs.IsCycleError
	IsInterceptorError = events.IsInterceptorError
	LogError           = errhandler.LogError
)

// Tracing.
type (
	Trace         = trace.Trace
	EffectRun     = trace.EffectRun
	TraceCallback = trace.Callback
	IDGenerator   = trace.IDGenerator
)

// Notification scheduling.
type (
	Scheduler       = state.Scheduler
	FrameScheduler  = state.FrameScheduler
	SyncScheduler   = state.SyncScheduler
	ManualScheduler = state.ManualScheduler
)

var (
	NewFrameScheduler  = state.NewFrameScheduler
	NewManualScheduler = state.NewManualScheduler
)

// Standard interceptors.
var (
	Path    = events.Path
	Enrich  = events.Enrich
	After   = events.After
	Debug   = events.Debug
	GetIn   = events.GetIn
	AssocIn = events.AssocIn
)
