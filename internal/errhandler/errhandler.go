// Package errhandler is the single sink for runtime errors raised by
// interceptors, effects, and subscriptions.
//
// One (handler, config) pair is active at a time. A failing handler never
// replaces the original error: its own failure is logged, and with Rethrow
// configured the original error is returned to the caller of Handle.
package errhandler

import (
	"fmt"
	"log/slog"
	"sync"
)

// Phase identifies where an error was raised.
type Phase string

const (
	// PhaseInterceptor covers before/after functions and the event handler step.
	PhaseInterceptor Phase = "interceptor"
	// PhaseEffect covers effect handlers.
	PhaseEffect Phase = "effect"
	// PhaseSubscription covers compute/combine functions and listeners.
	PhaseSubscription Phase = "subscription"
)

// Direction is the interceptor phase an error was raised in.
type Direction string

const (
	Before Direction = "before"
	After  Direction = "after"
)

// InterceptorInfo identifies the failing interceptor.
type InterceptorInfo struct {
	ID        string
	Direction Direction
}

// Context describes where an error happened.
type Context struct {
	EventKey    string
	Payload     any
	Phase       Phase
	Interceptor *InterceptorInfo

	// EffectType is set for PhaseEffect.
	EffectType string

	// SubscriptionKey is set for PhaseSubscription.
	SubscriptionKey string
}

// Func handles an error. A returned error or a panic counts as a handler
// failure and is logged.
type Func func(err error, ec Context) error

// Config controls Handle.
type Config struct {
	// Rethrow makes Handle return the original error after the handler ran.
	Rethrow bool
}

// Handler holds the active error handler.
//
// Thread-safety: safe for concurrent use.
type Handler struct {
	mu     sync.RWMutex
	fn     Func
	config Config
}

// New creates a Handler with the default logging handler and Rethrow off.
func New() *Handler {
	return &Handler{fn: LogError}
}

// Register replaces the handler. A nil config keeps the current config.
// A nil fn restores the default logging handler.
func (h *Handler) Register(fn Func, config *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if fn == nil {
		fn = LogError
	}
	h.fn = fn
	if config != nil {
		h.config = *config
	}
}

// Config returns the active config.
func (h *Handler) Config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Handle passes err to the active handler. Returns err when Rethrow is
// configured, nil otherwise. A nil err is ignored.
func (h *Handler) Handle(err error, ec Context) error {
	if err == nil {
		return nil
	}

	h.mu.RLock()
	fn, config := h.fn, h.config
	h.mu.RUnlock()

	if herr := invoke(fn, err, ec); herr != nil {
		slog.Error("error handler failed",
			"error", herr,
			"original_error", err,
			"phase", ec.Phase,
			"event", ec.EventKey,
		)
	}

	if config.Rethrow {
		return err
	}
	return nil
}

func invoke(fn Func, err error, ec Context) (herr error) {
	defer func() {
		if r := recover(); r != nil {
			herr = fmt.Errorf("error handler panicked: %v", r)
		}
	}()
	return fn(err, ec)
}

// LogError is the default handler. It logs a phase-specific message.
func LogError(err error, ec Context) error {
	switch ec.Phase {
	case PhaseInterceptor:
		attrs := []any{"error", err, "event", ec.EventKey}
		if ec.Interceptor != nil {
			attrs = append(attrs, "interceptor", ec.Interceptor.ID, "direction", ec.Interceptor.Direction)
		}
		slog.Error("interceptor failed while handling event", attrs...)

	case PhaseEffect:
		slog.Error("effect failed while handling event",
			"error", err,
			"event", ec.EventKey,
			"effect", ec.EffectType,
		)

	case PhaseSubscription:
		slog.Error("subscription computation failed",
			"error", err,
			"subscription", ec.SubscriptionKey,
		)

	default:
		slog.Error("runtime error",
			"error", err,
			"phase", ec.Phase,
			"event", ec.EventKey,
		)
	}
	return nil
}
