// Package events runs registered event handlers inside an interceptor chain.
//
// Each dispatch builds a Context whose queue holds the global interceptors,
// the event's own interceptors, and finally the handler step. The before
// phase walks the queue left to right; the after phase unwinds the stack
// right to left. Any failure aborts the dispatch before effects run.
package events

import (
	"slices"

	"github.com/roach88/reframe/internal/effects"
)

// Well-known coeffect keys.
const (
	CofxDB       = "db"
	CofxEvent    = "event"
	CofxEventKey = "event-key"
)

// Coeffects are the read-only inputs of an event handler.
type Coeffects map[string]any

// DB returns the state visible to the handler.
func (c Coeffects) DB() any { return c[CofxDB] }

// Event returns the event payload.
func (c Coeffects) Event() any { return c[CofxEvent] }

// EventKey returns the dispatched event key.
func (c Coeffects) EventKey() string {
	key, _ := c[CofxEventKey].(string)
	return key
}

// DbHandler computes the next state from the coeffects and payload.
type DbHandler func(cofx Coeffects, payload any) (any, error)

// FxHandler computes an effect map from the coeffects and payload.
type FxHandler func(cofx Coeffects, payload any) (effects.Effects, error)

// CoeffectHandler computes a coeffect value injected by InjectCoeffect.
type CoeffectHandler func(cofx Coeffects, arg any) (any, error)

// Phase is an interceptor transformation. It must return a context rather
// than mutate the one it received.
type Phase func(c Context) (Context, error)

// Interceptor is a named pair of optional before/after phases.
type Interceptor struct {
	ID     string
	Before Phase
	After  Phase
}

// Context is threaded through the interceptor chain.
type Context struct {
	Coeffects Coeffects
	Effects   effects.Effects
	Queue     []Interceptor
	Stack     []Interceptor
}

// DB returns the db coeffect.
func (c Context) DB() any { return c.Coeffects.DB() }

// Event returns the event payload.
func (c Context) Event() any { return c.Coeffects.Event() }

// EventKey returns the dispatched event key.
func (c Context) EventKey() string { return c.Coeffects.EventKey() }

// EffectDB returns the pending db effect, if any.
func (c Context) EffectDB() (any, bool) {
	db, ok := c.Effects[effects.KeyDB]
	return db, ok
}

// WithCoeffect returns a copy of c with coeffect key set to v.
func (c Context) WithCoeffect(key string, v any) Context {
	cofx := make(Coeffects, len(c.Coeffects)+1)
	for k, val := range c.Coeffects {
		cofx[k] = val
	}
	cofx[key] = v
	c.Coeffects = cofx
	return c
}

// WithEffect returns a copy of c with effect key set to v.
func (c Context) WithEffect(key string, v any) Context {
	fx := c.Effects.Clone()
	fx[key] = v
	c.Effects = fx
	return c
}

// WithoutEffect returns a copy of c without effect key.
func (c Context) WithoutEffect(key string) Context {
	fx := c.Effects.Clone()
	delete(fx, key)
	c.Effects = fx
	return c
}

// MergeEffects returns a copy of c with fx merged into its effects using
// effects.Merge.
func (c Context) MergeEffects(fx effects.Effects) Context {
	c.Effects = effects.Merge(c.Effects, fx)
	return c
}

// Enqueue returns a copy of c with interceptors appended to the queue.
func (c Context) Enqueue(interceptors ...Interceptor) Context {
	c.Queue = append(slices.Clip(c.Queue), interceptors...)
	return c
}
