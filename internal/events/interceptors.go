package events

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/reframe/internal/effects"
	"github.com/roach88/reframe/internal/registrar"
	"github.com/roach88/reframe/internal/state"
)

// cofxPathStack holds the db values Path narrowed away from, innermost last.
const cofxPathStack = "path/originals"

// Path narrows the db coeffect to the value at keys for the rest of the
// chain and grafts the db effect back into the full state on the way out.
// Path interceptors nest.
func Path(keys ...string) Interceptor {
	keys = slices.Clone(keys)
	return Interceptor{
		ID: "path/" + strings.Join(keys, "."),
		Before: func(c Context) (Context, error) {
			orig := c.DB()
			stack, _ := c.Coeffects[cofxPathStack].([]any)
			stack = append(slices.Clip(stack), orig)
			return c.WithCoeffect(cofxPathStack, stack).WithCoeffect(CofxDB, GetIn(orig, keys)), nil
		},
		After: func(c Context) (Context, error) {
			stack, _ := c.Coeffects[cofxPathStack].([]any)
			if len(stack) == 0 {
				return c, fmt.Errorf("path %v: no saved state to restore", keys)
			}
			orig := stack[len(stack)-1]
			c = c.WithCoeffect(cofxPathStack, stack[:len(stack)-1:len(stack)-1]).WithCoeffect(CofxDB, orig)

			db, ok := c.EffectDB()
			if !ok {
				return c, nil
			}
			full, err := AssocIn(orig, keys, db)
			if err != nil {
				return c, err
			}
			return c.WithEffect(effects.KeyDB, full), nil
		},
	}
}

// Enrich runs fn after the handler on the resulting db (the db effect, or
// the db coeffect when the handler produced none) and stores its result as
// the db effect.
func Enrich(id string, fn func(db, payload any) (any, error)) Interceptor {
	return Interceptor{
		ID: id,
		After: func(c Context) (Context, error) {
			next, err := fn(currentDB(c), c.Event())
			if err != nil {
				return c, err
			}
			return c.WithEffect(effects.KeyDB, next), nil
		},
	}
}

// After runs fn for its side effect after the handler. The context is left
// unchanged.
func After(id string, fn func(db, payload any) error) Interceptor {
	return Interceptor{
		ID: id,
		After: func(c Context) (Context, error) {
			return c, fn(currentDB(c), c.Event())
		},
	}
}

// InjectCoeffect adds the coeffect registered under id to the context.
// arg is passed through to the coeffect handler.
func (m *Manager) InjectCoeffect(id string, arg any) Interceptor {
	return Interceptor{
		ID: "coeffects/" + id,
		Before: func(c Context) (Context, error) {
			h, ok := registrar.Lookup[CoeffectHandler](m.registrar, registrar.KindCoeffect, id)
			if !ok {
				slog.Warn("no coeffect handler registered", "coeffect", id, "event", c.EventKey())
				return c, nil
			}
			v, err := h(c.Coeffects, arg)
			if err != nil {
				return c, err
			}
			return c.WithCoeffect(id, v), nil
		},
	}
}

// Debug logs the event on the way in and the resulting effects on the way
// out at debug level.
func Debug() Interceptor {
	return Interceptor{
		ID: "debug",
		Before: func(c Context) (Context, error) {
			slog.Debug("handling event", "event", c.EventKey(), "payload", c.Event())
			return c, nil
		},
		After: func(c Context) (Context, error) {
			keys := make([]string, 0, len(c.Effects))
			for k := range c.Effects {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			changed := false
			if db, ok := c.EffectDB(); ok {
				changed = !state.Identical(db, c.DB())
			}
			slog.Debug("event handled",
				"event", c.EventKey(),
				"effects", keys,
				"db_changed", changed,
			)
			return c, nil
		},
	}
}

func currentDB(c Context) any {
	if db, ok := c.EffectDB(); ok {
		return db
	}
	return c.DB()
}
