package effects

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

func (x *Executor) doDB(_ context.Context, cfg any, _ Deps) error {
	x.state.SetState(cfg)
	return nil
}

func doDispatch(_ context.Context, cfg any, deps Deps) error {
	if cfg == nil {
		return nil
	}
	d, ok := AsDispatch(cfg)
	if !ok {
		slog.Error("dispatch effect requires a config with a string event",
			"event", deps.EventKey,
			"config_type", fmt.Sprintf("%T", cfg),
		)
		return nil
	}
	deps.Dispatch(d.Event, d.Payload)
	return nil
}

func doDispatchN(_ context.Context, cfg any, deps Deps) error {
	items, ok := AsSlice(cfg)
	if !ok {
		slog.Error("dispatch-n effect requires an array", "event", deps.EventKey)
		return nil
	}
	for i, item := range items {
		if item == nil {
			continue
		}
		d, ok := AsDispatch(item)
		if !ok {
			slog.Error("dispatch-n entry requires a string event, skipping",
				"event", deps.EventKey,
				"index", i,
			)
			continue
		}
		deps.Dispatch(d.Event, d.Payload)
	}
	return nil
}

func (x *Executor) doDispatchLater(_ context.Context, cfg any, deps Deps) error {
	items, ok := AsSlice(cfg)
	if !ok {
		slog.Error("dispatch-later effect requires an array", "event", deps.EventKey)
		return nil
	}
	for i, item := range items {
		if item == nil {
			continue
		}
		d, ok := AsDispatchLater(item)
		if !ok {
			slog.Error("dispatch-later entry requires ms and event, skipping",
				"event", deps.EventKey,
				"index", i,
			)
			continue
		}
		dispatch := deps.Dispatch
		x.afterFunc(time.Duration(d.Ms)*time.Millisecond, func() {
			dispatch(d.Event, d.Payload)
		})
	}
	return nil
}

func doDeregister(_ context.Context, cfg any, deps Deps) error {
	if key, ok := cfg.(string); ok {
		deps.Deregister(key)
		return nil
	}
	items, ok := AsSlice(cfg)
	if !ok {
		slog.Error("deregister-event-handler requires a string or an array of strings", "event", deps.EventKey)
		return nil
	}
	for _, item := range items {
		if key, ok := item.(string); ok {
			deps.Deregister(key)
		}
	}
	return nil
}
