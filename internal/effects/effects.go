// Package effects interprets the declarative effect maps produced by event
// handlers and interceptors.
//
// Execution order is fixed:
//  1. "db" runs first and completes before anything else.
//  2. Every other key except "fx" runs concurrently; failures are isolated.
//  3. "fx" runs last, its entries strictly in array order.
//
// Effect handlers are looked up in two tiers: the built-in table for the
// reserved keys, then the registrar for custom effects.
package effects

import (
	"reflect"
)

// Reserved effect keys.
const (
	KeyDB            = "db"
	KeyDispatch      = "dispatch"
	KeyDispatchN     = "dispatch-n"
	KeyDispatchLater = "dispatch-later"
	KeyFx            = "fx"
	KeyDeregister    = "deregister-event-handler"
)

// IsReserved reports whether key names a built-in effect.
func IsReserved(key string) bool {
	switch key {
	case KeyDB, KeyDispatch, KeyDispatchN, KeyDispatchLater, KeyFx, KeyDeregister:
		return true
	}
	return false
}

// Effects maps effect type to its configuration. Built per dispatch,
// never persisted.
type Effects map[string]any

// Clone returns a shallow copy. A nil map clones to an empty map.
func (e Effects) Clone() Effects {
	out := make(Effects, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Dispatch is the config of the "dispatch" effect and the entries of
// "dispatch-n".
type Dispatch struct {
	Event   string
	Payload any
}

// DispatchLater is an entry of the "dispatch-later" effect.
type DispatchLater struct {
	Ms      int
	Event   string
	Payload any
}

// FxEntry is an entry of the "fx" effect.
type FxEntry struct {
	Type   string
	Config any
}

// AsDispatch normalizes a dispatch config. Accepts Dispatch, *Dispatch and
// map[string]any{"event": string, "payload": any}.
func AsDispatch(v any) (Dispatch, bool) {
	switch d := v.(type) {
	case Dispatch:
		return d, d.Event != ""
	case *Dispatch:
		if d == nil {
			return Dispatch{}, false
		}
		return *d, d.Event != ""
	case map[string]any:
		ev, ok := d["event"].(string)
		if !ok || ev == "" {
			return Dispatch{}, false
		}
		return Dispatch{Event: ev, Payload: d["payload"]}, true
	}
	return Dispatch{}, false
}

// AsDispatchLater normalizes a dispatch-later entry. The map form requires
// a numeric "ms" and a string "event".
func AsDispatchLater(v any) (DispatchLater, bool) {
	switch d := v.(type) {
	case DispatchLater:
		return d, d.Event != "" && d.Ms >= 0
	case *DispatchLater:
		if d == nil {
			return DispatchLater{}, false
		}
		return *d, d.Event != "" && d.Ms >= 0
	case map[string]any:
		ms, ok := asInt(d["ms"])
		if !ok || ms < 0 {
			return DispatchLater{}, false
		}
		ev, ok := d["event"].(string)
		if !ok || ev == "" {
			return DispatchLater{}, false
		}
		return DispatchLater{Ms: ms, Event: ev, Payload: d["payload"]}, true
	}
	return DispatchLater{}, false
}

// AsFxEntry normalizes an fx tuple. Accepts FxEntry, *FxEntry and
// two-element slices whose first element is a string.
func AsFxEntry(v any) (FxEntry, bool) {
	switch e := v.(type) {
	case FxEntry:
		return e, e.Type != ""
	case *FxEntry:
		if e == nil {
			return FxEntry{}, false
		}
		return *e, e.Type != ""
	}

	items, ok := AsSlice(v)
	if !ok || len(items) != 2 {
		return FxEntry{}, false
	}
	typ, ok := items[0].(string)
	if !ok || typ == "" {
		return FxEntry{}, false
	}
	return FxEntry{Type: typ, Config: items[1]}, true
}

// AsSlice converts any slice or array value to []any.
func AsSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
