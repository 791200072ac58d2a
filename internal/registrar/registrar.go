// Package registrar is the (kind, id) -> handler lookup table shared by the
// event manager, effect executor, coeffect providers, and subscriptions.
//
// The registrar is best-effort: it never rejects a registration. Overwrites
// and clears of missing entries are reported with slog warnings only.
package registrar

import (
	"log/slog"
	"sync"
)

// Kind namespaces handler ids.
type Kind string

const (
	// KindEvent holds event handlers (db and fx flavors).
	KindEvent Kind = "event"
	// KindEffect holds custom effect handlers.
	KindEffect Kind = "fx"
	// KindCoeffect holds coeffect providers used by InjectCoeffect.
	KindCoeffect Kind = "cofx"
	// KindSubscription holds subscription definitions.
	KindSubscription Kind = "sub"
)

// Registrar stores handlers by kind and id.
//
// Thread-safety: all methods are safe for concurrent use.
type Registrar struct {
	mu       sync.RWMutex
	handlers map[Kind]map[string]any

	// warnOnOverwrite defaults to true.
	warnOnOverwrite bool
}

// New creates an empty registrar that warns on overwrite.
func New() *Registrar {
	return &Registrar{
		handlers:        make(map[Kind]map[string]any),
		warnOnOverwrite: true,
	}
}

// SetWarnOnOverwrite toggles the overwrite warning.
func (r *Registrar) SetWarnOnOverwrite(warn bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnOnOverwrite = warn
}

// Register stores handler under (kind, id) and returns it.
// The last registration wins.
func (r *Registrar) Register(kind Kind, id string, handler any) any {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := r.handlers[kind]
	if byID == nil {
		byID = make(map[string]any)
		r.handlers[kind] = byID
	}

	if _, exists := byID[id]; exists && r.warnOnOverwrite {
		slog.Warn("overwriting handler", "kind", kind, "id", id)
	}
	byID[id] = handler
	return handler
}

// Get returns the handler for (kind, id).
func (r *Registrar) Get(kind Kind, id string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[kind][id]
	return h, ok
}

// Has reports whether a handler is registered for (kind, id).
func (r *Registrar) Has(kind Kind, id string) bool {
	_, ok := r.Get(kind, id)
	return ok
}

// IDs returns the ids registered under kind, in no particular order.
func (r *Registrar) IDs(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handlers[kind]))
	for id := range r.handlers[kind] {
		ids = append(ids, id)
	}
	return ids
}

// Clear removes every handler of every kind.
func (r *Registrar) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[Kind]map[string]any)
}

// ClearKind removes every handler of one kind.
func (r *Registrar) ClearKind(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[kind]; !ok {
		slog.Warn("clearing unknown handler kind", "kind", kind)
		return
	}
	delete(r.handlers, kind)
}

// ClearEntry removes a single handler. Warns if it does not exist.
func (r *Registrar) ClearEntry(kind Kind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := r.handlers[kind]
	if _, ok := byID[id]; !ok {
		slog.Warn("clearing handler that was never registered", "kind", kind, "id", id)
		return
	}
	delete(byID, id)
}

// Lookup returns the handler for (kind, id) asserted to H.
// A registered value of another type is reported as missing.
func Lookup[H any](r *Registrar, kind Kind, id string) (H, bool) {
	var zero H
	v, ok := r.Get(kind, id)
	if !ok {
		return zero, false
	}
	h, ok := v.(H)
	if !ok {
		slog.Warn("handler has unexpected type", "kind", kind, "id", id)
		return zero, false
	}
	return h, true
}
