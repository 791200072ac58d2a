// Package subs holds named, parameterized read views over the state.
//
// A subscription is either a leaf (Compute over the state) or derived
// (Combine over the results of other subscriptions). Results are cached per
// (key, params) and reused while the state reference is unchanged.
// Listeners are notified only when a recomputed result differs by value
// from the last one they were given.
package subs

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/roach88/reframe/internal/canon"
	"github.com/roach88/reframe/internal/errhandler"
	"github.com/roach88/reframe/internal/registrar"
	"github.com/roach88/reframe/internal/state"
)

// ComputeFunc derives a leaf result from the state.
type ComputeFunc func(db any, params []any) (any, error)

// CombineFunc derives a result from dependency results, in Deps order.
type CombineFunc func(deps []any, params []any) (any, error)

// Config defines a subscription: either Compute, or Deps with Combine.
// Dependencies are queried without params.
type Config struct {
	Compute ComputeFunc
	Deps    []string
	Combine CombineFunc
}

func (c Config) validate() error {
	leaf := c.Compute != nil
	derived := c.Combine != nil || len(c.Deps) > 0
	switch {
	case leaf && derived:
		return fmt.Errorf("%w: compute cannot be combined with deps/combine", ErrInvalidConfig)
	case leaf:
		return nil
	case c.Combine == nil:
		return fmt.Errorf("%w: requires compute, or deps with combine", ErrInvalidConfig)
	case len(c.Deps) == 0:
		return fmt.Errorf("%w: combine requires at least one dep", ErrInvalidConfig)
	}
	for _, d := range c.Deps {
		if d == "" {
			return fmt.Errorf("%w: empty dep key", ErrInvalidConfig)
		}
	}
	return nil
}

// Listener receives subscription results.
type Listener func(result any)

// ErrorFunc replaces the error handler for a single Query.
type ErrorFunc func(err error)

// MaxIdleEntries bounds the cache entries that have no listeners. Past it,
// the least recently used idle entries are evicted.
const MaxIdleEntries = 256

// listener is one Subscribe registration. delivered is guarded by
// Manager.mu; the mailbox fields by listener.mu.
type listener struct {
	id        int
	fn        Listener
	delivered any

	mu      sync.Mutex
	seen    uint64
	running bool
	hasNext bool
	next    any
}

// entry is the cache record for one (key, params).
type entry struct {
	key     string
	params  []any
	used    uint64
	removed bool

	hasResult  bool
	lastState  any
	lastResult any

	listeners []*listener
}

// failure is a compute/combine error waiting to be reported.
type failure struct {
	key string
	err error
}

// delivery is one result bound for one listener.
type delivery struct {
	key    string
	gen    uint64
	result any
	l      *listener
}

// Manager owns subscription registrations and their cache.
//
// Thread-safety: safe for concurrent use. Compute and Combine run under the
// manager's lock and must not call back into it; listeners and error
// handlers run after the lock is released. Calls to one listener never
// overlap, and a listener never receives a result older than one it has
// already been given.
type Manager struct {
	registrar *registrar.Registrar
	errors    *errhandler.Handler

	mu      sync.Mutex
	entries map[string][]*entry // by canon.Key; params compared deeply within
	idle    int
	nextID  int
	gen     uint64
	tick    uint64
}

// NewManager creates a Manager.
func NewManager(reg *registrar.Registrar, errs *errhandler.Handler) *Manager {
	return &Manager{
		registrar: reg,
		errors:    errs,
		entries:   make(map[string][]*entry),
	}
}

// Register installs cfg under key. Dependency cycles are rejected with a
// *CycleError. Re-registering a key invalidates every cached result.
func (m *Manager) Register(key string, cfg Config) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("subscription %q: %w", key, err)
	}
	cfg.Deps = slices.Clone(cfg.Deps)

	if path := findCycle(m.buildDependencyGraph(key, cfg), key); path != nil {
		return &CycleError{Path: path}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrar.Register(registrar.KindSubscription, key, &cfg)
	m.invalidateLocked()
	return nil
}

// Deregister removes key and every cache entry for it, listeners included.
func (m *Manager) Deregister(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registrar.ClearEntry(registrar.KindSubscription, key)
	m.removeLocked(func(e *entry) bool { return e.key == key })
	m.invalidateLocked()
}

// Clear removes every registration and cache entry.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.registrar.IDs(registrar.KindSubscription) {
		m.registrar.ClearEntry(registrar.KindSubscription, id)
	}
	m.removeLocked(func(*entry) bool { return true })
}

// Has reports whether key is registered.
func (m *Manager) Has(key string) bool {
	return m.registrar.Has(registrar.KindSubscription, key)
}

// Len returns the number of cache entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, bucket := range m.entries {
		n += len(bucket)
	}
	return n
}

// ListenerCount returns the listeners attached to (key, params).
func (m *Manager) ListenerCount(key string, params []any) int {
	ck, err := canon.Key(key, params)
	if err != nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.findLocked(ck, params); e != nil {
		return len(e.listeners)
	}
	return 0
}

func (m *Manager) invalidateLocked() {
	for _, bucket := range m.entries {
		for _, e := range bucket {
			e.hasResult = false
			e.lastState = nil
		}
	}
}

// Query returns the result of (key, params) against db, recomputing when db
// is not the state the cached result was computed from.
//
// On a compute failure the previous cached result (or nil) is returned and
// the error is reported to onError, or to the error handler when onError is
// nil. The returned error is non-nil only when the error handler rethrows.
// An unregistered key is warned about and yields nil.
func (m *Manager) Query(db any, key string, params []any, onError ErrorFunc) (any, error) {
	m.mu.Lock()
	var fails []failure
	result := m.query(db, key, params, nil, &fails)
	m.trimIdleLocked()
	m.mu.Unlock()

	return result, m.report(fails, onError)
}

// Subscribe attaches cb to (key, params), calls it once with the current
// result, and returns an idempotent unsubscribe function. Removing the last
// listener drops the cache entry.
//
// When computing the first result fails and the error handler rethrows,
// the listener is detached again and the error is returned.
func (m *Manager) Subscribe(db any, key string, params []any, cb Listener) (func(), error) {
	if cb == nil {
		return nil, fmt.Errorf("subscription %q: nil listener", key)
	}
	if !m.Has(key) {
		return nil, fmt.Errorf("subscription %q: %w", key, ErrNotRegistered)
	}
	ck, err := canon.Key(key, params)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	var fails []failure
	result := m.query(db, key, params, nil, &fails)
	e := m.entryLocked(ck, key, params)
	if len(e.listeners) == 0 {
		m.idle--
	}
	m.nextID++
	m.gen++
	l := &listener{id: m.nextID, fn: cb, delivered: result}
	e.listeners = append(e.listeners, l)
	gen := m.gen
	m.mu.Unlock()

	if err := m.report(fails, nil); err != nil {
		m.unsubscribe(e, l.id)
		return nil, err
	}
	m.deliver(delivery{key: key, gen: gen, result: result, l: l})

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(e, l.id) })
	}, nil
}

func (m *Manager) unsubscribe(e *entry, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(e.listeners)
	e.listeners = slices.DeleteFunc(e.listeners, func(l *listener) bool { return l.id == id })
	if e.removed || before == 0 || len(e.listeners) > 0 {
		return
	}
	m.idle++ // now idle; removeLocked takes it back out
	m.removeLocked(func(x *entry) bool { return x == e })
}

// NotifyListeners recomputes every subscription that has listeners against
// db and calls each listener whose result changed by value since it was
// last called. Idle entries cached against an older state are evicted.
//
// The returned error is non-nil only when the error handler rethrows a
// compute failure; listeners are still notified.
func (m *Manager) NotifyListeners(db any) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for ck := range m.entries {
		keys = append(keys, ck)
	}
	sort.Strings(keys)

	m.gen++
	var (
		fails      []failure
		deliveries []delivery
	)
	for _, ck := range keys {
		for _, e := range m.entries[ck] {
			if len(e.listeners) == 0 {
				continue
			}
			result := m.query(db, e.key, e.params, nil, &fails)
			for _, l := range e.listeners {
				if reflect.DeepEqual(result, l.delivered) {
					continue
				}
				l.delivered = result
				deliveries = append(deliveries, delivery{key: e.key, gen: m.gen, result: result, l: l})
			}
		}
	}
	m.removeLocked(func(e *entry) bool {
		return len(e.listeners) == 0 && !(e.hasResult && state.Identical(e.lastState, db))
	})
	m.mu.Unlock()

	rethrown := m.report(fails, nil)
	for _, d := range deliveries {
		m.deliver(d)
	}
	return rethrown
}

// deliver hands d to its listener. If the listener is already running on
// another goroutine, the result is left for that goroutine to deliver next,
// replacing any result still waiting.
func (m *Manager) deliver(d delivery) {
	l := d.l
	l.mu.Lock()
	if d.gen <= l.seen {
		l.mu.Unlock()
		return
	}
	l.seen = d.gen
	l.next, l.hasNext = d.result, true
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	for l.hasNext {
		result := l.next
		l.next, l.hasNext = nil, false
		l.mu.Unlock()
		m.call(d.key, l.fn, result)
		l.mu.Lock()
	}
	l.running = false
	l.mu.Unlock()
}

// query computes under m.mu. visiting guards against runtime recursion.
func (m *Manager) query(db any, key string, params []any, visiting []string, fails *[]failure) any {
	cfg, ok := registrar.Lookup[*Config](m.registrar, registrar.KindSubscription, key)
	if !ok {
		slog.Warn("no subscription registered", "subscription", key)
		return nil
	}
	ck, err := canon.Key(key, params)
	if err != nil {
		*fails = append(*fails, failure{key, err})
		return nil
	}
	e := m.entryLocked(ck, key, params)

	if e.hasResult && state.Identical(e.lastState, db) {
		return e.lastResult
	}
	if i := slices.Index(visiting, key); i >= 0 {
		path := append(slices.Clone(visiting[i:]), key)
		*fails = append(*fails, failure{key, &CycleError{Path: path}})
		return e.lastResult
	}
	visiting = append(slices.Clip(visiting), key)

	var result any
	if cfg.Compute != nil {
		result, err = safeCall(func() (any, error) { return cfg.Compute(db, params) })
	} else {
		deps := make([]any, len(cfg.Deps))
		for i, dep := range cfg.Deps {
			deps[i] = m.query(db, dep, nil, visiting, fails)
		}
		result, err = safeCall(func() (any, error) { return cfg.Combine(deps, params) })
	}
	if err != nil {
		*fails = append(*fails, failure{key, err})
		return e.lastResult
	}

	e.hasResult = true
	e.lastState = db
	e.lastResult = result
	return result
}

func (m *Manager) findLocked(ck string, params []any) *entry {
	for _, e := range m.entries[ck] {
		if sameParams(e.params, params) {
			return e
		}
	}
	return nil
}

func (m *Manager) entryLocked(ck, key string, params []any) *entry {
	m.tick++
	if e := m.findLocked(ck, params); e != nil {
		e.used = m.tick
		return e
	}
	e := &entry{key: key, params: slices.Clone(params), used: m.tick}
	m.entries[ck] = append(m.entries[ck], e)
	m.idle++
	return e
}

// removeLocked deletes every entry matching drop.
func (m *Manager) removeLocked(drop func(*entry) bool) {
	for ck, bucket := range m.entries {
		kept := slices.DeleteFunc(bucket, func(e *entry) bool {
			if !drop(e) {
				return false
			}
			if len(e.listeners) == 0 {
				m.idle--
			}
			e.removed = true
			return true
		})
		if len(kept) == 0 {
			delete(m.entries, ck)
		} else {
			m.entries[ck] = kept
		}
	}
}

// trimIdleLocked evicts least recently used idle entries beyond
// MaxIdleEntries.
func (m *Manager) trimIdleLocked() {
	if m.idle <= MaxIdleEntries {
		return
	}
	var idle []*entry
	for _, bucket := range m.entries {
		for _, e := range bucket {
			if len(e.listeners) == 0 {
				idle = append(idle, e)
			}
		}
	}
	slices.SortFunc(idle, func(a, b *entry) int { return cmp.Compare(a.used, b.used) })
	stale := make(map[*entry]bool, len(idle)-MaxIdleEntries)
	for _, e := range idle[:len(idle)-MaxIdleEntries] {
		stale[e] = true
	}
	m.removeLocked(func(e *entry) bool { return stale[e] })
}

// sameParams is deep value equality; nil and empty params are the same.
func sameParams(a, b []any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// report delivers failures outside the lock.
func (m *Manager) report(fails []failure, onError ErrorFunc) error {
	var rethrown []error
	for _, f := range fails {
		if onError != nil {
			callErrorFunc(onError, f)
			continue
		}
		if err := m.errors.Handle(f.err, errhandler.Context{
			Phase:           errhandler.PhaseSubscription,
			SubscriptionKey: f.key,
		}); err != nil {
			rethrown = append(rethrown, err)
		}
	}
	return errors.Join(rethrown...)
}

func (m *Manager) call(key string, fn Listener, result any) {
	defer func() {
		if r := recover(); r != nil {
			m.errors.Handle(fmt.Errorf("listener panicked: %v", r), errhandler.Context{
				Phase:           errhandler.PhaseSubscription,
				SubscriptionKey: key,
			})
		}
	}()
	fn(result)
}

func callErrorFunc(fn ErrorFunc, f failure) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscription error callback panicked",
				"subscription", f.key,
				"panic", r,
				"original_error", f.err,
			)
		}
	}()
	fn(f.err)
}

func safeCall(fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
