// Package trace records one Trace per dispatched event and delivers them to
// registered callbacks in debounced batches.
package trace

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/reframe/internal/effects"
	"github.com/roach88/reframe/internal/events"
	"github.com/roach88/reframe/internal/state"
)

// DefaultDebounce is how long the tracer waits after the latest trace
// before delivering a batch.
const DefaultDebounce = 50 * time.Millisecond

// EffectRun is one executed effect.
type EffectRun struct {
	Type     string        `json:"type"`
	Config   any           `json:"config,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Trace describes one processed event.
type Trace struct {
	ID           string        `json:"id"`
	Seq          int64         `json:"seq"`
	EventKey     string        `json:"event"`
	Payload      any           `json:"payload,omitempty"`
	Interceptors []string      `json:"interceptors"`
	EffectKeys   []string      `json:"effect_keys"`
	Effects      []EffectRun   `json:"effects"`
	StateChanged bool          `json:"state_changed"`
	StateBefore  any           `json:"state_before,omitempty"`
	StateAfter   any           `json:"state_after,omitempty"`
	Start        time.Time     `json:"start"`
	Duration     time.Duration `json:"duration_ns"`
	Error        string        `json:"error,omitempty"`
}

// Failed reports whether the event failed or any of its effects did. An
// effect failure that was not rethrown leaves Error empty.
func (tr Trace) Failed() bool {
	return tr.Error != "" || tr.FailedEffect() != nil
}

// FailedEffect returns the first effect run that failed, or nil.
func (tr Trace) FailedEffect() *EffectRun {
	for i := range tr.Effects {
		if tr.Effects[i].Error != "" {
			return &tr.Effects[i]
		}
	}
	return nil
}

// Callback receives a batch of traces in sequence order.
type Callback func(batch []Trace)

// Option configures a Tracer.
type Option func(*Tracer)

// WithEnabled turns tracing on or off. Tracing is off by default.
func WithEnabled(enabled bool) Option {
	return func(t *Tracer) { t.enabled = enabled }
}

// WithDebounce sets the debounce window. Non-positive keeps the default.
func WithDebounce(d time.Duration) Option {
	return func(t *Tracer) {
		if d > 0 {
			t.debounce = d
		}
	}
}

// WithIDGenerator replaces the UUIDv7 ID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(t *Tracer) {
		if g != nil {
			t.ids = g
		}
	}
}

// WithSeqStart numbers traces after seq, so a tracer appending to an
// existing trace log continues its sequence instead of restarting at 1.
func WithSeqStart(seq int64) Option {
	return func(t *Tracer) { t.seq.Store(seq) }
}

// WithAfterFunc replaces the timer used for debouncing.
func WithAfterFunc(fn func(time.Duration, func())) Option {
	return func(t *Tracer) {
		if fn != nil {
			t.afterFunc = fn
		}
	}
}

// WithNow replaces the wall clock used for Start and Duration.
func WithNow(now func() time.Time) Option {
	return func(t *Tracer) {
		if now != nil {
			t.now = now
		}
	}
}

type namedCallback struct {
	id string
	fn Callback
}

// Tracer builds traces and batches them for callbacks.
//
// Thread-safety: safe for concurrent use.
type Tracer struct {
	ids       IDGenerator
	seq       atomic.Int64 // last assigned Trace.Seq
	afterFunc func(time.Duration, func())
	now       func() time.Time

	mu        sync.Mutex
	enabled   bool
	debounce  time.Duration
	callbacks []namedCallback
	buffer    []Trace
	gen       uint64
}

// New creates a Tracer.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		ids:       UUIDv7Generator{},
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		now:       time.Now,
		debounce:  DefaultDebounce,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Seq returns the sequence number of the latest finished trace.
func (t *Tracer) Seq() int64 {
	return t.seq.Load()
}

// Enabled reports whether traces are being recorded.
func (t *Tracer) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled turns recording on or off.
func (t *Tracer) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// RegisterCallback adds or replaces the callback stored under id.
func (t *Tracer) RegisterCallback(id string, fn Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, cb := range t.callbacks {
		if cb.id == id {
			slog.Warn("trace callback overwritten", "callback", id)
			t.callbacks[i].fn = fn
			return
		}
	}
	t.callbacks = append(t.callbacks, namedCallback{id: id, fn: fn})
}

// RemoveCallback removes the callback stored under id.
func (t *Tracer) RemoveCallback(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, cb := range t.callbacks {
		if cb.id == id {
			t.callbacks = append(t.callbacks[:i:i], t.callbacks[i+1:]...)
			return
		}
	}
	slog.Warn("removing unknown trace callback", "callback", id)
}

// Begin starts a span for an event. Returns nil when tracing is disabled.
func (t *Tracer) Begin(eventKey string, payload any) events.TraceSpan {
	if !t.Enabled() {
		return nil
	}
	return &Span{
		tracer: t,
		trace: Trace{
			ID:       t.ids.Generate(),
			EventKey: eventKey,
			Payload:  payload,
			Start:    t.now(),
		},
	}
}

// record buffers tr and restarts the debounce window.
func (t *Tracer) record(tr Trace) {
	t.mu.Lock()
	if len(t.callbacks) == 0 {
		t.mu.Unlock()
		return
	}
	t.buffer = append(t.buffer, tr)
	t.gen++
	gen, d := t.gen, t.debounce
	t.mu.Unlock()

	t.afterFunc(d, func() { t.flushIf(gen) })
}

// flushIf delivers the buffer unless a newer trace restarted the window.
func (t *Tracer) flushIf(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.Flush()
}

// Flush delivers buffered traces immediately.
func (t *Tracer) Flush() {
	t.mu.Lock()
	batch := t.buffer
	t.buffer = nil
	callbacks := append([]namedCallback(nil), t.callbacks...)
	t.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })
	for _, cb := range callbacks {
		deliver(cb, batch)
	}
}

func deliver(cb namedCallback, batch []Trace) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("trace callback panicked", "callback", cb.id, "panic", r)
		}
	}()
	cb.fn(append([]Trace(nil), batch...))
}

// Span collects one event's trace. It implements events.TraceSpan.
type Span struct {
	tracer *Tracer

	mu    sync.Mutex
	trace Trace
}

// Interceptor records that the interceptor id ran its before phase.
func (s *Span) Interceptor(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace.Interceptors = append(s.trace.Interceptors, id)
}

// RecordEffect implements effects.Sink.
func (s *Span) RecordEffect(et effects.Trace) {
	run := EffectRun{Type: et.EffectType, Config: et.Config, Duration: et.Duration}
	if et.Err != nil {
		run.Error = et.Err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace.Effects = append(s.trace.Effects, run)
}

// Finish completes the span and hands it to the tracer.
func (s *Span) Finish(fx effects.Effects, before, after any, err error) {
	s.mu.Lock()
	tr := s.trace
	s.mu.Unlock()

	keys := make([]string, 0, len(fx))
	for k := range fx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tr.Seq = s.tracer.seq.Add(1)
	tr.EffectKeys = keys
	tr.StateBefore = before
	tr.StateAfter = after
	tr.StateChanged = !state.Identical(before, after)
	tr.Duration = s.tracer.now().Sub(tr.Start)
	if err != nil {
		tr.Error = err.Error()
	}
	if tr.Interceptors == nil {
		tr.Interceptors = []string{}
	}
	if tr.Effects == nil {
		tr.Effects = []EffectRun{}
	}
	s.tracer.record(tr)
}
