package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/roach88/reframe"
	"github.com/roach88/reframe/internal/canon"
	"github.com/roach88/reframe/internal/events"
	"github.com/roach88/reframe/internal/testutil"
	"github.com/roach88/reframe/internal/trace"
)

// Custom effects every harness store provides.
const (
	// RecordEffect appends its config to Result.Records.
	RecordEffect = "record"

	// FailEffect fails with its config as the error message.
	FailEffect = "fail"
)

// epoch is the virtual clock's start.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// RunOption configures Run.
type RunOption func(*runOptions)

type runOptions struct {
	callbacks map[string]trace.Callback
	seqStart  int64
}

// WithTraceCallback registers an extra trace callback, e.g. a trace store
// sink, on the scenario's store.
func WithTraceCallback(id string, fn trace.Callback) RunOption {
	return func(o *runOptions) {
		o.callbacks[id] = fn
	}
}

// WithSeqStart numbers the run's traces, IDs included, after seq so they
// can be appended to a trace log that already holds seq traces.
func WithSeqStart(seq int64) RunOption {
	return func(o *runOptions) {
		o.seqStart = seq
	}
}

// Harness drives one scenario's store.
//
// Notifications use a manual scheduler flushed after every step, and timers
// use a virtual clock advanced only by "advance" steps, so a scenario
// produces the same trace on every run.
type Harness struct {
	store    *reframe.Store
	clock    *testutil.VirtualClock
	sched    *reframe.ManualScheduler
	recorder *testutil.ErrorRecorder
	result   *Result

	mu     sync.Mutex
	traces []trace.Trace
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Build a store from the scenario config with deterministic overrides,
//     registering the declared events and subscriptions
//  2. Execute steps, flushing notifications after each
//  3. Close the store and collect trace, reported errors, and final state
//  4. Evaluate assertions
func Run(scenario *Scenario, opts ...RunOption) (*Result, error) {
	ro := runOptions{callbacks: make(map[string]trace.Callback)}
	for _, opt := range opts {
		opt(&ro)
	}

	h := &Harness{
		clock:    testutil.NewVirtualClock(epoch),
		sched:    reframe.NewManualScheduler(),
		recorder: testutil.NewErrorRecorder(),
		result:   NewResult(),
	}
	store, err := build(scenario, h.record,
		reframe.WithScheduler(h.sched),
		reframe.WithErrorHandler(h.recorder.Handle, scenario.Config.ErrorHandler.Rethrow),
		reframe.WithTracing(reframe.TracingConfig{
			Enabled:  true,
			Debounce: scenario.Config.Tracing.Debounce,
			SeqStart: ro.seqStart,
		}),
		reframe.WithTraceIDs(trace.NewSequenceGeneratorFrom("trace", ro.seqStart)),
		reframe.WithAfterFunc(h.clock.AfterFunc),
	)
	if err != nil {
		return nil, err
	}
	h.store = store

	h.store.RegisterTraceCallback("harness", h.collect)
	for _, id := range sortedKeys(ro.callbacks) {
		h.store.RegisterTraceCallback(id, ro.callbacks[id])
	}

	ctx := context.Background()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step); err != nil {
			return nil, fmt.Errorf("failed to execute steps[%d]: %w", i, err)
		}
	}

	if err := h.store.Close(ctx); err != nil {
		return nil, fmt.Errorf("failed to close store: %w", err)
	}
	h.sched.Flush()
	h.store.FlushTraces()

	result := h.result
	result.State = h.store.GetState()
	for _, tr := range h.collected() {
		result.Trace = append(result.Trace, newTraceEvent(tr))
	}
	for _, rep := range h.recorder.Errors() {
		result.Reported = append(result.Reported, newReportedError(rep))
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

// NewStore builds a live store from a scenario's config, events and
// subscriptions without running its steps. extra is applied after the
// config's options. The "record" effect logs its config.
func NewStore(scenario *Scenario, extra ...reframe.Option) (*reframe.Store, error) {
	return build(scenario, logRecord, extra...)
}

func build(scenario *Scenario, record reframe.EffectHandler, extra ...reframe.Option) (*reframe.Store, error) {
	opts, err := scenario.Config.Options()
	if err != nil {
		return nil, fmt.Errorf("failed to build store options: %w", err)
	}
	store := reframe.New(append(opts, extra...)...)

	store.RegisterEffect(RecordEffect, record)
	store.RegisterEffect(FailEffect, fail)
	for _, key := range sortedKeys(scenario.Events) {
		registerEvent(store, key, scenario.Events[key])
	}
	for _, key := range sortedKeys(scenario.Subscriptions) {
		if err := registerSubscription(store, key, scenario.Subscriptions[key]); err != nil {
			store.Close(context.Background())
			return nil, err
		}
	}
	return store, nil
}

func registerSubscription(store *reframe.Store, key string, spec SubscriptionSpec) error {
	var cfg reframe.SubscriptionConfig
	if spec.Path != nil {
		path := slices.Clone(spec.Path)
		cfg.Compute = func(db any, _ []any) (any, error) {
			return events.GetIn(db, path), nil
		}
	} else {
		cfg.Deps = spec.Deps
		cfg.Combine = combiners[spec.Combine]
	}
	if err := store.RegisterSubscription(key, cfg); err != nil {
		return fmt.Errorf("failed to register subscription %s: %w", key, err)
	}
	return nil
}

// executeStep runs one step. Failed expectations are added to the result;
// only harness failures are returned.
func (h *Harness) executeStep(ctx context.Context, i int, step Step) error {
	defer h.sched.Flush()

	switch {
	case step.Dispatch != "":
		err := h.store.Dispatch(ctx, step.Dispatch, step.Payload)
		switch {
		case step.ExpectError && err == nil:
			h.result.AddError(fmt.Sprintf("steps[%d]: dispatch %s: expected an error", i, step.Dispatch))
		case !step.ExpectError && err != nil:
			h.result.AddError(fmt.Sprintf("steps[%d]: dispatch %s: %v", i, step.Dispatch, err))
		}

	case step.Flush:
		return h.store.Flush(ctx)

	case step.Advance > 0:
		h.clock.Advance(step.Advance)
		return h.store.Flush(ctx)

	case step.ExpectState != nil:
		actual := events.GetIn(h.store.GetState(), step.ExpectState.Path)
		if !canonicalEqual(step.ExpectState.Value, actual) {
			h.result.AddError(fmt.Sprintf("steps[%d]: expect_state %v: expected %v, got %v",
				i, step.ExpectState.Path, step.ExpectState.Value, actual))
		}

	case step.ExpectQuery != nil:
		q := step.ExpectQuery
		actual, err := h.store.Query(q.Key, q.Params)
		if err != nil {
			h.result.AddError(fmt.Sprintf("steps[%d]: expect_query %s: %v", i, q.Key, err))
			return nil
		}
		if !canonicalEqual(q.Value, actual) {
			h.result.AddError(fmt.Sprintf("steps[%d]: expect_query %s %v: expected %v, got %v",
				i, q.Key, q.Params, q.Value, actual))
		}
	}
	return nil
}

func (h *Harness) collect(batch []trace.Trace) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.traces = append(h.traces, batch...)
}

func (h *Harness) collected() []trace.Trace {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := slices.Clone(h.traces)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (h *Harness) record(_ context.Context, cfg any, _ reframe.EffectDeps) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.Records = append(h.result.Records, cfg)
	return nil
}

func logRecord(_ context.Context, cfg any, deps reframe.EffectDeps) error {
	slog.Info("record", "event", deps.EventKey, "config", cfg)
	return nil
}

func fail(_ context.Context, cfg any, _ reframe.EffectDeps) error {
	if msg, ok := cfg.(string); ok {
		return errors.New(msg)
	}
	return fmt.Errorf("%v", cfg)
}

func newReportedError(rep testutil.ReportedError) ReportedError {
	ec := rep.Context
	out := ReportedError{
		Phase:   string(ec.Phase),
		Event:   ec.EventKey,
		Message: rep.Err.Error(),
	}
	switch {
	case ec.Interceptor != nil:
		out.Source = fmt.Sprintf("%s/%s", ec.Interceptor.ID, ec.Interceptor.Direction)
	case ec.EffectType != "":
		out.Source = ec.EffectType
	case ec.SubscriptionKey != "":
		out.Source = ec.SubscriptionKey
	}
	return out
}

// canonicalEqual compares values by their canonical JSON encoding, so YAML
// ints match state ints and floats alike.
func canonicalEqual(expected, actual any) bool {
	a, err := canon.Marshal(expected)
	if err != nil {
		return false
	}
	b, err := canon.Marshal(actual)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
