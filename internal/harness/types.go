package harness

import (
	"github.com/roach88/reframe/internal/trace"
)

// TraceEvent is the deterministic part of a trace: no IDs, wall-clock
// times, or durations.
type TraceEvent struct {
	Seq          int64    `json:"seq"`
	Event        string   `json:"event"`
	Payload      any      `json:"payload,omitempty"`
	Interceptors []string `json:"interceptors"`
	Effects      []string `json:"effects"`
	StateChanged bool     `json:"state_changed"`
	Error        string   `json:"error,omitempty"`
}

// newTraceEvent projects a trace onto its deterministic fields.
func newTraceEvent(tr trace.Trace) TraceEvent {
	return TraceEvent{
		Seq:          tr.Seq,
		Event:        tr.EventKey,
		Payload:      tr.Payload,
		Interceptors: append([]string{}, tr.Interceptors...),
		Effects:      append([]string{}, tr.EffectKeys...),
		StateChanged: tr.StateChanged,
		Error:        tr.Error,
	}
}

// ReportedError is an error the store's error handler received.
type ReportedError struct {
	Phase   string `json:"phase"`
	Event   string `json:"event,omitempty"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every expectation step and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one entry per handled event, in processing order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Reported contains the errors routed to the store's error handler.
	Reported []ReportedError `json:"reported,omitempty"`

	// Records holds the configs of "record" effects in execution order.
	Records []any `json:"records,omitempty"`

	// State is the final state.
	State any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Reported: []ReportedError{},
		Records:  []any{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
