package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Event: "add-todo", Payload: map[string]any{"title": "a", "done": false}},
		{Seq: 2, Event: "toggle", Payload: 0},
		{Seq: 3, Event: "add-todo", Payload: map[string]any{"title": "b"}},
	}
}

func TestAssertTraceContains(t *testing.T) {
	tr := sampleTrace()

	assert.NoError(t, assertTraceContains(tr, Assertion{Event: "add-todo", Payload: map[string]any{"title": "b"}}))
	assert.NoError(t, assertTraceContains(tr, Assertion{Event: "toggle", Payload: 0}))
	assert.NoError(t, assertTraceContains(tr, Assertion{Event: "toggle"}), "nil payload matches any")

	err := assertTraceContains(tr, Assertion{Event: "add-todo", Payload: map[string]any{"title": "c"}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "Full trace")

	assert.Error(t, assertTraceContains(tr, Assertion{Event: "toggle", Payload: map[string]any{"i": 0}}))
}

func TestAssertTraceOrder(t *testing.T) {
	tr := sampleTrace()

	assert.NoError(t, assertTraceOrder(tr, Assertion{Events: []string{"add-todo", "toggle"}}))
	assert.ErrorContains(t, assertTraceOrder(tr, Assertion{Events: []string{"toggle", "add-todo"}}), "Assertion failed")
	assert.ErrorContains(t, assertTraceOrder(tr, Assertion{Events: []string{"add-todo", "delete"}}), "missing event: delete")
}

func TestAssertTraceCount(t *testing.T) {
	tr := sampleTrace()

	assert.NoError(t, assertTraceCount(tr, Assertion{Event: "add-todo", Count: 2}))
	assert.NoError(t, assertTraceCount(tr, Assertion{Event: "delete", Count: 0}))
	assert.ErrorContains(t, assertTraceCount(tr, Assertion{Event: "toggle", Count: 2}), "1 occurrences")
}

func TestAssertFinalState(t *testing.T) {
	state := map[string]any{
		"count": 3,
		"ui":    map[string]any{"filter": "done", "page": 1},
		"items": []any{},
	}

	assert.NoError(t, assertFinalState(state, Assertion{Expect: map[string]any{"count": 3}}))
	assert.NoError(t, assertFinalState(state, Assertion{Path: []string{"ui"}, Expect: map[string]any{"filter": "done"}}))
	assert.NoError(t, assertFinalState(state, Assertion{Expect: map[string]any{"count": 3.0}}), "numbers compare canonically")

	assert.ErrorContains(t, assertFinalState(state, Assertion{Expect: map[string]any{"count": 4}}), `field "count" = 3`)
	assert.ErrorContains(t, assertFinalState(state, Assertion{Expect: map[string]any{"missing": 1}}), "not present")
	assert.ErrorContains(t, assertFinalState(state, Assertion{Path: []string{"items"}, Expect: map[string]any{"a": 1}}), "[]interface {}")
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()
	result.State = map[string]any{"count": 1}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Event: "toggle", Count: 1},
		{Type: AssertFinalState, Expect: map[string]any{"count": 2}},
		{Type: "eventually"},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "final_state")
	assert.Contains(t, errs[1], "eventually")
}
