package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reframe/internal/tracestore"
)

func runFile(t *testing.T, name string, opts ...RunOption) *Result {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
	require.NoError(t, err)
	result, err := Run(s, opts...)
	require.NoError(t, err)
	return result
}

func runYAML(t *testing.T, src string) *Result {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	result, err := Run(s)
	require.NoError(t, err)
	return result
}

func TestRun_Counter(t *testing.T) {
	result := runFile(t, "counter.yaml")

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, map[string]any{"count": 3}, result.State)
	require.Len(t, result.Trace, 3)
	assert.Equal(t, []string{"inc", "inc-later", "inc"}, eventKeys(result.Trace))
	assert.Equal(t, []int64{1, 2, 3}, seqs(result.Trace))
	assert.Empty(t, result.Reported)
}

func TestRun_Todos(t *testing.T) {
	result := runFile(t, "todos.yaml")

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []any{map[string]any{"submitted": "write docs"}}, result.Records)
	require.Len(t, result.Reported, 1)
	assert.Equal(t, ReportedError{
		Phase:   "effect",
		Event:   "explode",
		Source:  FailEffect,
		Message: "kaboom",
	}, result.Reported[0])

	require.Len(t, result.Trace, 5)
	assert.Equal(t, []string{"debug", "path/ui", "db-handler"}, result.Trace[2].Interceptors)
}

func TestRun_SchemaRejects(t *testing.T) {
	result := runFile(t, "bounded.yaml")

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Reported, 1)
	rep := result.Reported[0]
	assert.Equal(t, "interceptor", rep.Phase)
	assert.Equal(t, "inc", rep.Event)
	assert.Equal(t, "schema/after", rep.Source)

	require.Len(t, result.Trace, 2)
	assert.True(t, result.Trace[0].StateChanged)
	assert.False(t, result.Trace[1].StateChanged)
	assert.NotEmpty(t, result.Trace[1].Error)
}

func TestRun_FailedExpectations(t *testing.T) {
	result := runYAML(t, `
name: wrong
config:
  initial_state: {count: 0}
events:
  inc:
    db: [{op: add, path: [count], value: 1}]
subscriptions:
  count: {path: [count]}
steps:
  - dispatch: inc
  - expect_state: {path: [count], value: 2}
  - expect_query: {key: count, value: 5}
  - expect_query: {key: missing, value: 1}
assertions:
  - type: trace_count
    event: inc
    count: 3
`)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "steps[1]: expect_state")
	assert.Contains(t, result.Errors[1], "steps[2]: expect_query count")
	assert.Contains(t, result.Errors[2], "steps[3]: expect_query missing", "unregistered keys query as nil")
	assert.Contains(t, result.Errors[3], "trace_count")
}

func TestRun_Rethrow(t *testing.T) {
	result := runYAML(t, `
name: rethrow
config:
  error_handler: {rethrow: true}
events:
  boom:
    fx: {fail: nope}
  quiet:
    fx: {fail: nope}
steps:
  - dispatch: boom
    expect_error: true
  - dispatch: quiet
`)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[1]: dispatch quiet")
	assert.Len(t, result.Reported, 2)
}

func TestRun_TraceCallback(t *testing.T) {
	ts, err := tracestore.Open(":memory:")
	require.NoError(t, err)
	defer ts.Close()

	result := runFile(t, "counter.yaml", WithTraceCallback("sqlite", ts.Callback()))
	require.True(t, result.Pass, "errors: %v", result.Errors)

	ctx := context.Background()
	n, err := ts.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := ts.List(ctx, tracestore.Filter{Event: "inc"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestRun_SeqStartAppends(t *testing.T) {
	ts, err := tracestore.Open(":memory:")
	require.NoError(t, err)
	defer ts.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		maxSeq, err := ts.MaxSeq(ctx)
		require.NoError(t, err)
		result := runFile(t, "counter.yaml",
			WithTraceCallback("sqlite", ts.Callback()),
			WithSeqStart(maxSeq),
		)
		require.True(t, result.Pass, "errors: %v", result.Errors)
	}

	n, err := ts.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n, "second run is appended, not dropped as duplicate IDs")

	recs, err := ts.List(ctx, tracestore.Filter{AfterSeq: 3})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(4), recs[0].Seq)
	assert.Equal(t, "trace-4", recs[0].ID)
}

func TestNewStore(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/counter.yaml")
	require.NoError(t, err)

	store, err := NewStore(s)
	require.NoError(t, err)
	ctx := context.Background()
	defer store.Close(ctx)

	require.NoError(t, store.Dispatch(ctx, "inc", 4))
	total, err := store.Query("total", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, map[string]any{"count": 4}, store.GetState())
}

func eventKeys(tr []TraceEvent) []string {
	out := make([]string, len(tr))
	for i, e := range tr {
		out[i] = e.Event
	}
	return out
}

func seqs(tr []TraceEvent) []int64 {
	out := make([]int64, len(tr))
	for i, e := range tr {
		out[i] = e.Seq
	}
	return out
}
