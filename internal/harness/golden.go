package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/reframe/internal/canon"
)

// TraceSnapshot captures the deterministic outcome of a scenario run.
// It is serialized as canonical JSON for golden comparison.
type TraceSnapshot struct {
	ScenarioName string          `json:"scenario_name"`
	Trace        []TraceEvent    `json:"trace"`
	Reported     []ReportedError `json:"reported"`
	Records      []any           `json:"records"`
	FinalState   any             `json:"final_state"`
}

// NewSnapshot builds the snapshot of a result.
func NewSnapshot(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Reported:     result.Reported,
		Records:      result.Records,
		FinalState:   result.State,
	}
}

// toCanonicalMap converts a TraceSnapshot to plain maps and slices for
// canonical JSON serialization.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":           event.Seq,
			"event":         event.Event,
			"interceptors":  stringsToAny(event.Interceptors),
			"effects":       stringsToAny(event.Effects),
			"state_changed": event.StateChanged,
		}
		if event.Payload != nil {
			eventMap["payload"] = event.Payload
		}
		if event.Error != "" {
			eventMap["error"] = event.Error
		}
		traceList[i] = eventMap
	}

	reported := make([]any, len(s.Reported))
	for i, rep := range s.Reported {
		repMap := map[string]any{
			"phase":   rep.Phase,
			"message": rep.Message,
		}
		if rep.Event != "" {
			repMap["event"] = rep.Event
		}
		if rep.Source != "" {
			repMap["source"] = rep.Source
		}
		reported[i] = repMap
	}

	records := s.Records
	if records == nil {
		records = []any{}
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"reported":      reported,
		"records":       records,
		"final_state":   s.FinalState,
	}
}

// MarshalCanonical returns the snapshot as canonical JSON.
func (s *TraceSnapshot) MarshalCanonical() ([]byte, error) {
	return canon.Marshal(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...RunOption) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := NewSnapshot(scenarioName, result)
	data, err := snapshot.MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

func stringsToAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
