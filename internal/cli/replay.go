package cli

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/reframe/internal/canon"
	"github.com/roach88/reframe/internal/harness"
	"github.com/roach88/reframe/internal/trace"
	"github.com/roach88/reframe/internal/tracestore"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string // optional - compare against recorded traces
}

// Divergence is the first point where a replay differs from its reference.
type Divergence struct {
	Seq      int64  `json:"seq"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// ReplayResult holds the replay outcome.
type ReplayResult struct {
	Scenario      string      `json:"scenario"`
	Reference     string      `json:"reference"` // "database" or "rerun"
	Traces        int         `json:"traces"`
	Deterministic bool        `json:"deterministic"`
	Divergence    *Divergence `json:"divergence,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <scenario>",
		Short: "Replay a scenario and verify determinism",
		Long: `Replay a scenario and verify that it reproduces the same traces.

With --db, the fresh run is compared trace by trace against the traces
recorded by "run --db": same event keys in the same order and the same
state fingerprint after each event. Without --db, the scenario is run
twice and the two canonical snapshots must be identical.

Exit codes:
  0 - Replay is deterministic
  1 - Divergence detected
  2 - Command error (unreadable scenario, database error)

Examples:
  reframe replay ./scenarios/counter.yaml
  reframe replay ./scenarios/counter.yaml --db ./traces.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "compare against traces recorded in this SQLite database")

	return cmd
}

func runReplay(opts *ReplayOptions, file string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		_ = formatter.Error(ErrCodeLoadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	var result ReplayResult
	if opts.Database != "" {
		result, err = replayAgainstStore(ctx, scenario, opts.Database)
	} else {
		result, err = replayTwice(scenario)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	if formatter.JSON() {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		writeReplayText(cmd, result)
	}

	if !result.Deterministic {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s diverged", scenario.Name))
	}
	return nil
}

// replayAgainstStore runs the scenario once and compares its traces with
// the recorded ones by position.
func replayAgainstStore(ctx context.Context, scenario *harness.Scenario, path string) (ReplayResult, error) {
	result := ReplayResult{Scenario: scenario.Name, Reference: "database"}

	ts, err := tracestore.Open(path)
	if err != nil {
		return result, fmt.Errorf("open database: %w", err)
	}
	defer ts.Close()

	recorded, err := ts.List(ctx, tracestore.Filter{})
	if err != nil {
		return result, fmt.Errorf("list traces: %w", err)
	}

	fresh, err := runCollecting(scenario)
	if err != nil {
		return result, err
	}
	result.Traces = len(fresh)
	result.Divergence = compareRecorded(recorded, fresh)
	result.Deterministic = result.Divergence == nil
	return result, nil
}

func compareRecorded(recorded []tracestore.Record, fresh []trace.Trace) *Divergence {
	for i := 0; i < len(recorded) && i < len(fresh); i++ {
		rec, tr := recorded[i], fresh[i]
		if rec.EventKey != tr.EventKey {
			return &Divergence{Seq: tr.Seq, Field: "event", Expected: rec.EventKey, Actual: tr.EventKey}
		}
		if rec.StateHash == "" {
			continue
		}
		hash, err := canon.StateHash(tr.StateAfter)
		if err != nil {
			return &Divergence{Seq: tr.Seq, Field: "state", Expected: rec.StateHash, Actual: err.Error()}
		}
		if hash != rec.StateHash {
			return &Divergence{Seq: tr.Seq, Field: "state", Expected: rec.StateHash, Actual: hash}
		}
	}
	if len(recorded) != len(fresh) {
		return &Divergence{
			Field:    "count",
			Expected: fmt.Sprint(len(recorded)),
			Actual:   fmt.Sprint(len(fresh)),
		}
	}
	return nil
}

// replayTwice runs the scenario twice and compares canonical snapshots.
func replayTwice(scenario *harness.Scenario) (ReplayResult, error) {
	result := ReplayResult{Scenario: scenario.Name, Reference: "rerun"}

	var snapshots [2][]byte
	for i := range snapshots {
		r, err := harness.Run(scenario)
		if err != nil {
			return result, fmt.Errorf("run %d: %w", i+1, err)
		}
		snap := harness.NewSnapshot(scenario.Name, r)
		if snapshots[i], err = snap.MarshalCanonical(); err != nil {
			return result, fmt.Errorf("run %d: %w", i+1, err)
		}
		result.Traces = len(r.Trace)
	}

	result.Deterministic = bytes.Equal(snapshots[0], snapshots[1])
	if !result.Deterministic {
		result.Divergence = &Divergence{
			Field:    "snapshot",
			Expected: string(snapshots[0]),
			Actual:   string(snapshots[1]),
		}
	}
	return result, nil
}

// runCollecting runs a scenario and returns its raw traces in seq order.
func runCollecting(scenario *harness.Scenario) ([]trace.Trace, error) {
	var (
		mu     sync.Mutex
		traces []trace.Trace
	)
	_, err := harness.Run(scenario, harness.WithTraceCallback("replay", func(batch []trace.Trace) {
		mu.Lock()
		defer mu.Unlock()
		traces = append(traces, batch...)
	}))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(traces, func(i, j int) bool { return traces[i].Seq < traces[j].Seq })
	return traces, nil
}

func writeReplayText(cmd *cobra.Command, result ReplayResult) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Replayed %s against %s: %d trace(s)\n", result.Scenario, result.Reference, result.Traces)
	if result.Deterministic {
		fmt.Fprintln(w, "✓ Deterministic")
		return
	}
	d := result.Divergence
	fmt.Fprintf(w, "✗ Diverged at seq %d (%s)\n", d.Seq, d.Field)
	fmt.Fprintf(w, "  expected: %s\n", d.Expected)
	fmt.Fprintf(w, "  actual:   %s\n", d.Actual)
}
