package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/reframe/internal/canon"
	"github.com/roach88/reframe/internal/harness"
	"github.com/roach88/reframe/internal/tracestore"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Run one scenario and print its trace",
		Long: `Run one scenario deterministically and print its trace, reported
errors and final state.

With --db, every trace is also persisted to a SQLite trace store
(created if it doesn't exist) for later inspection with "trace" and
verification with "replay".

Exit codes:
  0 - Scenario passed
  1 - Failed expectations or assertions
  2 - Command error (unreadable scenario, database error)

Examples:
  reframe run ./scenarios/counter.yaml
  reframe run ./scenarios/counter.yaml --db ./traces.db
  reframe run ./scenarios/counter.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "persist traces to this SQLite database")

	return cmd
}

func runScenarioFile(opts *RunOptions, file string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		_ = formatter.Error(ErrCodeLoadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	var runOpts []harness.RunOption
	if opts.Database != "" {
		ts, seq, err := openTraceStore(cmd.Context(), opts.Database)
		if err != nil {
			return err
		}
		defer closeTraceStore(ts)
		runOpts = append(runOpts,
			harness.WithTraceCallback("tracestore", ts.Callback()),
			harness.WithSeqStart(seq),
		)
	}

	result, err := harness.Run(scenario, runOpts...)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	if formatter.JSON() {
		if result.Pass {
			if err := formatter.Success(result); err != nil {
				return err
			}
		} else if err := formatter.Error(ErrCodeFailed, "scenario failed", result); err != nil {
			return err
		}
	} else {
		writeResultText(cmd.OutOrStdout(), scenario.Name, result)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

// openTraceStore opens the trace log at path and returns the seq new
// traces must be numbered after.
func openTraceStore(ctx context.Context, path string) (*tracestore.Store, int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	slog.Debug("opening trace store", "path", path)
	ts, err := tracestore.Open(path)
	if err != nil {
		return nil, 0, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	seq, err := ts.MaxSeq(ctx)
	if err != nil {
		closeTraceStore(ts)
		return nil, 0, WrapExitError(ExitCommandError, "failed to read database", err)
	}
	return ts, seq, nil
}

func closeTraceStore(ts *tracestore.Store) {
	if err := ts.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// writeResultText prints a result for humans.
func writeResultText(w io.Writer, name string, result *harness.Result) {
	fmt.Fprintf(w, "Scenario: %s\n\n", name)

	fmt.Fprintln(w, "Trace:")
	for _, ev := range result.Trace {
		line := fmt.Sprintf("  [%d] %s", ev.Seq, ev.Event)
		if ev.Payload != nil {
			line += " " + compact(ev.Payload)
		}
		if len(ev.Effects) > 0 {
			line += " -> " + strings.Join(ev.Effects, ", ")
		}
		if ev.StateChanged {
			line += " (state changed)"
		}
		if ev.Error != "" {
			line += " ERROR: " + ev.Error
		}
		fmt.Fprintln(w, line)
	}

	if len(result.Reported) > 0 {
		fmt.Fprintln(w, "\nReported errors:")
		for _, rep := range result.Reported {
			fmt.Fprintf(w, "  %s %s [%s]: %s\n", rep.Phase, rep.Event, rep.Source, rep.Message)
		}
	}

	fmt.Fprintf(w, "\nFinal state: %s\n", compact(result.State))

	if result.Pass {
		fmt.Fprintln(w, "\n✓ PASS")
		return
	}
	fmt.Fprintln(w, "\n✗ FAIL")
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// compact renders v as canonical JSON, falling back to %v.
func compact(v any) string {
	data, err := canon.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
