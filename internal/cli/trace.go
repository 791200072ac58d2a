package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reframe/internal/tracestore"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Event    string // optional - filter to one event key
	After    int64  // optional - only traces with a greater seq
	Limit    int    // optional - cap the number of traces
}

// TraceResult holds the trace command output.
type TraceResult struct {
	Traces []tracestore.Record `json:"traces"`
	Stats  TraceStats          `json:"stats"`
}

// TraceStats holds summary statistics for the listed traces.
type TraceStats struct {
	Total        int `json:"total"`
	StateChanges int `json:"state_changes"`
	Errors       int `json:"errors"`
	Effects      int `json:"effects"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "List persisted traces",
		Long: `List traces persisted by "run --db" or "serve --db" in sequence order.

Each trace shows the event, its payload, the interceptors that ran, the
effects that executed, whether the state changed, and any failure.

Examples:
  reframe trace --db ./traces.db
  reframe trace --db ./traces.db --event inc --limit 10
  reframe trace --db ./traces.db --after 42 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Event, "event", "", "filter to one event key")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only traces with seq greater than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of traces (0 = all)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must be non-negative")
	}

	ts, err := tracestore.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer ts.Close()

	recs, err := ts.List(ctx, tracestore.Filter{Event: opts.Event, AfterSeq: opts.After, Limit: opts.Limit})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list traces", err)
	}

	result := TraceResult{Traces: recs, Stats: TraceStats{Total: len(recs)}}
	for _, rec := range recs {
		if rec.StateChanged {
			result.Stats.StateChanges++
		}
		if rec.Failed() {
			result.Stats.Errors++
		}
		result.Stats.Effects += len(rec.Effects)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	writeTraceText(cmd, result, opts.Verbose)
	return nil
}

func writeTraceText(cmd *cobra.Command, result TraceResult, verbose bool) {
	w := cmd.OutOrStdout()

	if len(result.Traces) == 0 {
		fmt.Fprintln(w, "No traces found.")
		return
	}

	for _, rec := range result.Traces {
		changed := " "
		if rec.StateChanged {
			changed = "*"
		}
		fmt.Fprintf(w, "%5d %s %-24s %s", rec.Seq, changed, rec.EventKey, rec.Duration.Round(time.Microsecond))
		if rec.Payload != nil {
			fmt.Fprintf(w, " %s", compact(rec.Payload))
		}
		fmt.Fprintln(w)

		if verbose && len(rec.Interceptors) > 0 {
			fmt.Fprintf(w, "        interceptors: %s\n", strings.Join(rec.Interceptors, " -> "))
		}
		for _, run := range rec.Effects {
			line := fmt.Sprintf("        %s", run.Type)
			if verbose && run.Config != nil {
				line += " " + compact(run.Config)
			}
			if run.Error != "" {
				line += " ERROR: " + run.Error
			}
			fmt.Fprintln(w, line)
		}
		if rec.Error != "" {
			fmt.Fprintf(w, "        ERROR: %s\n", rec.Error)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d trace(s), %d state change(s), %d effect(s), %d error(s)\n",
		result.Stats.Total, result.Stats.StateChanges, result.Stats.Effects, result.Stats.Errors)
}
