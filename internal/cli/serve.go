package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/reframe"
	"github.com/roach88/reframe/internal/devtools"
	"github.com/roach88/reframe/internal/harness"
	"github.com/roach88/reframe/internal/instrument"
	"github.com/roach88/reframe/internal/tracestore"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string
	Otel     bool

	// Ready, when set, receives the bound address once the server listens
	// (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve <scenario>",
		Short: "Serve a live store with the devtools inspector",
		Long: `Build a live store from a scenario's config, events and subscriptions
(its steps are not run) and serve the devtools inspector:

  GET  /healthz                  liveness
  GET  /api/state[?path=a.b]     current state
  POST /api/dispatch             {"event": "...", "payload": ...}
  GET  /api/subscriptions/{key}  query, params as ?params=[...]
  GET  /api/traces               recent traces (?event=&after=&limit=)
  GET  /api/stream               websocket stream of trace batches
  GET  /metrics                  Prometheus metrics

Examples:
  reframe serve ./scenarios/todos.yaml
  reframe serve ./scenarios/todos.yaml --addr :9000 --db ./traces.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:7070", "listen address")
	cmd.Flags().StringVar(&opts.Database, "db", "", "persist traces to this SQLite database")
	cmd.Flags().BoolVar(&opts.Otel, "otel", false, "export traces as spans through the global OpenTelemetry tracer provider")

	return cmd
}

func runServe(opts *ServeOptions, file string, cmd *cobra.Command) error {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	var (
		ts  *tracestore.Store
		seq int64
	)
	if opts.Database != "" {
		ts, seq, err = openTraceStore(cmd.Context(), opts.Database)
		if err != nil {
			return err
		}
		defer closeTraceStore(ts)
	}

	store, err := harness.NewStore(scenario, reframe.WithTracing(reframe.TracingConfig{
		Enabled:  true,
		Debounce: scenario.Config.Tracing.Debounce,
		SeqStart: seq,
	}))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build store", err)
	}

	reg := prometheus.NewRegistry()
	store.RegisterTraceCallback("metrics", instrument.NewMetrics(instrument.WithRegistry(reg)).Callback())
	if opts.Otel {
		store.RegisterTraceCallback("otel", instrument.NewSpanExporter().Callback())
	}

	devOpts := []devtools.Option{devtools.WithMetrics(reg)}
	if ts != nil {
		store.RegisterTraceCallback("tracestore", ts.Callback())
		devOpts = append(devOpts, devtools.WithTraceStore(ts))
	}

	inspector := devtools.New(store, devOpts...)
	defer inspector.Close()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{Handler: inspector, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	slog.Info("devtools listening", "addr", addr, "scenario", scenario.Name)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", scenario.Name, addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	select {
	case err := <-errCh:
		return WrapExitError(ExitFailure, "server error", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("error shutting down server", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		slog.Error("error closing store", "error", err)
	}

	slog.Info("devtools stopped gracefully")
	return nil
}
