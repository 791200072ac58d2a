package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/reframe/internal/canon"
	"github.com/roach88/reframe/internal/trace"
)

// Write appends one trace. A trace whose ID is already stored is ignored.
func (s *Store) Write(ctx context.Context, tr trace.Trace) error {
	return s.WriteBatch(ctx, []trace.Trace{tr})
}

// WriteBatch appends traces in one transaction.
func (s *Store) WriteBatch(ctx context.Context, batch []trace.Trace) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write traces: begin: %w", err)
	}
	defer tx.Rollback()

	for _, tr := range batch {
		if err := writeTrace(ctx, tx, tr); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write traces: commit: %w", err)
	}
	return nil
}

func writeTrace(ctx context.Context, tx *sql.Tx, tr trace.Trace) error {
	interceptors, err := json.Marshal(nonNil(tr.Interceptors))
	if err != nil {
		return fmt.Errorf("write trace %s: interceptors: %w", tr.ID, err)
	}
	keys, err := json.Marshal(nonNil(tr.EffectKeys))
	if err != nil {
		return fmt.Errorf("write trace %s: effect keys: %w", tr.ID, err)
	}

	stateHash, err := canon.StateHash(tr.StateAfter)
	if err != nil {
		slog.Debug("state not hashable, storing trace without fingerprint", "trace", tr.ID, "error", err)
		stateHash = ""
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO traces
		(id, seq, event, payload, interceptors, effect_keys, state_changed, state_hash, started_at, duration_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		tr.ID,
		tr.Seq,
		tr.EventKey,
		marshalValue(tr.Payload),
		string(interceptors),
		string(keys),
		tr.StateChanged,
		stateHash,
		tr.Start.UTC().Format(time.RFC3339Nano),
		int64(tr.Duration),
		tr.Error,
	)
	if err != nil {
		return fmt.Errorf("write trace %s: %w", tr.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for i, run := range tr.Effects {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trace_effects
			(trace_id, idx, effect_type, config, duration_ns, error)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			tr.ID,
			i,
			run.Type,
			marshalValue(run.Config),
			int64(run.Duration),
			run.Error,
		)
		if err != nil {
			return fmt.Errorf("write trace %s effect %d: %w", tr.ID, i, err)
		}
	}
	return nil
}

// marshalValue stores v as canonical JSON. Values that have no JSON form
// (funcs, channels) are stored as their %v string.
func marshalValue(v any) string {
	data, err := canon.Marshal(v)
	if err == nil {
		return string(data)
	}
	fallback, _ := canon.Marshal(fmt.Sprintf("%v", v))
	return string(fallback)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Callback returns a trace.Callback that persists each batch. Write
// failures are logged.
func (s *Store) Callback() trace.Callback {
	return func(batch []trace.Trace) {
		if err := s.WriteBatch(context.Background(), batch); err != nil {
			slog.Error("failed to persist traces", "count", len(batch), "error", err)
		}
	}
}
