package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/reframe/internal/trace"
)

// ErrNotFound is returned by Get for an unknown trace ID.
var ErrNotFound = errors.New("trace not found")

// Record is a stored trace. Payload and effect configs come back as
// decoded JSON; StateBefore and StateAfter are never stored.
type Record struct {
	trace.Trace
	StateHash string `json:"state_hash,omitempty"`
}

// Filter narrows List.
type Filter struct {
	// Event restricts results to one event key.
	Event string

	// AfterSeq returns only traces with seq > AfterSeq.
	AfterSeq int64

	// Limit caps the result size. Zero means no limit.
	Limit int
}

// List returns traces ordered by seq ASC, id ASC COLLATE BINARY.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Event != "" {
		where = append(where, "event = ?")
		args = append(args, f.Event)
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}

	query := `
		SELECT id, seq, event, payload, interceptors, effect_keys, state_changed, state_hash, started_at, duration_ns, error
		FROM traces`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC, id COLLATE BINARY ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}

	for i := range records {
		effects, err := s.readEffects(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Effects = effects
	}
	return records, nil
}

// Get returns a single trace.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seq, event, payload, interceptors, effect_keys, state_changed, state_hash, started_at, duration_ns, error
		FROM traces
		WHERE id = ?
	`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, err
	}

	rec.Effects, err = s.readEffects(ctx, id)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// MaxSeq returns the highest stored seq, or 0 for an empty log.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM traces").Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

// Count returns the number of stored traces.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM traces").Scan(&n); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return n, nil
}

func (s *Store) readEffects(ctx context.Context, traceID string) ([]trace.EffectRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT effect_type, config, duration_ns, error
		FROM trace_effects
		WHERE trace_id = ?
		ORDER BY idx ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query effects for %s: %w", traceID, err)
	}
	defer rows.Close()

	runs := []trace.EffectRun{}
	for rows.Next() {
		var (
			run      trace.EffectRun
			config   string
			duration int64
		)
		if err := rows.Scan(&run.Type, &config, &duration, &run.Error); err != nil {
			return nil, fmt.Errorf("scan effect: %w", err)
		}
		run.Duration = time.Duration(duration)
		if run.Config, err = unmarshalValue(config); err != nil {
			return nil, fmt.Errorf("effect config for %s: %w", traceID, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate effects: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec          Record
		payload      string
		interceptors string
		keys         string
		startedAt    string
		duration     int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.Seq,
		&rec.EventKey,
		&payload,
		&interceptors,
		&keys,
		&rec.StateChanged,
		&rec.StateHash,
		&startedAt,
		&duration,
		&rec.Error,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan trace: %w", err)
	}

	if rec.Payload, err = unmarshalValue(payload); err != nil {
		return Record{}, fmt.Errorf("trace %s payload: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(interceptors), &rec.Interceptors); err != nil {
		return Record{}, fmt.Errorf("trace %s interceptors: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(keys), &rec.EffectKeys); err != nil {
		return Record{}, fmt.Errorf("trace %s effect keys: %w", rec.ID, err)
	}
	if rec.Start, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Record{}, fmt.Errorf("trace %s started_at: %w", rec.ID, err)
	}
	rec.Duration = time.Duration(duration)
	return rec, nil
}

// unmarshalValue decodes stored JSON keeping integers exact.
func unmarshalValue(data string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

// normalizeNumbers turns json.Number into int64 when exact, float64
// otherwise.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		return f
	case []any:
		for i := range val {
			val[i] = normalizeNumbers(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = normalizeNumbers(val[k])
		}
		return val
	default:
		return v
	}
}
