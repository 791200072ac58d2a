// Package schema validates store state against a CUE schema.
//
// A schema is a CUE document. The state is unified with the value at the
// schema's root path (the whole document by default, or a definition such
// as #State) and must come out concrete and conflict-free.
package schema

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/reframe/internal/effects"
	"github.com/roach88/reframe/internal/events"
)

// InterceptorID is the ID of the interceptor returned by Interceptor.
const InterceptorID = "schema"

// Schema is a compiled CUE schema. It is safe for concurrent use; CUE
// evaluation is serialized internally.
type Schema struct {
	mu    sync.Mutex
	ctx   *cue.Context
	value cue.Value
	path  string
}

// ValidationError reports the first CUE error for a rejected state.
type ValidationError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	loc := e.Path
	if loc == "" {
		loc = "state"
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), loc, e.Message)
	}
	return fmt.Sprintf("%s: %s", loc, e.Message)
}

// Compile builds a schema from CUE source. path selects the value the state
// is checked against ("" for the whole document).
//
//	s, err := schema.Compile("state.cue", `#State: {count: int & >=0}`, "#State")
func Compile(filename, src, path string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compiling schema: %w", formatCUEError(err))
	}
	if path != "" {
		v = v.LookupPath(cue.ParsePath(path))
		if !v.Exists() {
			return nil, fmt.Errorf("schema path %q not found in %s", path, filename)
		}
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("schema path %q: %w", path, formatCUEError(err))
		}
	}
	return &Schema{ctx: ctx, value: v, path: path}, nil
}

// Load reads and compiles a CUE file.
func Load(filename, path string) (*Schema, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	return Compile(filename, string(src), path)
}

// Path returns the root path the schema was compiled with.
func (s *Schema) Path() string {
	return s.path
}

// Validate checks v against the schema.
func (s *Schema) Validate(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := s.ctx.Encode(v)
	if err := enc.Err(); err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	unified := s.value.Unify(enc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// Interceptor rejects events whose db effect does not satisfy s. The check
// runs in the after phase, so a rejected event produces no effects at all.
// Events without a db effect pass through.
func Interceptor(s *Schema) events.Interceptor {
	return events.Interceptor{
		ID: InterceptorID,
		After: func(c events.Context) (events.Context, error) {
			db, ok := c.EffectDB()
			if !ok {
				return c, nil
			}
			if err := s.Validate(db); err != nil {
				return c, fmt.Errorf("%s would produce invalid state: %w", c.EventKey(), err)
			}
			return c, nil
		},
	}
}

// Strip removes the db effect instead of failing the event. Other effects
// still run.
func Strip(s *Schema) events.Interceptor {
	return events.Interceptor{
		ID: InterceptorID + "/strip",
		After: func(c events.Context) (events.Context, error) {
			db, ok := c.EffectDB()
			if !ok {
				return c, nil
			}
			if err := s.Validate(db); err != nil {
				slog.Warn("dropping invalid state", "event", c.EventKey(), "error", err)
				return c.WithoutEffect(effects.KeyDB), nil
			}
			return c, nil
		},
	}
}

func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	format, args := first.Msg()
	ve := &ValidationError{
		Path:    strings.Join(first.Path(), "."),
		Message: fmt.Sprintf(format, args...),
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		ve.Pos = positions[0]
	}
	return ve
}
