package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/reframe"
	"github.com/roach88/reframe/internal/events"
)

var namedInterceptors = map[string]func() reframe.Interceptor{
	"debug": events.Debug,
}

var combiners = map[string]reframe.CombineFunc{
	CombineSum: func(deps []any, _ []any) (any, error) {
		var total any = 0
		for _, d := range deps {
			sum, err := addNumbers(total, d)
			if err != nil {
				return nil, err
			}
			total = sum
		}
		return total, nil
	},
	CombineList: func(deps []any, _ []any) (any, error) {
		return append([]any{}, deps...), nil
	},
	CombineFirst: func(deps []any, _ []any) (any, error) {
		if len(deps) == 0 {
			return nil, nil
		}
		return deps[0], nil
	},
	CombineCount: func(deps []any, _ []any) (any, error) {
		if len(deps) == 0 {
			return 0, nil
		}
		switch v := deps[0].(type) {
		case nil:
			return 0, nil
		case []any:
			return len(v), nil
		case map[string]any:
			return len(v), nil
		case string:
			return len(v), nil
		}
		return nil, fmt.Errorf("count: cannot count %T", deps[0])
	},
}

// registerEvent installs a declarative handler on s.
func registerEvent(s *reframe.Store, key string, spec EventSpec) {
	var interceptors []reframe.Interceptor
	for _, name := range spec.Interceptors {
		interceptors = append(interceptors, namedInterceptors[name]())
	}
	if len(spec.Path) > 0 {
		interceptors = append(interceptors, events.Path(spec.Path...))
	}

	if spec.Fx != nil {
		s.RegisterEvent(key, fxHandler(spec.Fx), interceptors...)
		return
	}
	s.RegisterEventDb(key, dbHandler(spec.DB), interceptors...)
}

func dbHandler(ops []Op) reframe.DbHandler {
	return func(cofx reframe.Coeffects, payload any) (any, error) {
		db := cofx.DB()
		for i, op := range ops {
			next, err := applyOp(db, op, payload)
			if err != nil {
				return nil, fmt.Errorf("db[%d] %s %v: %w", i, op.Op, op.Path, err)
			}
			db = next
		}
		return db, nil
	}
}

func fxHandler(fx map[string]any) reframe.FxHandler {
	return func(cofx reframe.Coeffects, payload any) (reframe.Effects, error) {
		resolved := resolve(fx, cofx.DB(), payload).(map[string]any)
		return reframe.Effects(resolved), nil
	}
}

func applyOp(db any, op Op, payload any) (any, error) {
	v := resolve(op.Value, db, payload)

	switch op.Op {
	case OpAssoc:
		return events.AssocIn(db, op.Path, v)

	case OpAdd:
		sum, err := addNumbers(events.GetIn(db, op.Path), v)
		if err != nil {
			return nil, err
		}
		return events.AssocIn(db, op.Path, sum)

	case OpAppend:
		var list []any
		switch cur := events.GetIn(db, op.Path).(type) {
		case nil:
		case []any:
			list = append(list, cur...)
		default:
			return nil, fmt.Errorf("cannot append to %T", cur)
		}
		return events.AssocIn(db, op.Path, append(list, v))

	case OpDissoc:
		parentPath, last := op.Path[:len(op.Path)-1], op.Path[len(op.Path)-1]
		parent, ok := events.GetIn(db, parentPath).(map[string]any)
		if !ok {
			return db, nil
		}
		if _, has := parent[last]; !has {
			return db, nil
		}
		next := make(map[string]any, len(parent)-1)
		for k, val := range parent {
			if k != last {
				next[k] = val
			}
		}
		return events.AssocIn(db, parentPath, next)
	}
	return nil, fmt.Errorf("unknown op %q", op.Op)
}

// addNumbers adds two YAML numbers. nil counts as zero. Integers stay
// integers.
func addNumbers(a, b any) (any, error) {
	ai, aInt, err := number(a)
	if err != nil {
		return nil, err
	}
	bi, bInt, err := number(b)
	if err != nil {
		return nil, err
	}
	if aInt && bInt {
		return int(ai) + int(bi), nil
	}
	return ai + bi, nil
}

func number(v any) (float64, bool, error) {
	switch n := v.(type) {
	case nil:
		return 0, true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case float64:
		return n, false, nil
	}
	return 0, false, fmt.Errorf("not a number: %v (%T)", v, v)
}

// resolve replaces "$payload[.path]" and "$db[.path]" strings anywhere in
// v. Maps and slices are copied.
func resolve(v any, db, payload any) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, db, payload)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = resolve(val, db, payload)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = resolve(val, db, payload)
		}
		return out
	}
	return v
}

func resolveString(s string, db, payload any) any {
	if !strings.HasPrefix(s, "$") {
		return s
	}
	root, rest, _ := strings.Cut(s[1:], ".")
	var keys []string
	if rest != "" {
		keys = strings.Split(rest, ".")
	}
	switch root {
	case "payload":
		return events.GetIn(payload, keys)
	case "db":
		return events.GetIn(db, keys)
	}
	return s
}
