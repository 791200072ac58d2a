package events

import (
	"fmt"
)

// GetIn walks db through nested map[string]any values. A missing key or a
// non-map along the way yields nil.
func GetIn(db any, keys []string) any {
	cur := db
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}

// AssocIn returns a copy of db with v stored at keys. Only the maps along
// the path are copied; siblings are shared. Missing intermediate maps are
// created. A non-map value in the way is an error.
func AssocIn(db any, keys []string, v any) (any, error) {
	if len(keys) == 0 {
		return v, nil
	}

	var m map[string]any
	switch cur := db.(type) {
	case nil:
		m = nil
	case map[string]any:
		m = cur
	default:
		return nil, fmt.Errorf("assoc-in: cannot descend into %T at %q", db, keys[0])
	}

	child, err := AssocIn(m[keys[0]], keys[1:], v)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	out[keys[0]] = child
	return out, nil
}
