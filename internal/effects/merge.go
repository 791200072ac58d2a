package effects

// Merge combines effect maps left to right without mutating the inputs.
//
// Per-key policy:
//   - "dispatch-n", "dispatch-later", "fx": arrays are concatenated in
//     argument order.
//   - "deregister-event-handler": string or array values are normalized and
//     concatenated into one array.
//   - everything else ("db", "dispatch", custom keys): last wins.
//
// Concatenated values are returned as []any.
func Merge(maps ...Effects) Effects {
	out := make(Effects)
	for _, m := range maps {
		for k, v := range m {
			switch k {
			case KeyDispatchN, KeyDispatchLater, KeyFx, KeyDeregister:
				out[k] = concat(out[k], v)
			default:
				out[k] = v
			}
		}
	}
	return out
}

// concat appends the elements of next to acc. Non-slice values (a bare
// deregister string, for example) are appended as a single element; nil
// values add nothing.
func concat(acc, next any) []any {
	var out []any
	if prev, ok := acc.([]any); ok {
		out = make([]any, len(prev), len(prev)+4)
		copy(out, prev)
	}
	if next == nil {
		if out == nil {
			out = []any{}
		}
		return out
	}
	if items, ok := AsSlice(next); ok {
		return append(out, items...)
	}
	return append(out, next)
}
