// Package jsonutil manipulates the free-form JSON values the multiplexer
// passes around (map[string]any, []any, and scalars, as produced by
// encoding/json) without promoting them to typed structs. Only the handful
// of fields the core actually inspects get narrow typed accessors; the rest
// round-trips untouched.
package jsonutil

// DeepMerge combines src into dst per the capability-merge contract: scalars
// never overwrite structured values, structured values override scalars,
// and two objects recurse key by key. dst wins every other conflict (it is
// always the side holding the primary's or already-accumulated value).
//
// Neither argument is mutated; the result is a new value sharing unmodified
// sub-trees with dst and src where possible.
func DeepMerge(dst, src any) any {
	if dst == nil {
		return src
	}
	if src == nil {
		return dst
	}

	dstMap, dstIsMap := dst.(map[string]any)
	srcMap, srcIsMap := src.(map[string]any)
	if dstIsMap && srcIsMap {
		return mergeMaps(dstMap, srcMap)
	}

	// One side structured (map or slice), the other scalar: structured wins.
	if isStructured(dst) && !isStructured(src) {
		return dst
	}
	if isStructured(src) && !isStructured(dst) {
		return src
	}

	// Both structured but not both maps (e.g. array vs map, or two arrays):
	// there is no positional merge contract for this shape, dst wins.
	if isStructured(dst) && isStructured(src) {
		return dst
	}

	// Both scalar: dst wins (it is the accumulator / primary side).
	return dst
}

func mergeMaps(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if existing, ok := out[k]; ok {
			out[k] = DeepMerge(existing, v)
		} else {
			out[k] = v
		}
	}
	return out
}

func isStructured(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

// AsMap returns v as a map[string]any, or nil, false if it isn't one.
func AsMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// AsSlice returns v as a []any, or nil, false if it isn't one.
func AsSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// GetString navigates a chain of map keys (e.g. "params", "textDocument",
// "uri") and returns the string found at the end, or "", false.
func GetString(root any, path ...string) (string, bool) {
	v, ok := Get(root, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt is the numeric counterpart of GetString; JSON numbers decode to
// float64 via encoding/json, so the conversion happens here once.
func GetInt(root any, path ...string) (int, bool) {
	v, ok := Get(root, path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// GetBool is the boolean counterpart of GetString.
func GetBool(root any, path ...string) (bool, bool) {
	v, ok := Get(root, path...)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Get walks a chain of object keys starting at root, returning the final
// value and whether every step resolved to an object holding the next key.
func Get(root any, path ...string) (any, bool) {
	cur := root
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetIn returns a shallow copy of root with value installed at path,
// creating intermediate objects as needed. root must be nil or a
// map[string]any.
func SetIn(root any, value any, path ...string) map[string]any {
	var m map[string]any
	if existing, ok := root.(map[string]any); ok {
		m = make(map[string]any, len(existing)+1)
		for k, v := range existing {
			m[k] = v
		}
	} else {
		m = make(map[string]any, 1)
	}
	if len(path) == 0 {
		return m
	}
	if len(path) == 1 {
		m[path[0]] = value
		return m
	}
	m[path[0]] = SetIn(m[path[0]], value, path[1:]...)
	return m
}
