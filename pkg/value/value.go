// Package value implements the dynamic key/value tree that backs instance
// public members, contexts, and event payloads, plus dotted property-path
// resolution over it.
package value

import (
	"strconv"
	"strings"
)

// NotFound is returned by Get when a path segment does not resolve.
// It is a distinct sentinel (not nil) so callers can distinguish
// "the path resolved to a nil value" from "the path does not exist".
var NotFound = &notFoundSentinel{}

type notFoundSentinel struct{}

// Map is the common shape of a public member / context / event payload:
// an arbitrary tree of maps, slices, and scalars, exactly like the body a
// JSON document would parse into.
type Map map[string]any

// Clone returns a shallow copy of m suitable for independent mutation of
// top-level keys (used when an inter_machine transition copies context into
// a freshly created instance).
func (m Map) Clone() Map {
	if m == nil {
		return Map{}
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Get resolves a dotted property path ("a.b.c") against root, descending
// through maps (string or Map keyed) and indexing into slices with numeric
// segments. It returns NotFound, not nil, when any segment fails to
// resolve so "found but nil" remains distinguishable from "absent".
func Get(root any, path string) any {
	if path == "" {
		return root
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		if cur == nil {
			return NotFound
		}
		switch node := cur.(type) {
		case Map:
			v, ok := node[seg]
			if !ok {
				return NotFound
			}
			cur = v
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return NotFound
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return NotFound
			}
			cur = node[idx]
		default:
			return NotFound
		}
	}
	return cur
}

// IsNotFound reports whether v is the NotFound sentinel.
func IsNotFound(v any) bool {
	_, ok := v.(*notFoundSentinel)
	return ok
}

// Set assigns path (dotted, but only top-level writes are used by this
// runtime today) on root, creating intermediate maps as needed.
func Set(root Map, path string, val any) {
	segs := strings.Split(path, ".")
	cur := root
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = val
			return
		}
		next, ok := cur[seg].(Map)
		if !ok {
			next = Map{}
			cur[seg] = next
		}
		cur = next
	}
}

// Merge copies every key of patch into dst (shallow, top-level only),
// matching Sender.updateContext's documented "merges into current instance"
// semantics.
func Merge(dst Map, patch Map) {
	for k, v := range patch {
		dst[k] = v
	}
}

// Stringify renders a scalar value the way property-index keys do: stable,
// comparable text regardless of the underlying dynamic type.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return toFallbackString(t)
	}
}
