package guardexpr

import (
	"fmt"
	"strings"

	"github.com/fluxorio/fsmruntime/pkg/value"
)

func (n *pathNode) eval(ev *Env) (any, error) {
	var root any
	switch n.root {
	case "event":
		root = ev.Event
	case "context":
		root = ev.Context
	default:
		return nil, fmt.Errorf("guardexpr: unknown root %q", n.root)
	}
	v := value.Get(root, n.path)
	if value.IsNotFound(v) {
		return value.NotFound, nil
	}
	return v, nil
}

func (n *notNode) eval(ev *Env) (any, error) {
	v, err := n.operand.eval(ev)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

func (n *logicalNode) eval(ev *Env) (any, error) {
	l, err := n.left.eval(ev)
	if err != nil {
		return nil, err
	}
	if n.kind == tokAnd && !truthy(l) {
		return false, nil
	}
	if n.kind == tokOr && truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(ev)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

func (n *comparisonNode) eval(ev *Env) (any, error) {
	l, err := n.left.eval(ev)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ev)
	if err != nil {
		return nil, err
	}
	return compare(l, n.op, r), nil
}

// compare implements the fixed operator vocabulary. Equality operators
// compare by stringified value (so 5 and "5" are considered equal, which
// matches JSON round-tripping of numeric ids through event payloads);
// ordering operators compare numerically when both sides parse as numbers,
// falling back to lexical string comparison otherwise.
func compare(l any, op string, r any) bool {
	switch op {
	case "===", "==":
		return value.Stringify(l) == value.Stringify(r)
	case "!==", "!=":
		return value.Stringify(l) != value.Stringify(r)
	case "contains":
		return strings.Contains(value.Stringify(l), value.Stringify(r))
	case "in":
		return containsMember(r, l)
	case ">", "<", ">=", "<=":
		return compareOrdered(l, op, r)
	default:
		return false
	}
}

func compareOrdered(l any, op string, r any) bool {
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	var cmp int
	if lok && rok {
		switch {
		case lf < rf:
			cmp = -1
		case lf > rf:
			cmp = 1
		default:
			cmp = 0
		}
	} else {
		cmp = strings.Compare(value.Stringify(l), value.Stringify(r))
	}
	switch op {
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func containsMember(collection any, target any) bool {
	switch c := collection.(type) {
	case []any:
		for _, item := range c {
			if value.Stringify(item) == value.Stringify(target) {
				return true
			}
		}
	}
	return false
}

// truthy defines the boolean coercion used for AND/OR/NOT operands: bools
// pass through, value.NotFound and nil are false, everything else is true.
func truthy(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	if value.IsNotFound(v) || v == nil {
		return false
	}
	return true
}
