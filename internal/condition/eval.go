package condition

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Evaluate reports whether payload satisfies node. It never panics; missing
// fields are treated as absent.
func Evaluate(node Node, payload map[string]any) bool {
	if node == nil {
		return true
	}
	return node.eval(payload)
}

// Match parses raw and evaluates it. A condition that fails to parse is
// logged and treated as a non-match so a broken rule can never widen its
// audience.
func Match(raw json.RawMessage, payload map[string]any) bool {
	node, err := Parse(raw)
	if err != nil {
		log.Warn().Err(err).RawJSON("condition", raw).Msg("Malformed rule condition, treating as non-match")
		return false
	}
	return Evaluate(node, payload)
}

func (True) eval(map[string]any) bool { return true }

func (n All) eval(p map[string]any) bool {
	for _, c := range n.Nodes {
		if !c.eval(p) {
			return false
		}
	}
	return true
}

func (n And) eval(p map[string]any) bool {
	return All(n).eval(p)
}

func (n Or) eval(p map[string]any) bool {
	for _, c := range n.Nodes {
		if c.eval(p) {
			return true
		}
	}
	return false
}

func (n Eq) eval(p map[string]any) bool {
	v, ok := lookup(p, n.Path)
	return ok && equal(v, n.Value)
}

func (n Ne) eval(p map[string]any) bool {
	v, ok := lookup(p, n.Path)
	return !ok || !equal(v, n.Value)
}

func (n Gt) eval(p map[string]any) bool  { return compareField(p, n.Path, n.Value, func(c int) bool { return c > 0 }) }
func (n Gte) eval(p map[string]any) bool { return compareField(p, n.Path, n.Value, func(c int) bool { return c >= 0 }) }
func (n Lt) eval(p map[string]any) bool  { return compareField(p, n.Path, n.Value, func(c int) bool { return c < 0 }) }
func (n Lte) eval(p map[string]any) bool { return compareField(p, n.Path, n.Value, func(c int) bool { return c <= 0 }) }

func (n In) eval(p map[string]any) bool {
	v, ok := lookup(p, n.Path)
	if !ok {
		return false
	}
	return memberOf(v, n.Values)
}

// Nin holds for absent fields.
func (n Nin) eval(p map[string]any) bool {
	v, ok := lookup(p, n.Path)
	if !ok {
		return true
	}
	return !memberOf(v, n.Values)
}

func (n Exists) eval(p map[string]any) bool {
	v, ok := lookup(p, n.Path)
	present := ok && v != nil
	return present == n.Want
}

func (n Unknown) eval(map[string]any) bool {
	log.Warn().Str("operator", n.Op).Str("path", n.Path).Msg("Ignoring unknown condition operator")
	return true
}

// memberOf matches a scalar against the set, or an array field when any of
// its elements is in the set.
func memberOf(v any, set []any) bool {
	if items, ok := v.([]any); ok {
		for _, item := range items {
			if memberOf(item, set) {
				return true
			}
		}
		return false
	}
	for _, candidate := range set {
		if equal(v, candidate) {
			return true
		}
	}
	return false
}

func compareField(p map[string]any, path string, want any, accept func(int) bool) bool {
	v, ok := lookup(p, path)
	if !ok {
		return false
	}
	c, ok := compare(v, want)
	return ok && accept(c)
}

// compare orders two numbers or two strings. Mixed or non-ordered types are
// not comparable.
func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !equal(x, y) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// lookup resolves a dot-separated path. Numeric segments index into arrays.
func lookup(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Lookup exposes path resolution to callers that render payload fields.
func Lookup(payload map[string]any, path string) (any, bool) {
	return lookup(payload, path)
}
