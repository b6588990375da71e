// Package cond implements the condition DSL used to gate step execution and,
// via fan-out, every descendant step. Conditions arrive as JSON-shaped data
// (map[string]any) and Parse turns them into a typed tree with pre-split
// field paths; the engine parses a step's condition once, when it reaches
// that step, and evaluation itself is a pure walk over the parsed nodes
// instead of repeatedly re-inspecting map shapes.
package cond

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is a leaf condition operator.
type Op string

const (
	OpExists    Op = "exists"
	OpEq        Op = "eq"
	OpNe        Op = "ne"
	OpLt        Op = "lt"
	OpGt        Op = "gt"
	OpLte       Op = "lte"
	OpGte       Op = "gte"
	OpContains  Op = "contains"
	OpIContains Op = "icontains"
	OpIn        Op = "in"
)

// Kind discriminates the Condition variant.
type Kind int

const (
	KindTrue  Kind = iota // null/empty condition: always true
	KindFalse             // non-mapping condition: always false
	KindAnd
	KindOr
	KindLeaf
)

// Condition is the parsed, precompiled condition tree.
type Condition struct {
	Kind     Kind
	Children []*Condition // And/Or

	// Leaf fields.
	Field     string
	FieldPath []string // precompiled dot-path segments
	Op        Op
	Value     any
}

// Parse converts a raw JSON-decoded condition (nil, map[string]any, or
// anything else) into a Condition tree. A non-mapping, non-nil raw value
// parses successfully into a condition that always evaluates false, matching
// the evaluator's contract in §4.1 ("non-mapping condition ⇒ false").
func Parse(raw any) (*Condition, error) {
	if raw == nil {
		return &Condition{Kind: KindTrue}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return &Condition{Kind: KindFalse}, nil
	}
	if len(m) == 0 {
		return &Condition{Kind: KindTrue}, nil
	}

	if rawAll, ok := m["all"]; ok {
		list, ok := rawAll.([]any)
		if !ok {
			return nil, fmt.Errorf("cond: 'all' must be a list")
		}
		children := make([]*Condition, 0, len(list))
		for _, item := range list {
			child, err := Parse(item)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &Condition{Kind: KindAnd, Children: children}, nil
	}

	if rawAny, ok := m["any"]; ok {
		list, ok := rawAny.([]any)
		if !ok {
			return nil, fmt.Errorf("cond: 'any' must be a list")
		}
		children := make([]*Condition, 0, len(list))
		for _, item := range list {
			child, err := Parse(item)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &Condition{Kind: KindOr, Children: children}, nil
	}

	field, fieldOK := m["field"].(string)
	op, opOK := m["op"].(string)
	if !fieldOK || !opOK {
		return nil, fmt.Errorf("cond: leaf condition requires string 'field' and 'op'")
	}
	return &Condition{
		Kind:      KindLeaf,
		Field:     field,
		FieldPath: strings.Split(field, "."),
		Op:        Op(op),
		Value:     m["value"],
	}, nil
}

// MustParse panics on a malformed condition; used for in-process blueprint
// fixtures where the shape is controlled by the caller.
func MustParse(raw any) *Condition {
	c, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// Evaluate walks the condition tree against ctx. It is pure: repeated calls
// with the same (c, ctx) always return the same result and never mutate
// either argument.
func Evaluate(c *Condition, ctx map[string]any) bool {
	if c == nil {
		return true
	}
	switch c.Kind {
	case KindTrue:
		return true
	case KindFalse:
		return false
	case KindAnd:
		for _, child := range c.Children {
			if !Evaluate(child, ctx) {
				return false
			}
		}
		return true
	case KindOr:
		if len(c.Children) == 0 {
			return false
		}
		for _, child := range c.Children {
			if Evaluate(child, ctx) {
				return true
			}
		}
		return false
	case KindLeaf:
		return evalLeaf(c, ctx)
	default:
		return false
	}
}

// EvaluateRaw parses raw and evaluates it in one step, for call sites that
// don't keep the parsed tree around (e.g. ad-hoc tests).
func EvaluateRaw(raw any, ctx map[string]any) bool {
	c, err := Parse(raw)
	if err != nil {
		return false
	}
	return Evaluate(c, ctx)
}

func evalLeaf(c *Condition, ctx map[string]any) bool {
	value, found := lookup(ctx, c.FieldPath)

	if c.Op == OpExists {
		return found && !isEmpty(value)
	}
	if !found {
		return false
	}

	switch c.Op {
	case OpEq:
		return equal(value, c.Value)
	case OpNe:
		return !equal(value, c.Value)
	case OpLt, OpGt, OpLte, OpGte:
		a, aok := toFloat(value)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case OpLt:
			return a < b
		case OpGt:
			return a > b
		case OpLte:
			return a <= b
		default:
			return a >= b
		}
	case OpContains:
		return strings.Contains(toString(value), toString(c.Value))
	case OpIContains:
		return strings.Contains(strings.ToLower(toString(value)), strings.ToLower(toString(c.Value)))
	case OpIn:
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if equal(value, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// lookup walks a dot-path through nested map[string]any nodes. Any
// non-mapping node along the way (or a missing key) resolves as not found.
func lookup(ctx map[string]any, path []string) (any, bool) {
	var cur any = ctx
	for _, segment := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[segment]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

// equal implements eq/ne/in's strict equality of the raw value (spec §4.1) —
// unlike lt/gt/lte/gte, it does not coerce a numeric-looking string to a
// number. Numeric kinds are normalised to float64 first only so that an int
// literal (e.g. a Go-built fixture) compares equal to the float64 JSON
// decoding always produces for the same value.
func equal(a, b any) bool {
	if isNumeric(a) && isNumeric(b) {
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		return af == bf
	}
	return a == b
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64:
		return true
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		if isNaNOrInf(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func isNaNOrInf(f float64) bool {
	return f != f || f > maxFinite || f < -maxFinite
}

const maxFinite = 1.7976931348623157e+308

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
