// Package condition implements the Hook Engine's condition evaluator:
// dotted-path resolution against an event-context object, typed operators,
// and and/or/not combinators. Evaluation never throws:
// operator/type mismatches and missing paths resolve to false.
package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Op is a condition operator.
type Op string

// The twelve supported operators.
const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpIn         Op = "in"
	OpContains   Op = "contains"
	OpStartsWith Op = "starts_with"
	OpEndsWith   Op = "ends_with"
	OpRegex      Op = "regex"
	OpExists     Op = "exists"
)

// Condition is a single clause, or an and/or/not combinator over nested
// Conditions. Exactly one of (Path+Op) or (All/Any/Not) should be set.
type Condition struct {
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
	Op    Op     `json:"op,omitempty" yaml:"op,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`

	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
}

// Context is the event-context object condition paths resolve against.
type Context map[string]any

// Eval evaluates c against ctx. It never returns an error: any resolution or
// type mismatch simply evaluates to false.
func Eval(c Condition, ctx Context) bool {
	switch {
	case len(c.All) > 0:
		for _, sub := range c.All {
			if !Eval(sub, ctx) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for _, sub := range c.Any {
			if Eval(sub, ctx) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !Eval(*c.Not, ctx)
	default:
		return evalClause(c, ctx)
	}
}

func evalClause(c Condition, ctx Context) bool {
	actual, found := resolvePath(c.Path, ctx)
	if c.Op == OpExists {
		want, _ := c.Value.(bool)
		if c.Value == nil {
			want = true
		}
		return found == want
	}
	if !found {
		return false
	}
	switch c.Op {
	case OpEq:
		return compareEqual(actual, c.Value)
	case OpNe:
		return !compareEqual(actual, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return compareOrdered(c.Op, actual, c.Value)
	case OpIn:
		return valueIn(actual, c.Value)
	case OpContains:
		return stringContains(actual, c.Value, strings.Contains)
	case OpStartsWith:
		return stringContains(actual, c.Value, strings.HasPrefix)
	case OpEndsWith:
		return stringContains(actual, c.Value, strings.HasSuffix)
	case OpRegex:
		return regexMatch(actual, c.Value)
	default:
		return false
	}
}

// resolvePath resolves a dotted path like "event.limit_code" or
// "result.items.0.name" against ctx. Numeric path segments index into
// slices.
func resolvePath(path string, ctx Context) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur any = map[string]any(ctx)
	for _, seg := range segments {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func compareEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(op Op, a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpGt:
		return af > bf
	case OpGte:
		return af >= bf
	case OpLt:
		return af < bf
	case OpLte:
		return af <= bf
	default:
		return false
	}
}

func valueIn(actual, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if compareEqual(actual, item) {
			return true
		}
	}
	return false
}

func stringContains(actual, expected any, fn func(s, substr string) bool) bool {
	as, aok := actual.(string)
	es, eok := expected.(string)
	if !aok || !eok {
		return false
	}
	return fn(as, es)
}

func regexMatch(actual, pattern any) bool {
	as, aok := actual.(string)
	ps, pok := pattern.(string)
	if !aok || !pok {
		return false
	}
	re, err := regexp.Compile(ps)
	if err != nil {
		return false
	}
	return re.MatchString(as)
}
