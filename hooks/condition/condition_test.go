package condition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ryehq/rye-core/hooks/condition"
)

func TestEqOperatorResolvesDottedPath(t *testing.T) {
	ctx := condition.Context{"event": map[string]any{"limit_code": "max_spend"}}
	c := condition.Condition{Path: "event.limit_code", Op: condition.OpEq, Value: "max_spend"}
	assert.True(t, condition.Eval(c, ctx))
}

func TestGteOperatorNumericComparison(t *testing.T) {
	ctx := condition.Context{"event": map[string]any{"pressure_ratio": 0.85}}
	c := condition.Condition{Path: "event.pressure_ratio", Op: condition.OpGte, Value: 0.8}
	assert.True(t, condition.Eval(c, ctx))
}

func TestMissingPathEvaluatesFalseNeverThrows(t *testing.T) {
	ctx := condition.Context{}
	c := condition.Condition{Path: "event.nonexistent", Op: condition.OpEq, Value: "x"}
	assert.False(t, condition.Eval(c, ctx))
}

func TestTypeMismatchEvaluatesFalse(t *testing.T) {
	ctx := condition.Context{"event": map[string]any{"code": "transient"}}
	c := condition.Condition{Path: "event.code", Op: condition.OpGt, Value: 5}
	assert.False(t, condition.Eval(c, ctx))
}

func TestExistsOperator(t *testing.T) {
	ctx := condition.Context{"event": map[string]any{"code": "transient"}}
	assert.True(t, condition.Eval(condition.Condition{Path: "event.code", Op: condition.OpExists}, ctx))
	assert.False(t, condition.Eval(condition.Condition{Path: "event.missing", Op: condition.OpExists}, ctx))
	assert.True(t, condition.Eval(condition.Condition{Path: "event.missing", Op: condition.OpExists, Value: false}, ctx))
}

func TestInOperator(t *testing.T) {
	ctx := condition.Context{"event": map[string]any{"category": "rate_limited"}}
	c := condition.Condition{Path: "event.category", Op: condition.OpIn, Value: []any{"transient", "rate_limited"}}
	assert.True(t, condition.Eval(c, ctx))
}

func TestAllCombinator(t *testing.T) {
	ctx := condition.Context{"event": map[string]any{"retryable": true, "category": "transient"}}
	c := condition.Condition{All: []condition.Condition{
		{Path: "event.retryable", Op: condition.OpEq, Value: true},
		{Path: "event.category", Op: condition.OpEq, Value: "transient"},
	}}
	assert.True(t, condition.Eval(c, ctx))
}

func TestAnyCombinator(t *testing.T) {
	ctx := condition.Context{"event": map[string]any{"category": "quota"}}
	c := condition.Condition{Any: []condition.Condition{
		{Path: "event.category", Op: condition.OpEq, Value: "transient"},
		{Path: "event.category", Op: condition.OpEq, Value: "quota"},
	}}
	assert.True(t, condition.Eval(c, ctx))
}

func TestNotCombinator(t *testing.T) {
	ctx := condition.Context{"event": map[string]any{"retryable": false}}
	c := condition.Condition{Not: &condition.Condition{Path: "event.retryable", Op: condition.OpEq, Value: true}}
	assert.True(t, condition.Eval(c, ctx))
}

func TestRegexOperator(t *testing.T) {
	ctx := condition.Context{"event": map[string]any{"message": "connection reset by peer"}}
	c := condition.Condition{Path: "event.message", Op: condition.OpRegex, Value: "(?i)connection reset"}
	assert.True(t, condition.Eval(c, ctx))
}

func TestStartsWithAndEndsWith(t *testing.T) {
	ctx := condition.Context{"tool": map[string]any{"name": "shell.exec"}}
	assert.True(t, condition.Eval(condition.Condition{Path: "tool.name", Op: condition.OpStartsWith, Value: "shell."}, ctx))
	assert.True(t, condition.Eval(condition.Condition{Path: "tool.name", Op: condition.OpEndsWith, Value: ".exec"}, ctx))
}

func TestIndexedPathSegment(t *testing.T) {
	ctx := condition.Context{"result": map[string]any{"items": []any{
		map[string]any{"name": "first"},
		map[string]any{"name": "second"},
	}}}
	c := condition.Condition{Path: "result.items.1.name", Op: condition.OpEq, Value: "second"}
	assert.True(t, condition.Eval(c, ctx))
}
