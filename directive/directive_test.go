package directive_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryehq/rye-core/directive"
)

func rawDirective() map[string]any {
	return map[string]any{
		"name":        "summarize-thread",
		"version":     "1.0.0",
		"category":    "analysis",
		"description": "Summarizes a thread transcript.",
		"model": map[string]any{
			"tier": "standard",
			"id":   "claude-sonnet",
		},
		"limits": map[string]any{
			"max_turns":  float64(10),
			"max_tokens": float64(50000),
			"max_spend":  2.5,
		},
		"permissions": map[string]any{
			"execute": map[string]any{"tool": []any{"shell.run"}},
		},
		"inputs": []any{
			map[string]any{"name": "thread_id", "type": "string", "required": true},
			map[string]any{"name": "verbosity", "type": "string", "required": false, "default": "brief"},
		},
		"outputs": map[string]any{
			"summary": "the rendered summary text",
		},
		"extends_chain": []any{"base-analysis"},
		"context_directives": map[string]any{
			"system":   "You are a summarizer.",
			"suppress": []any{"before"},
		},
		"risk_acknowledgments": map[string]any{
			"write": "writes are scoped to scratch space",
		},
	}
}

func TestFromMapPopulatesScalarFields(t *testing.T) {
	d, err := directive.FromMap(rawDirective())
	require.NoError(t, err)
	assert.Equal(t, "summarize-thread", d.Name)
	assert.Equal(t, "1.0.0", d.Version)
	assert.Equal(t, "standard", d.Model.Tier)
	assert.Equal(t, "claude-sonnet", d.Model.ID)
	assert.Equal(t, 10, d.Limits.MaxTurns)
	assert.Equal(t, 50000, d.Limits.MaxTokens)
	assert.Equal(t, 2.5, d.Limits.MaxSpend)
}

func TestFromMapNormalizesStructuredPermissions(t *testing.T) {
	d, err := directive.FromMap(rawDirective())
	require.NoError(t, err)
	assert.Equal(t, []string{"rye.execute.tool.shell.run"}, d.Permissions["execute"])
}

func TestFromMapCollectsInputsAndDefaults(t *testing.T) {
	d, err := directive.FromMap(rawDirective())
	require.NoError(t, err)
	require.Len(t, d.Inputs, 2)
	assert.Equal(t, "thread_id", d.Inputs[0].Name)
	assert.True(t, d.Inputs[0].Required)
	assert.Equal(t, "brief", d.Inputs[1].Default)
}

func TestFromMapCollectsExtendsChainAndContext(t *testing.T) {
	d, err := directive.FromMap(rawDirective())
	require.NoError(t, err)
	assert.Equal(t, []string{"base-analysis"}, d.Extends)
	assert.Equal(t, "You are a summarizer.", d.ContextDirectives.System)
	assert.Equal(t, []string{"before"}, d.ContextDirectives.Suppress)
}

func TestFromMapCollectsRiskAcknowledgments(t *testing.T) {
	d, err := directive.FromMap(rawDirective())
	require.NoError(t, err)
	assert.Equal(t, "writes are scoped to scratch space", d.RiskAcknowledgments["write"])
}

func TestValidateInputsRejectsMissingRequiredField(t *testing.T) {
	d, err := directive.FromMap(rawDirective())
	require.NoError(t, err)
	require.NoError(t, d.CompileInputSchema())

	_, err = d.ValidateInputs(map[string]any{})
	assert.Error(t, err)
}

func TestValidateInputsAppliesDefaultAndPasses(t *testing.T) {
	d, err := directive.FromMap(rawDirective())
	require.NoError(t, err)
	require.NoError(t, d.CompileInputSchema())

	merged, err := d.ValidateInputs(map[string]any{"thread_id": "t-1"})
	require.NoError(t, err)
	assert.Equal(t, "brief", merged["verbosity"])
}

func TestValidateInputsRejectsWrongType(t *testing.T) {
	d, err := directive.FromMap(rawDirective())
	require.NoError(t, err)
	require.NoError(t, d.CompileInputSchema())

	_, err = d.ValidateInputs(map[string]any{"thread_id": float64(42)})
	assert.Error(t, err)
}
