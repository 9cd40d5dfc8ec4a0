// Package directive holds the Directive shape: a multi-step
// natural-language + structured-action program that the Thread Runner
// executes. The authoring parser (YAML/XML front matter)
// is external; this package only specifies the shape the core requires and
// the operations it performs on that shape (extends-chain composition,
// permission-form migration, input validation).
package directive

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ryehq/rye-core/capability"
)

// ModelSpec names the model tier/id/fallback a directive runs against.
type ModelSpec struct {
	Tier     string
	ID       string
	Fallback string
}

// Limits are the directive-declared ceilings handed to the Safety Harness.
type Limits struct {
	MaxTurns  int
	MaxTokens int
	MaxSpend  float64
}

// InputSpec describes one named input a directive accepts.
type InputSpec struct {
	Name        string
	Type        string
	Required    bool
	Default     any
	Description string
}

// ContextDirectives controls context injection and inherited-context
// pruning across an extends-chain.
type ContextDirectives struct {
	System   string
	Before   string
	After    string
	Suppress []string
}

// Directive is the core's in-memory representation of an authored
// directive file.
type Directive struct {
	Name        string
	Version     string
	Category    string
	Description string

	Model  ModelSpec
	Limits Limits

	// Permissions groups permission patterns by primary action
	// (execute/search/load/sign), already normalized to the structured
	// form by NormalizePermissions.
	Permissions map[string][]string

	Inputs      []InputSpec
	InputSchema *jsonschema.Schema
	Outputs     map[string]string

	ProcessBody string
	HookRules   []any // hooks.Rule; kept as any to avoid an import cycle with hooks.

	Extends             []string
	ContextDirectives   ContextDirectives
	RiskAcknowledgments map[capability.RiskTier]string
}

// FromMap builds a Directive from the generic authored shape: a map of
// {name, version, ..., permissions: {execute, search, load,
// sign -> patterns}, ...}. It accepts both the legacy flat `<cap>` form and
// the structured `<execute><tool>` form for permissions (see
// NormalizePermissions) and always produces the structured form.
func FromMap(m map[string]any) (Directive, error) {
	d := Directive{
		Name:        stringField(m, "name"),
		Version:     stringField(m, "version"),
		Category:    stringField(m, "category"),
		Description: stringField(m, "description"),
		ProcessBody: stringField(m, "process_body"),
		Outputs:     make(map[string]string),
	}
	if model, ok := m["model"].(map[string]any); ok {
		d.Model = ModelSpec{
			Tier:     stringField(model, "tier"),
			ID:       stringField(model, "id"),
			Fallback: stringField(model, "fallback"),
		}
	}
	if lim, ok := m["limits"].(map[string]any); ok {
		d.Limits = Limits{
			MaxTurns:  intField(lim, "max_turns"),
			MaxTokens: intField(lim, "max_tokens"),
			MaxSpend:  floatField(lim, "max_spend"),
		}
	}
	if perms, ok := m["permissions"].(map[string]any); ok {
		norm, err := NormalizePermissions(perms)
		if err != nil {
			return Directive{}, err
		}
		d.Permissions = norm
	}
	if inputs, ok := m["inputs"].([]any); ok {
		for _, raw := range inputs {
			im, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			d.Inputs = append(d.Inputs, InputSpec{
				Name:        stringField(im, "name"),
				Type:        stringField(im, "type"),
				Required:    boolField(im, "required"),
				Default:     im["default"],
				Description: stringField(im, "description"),
			})
		}
	}
	if outputs, ok := m["outputs"].(map[string]any); ok {
		for k, v := range outputs {
			d.Outputs[k] = fmt.Sprintf("%v", v)
		}
	}
	if extends, ok := m["extends_chain"].([]any); ok {
		for _, e := range extends {
			if s, ok := e.(string); ok {
				d.Extends = append(d.Extends, s)
			}
		}
	}
	if ctx, ok := m["context_directives"].(map[string]any); ok {
		d.ContextDirectives = ContextDirectives{
			System: stringField(ctx, "system"),
			Before: stringField(ctx, "before"),
			After:  stringField(ctx, "after"),
		}
		if sup, ok := ctx["suppress"].([]any); ok {
			for _, s := range sup {
				if str, ok := s.(string); ok {
					d.ContextDirectives.Suppress = append(d.ContextDirectives.Suppress, str)
				}
			}
		}
	}
	if acks, ok := m["risk_acknowledgments"].(map[string]any); ok {
		d.RiskAcknowledgments = make(map[capability.RiskTier]string)
		for tier, reason := range acks {
			d.RiskAcknowledgments[capability.RiskTier(tier)] = fmt.Sprintf("%v", reason)
		}
	}
	return d, nil
}

// CompileInputSchema builds a JSON Schema validator from the directive's
// input specs (mapping Required/Type into a standard object schema) so
// ValidateInputs can check inputs at prompt-build time.
func (d *Directive) CompileInputSchema() error {
	properties := make(map[string]any)
	var required []string
	for _, in := range d.Inputs {
		prop := map[string]any{}
		if in.Type != "" {
			prop["type"] = jsonSchemaType(in.Type)
		}
		if in.Description != "" {
			prop["description"] = in.Description
		}
		properties[in.Name] = prop
		if in.Required {
			required = append(required, in.Name)
		}
	}
	raw := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		raw["required"] = required
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var schemaDoc any
	if err := json.Unmarshal(data, &schemaDoc); err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	const resourceURL = "directive-inputs.json"
	if err := c.AddResource(resourceURL, schemaDoc); err != nil {
		return err
	}
	schema, err := c.Compile(resourceURL)
	if err != nil {
		return err
	}
	d.InputSchema = schema
	return nil
}

// ValidateInputs applies defaults for missing optional inputs then
// validates against the compiled JSON Schema.
func (d *Directive) ValidateInputs(inputs map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(inputs))
	for k, v := range inputs {
		merged[k] = v
	}
	for _, in := range d.Inputs {
		if _, present := merged[in.Name]; !present && in.Default != nil {
			merged[in.Name] = in.Default
		}
	}
	if d.InputSchema == nil {
		return merged, nil
	}
	if err := d.InputSchema.Validate(merged); err != nil {
		return nil, fmt.Errorf("directive: input validation failed: %w", err)
	}
	return merged, nil
}

func jsonSchemaType(t string) string {
	switch t {
	case "int", "integer":
		return "integer"
	case "float", "number":
		return "number"
	case "bool", "boolean":
		return "boolean"
	case "list", "array":
		return "array"
	case "object", "map":
		return "object"
	default:
		return "string"
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
