// Package validation checks workflow variables against the JSON Schema a
// workflow-type definition declares for them.
package validation

import (
	"bytes"
	"encoding/json"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rvidal/preceptor/pkg/schema"
)

// VariablesValidator validates variables maps against per-workflow-type
// JSON Schemas. Compiled schemas are cached by workflow type name.
// Thread-safe.
type VariablesValidator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewVariablesValidator creates an empty validator.
func NewVariablesValidator() *VariablesValidator {
	return &VariablesValidator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks variables against the given raw JSON Schema. A nil or
// empty schema accepts everything. The compiled schema is cached under
// workflowType.
func (v *VariablesValidator) Validate(workflowType string, rawSchema json.RawMessage, variables map[string]any) error {
	if len(rawSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(workflowType, rawSchema)
	if err != nil {
		return err
	}

	// Round-trip through JSON so the instance uses the canonical
	// types the validator expects (float64 numbers, map[string]any).
	doc, err := canonicalize(variables)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "canonicalize variables").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"variables violate schema for workflow type %q: %s", workflowType, err.Error()).
			WithCause(err)
	}
	return nil
}

func (v *VariablesValidator) getOrCompile(workflowType string, rawSchema json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if s, ok := v.compiled[workflowType]; ok {
		v.mu.RUnlock()
		return s, nil
	}
	v.mu.RUnlock()

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawSchema))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid variables schema for workflow type %q", workflowType).WithCause(err)
	}

	compiler := jsonschema.NewCompiler()
	url := "preceptor://definitions/" + workflowType + "/variables.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"add variables schema for workflow type %q", workflowType).WithCause(err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile variables schema for workflow type %q", workflowType).WithCause(err)
	}

	v.mu.Lock()
	v.compiled[workflowType] = compiled
	v.mu.Unlock()
	return compiled, nil
}

func canonicalize(variables map[string]any) (any, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	raw, err := json.Marshal(variables)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
