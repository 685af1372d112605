package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// paramSchema is a compiled JSON Schema for one provider's parameters.
type paramSchema struct {
	compiled *jsonschema.Schema
}

// compileParamSchema compiles a declared parameter schema. Providers that
// declare no schema (empty or null) return a nil schema, meaning any
// params are accepted.
func compileParamSchema(raw json.RawMessage) (*paramSchema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("params.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("params.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &paramSchema{compiled: compiled}, nil
}

// validate checks params against the schema. Params round-trip through
// JSON so Go-typed values (ints, nested maps) normalize to what the
// validator expects.
func (s *paramSchema) validate(params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return s.compiled.Validate(v)
}
