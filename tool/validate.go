package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks call arguments against a compiled tool schema.
// It is immutable and safe for concurrent use.
type Validator struct {
	schema   Schema
	compiled *jsonschema.Schema
}

// NewValidator compiles the schema's JSON Schema form.
func NewValidator(s Schema) (*Validator, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}

	doc, err := normalize(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchema, s.Name, err)
	}

	url := s.Name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchema, s.Name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchema, s.Name, err)
	}
	return &Validator{schema: s, compiled: compiled}, nil
}

func (v *Validator) Schema() Schema { return v.schema }

// Validate returns a descriptive error when args do not satisfy the schema.
func (v *Validator) Validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	doc, err := normalize(args)
	if err != nil {
		return fmt.Errorf("arguments for %s are not JSON-encodable: %w", v.schema.Name, err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", v.schema.Name, err)
	}
	return nil
}

// normalize round-trips a value through JSON so the validator sees the same
// shapes a remote caller would send.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}
