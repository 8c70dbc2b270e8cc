package tool

import (
	"errors"
	"fmt"
)

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

func (p ParamType) Valid() bool {
	switch p {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// Parameter describes one named argument of a tool.
type Parameter struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Enum        []any     `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Schema is the contract a backend publishes for one tool.
type Schema struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	RiskLevel   RiskLevel   `json:"riskLevel,omitempty" yaml:"risk_level,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

var ErrInvalidSchema = errors.New("invalid tool schema")

// Check verifies the schema is well formed: a name, known parameter types,
// unique parameter names and a valid risk level if one is set.
func (s Schema) Check() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSchema)
	}
	if s.RiskLevel != "" && !s.RiskLevel.Valid() {
		return fmt.Errorf("%w: %s: risk level %q", ErrInvalidSchema, s.Name, s.RiskLevel)
	}
	seen := make(map[string]bool, len(s.Parameters))
	for _, p := range s.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: %s: parameter without a name", ErrInvalidSchema, s.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s: duplicate parameter %q", ErrInvalidSchema, s.Name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			return fmt.Errorf("%w: %s.%s: unknown type %q", ErrInvalidSchema, s.Name, p.Name, p.Type)
		}
	}
	return nil
}

// Parameter returns the parameter with the given name.
func (s Schema) Parameter(name string) (Parameter, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// EffectiveRisk returns the tool's own risk level, falling back to the
// owning server's level when the tool declares none.
func (s Schema) EffectiveRisk(serverRisk RiskLevel) RiskLevel {
	if s.RiskLevel != "" {
		return s.RiskLevel
	}
	if serverRisk != "" {
		return serverRisk
	}
	return RiskHigh
}

// JSONSchema renders the parameters as a JSON Schema object. Unknown
// properties are rejected.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Parameters))
	required := []any{}
	for _, p := range s.Parameters {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// WithDefaults returns a copy of args with parameter defaults filled in for
// absent optional parameters.
func (s Schema) WithDefaults(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(s.Parameters))
	for k, v := range args {
		out[k] = v
	}
	for _, p := range s.Parameters {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}
