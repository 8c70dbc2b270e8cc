package mcp

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/zhubert/toolgate/tool"
)

// DefinitionFromSchema renders a tool schema for tools/list.
func DefinitionFromSchema(s tool.Schema) ToolDefinition {
	def := ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		RiskLevel:   s.RiskLevel,
		InputSchema: InputSchema{Type: "object"},
	}
	if len(s.Parameters) == 0 {
		return def
	}

	def.InputSchema.Properties = make(map[string]Property, len(s.Parameters))
	for _, p := range s.Parameters {
		def.InputSchema.Properties[p.Name] = Property{
			Type:        string(p.Type),
			Description: p.Description,
			Default:     p.Default,
			Enum:        p.Enum,
		}
		def.InputSchema.Order = append(def.InputSchema.Order, p.Name)
		if p.Required {
			def.InputSchema.Required = append(def.InputSchema.Required, p.Name)
		}
	}
	return def
}

// SchemaFromDefinition rebuilds a tool schema from a tools/list entry.
// Properties not named in x-order (servers that do not send it) follow in
// name order.
func SchemaFromDefinition(def ToolDefinition) tool.Schema {
	s := tool.Schema{
		Name:        def.Name,
		Description: def.Description,
		RiskLevel:   def.RiskLevel,
	}

	required := make(map[string]bool, len(def.InputSchema.Required))
	for _, name := range def.InputSchema.Required {
		required[name] = true
	}

	names := make([]string, 0, len(def.InputSchema.Properties))
	placed := make(map[string]bool, len(def.InputSchema.Properties))
	for _, name := range def.InputSchema.Order {
		if _, ok := def.InputSchema.Properties[name]; ok && !placed[name] {
			names = append(names, name)
			placed[name] = true
		}
	}
	var rest []string
	for name := range def.InputSchema.Properties {
		if !placed[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	for _, name := range names {
		prop := def.InputSchema.Properties[name]
		s.Parameters = append(s.Parameters, tool.Parameter{
			Name:        name,
			Type:        tool.ParamType(prop.Type),
			Description: prop.Description,
			Required:    required[name],
			Default:     prop.Default,
			Enum:        prop.Enum,
		})
	}
	return s
}

// CallResultFromResult encodes a tool result for the wire. Non-string
// content travels both as JSON text and as structuredContent.
func CallResultFromResult(r *tool.Result) ToolCallResult {
	if r == nil {
		r = tool.Fail("tool returned no result")
	}
	out := ToolCallResult{Meta: r.Metadata, Content: []ContentItem{}}
	if !r.Success {
		out.IsError = true
		out.Content = append(out.Content, ContentItem{Type: "text", Text: r.Error})
		return out
	}

	switch c := r.Content.(type) {
	case nil:
	case string:
		out.Content = append(out.Content, ContentItem{Type: "text", Text: c})
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return CallResultFromResult(tool.Failf("result is not JSON-encodable: %v", err))
		}
		out.Content = append(out.Content, ContentItem{Type: "text", Text: string(data)})
		out.StructuredContent = c
	}
	return out
}

// ResultFromCallResult decodes a wire tool result.
func ResultFromCallResult(c ToolCallResult) *tool.Result {
	texts := make([]string, 0, len(c.Content))
	for _, item := range c.Content {
		if item.Type == "text" {
			texts = append(texts, item.Text)
		}
	}
	text := strings.Join(texts, "\n")

	r := &tool.Result{Success: !c.IsError, Metadata: c.Meta}
	switch {
	case c.IsError:
		r.Error = text
	case c.StructuredContent != nil:
		r.Content = c.StructuredContent
	case len(texts) > 0:
		r.Content = text
	}
	return r
}
