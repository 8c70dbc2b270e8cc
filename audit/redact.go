package audit

import (
	"fmt"
	"regexp"
	"strings"
)

// Redacted replaces every sensitive value.
const Redacted = "[REDACTED]"

// DefaultSensitivePattern matches argument keys whose values are never
// stored or returned.
const DefaultSensitivePattern = `password|passwd|secret|token|api_key|apikey|key|credential|private`

// Redactor scrubs sensitive values from structured data and free text.
type Redactor struct {
	keys *regexp.Regexp
	text *regexp.Regexp
}

// NewRedactor builds a redactor for key names matching any of patterns,
// case-insensitively. No patterns means the default pattern.
func NewRedactor(patterns ...string) (*Redactor, error) {
	if len(patterns) == 0 {
		patterns = []string{DefaultSensitivePattern}
	}
	alt := "(?:" + strings.Join(patterns, ")|(?:") + ")"
	keys, err := regexp.Compile("(?i)" + alt)
	if err != nil {
		return nil, fmt.Errorf("sensitive key pattern: %w", err)
	}
	// key=value, key: value, "key": "value"
	text, err := regexp.Compile(`(?i)("?[\w.-]*(?:` + alt + `)[\w.-]*"?\s*[:=]\s*"?)([^\s"',;&]+)`)
	if err != nil {
		return nil, fmt.Errorf("sensitive key pattern: %w", err)
	}
	return &Redactor{keys: keys, text: text}, nil
}

var defaultRedactor, _ = NewRedactor()

// SensitiveKey reports whether values under key are redacted.
func (r *Redactor) SensitiveKey(key string) bool {
	return r.keys.MatchString(key)
}

// Map returns a deep copy of m with sensitive values replaced.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.SensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = r.Value(v)
	}
	return out
}

// Value redacts nested maps and slices and scrubs strings.
func (r *Redactor) Value(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return r.Map(x)
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			if r.SensitiveKey(k) {
				out[k] = Redacted
			} else {
				out[k] = r.String(s)
			}
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = r.Value(item)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = r.String(s)
		}
		return out
	case string:
		return r.String(x)
	}
	return v
}

// String scrubs key=value style secrets from free text.
func (r *Redactor) String(s string) string {
	return r.text.ReplaceAllString(s, "${1}"+Redacted)
}

// RedactString scrubs s with the default sensitive-key pattern.
func RedactString(s string) string {
	return defaultRedactor.String(s)
}

// RedactMap redacts m with the default sensitive-key pattern.
func RedactMap(m map[string]any) map[string]any {
	return defaultRedactor.Map(m)
}
