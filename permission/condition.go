package permission

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// Source selects the map a condition reads.
type Source string

const (
	SourceArgument Source = "argument"
	SourceContext  Source = "context"
)

// Operator is a condition predicate.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpPrefix      Operator = "prefix"
	OpNotPrefix   Operator = "not_prefix"
	OpMatches     Operator = "matches"
	OpNotMatches  Operator = "not_matches"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpMaxLength   Operator = "max_length"
)

var ErrConditionFailed = errors.New("condition failed")

// negative operators pass when the key is absent.
func (o Operator) negative() bool {
	switch o {
	case OpNotEquals, OpNotContains, OpNotPrefix, OpNotMatches, OpNotIn, OpMaxLength:
		return true
	}
	return false
}

// Condition is a predicate over one argument or call-context value.
type Condition struct {
	Key      string
	Source   Source
	Operator Operator
	Value    any

	re   *regexp.Regexp
	set  []string
	size int
}

// NewCondition validates and compiles a condition.
func NewCondition(key string, source Source, op Operator, value any) (Condition, error) {
	if source == "" {
		source = SourceArgument
	}
	c := Condition{Key: key, Source: source, Operator: op, Value: value}
	if key == "" {
		return c, fmt.Errorf("condition needs a key")
	}
	if source != SourceArgument && source != SourceContext {
		return c, fmt.Errorf("condition on %s: unknown source %q", key, source)
	}

	switch op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpPrefix, OpNotPrefix:
		if value == nil {
			return c, fmt.Errorf("condition on %s: %s needs a value", key, op)
		}
	case OpMatches, OpNotMatches:
		re, err := regexp.Compile(fmt.Sprint(value))
		if err != nil {
			return c, fmt.Errorf("condition on %s: %w", key, err)
		}
		c.re = re
	case OpIn, OpNotIn:
		list, ok := toList(value)
		if !ok {
			return c, fmt.Errorf("condition on %s: %s needs a list value", key, op)
		}
		c.set = list
	case OpMaxLength:
		n, ok := toInt(value)
		if !ok || n < 0 {
			return c, fmt.Errorf("condition on %s: max_length needs a non-negative integer", key)
		}
		c.size = n
	default:
		return c, fmt.Errorf("condition on %s: unknown operator %q", key, op)
	}
	return c, nil
}

// Evaluate returns an error wrapping ErrConditionFailed, naming the
// condition, when it does not hold.
func (c Condition) Evaluate(args, callCtx map[string]any) error {
	src := args
	if c.Source == SourceContext {
		src = callCtx
	}
	v, present := src[c.Key]
	if !present || v == nil {
		if c.Operator.negative() {
			return nil
		}
		return c.fail("is missing")
	}

	s := stringify(v)
	want := stringify(c.Value)
	var ok bool
	switch c.Operator {
	case OpEquals:
		ok = s == want
	case OpNotEquals:
		ok = s != want
	case OpContains:
		ok = strings.Contains(s, want)
	case OpNotContains:
		ok = !strings.Contains(s, want)
	case OpPrefix:
		ok = strings.HasPrefix(s, want)
	case OpNotPrefix:
		ok = !strings.HasPrefix(s, want)
	case OpMatches:
		ok = c.re.MatchString(s)
	case OpNotMatches:
		ok = !c.re.MatchString(s)
	case OpIn:
		ok = slices.Contains(c.set, s)
	case OpNotIn:
		ok = !slices.Contains(c.set, s)
	case OpMaxLength:
		ok = length(v) <= c.size
	}
	if ok {
		return nil
	}
	return c.fail(fmt.Sprintf("must satisfy %s %v", c.Operator, c.Value))
}

func (c Condition) fail(what string) error {
	return fmt.Errorf("%w: %s %q %s", ErrConditionFailed, c.Source, c.Key, what)
}

// stringify renders scalars the way they appear in JSON so 5 and 5.0 compare
// equal.
func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
	}
	return fmt.Sprint(v)
}

func length(v any) int {
	if s, ok := v.(string); ok {
		return utf8.RuneCountInString(s)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	}
	return utf8.RuneCountInString(stringify(v))
}

func toList(v any) ([]string, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]string, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out = append(out, stringify(rv.Index(i).Interface()))
	}
	return out, true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	}
	return 0, false
}
