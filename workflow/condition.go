package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Operator is the comparison applied by a ConditionRule.
type Operator string

const (
	OpEquals       Operator = "equals"
	OpNotEquals    Operator = "not_equals"
	OpGreaterThan  Operator = "greater_than"
	OpLessThan     Operator = "less_than"
	OpGreaterEqual Operator = "greater_equal"
	OpLessEqual    Operator = "less_equal"
	OpContains     Operator = "contains"
	OpIn           Operator = "in"
	OpExists       Operator = "exists"
)

var knownOperators = map[Operator]struct{}{
	OpEquals: {}, OpNotEquals: {}, OpGreaterThan: {}, OpLessThan: {},
	OpGreaterEqual: {}, OpLessEqual: {}, OpContains: {}, OpIn: {}, OpExists: {},
}

// Normalize returns the canonical lower-case form, so "GREATER_THAN" and
// "greater_than" are the same operator.
func (o Operator) Normalize() Operator {
	return Operator(strings.ToLower(strings.TrimSpace(string(o))))
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	_, ok := knownOperators[o.Normalize()]
	return ok
}

// ConditionRule compares the value found at Field in an execution context
// with Value. Field is a dot-path such as "step_diagnose_result.severity".
type ConditionRule struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Validate checks the rule shape. Evaluation itself never fails; this is
// only used when a definition is registered.
func (r *ConditionRule) Validate() error {
	if r == nil {
		return fmt.Errorf("condition is nil")
	}
	if strings.TrimSpace(r.Field) == "" {
		return fmt.Errorf("condition field is required")
	}
	if !r.Operator.Valid() {
		return fmt.Errorf("unknown condition operator %q", r.Operator)
	}
	return nil
}

// String renders the rule for logs.
func (r *ConditionRule) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %s %v", r.Field, r.Operator.Normalize(), r.Value)
}

// ConditionEvaluator evaluates ConditionRules against an execution context.
// It is stateless and safe for concurrent use.
type ConditionEvaluator struct{}

// NewConditionEvaluator creates a ConditionEvaluator.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{}
}

// Evaluate returns the rule's truth value. It is total: a missing field, a
// malformed rule, or operands of the wrong type all yield false.
func (e *ConditionEvaluator) Evaluate(rule *ConditionRule, vars map[string]any) (result bool) {
	defer func() {
		if recover() != nil {
			result = false
		}
	}()

	if rule == nil {
		return false
	}

	actual, found := LookupPath(vars, rule.Field)
	op := rule.Operator.Normalize()

	if op == OpExists {
		return found && actual != nil
	}
	if !found {
		return false
	}

	switch op {
	case OpEquals:
		return valuesEqual(actual, coerceLike(actual, rule.Value))
	case OpNotEquals:
		return !valuesEqual(actual, coerceLike(actual, rule.Value))
	case OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual:
		return compareNumeric(op, actual, rule.Value)
	case OpContains:
		return contains(actual, rule.Value)
	case OpIn:
		return contains(rule.Value, actual)
	default:
		return false
	}
}

// LookupPath walks vars along a dot-separated path. Map keys and numeric
// slice indexes are both accepted as segments. A key that itself contains
// dots is matched before splitting.
func LookupPath(vars map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || vars == nil {
		return nil, false
	}
	if v, ok := vars[path]; ok {
		return v, true
	}

	var cur any = vars
	for _, seg := range strings.Split(path, ".") {
		next, ok := childValue(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func childValue(v any, key string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		x, ok := m[key]
		return x, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(m) {
			return nil, false
		}
		return m[i], true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		x := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !x.IsValid() {
			return nil, false
		}
		return x.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	case reflect.Struct:
		f := rv.FieldByNameFunc(func(name string) bool { return strings.EqualFold(name, key) })
		if !f.IsValid() || !f.CanInterface() {
			return nil, false
		}
		return f.Interface(), true
	}
	return nil, false
}

// coerceLike converts a string literal to the runtime type of actual when
// that is unambiguous, so a YAML "true" compares equal to a bool true.
func coerceLike(actual, literal any) any {
	s, ok := literal.(string)
	if !ok {
		return literal
	}
	switch actual.(type) {
	case bool:
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	default:
		if _, isNum := toFloat(actual); isNum {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
	}
	return literal
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if _, ok := toFloat(b); ok {
		return false
	}
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

// normalizeValue rewrites nested numbers to float64 and typed slices/maps
// to their generic forms so DeepEqual compares by value.
func normalizeValue(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []any{}
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalizeValue(iter.Value().Interface())
		}
		return out
	}
	return v
}

func compareNumeric(op Operator, actual, expected any) bool {
	a, ok := toNumber(actual)
	if !ok {
		return false
	}
	b, ok := toNumber(expected)
	if !ok {
		return false
	}
	switch op {
	case OpGreaterThan:
		return a > b
	case OpLessThan:
		return a < b
	case OpGreaterEqual:
		return a >= b
	case OpLessEqual:
		return a <= b
	}
	return false
}

// contains reports whether container holds item: substring for strings,
// element membership for slices, key membership for maps.
func contains(container, item any) bool {
	if container == nil {
		return false
	}
	if s, ok := container.(string); ok {
		sub, ok := item.(string)
		return ok && strings.Contains(s, sub)
	}

	rv := reflect.ValueOf(container)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if valuesEqual(rv.Index(i).Interface(), item) {
				return true
			}
		}
	case reflect.Map:
		key, ok := item.(string)
		if !ok || rv.Type().Key().Kind() != reflect.String {
			return false
		}
		return rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key())).IsValid()
	}
	return false
}

// toFloat converts Go numeric kinds and json.Number. Strings are not numbers here.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint8:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toNumber is toFloat plus numeric strings, used by the relational operators.
func toNumber(v any) (float64, bool) {
	if f, ok := toFloat(v); ok {
		return f, !math.IsNaN(f)
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
