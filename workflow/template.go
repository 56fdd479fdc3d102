package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// ResolveParameters returns a copy of params with every {{path}} token
// replaced by the value found at path in vars.
//
// A string that consists of a single placeholder is replaced by the typed
// value, so "{{loop_iteration}}" yields an int rather than "2". Placeholders
// embedded in longer strings are interpolated as text. Unresolvable tokens
// are left untouched.
func ResolveParameters(params, vars map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, vars)
	}
	return out
}

func resolveValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, vars)
	case map[string]any:
		return ResolveParameters(t, vars)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveValue(item, vars)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveString(item, vars)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, vars map[string]any) any {
	if !strings.Contains(s, "{{") {
		return s
	}

	if m := placeholderPattern.FindStringSubmatchIndex(s); m != nil &&
		strings.TrimSpace(s[:m[0]]) == "" && strings.TrimSpace(s[m[1]:]) == "" {
		if val, ok := LookupPath(vars, s[m[2]:m[3]]); ok {
			return val
		}
		return s
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := placeholderPattern.FindStringSubmatch(token)[1]
		val, ok := LookupPath(vars, path)
		if !ok {
			return token
		}
		return stringify(val)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}
