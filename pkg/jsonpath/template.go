package jsonpath

import (
	"encoding/json"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// Resolve recursively substitutes template expressions in value's string
// leaves against ctx. A string that is exactly a bare "$" path (no
// surrounding text, no "{{ }}") returns the resolved value with its
// native type — map/list results are not stringified. Any other string
// has each "{{ $.path }}" occurrence replaced, JSON-stringifying
// map/list results and formatting scalars as text; a path that resolves
// to Missing leaves the "{{ }}" expression verbatim.
func Resolve(value any, ctx any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = Resolve(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Resolve(val, ctx)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, ctx any) any {
	trimmed := strings.TrimSpace(s)
	if isBarePath(trimmed) {
		return Extract(trimmed, ctx)
	}

	if !strings.Contains(s, "{{") {
		return s
	}

	return templateExpr.ReplaceAllStringFunc(s, func(match string) string {
		sub := templateExpr.FindStringSubmatch(match)
		expr := strings.TrimSpace(sub[1])
		if !strings.HasPrefix(expr, "$") {
			return match
		}
		val := Extract(expr, ctx)
		if IsMissing(val) {
			return match
		}
		return stringify(val)
	})
}

func isBarePath(s string) bool {
	return strings.HasPrefix(s, "$") && !strings.Contains(s, "{{")
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}
