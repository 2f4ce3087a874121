// Package envsub resolves ${VAR}-style references against an environment
// map, recursively over arbitrary JSON-shaped trees.
package envsub

import (
	"os"
	"regexp"
	"strings"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Apply walks value (as produced by encoding/json or yaml.v3 unmarshaling
// into `any`: map[string]any, []any, or scalars) and replaces every
// ${VAR} occurrence in string values and map keys with env[VAR]. A
// reference to an undeclared variable is left untouched.
func Apply(value any, env map[string]string) any {
	switch v := value.(type) {
	case string:
		return substitute(v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[substitute(k, env)] = Apply(val, env)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Apply(val, env)
		}
		return out
	default:
		return v
	}
}

func substitute(s string, env map[string]string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := env[name]; ok {
			return val
		}
		return match
	})
}

// BuildMap layers additional key/value pairs on top of a base environment,
// resolving ${VAR} references in each new value against the environment
// accumulated so far. A nil base starts from the process environment via
// os.Environ. References to base keys always resolve. Overlay entries are
// visited in Go map iteration order, which is not defined, so an overlay
// value that references another overlay key may get that key's resolved
// value, its base value, or stay verbatim, and may differ between runs.
func BuildMap(base map[string]string, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	if base == nil {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				merged[kv[:i]] = kv[i+1:]
			}
		}
	} else {
		for k, v := range base {
			merged[k] = v
		}
	}

	for k, v := range overlay {
		merged[k] = substitute(v, merged)
	}
	return merged
}
