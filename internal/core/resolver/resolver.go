// Package resolver substitutes ${outputs.<node>...} and ${variables.<name>}
// templates inside the string leaves of arbitrarily shaped values, using a
// run's Context as the sole source. Resolution is pure, deterministic, and
// single-pass: a template that cannot be resolved is preserved verbatim,
// and substituted text is never re-scanned, so template syntax inside a
// context value is inserted literally, not expanded. Callers resolve a
// value exactly once; re-resolving a result substitutes any template text
// that arrived from context values.
package resolver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/orchestra-dev/orchestra/internal/core"
)

// Templates match ${...}; nested braces are not supported.
var templatePattern = regexp.MustCompile(`\$\{([^{}]+)\}`)

// Resolve walks a value of arbitrary shape and replaces every template
// occurrence inside string leaves. Lists and maps are traversed
// element-wise with their container type preserved; non-string scalars are
// returned as-is.
func Resolve(value any, ctx *core.Context) any {
	switch v := value.(type) {
	case string:
		return ResolveString(v, ctx)
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = Resolve(elem, ctx)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = Resolve(elem, ctx)
		}
		return out
	default:
		return value
	}
}

// ResolveString substitutes all templates inside one string. Resolved
// values are coerced to their default string form; a template whose path
// misses is left as the original literal.
func ResolveString(s string, ctx *core.Context) string {
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		expr := match[2 : len(match)-1]
		val, ok := lookup(expr, ctx)
		if !ok {
			return match
		}
		return stringify(val)
	})
}

// ResolveStringMap resolves every value of a string map.
func ResolveStringMap(m map[string]string, ctx *core.Context) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = ResolveString(v, ctx)
	}
	return out
}

func lookup(expr string, ctx *core.Context) (any, bool) {
	segments := strings.Split(expr, ".")
	if len(segments) < 2 {
		return nil, false
	}
	switch segments[0] {
	case "outputs":
		root, ok := ctx.Output(segments[1])
		if !ok {
			return nil, false
		}
		return traverse(root, segments[2:])
	case "variables":
		if len(segments) != 2 {
			return nil, false
		}
		return ctx.Variable(segments[1])
	default:
		return nil, false
	}
}

// traverse descends an object tree by key. A segment that hits a non-object
// or a missing key aborts the whole template.
func traverse(root any, segments []string) (any, bool) {
	current := root
	for _, seg := range segments {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
