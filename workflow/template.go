package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Sentinels used while splicing template results through string form.
// Arrays and nulls survive a stringify/parse round trip intact: a single
// "${expr}" resolving to an array is encoded as SentinelArray + JSON and
// decoded back to the native value, so a naive string coercion can never
// lose elements.
const (
	SentinelArray = "__STRATIX_ARRAY__"
	SentinelNull  = "__STRATIX_NULL__"
)

var (
	templatePattern = regexp.MustCompile(`\$\{([^}]+)\}`)
	pathPattern     = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)
	// singlePattern matches a template that is exactly one ${expr} with no
	// surrounding text; only these preserve the native type.
	singlePattern = regexp.MustCompile(`^\$\{([^}]+)\}$`)
)

// ValidateTemplateExpression checks every ${...} occurrence in s for legal
// path syntax: identifier(.identifier)* with identifiers matching
// [A-Za-z_$][A-Za-z0-9_$]*. Whitespace inside braces is permitted and
// trimmed.
func ValidateTemplateExpression(s string) error {
	for _, m := range templatePattern.FindAllStringSubmatch(s, -1) {
		path := strings.TrimSpace(m[1])
		if !pathPattern.MatchString(path) {
			return Errorf(KindValidation, "invalid template path %q in %q", path, s).WithCode("template_syntax")
		}
	}
	return nil
}

// TemplateResolver substitutes ${path} references inside strings, arrays,
// and nested objects against a variable bag.
//
// Lookup uses first-hit semantics: the dotted path is tried as a flat map
// key first, then walked segment by segment through nested maps.
//
// In non-strict mode an undefined variable leaves the original ${expr} in
// place and reports the name; in strict mode resolution fails.
type TemplateResolver struct {
	strict bool
}

// NewTemplateResolver creates a resolver. strict selects fail-on-missing.
func NewTemplateResolver(strict bool) *TemplateResolver {
	return &TemplateResolver{strict: strict}
}

// Resolve substitutes templates throughout value and returns the resolved
// value plus the sorted-unique names of variables that were not found.
// Maps are resolved recursively, arrays element-wise; non-string scalars
// pass through untouched.
func (r *TemplateResolver) Resolve(value any, vars map[string]any) (any, []string, error) {
	missing := map[string]bool{}
	out, err := r.resolve(value, vars, missing)
	if err != nil {
		return nil, nil, err
	}
	return out, missingNames(missing), nil
}

// ResolveMap resolves every value of a map in place-compatible fashion,
// returning a new map. Convenience for node input preparation.
func (r *TemplateResolver) ResolveMap(in map[string]any, vars map[string]any) (map[string]any, []string, error) {
	if in == nil {
		return nil, nil, nil
	}
	out, missing, err := r.Resolve(in, vars)
	if err != nil {
		return nil, nil, err
	}
	return out.(map[string]any), missing, nil
}

func (r *TemplateResolver) resolve(value any, vars map[string]any, missing map[string]bool) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, vars, missing)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			resolved, err := r.resolve(elem, vars, missing)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			resolved, err := r.resolve(elem, vars, missing)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (r *TemplateResolver) resolveString(s string, vars map[string]any, missing map[string]bool) (any, error) {
	if err := ValidateTemplateExpression(s); err != nil {
		return nil, err
	}

	// A lone ${expr} preserves the native type of the resolved value.
	if m := singlePattern.FindStringSubmatch(s); m != nil {
		path := strings.TrimSpace(m[1])
		val, ok := lookupPath(vars, path)
		if !ok {
			if r.strict {
				return nil, Errorf(KindValidation, "undefined template variable %q", path).WithCode("template_missing")
			}
			missing[path] = true
			return s, nil
		}
		return decodeSentinels(val), nil
	}

	// Embedded templates are stringified into the surrounding text.
	var resolveErr error
	out := templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-1])
		val, ok := lookupPath(vars, path)
		if !ok {
			if r.strict {
				resolveErr = Errorf(KindValidation, "undefined template variable %q", path).WithCode("template_missing")
				return match
			}
			missing[path] = true
			return match
		}
		return stringifyValue(val)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return decodeSentinels(out), nil
}

// lookupPath resolves a dotted path against the bag: flat key first, then
// a walk through nested maps.
func lookupPath(vars map[string]any, path string) (any, bool) {
	if v, ok := vars[path]; ok {
		return v, true
	}
	segments := strings.Split(path, ".")
	var cur any = vars
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// stringifyValue converts a resolved value to its embedded-string form.
// Arrays and nulls are sentinel-encoded so they survive being spliced
// through a string.
func stringifyValue(val any) string {
	switch v := val.(type) {
	case nil:
		return SentinelNull
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return SentinelArray + string(data)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// decodeSentinels maps sentinel-encoded values (or strings that became
// exactly one sentinel after substitution) back to their native types.
func decodeSentinels(val any) any {
	s, ok := val.(string)
	if !ok {
		return val
	}
	if s == SentinelNull {
		return nil
	}
	if strings.HasPrefix(s, SentinelArray) {
		var arr []any
		if err := json.Unmarshal([]byte(s[len(SentinelArray):]), &arr); err == nil {
			return arr
		}
	}
	return s
}

func missingNames(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
