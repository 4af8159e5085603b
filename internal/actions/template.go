package actions

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/floorkeeper/floorkeeper/internal/rules"
)

/*
 * {field} placeholder substitution for notify subjects/bodies, webhook
 * payloads and create_record payloads.
 *
 * Lookup order: rule-level variables (rule_code, rule_name, severity,
 * scope), then dotted field paths resolved against the triggering target.
 * Unresolved placeholders are left intact so a typo is visible in the
 * stored result instead of silently vanishing.
 */

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// Substitute replaces {field} placeholders in a template string.
func Substitute(tpl string, inv *Invocation) string {
	if !strings.Contains(tpl, "{") {
		return tpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tpl, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := lookupPlaceholder(name, inv); ok {
			return stringify(v)
		}
		return match
	})
}

// SubstituteValue applies Substitute recursively through a payload value:
// strings are templated, maps and slices walked, everything else passes
// through unchanged.
func SubstituteValue(v any, inv *Invocation) any {
	switch val := v.(type) {
	case string:
		return Substitute(val, inv)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = SubstituteValue(item, inv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = SubstituteValue(item, inv)
		}
		return out
	default:
		return v
	}
}

func lookupPlaceholder(name string, inv *Invocation) (any, bool) {
	switch name {
	case "rule_code":
		return inv.Rule.Code, true
	case "rule_name":
		return inv.Rule.Name, true
	case "severity":
		return inv.Rule.Severity.String(), true
	case "scope":
		return inv.Rule.Scope, true
	case "target_id":
		return inv.TargetRef.ID, true
	case "target_collection":
		return inv.TargetRef.Collection, true
	}

	resolved := rules.Resolve(inv.Target, name)
	if resolved.Found {
		return resolved.Value, true
	}
	return nil, false
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
