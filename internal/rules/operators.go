package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/floorkeeper/floorkeeper/internal/types"
)

/*
 * Operator comparison logic.
 *
 * Fixed, named table of 12 two-argument predicates applied by the
 * evaluator after field resolution. Membership in the table is the only
 * thing that makes an operator name legal; unknown names are configuration
 * errors and fail closed upstream.
 *
 * Operators:
 *   - eq/ne: Equality with numeric tolerance
 *   - gt/ge/lt/le: Ordering; nil/absent operands compare false, never panic
 *   - in/not_in: Membership with equality semantics
 *   - contains/startswith/endswith: Substring and affix matching
 *   - regex: Pattern match of str(left) against the right operand; a
 *     compile failure is an evaluation error, not a crash
 *
 * Numeric comparison handles float64/int/int64 mixing for JSON compatibility.
 *
 * Why function-based: 12 operators via switch statement is cleaner than 12
 * interface implementations with minimal behavior variation.
 */

// Compare applies the named operator to left and target.
// The error return is non-nil only for configuration-level failures
// (unknown operator, invalid regex); ordinary mismatches return (false, nil).
func Compare(op string, left, target any) (bool, error) {
	switch op {
	case "eq", "==", "=":
		return compareEqual(left, target), nil
	case "ne", "!=":
		return !compareEqual(left, target), nil
	case "gt", ">":
		return orderedCompare(left, target) > 0, nil
	case "ge", ">=":
		ord, ok := orderedCompareOK(left, target)
		return ok && ord >= 0, nil
	case "lt", "<":
		return orderedCompare(left, target) < 0, nil
	case "le", "<=":
		ord, ok := orderedCompareOK(left, target)
		return ok && ord <= 0, nil
	case "in":
		return compareIn(left, target), nil
	case "not_in":
		return !compareIn(left, target), nil
	case "contains":
		return strings.Contains(asString(left), asString(target)), nil
	case "startswith":
		return strings.HasPrefix(asString(left), asString(target)), nil
	case "endswith":
		return strings.HasSuffix(asString(left), asString(target)), nil
	case "regex":
		re, err := regexp.Compile(asString(target))
		if err != nil {
			return false, fmt.Errorf("regex compile: %w", err)
		}
		return re.MatchString(asString(left)), nil
	default:
		return false, fmt.Errorf("%w: %q", types.ErrUnknownOperator, op)
	}
}

// KnownOperator reports whether the name is in the fixed operator table.
// Used by rule validation before a rule is accepted for persistence.
func KnownOperator(op string) bool {
	switch op {
	case "eq", "==", "=", "ne", "!=", "gt", ">", "ge", ">=",
		"lt", "<", "le", "<=", "in", "not_in",
		"contains", "startswith", "endswith", "regex":
		return true
	}
	return false
}

// compareEqual performs equality comparison with numeric type coercion.
// Handles float64/int/int64 mixing for JSON compatibility.
func compareEqual(a, b any) bool {
	if na, nb, ok := asNumbers(a, b); ok {
		return na == nb
	}
	return a == b
}

// orderedCompare performs three-way comparison (-1/0/1).
// Incomparable operands (including nil/absent) return 0, which makes every
// strict ordering operator false rather than panicking.
func orderedCompare(a, b any) int {
	ord, _ := orderedCompareOK(a, b)
	return ord
}

// orderedCompareOK performs three-way comparison with a comparability flag.
// ge/le need the flag: 0 with ok=false must not satisfy >= or <=.
func orderedCompareOK(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if na, nb, ok := asNumbers(a, b); ok {
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, oka := a.(string)
	sb, okb := b.(string)
	if oka && okb {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

// asNumbers attempts to convert both values to float64 for numeric comparison.
func asNumbers(a, b any) (float64, float64, bool) {
	na, oka := toFloat64(a)
	nb, okb := toFloat64(b)
	return na, nb, oka && okb
}

// toFloat64 converts value to float64 if it's a numeric type.
// Handles the types JSON unmarshaling and struct fields produce.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// compareIn checks membership using equality semantics. The set side
// accepts []any (JSON) and []string (config literals).
func compareIn(value, set any) bool {
	switch arr := set.(type) {
	case []any:
		for _, elem := range arr {
			if compareEqual(value, elem) {
				return true
			}
		}
	case []string:
		for _, elem := range arr {
			if compareEqual(value, elem) {
				return true
			}
		}
	}
	return false
}

// asString renders a value for the string-shaped operators. nil renders as
// the empty string so affix checks on absent fields are false, not panics.
func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}
