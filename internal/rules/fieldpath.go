package rules

import (
	"reflect"
	"strings"

	"github.com/floorkeeper/floorkeeper/internal/types"
)

/*
 * Field path resolution for business objects.
 *
 * Resolves dotted paths ("order.customer.name") against arbitrary targets,
 * walking map keys and exported struct fields transparently. Callers never
 * branch on the target's shape; the resolver picks key-lookup or
 * attribute-lookup per hop based on the runtime value.
 *
 * Absent vs nil: a missing hop, a nil intermediate, an out-of-range index or
 * an unsupported shape all resolve to Found=false. A path that lands on an
 * explicit nil value resolves to Found=true with a nil Value. The evaluator
 * treats the two differently (missing field vs null field).
 *
 * No error ever escapes Resolve; every failure mode maps to absent.
 */

// ResolveResult holds the outcome of a field path resolution.
type ResolveResult struct {
	Value any  // resolved value (nil if absent or explicitly null)
	Found bool // true if every hop of the path existed
}

// Resolve walks target following the dotted path. Paths longer than
// MaxFieldPathSegments resolve to absent rather than erroring.
func Resolve(target any, path string) ResolveResult {
	if path == "" {
		return ResolveResult{Value: target, Found: target != nil}
	}

	segments := strings.Split(path, ".")
	if len(segments) > types.MaxFieldPathSegments {
		return ResolveResult{}
	}

	current := target
	for _, seg := range segments {
		if current == nil {
			return ResolveResult{}
		}
		next, ok := resolveSegment(current, seg)
		if !ok {
			return ResolveResult{}
		}
		current = next
	}

	return ResolveResult{Value: current, Found: true}
}

// resolveSegment resolves one hop against the current value, trying map
// key lookup first, then exported struct field lookup via reflection.
// Pointers and interfaces are dereferenced before inspection.
func resolveSegment(current any, seg string) (any, bool) {
	// Fast path for the common shape: JSON-decoded objects.
	if m, ok := current.(map[string]any); ok {
		v, ok := m[seg]
		return v, ok
	}

	rv := reflect.ValueOf(current)
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
		v := rv.MapIndex(reflect.ValueOf(seg))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true

	case reflect.Struct:
		f := rv.FieldByName(seg)
		if f.IsValid() && f.CanInterface() {
			return f.Interface(), true
		}
		// Snake_case paths against Go structs: match on the exported name
		// case-insensitively with underscores removed ("stock_qty" -> StockQty).
		want := normalizeFieldName(seg)
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			if normalizeFieldName(sf.Name) == want || jsonTagName(sf) == seg {
				return rv.Field(i).Interface(), true
			}
		}
		return nil, false

	default:
		// Scalar or slice but the path continues.
		return nil, false
	}
}

// normalizeFieldName lowercases and strips underscores for shape-agnostic
// struct field matching.
func normalizeFieldName(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "")
}

// jsonTagName extracts the name portion of a field's json tag, if any.
func jsonTagName(sf reflect.StructField) string {
	tag := sf.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	if i := strings.IndexByte(tag, ','); i >= 0 {
		tag = tag[:i]
	}
	return tag
}
