package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/floorkeeper/floorkeeper/internal/types"
)

/*
 * Condition evaluation.
 *
 * Pure recursive evaluation of a condition tree against a target object,
 * producing a boolean plus a structured explanation. Evaluation has no side
 * effects and never mutates the target.
 *
 * Contract: Evaluate never returns an error and never panics to the caller.
 * Every failure mode - unknown operator, unwhitelisted collection, rejected
 * expression, count provider failure, even a panic inside a reflective hop -
 * resolves to (false, explanation-with-error). Fail closed, always.
 *
 * Variants:
 *   - threshold: field vs literal via the operator table
 *   - age: (now - timestamp field) in the declared unit vs numeric threshold
 *   - field_comparison: field vs field
 *   - aggregate_count: whitelisted collection count vs literal
 *   - compound: children grouped by group id; within a group conditions fold
 *     pairwise left-to-right using each condition's own connective to the
 *     next; group results combine with OR. This two-level scheme decides
 *     which production rules fire; do not replace it with conventional
 *     precedence.
 *   - restricted_expression: grammar-gated attribute-chain comparison
 *
 * Edge cases: an empty compound is a configuration error and fails closed.
 * A rule with no condition tree at all always fires (unconditional rules);
 * that is handled by RuleHolds, not here.
 */

// CountProvider supplies filtered record counts for aggregate conditions.
// Implementations must only serve whitelisted collections.
type CountProvider interface {
	Count(ctx context.Context, collection string, filter map[string]any) (int, error)
}

// Explanation is the structured account of one evaluation, nested for
// compound nodes. Stored verbatim in the execution record's context column.
type Explanation map[string]any

// Evaluator evaluates condition trees. The zero value works for trees
// without aggregate conditions; Now defaults to time.Now.
type Evaluator struct {
	Counts      CountProvider
	Collections map[string]struct{} // aggregate_count whitelist
	Now         func() time.Time
}

// RuleHolds evaluates a rule's condition tree against target.
// A nil tree is "always true": unconditional/default rules fire on every
// pass. An empty compound inside a tree still fails closed.
func (ev *Evaluator) RuleHolds(ctx context.Context, rule *types.Rule, target any) (bool, Explanation) {
	if rule.Condition == nil {
		return true, Explanation{"unconditional": true, "result": true}
	}
	return ev.Evaluate(ctx, rule.Condition, target)
}

// Evaluate evaluates one condition node against target.
// Never returns an error; malformed input yields (false, explanation-with-error).
func (ev *Evaluator) Evaluate(ctx context.Context, cond *types.Condition, target any) (result bool, expl Explanation) {
	defer func() {
		// Reflective traversal of arbitrary caller-supplied objects; a panic
		// here must degrade to a fail-closed result, not kill the tick.
		if r := recover(); r != nil {
			result = false
			expl = Explanation{"error": fmt.Sprintf("evaluation panic: %v", r), "result": false}
		}
	}()
	return ev.evaluate(ctx, cond, target, 0)
}

func (ev *Evaluator) evaluate(ctx context.Context, cond *types.Condition, target any, depth int) (bool, Explanation) {
	if cond == nil {
		return false, Explanation{"error": "nil condition node", "result": false}
	}
	if depth > types.MaxConditionDepth {
		return false, Explanation{"error": types.ErrConditionTooDeep.Error(), "result": false}
	}

	switch cond.Kind {
	case types.CondThreshold:
		return ev.evalThreshold(cond, target)
	case types.CondAge:
		return ev.evalAge(cond, target)
	case types.CondFieldComparison:
		return ev.evalFieldComparison(cond, target)
	case types.CondAggregateCount:
		return ev.evalAggregateCount(ctx, cond)
	case types.CondCompound:
		return ev.evalCompound(ctx, cond, target, depth)
	case types.CondExpression:
		return ev.evalExpression(cond, target)
	default:
		return false, Explanation{"error": fmt.Sprintf("unknown condition kind %q", cond.Kind), "result": false}
	}
}

// evalThreshold compares a resolved field against a literal.
func (ev *Evaluator) evalThreshold(cond *types.Condition, target any) (bool, Explanation) {
	resolved := Resolve(target, cond.Field)
	expl := Explanation{
		"field":         cond.Field,
		"operator":      cond.Operator,
		"current_value": resolved.Value,
		"threshold":     cond.Value,
	}
	if !resolved.Found {
		expl["field_absent"] = true
	}

	matched, err := Compare(cond.Operator, resolved.Value, cond.Value)
	if err != nil {
		expl["error"] = err.Error()
		expl["result"] = false
		return false, expl
	}
	expl["result"] = matched
	return matched, expl
}

// evalAge converts (now - timestamp field) into the declared unit and
// applies the operator to the elapsed amount. A null or missing timestamp
// is false with an explicit note, regardless of operator.
func (ev *Evaluator) evalAge(cond *types.Condition, target any) (bool, Explanation) {
	expl := Explanation{
		"field":     cond.Field,
		"operator":  cond.Operator,
		"threshold": cond.Value,
		"unit":      string(cond.Unit),
	}

	resolved := Resolve(target, cond.Field)
	if !resolved.Found || resolved.Value == nil {
		expl["note"] = "field is null"
		expl["result"] = false
		return false, expl
	}

	ts, ok := asTime(resolved.Value)
	if !ok {
		expl["error"] = fmt.Sprintf("field %q is not a timestamp", cond.Field)
		expl["result"] = false
		return false, expl
	}

	now := time.Now()
	if ev.Now != nil {
		now = ev.Now()
	}

	elapsed := now.Sub(ts).Seconds() / cond.Unit.Duration().Seconds()
	expl["elapsed"] = elapsed

	matched, err := Compare(cond.Operator, elapsed, cond.Value)
	if err != nil {
		expl["error"] = err.Error()
		expl["result"] = false
		return false, expl
	}
	expl["result"] = matched
	return matched, expl
}

// evalFieldComparison compares two resolved fields of the same target.
func (ev *Evaluator) evalFieldComparison(cond *types.Condition, target any) (bool, Explanation) {
	left := Resolve(target, cond.Field)
	right := Resolve(target, cond.OtherField)
	expl := Explanation{
		"field":       cond.Field,
		"other_field": cond.OtherField,
		"operator":    cond.Operator,
		"left_value":  left.Value,
		"right_value": right.Value,
	}

	matched, err := Compare(cond.Operator, left.Value, right.Value)
	if err != nil {
		expl["error"] = err.Error()
		expl["result"] = false
		return false, expl
	}
	expl["result"] = matched
	return matched, expl
}

// evalAggregateCount applies the operator to a filtered record count.
// Unknown collections fail closed; there is no dynamic lookup beyond the
// whitelist, and the filter only reaches the count provider, never SQL text.
func (ev *Evaluator) evalAggregateCount(ctx context.Context, cond *types.Condition) (bool, Explanation) {
	expl := Explanation{
		"collection": cond.Collection,
		"operator":   cond.Operator,
		"threshold":  cond.Value,
	}

	if _, ok := ev.Collections[cond.Collection]; !ok {
		expl["error"] = fmt.Sprintf("%s: %q", types.ErrUnknownCollection.Error(), cond.Collection)
		expl["result"] = false
		return false, expl
	}
	if ev.Counts == nil {
		expl["error"] = "no count provider configured"
		expl["result"] = false
		return false, expl
	}

	count, err := ev.Counts.Count(ctx, cond.Collection, cond.Filter)
	if err != nil {
		expl["error"] = fmt.Sprintf("count failed: %v", err)
		expl["result"] = false
		return false, expl
	}
	expl["count"] = count

	matched, err := Compare(cond.Operator, count, cond.Value)
	if err != nil {
		expl["error"] = err.Error()
		expl["result"] = false
		return false, expl
	}
	expl["result"] = matched
	return matched, expl
}

// evalCompound evaluates all children, folds each group left-to-right using
// each child's connective to the next child, then ORs the group results.
// An empty child list is a configuration error and fails closed.
func (ev *Evaluator) evalCompound(ctx context.Context, cond *types.Condition, target any, depth int) (bool, Explanation) {
	if len(cond.Children) == 0 {
		return false, Explanation{"error": types.ErrEmptyCompound.Error(), "result": false}
	}

	defaultConn := types.ConnectiveAnd
	if types.Connective(cond.Operator) == types.ConnectiveOr {
		defaultConn = types.ConnectiveOr
	}

	type member struct {
		result bool
		conn   types.Connective // connective to the next member of the group
	}

	// Group children by group id, preserving first-appearance order.
	groupOrder := []int{}
	groups := map[int][]member{}
	var childExpls []Explanation

	for i := range cond.Children {
		child := &cond.Children[i]
		res, sub := ev.evaluate(ctx, child, target, depth+1)
		childExpls = append(childExpls, sub)

		conn := child.Connective
		if conn == types.ConnectiveNone {
			conn = defaultConn
		}

		if _, seen := groups[child.Group]; !seen {
			groupOrder = append(groupOrder, child.Group)
		}
		groups[child.Group] = append(groups[child.Group], member{result: res, conn: conn})
	}

	// OR across groups; pairwise left-to-right fold within each group using
	// the connective each condition declares toward its successor.
	overall := false
	groupResults := map[string]bool{}
	for _, gid := range groupOrder {
		members := groups[gid]
		folded := members[0].result
		for i := 1; i < len(members); i++ {
			if members[i-1].conn == types.ConnectiveOr {
				folded = folded || members[i].result
			} else {
				folded = folded && members[i].result
			}
		}
		groupResults[fmt.Sprintf("group_%d", gid)] = folded
		overall = overall || folded
	}

	return overall, Explanation{
		"operator":   cond.Operator,
		"groups":     groupResults,
		"conditions": childExpls,
		"result":     overall,
	}
}

// evalExpression gates the string through the whitelist grammar, then
// evaluates the parsed comparison. Rejection and evaluation failure both
// fail closed.
func (ev *Evaluator) evalExpression(cond *types.Condition, target any) (bool, Explanation) {
	expl := Explanation{"expression": cond.Expression}

	expr, err := ParseExpr(cond.Expression)
	if err != nil {
		expl["error"] = err.Error()
		expl["result"] = false
		return false, expl
	}

	matched, err := expr.Eval(target)
	if err != nil {
		expl["error"] = err.Error()
		expl["result"] = false
		return false, expl
	}
	expl["result"] = matched
	return matched, expl
}

// asTime converts the timestamp shapes business objects carry.
// Accepts time.Time, RFC3339(Nano) strings, date-only strings, and unix
// seconds as integer or float.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	case int64:
		return time.Unix(t, 0), true
	case int:
		return time.Unix(int64(t), 0), true
	case float64:
		return time.Unix(int64(t), 0), true
	default:
		return time.Time{}, false
	}
}
