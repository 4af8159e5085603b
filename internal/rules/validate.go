package rules

import (
	"fmt"

	"github.com/floorkeeper/floorkeeper/internal/types"
)

/*
 * Rule validation.
 *
 * Runs when rules are loaded into the store and from the offline check
 * command, moving error detection to definition time rather than evaluation
 * time.
 * Evaluation itself still fails closed on anything malformed - validation is
 * a convenience for operators, not a precondition for safety.
 *
 * Checks: operator names against the fixed table, aggregate collections and
 * create_record types against their whitelists, run_command names against
 * the static allow-list, restricted expressions against the grammar,
 * compound shape (non-empty, bounded depth) and action completeness.
 */

// ValidationLists carries the whitelists validation checks against.
// All three come from configuration and are static for a process lifetime.
type ValidationLists struct {
	Collections map[string]struct{}
	RecordTypes map[string]struct{}
	Commands    map[string]struct{}
}

// ValidateRule checks a rule definition for configuration errors.
// Returns the first problem found, or nil for a well-formed rule.
func ValidateRule(rule *types.Rule, lists ValidationLists) error {
	if rule.Code == "" {
		return fmt.Errorf("rule code is required")
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("rule %s: at least one action is required", rule.Code)
	}

	if rule.Condition != nil {
		if err := validateCondition(rule.Condition, lists, 0); err != nil {
			return fmt.Errorf("rule %s: %w", rule.Code, err)
		}
	}

	for i := range rule.Actions {
		if err := validateAction(&rule.Actions[i], lists); err != nil {
			return fmt.Errorf("rule %s action %d: %w", rule.Code, i, err)
		}
	}

	return nil
}

func validateCondition(cond *types.Condition, lists ValidationLists, depth int) error {
	if depth > types.MaxConditionDepth {
		return types.ErrConditionTooDeep
	}

	switch cond.Kind {
	case types.CondThreshold:
		if cond.Field == "" {
			return fmt.Errorf("threshold condition requires a field")
		}
		return checkOperator(cond.Operator)

	case types.CondAge:
		if cond.Field == "" {
			return fmt.Errorf("age condition requires a field")
		}
		switch cond.Unit {
		case types.AgeSeconds, types.AgeMinutes, types.AgeHours, types.AgeDays, types.AgeWeeks:
		default:
			return fmt.Errorf("age condition has unknown unit %q", cond.Unit)
		}
		return checkOperator(cond.Operator)

	case types.CondFieldComparison:
		if cond.Field == "" || cond.OtherField == "" {
			return fmt.Errorf("field comparison requires two fields")
		}
		return checkOperator(cond.Operator)

	case types.CondAggregateCount:
		if _, ok := lists.Collections[cond.Collection]; !ok {
			return fmt.Errorf("%w: %q", types.ErrUnknownCollection, cond.Collection)
		}
		return checkOperator(cond.Operator)

	case types.CondCompound:
		if len(cond.Children) == 0 {
			return types.ErrEmptyCompound
		}
		for i := range cond.Children {
			if err := validateCondition(&cond.Children[i], lists, depth+1); err != nil {
				return err
			}
		}
		return nil

	case types.CondExpression:
		_, err := ParseExpr(cond.Expression)
		return err

	default:
		return fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
}

func validateAction(act *types.Action, lists ValidationLists) error {
	switch act.Type {
	case types.ActionLogOnly, types.ActionCreateAlert:
		return nil
	case types.ActionNotify:
		if len(act.Recipients) == 0 {
			return fmt.Errorf("notify action requires recipients")
		}
		return nil
	case types.ActionSetField:
		if act.Field == "" {
			return fmt.Errorf("set_field action requires a field")
		}
		return nil
	case types.ActionCreateRecord:
		if _, ok := lists.RecordTypes[act.RecordType]; !ok {
			return fmt.Errorf("%w: %q", types.ErrUnknownRecordType, act.RecordType)
		}
		return nil
	case types.ActionRunCommand:
		if _, ok := lists.Commands[act.Command]; !ok {
			return fmt.Errorf("%w: %q", types.ErrCommandNotAllowed, act.Command)
		}
		return nil
	case types.ActionCallWebhook:
		if act.URL == "" {
			return fmt.Errorf("call_webhook action requires a URL")
		}
		return nil
	default:
		return fmt.Errorf("unknown action type %q", act.Type)
	}
}

func checkOperator(op string) error {
	if !KnownOperator(op) {
		return fmt.Errorf("%w: %q", types.ErrUnknownOperator, op)
	}
	return nil
}
