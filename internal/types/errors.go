package types

import "errors"

// Sentinel errors for Floorkeeper operations.
//
// Configuration and evaluation failures inside the condition evaluator never
// surface as Go errors to the orchestrator; they fail closed and appear only
// in explanation payloads. The sentinels below are for the layers that do
// return errors (stores, validation, dispatch plumbing).
var (
	// ErrRuleNotFound indicates a rule code or ID with no persisted rule.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrUnknownOperator indicates an operator name outside the fixed table.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrUnknownCollection indicates a collection type outside the whitelist.
	ErrUnknownCollection = errors.New("collection not whitelisted")

	// ErrUnknownRecordType indicates a create_record target type outside the
	// whitelist.
	ErrUnknownRecordType = errors.New("record type not whitelisted")

	// ErrCommandNotAllowed indicates a run_command name outside the static
	// allow-list. The command is never invoked.
	ErrCommandNotAllowed = errors.New("command not in allow-list")

	// ErrEmptyCompound indicates a compound condition with no children.
	// Fails closed, not vacuously true.
	ErrEmptyCompound = errors.New("compound condition has no children")

	// ErrConditionTooDeep indicates a condition tree exceeding MaxConditionDepth.
	ErrConditionTooDeep = errors.New("condition tree exceeds maximum depth")

	// ErrExpressionRejected indicates a restricted expression that does not
	// match the whitelist grammar.
	ErrExpressionRejected = errors.New("expression rejected by grammar")

	// ErrPathTooDeep indicates a dotted field path with too many segments.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrGuardBlocked indicates a set_field write skipped by its write guard.
	ErrGuardBlocked = errors.New("write guard blocked field update")

	// ErrObjectNotFound indicates a target object reference that resolves to
	// nothing.
	ErrObjectNotFound = errors.New("object not found")
)
