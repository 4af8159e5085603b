package types

import "time"

/*
 * Domain types for rule evaluation and dispatch.
 *
 * Provides Rule, Condition, Action and ExecutionRecord used by
 * internal/rules for evaluation and internal/engine for orchestration.
 * These types are wire-format agnostic; JSON (de)serialization happens at
 * the store and API boundaries.
 *
 * Key types:
 *   - Rule: configured condition+action pair with validity and rate limits
 *   - Condition: tagged variant (threshold, age, field comparison,
 *     aggregate count, compound group, restricted expression)
 *   - Action: tagged variant dispatched when a rule fires
 *   - ExecutionRecord: immutable audit entry for one evaluation attempt
 */

// ConditionKind discriminates the Condition variants.
type ConditionKind string

const (
	CondThreshold       ConditionKind = "threshold"
	CondAge             ConditionKind = "age"
	CondFieldComparison ConditionKind = "field_comparison"
	CondAggregateCount  ConditionKind = "aggregate_count"
	CondCompound        ConditionKind = "compound"
	CondExpression      ConditionKind = "restricted_expression"
)

// Connective joins a condition to the next one in its group.
type Connective string

const (
	// ConnectiveNone means the condition carries no explicit connective and
	// inherits the enclosing compound's operator.
	ConnectiveNone Connective = ""
	ConnectiveAnd  Connective = "and"
	ConnectiveOr   Connective = "or"
)

// Condition is one node of a rule's condition tree. The tree is exactly
// that: acyclic, and evaluation never mutates the target object.
//
// Which fields are meaningful depends on Kind:
//
//	threshold:        Field, Operator, Value
//	age:              Field, Operator, Value (numeric threshold), Unit
//	field_comparison: Field, OtherField, Operator
//	aggregate_count:  Collection, Filter, Operator, Value
//	compound:         Operator ("and"/"or" default connective), Children
//	restricted_expression: Expression
type Condition struct {
	Kind       ConditionKind  `json:"kind"`
	Field      string         `json:"field,omitempty"`
	OtherField string         `json:"other_field,omitempty"`
	Operator   string         `json:"operator,omitempty"`
	Value      any            `json:"value,omitempty"`
	Unit       AgeUnit        `json:"unit,omitempty"`
	Collection string         `json:"collection,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`
	Expression string         `json:"expression,omitempty"`

	// Children of a compound node. Each child carries the group it belongs
	// to and the connective joining it to the next child of the same group.
	Children []Condition `json:"children,omitempty"`

	// Group assigns a compound child to an OR'd group. Children sharing a
	// group fold left-to-right using each child's Connective; groups combine
	// with OR.
	Group      int        `json:"group,omitempty"`
	Connective Connective `json:"connective,omitempty"`
}

// ActionType discriminates the Action variants. The set is closed: dispatch
// is a static registry lookup, never dynamic code resolution.
type ActionType string

const (
	ActionLogOnly      ActionType = "log_only"
	ActionCreateAlert  ActionType = "create_alert"
	ActionNotify       ActionType = "notify"
	ActionSetField     ActionType = "set_field"
	ActionCreateRecord ActionType = "create_record"
	ActionRunCommand   ActionType = "run_command"
	ActionCallWebhook  ActionType = "call_webhook"
)

// Action is one side effect dispatched when a rule's condition holds.
// Subject, Body and webhook/record payload values support {field}
// placeholders substituted from the rule and triggering context.
type Action struct {
	Type            ActionType `json:"type"`
	Order           int        `json:"order"`
	StopPropagation bool       `json:"stop_propagation,omitempty"`

	// notify
	Recipients []string `json:"recipients,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body,omitempty"`

	// set_field
	Field      string `json:"field,omitempty"`
	Value      any    `json:"value,omitempty"`
	OnlyIfNull bool   `json:"only_if_null,omitempty"`

	// create_record
	RecordType string         `json:"record_type,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`

	// run_command
	Command string `json:"command,omitempty"`

	// call_webhook
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Rule is the persisted rule definition.
//
// Invariant: a rule with IsActive=false or IsApproved=false is never
// evaluated by the orchestrator. Manual preview is exempt and must not be
// logged as a production execution nor mutate counters.
type Rule struct {
	ID   RuleID `json:"id" db:"rule_id"`
	Code string `json:"code" db:"code"`
	Name string `json:"name" db:"name"`

	// Scope names the business domain the rule applies to. Rules with a
	// Collection fan out over a bounded page of that collection; rules
	// without evaluate once against an empty context.
	Scope      string    `json:"scope" db:"scope"`
	Collection string    `json:"collection,omitempty" db:"collection"`
	TargetRef  ObjectRef `json:"target_ref,omitempty"`

	// Condition is nil for unconditional rules, which always fire. This is
	// intentional (default/unconditional rules) and must be preserved.
	Condition *Condition `json:"condition,omitempty"`
	Actions   []Action   `json:"actions"`

	Severity    Severity    `json:"severity"`
	TriggerMode TriggerMode `json:"trigger_mode"`

	IsActive   bool `json:"is_active" db:"is_active"`
	IsApproved bool `json:"is_approved" db:"is_approved"`

	// ExecutionOrder sorts rules within a tick; ties break by descending
	// severity.
	ExecutionOrder int `json:"execution_order" db:"execution_order"`

	EffectiveFrom  *time.Time `json:"effective_from,omitempty" db:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty" db:"effective_until"`

	MinIntervalSeconds int `json:"min_interval_seconds" db:"min_interval_seconds"`
	MaxTriggersPerDay  int `json:"max_triggers_per_day" db:"max_triggers_per_day"`

	TotalEvaluations int64      `json:"total_evaluations" db:"total_evaluations"`
	TotalTriggers    int64      `json:"total_triggers" db:"total_triggers"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	LastStatus       string     `json:"last_status,omitempty" db:"last_status"`
	LastError        string     `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ActionOutcome records the result of one dispatched action.
type ActionOutcome struct {
	Type   ActionType     `json:"type"`
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ExecutionRecord is the immutable audit entry for one evaluation attempt.
// Created exactly once per orchestrator pass per rule, or per rule and
// target object when a rule fans out over a collection. Never updated after
// the action outcome is attached.
type ExecutionRecord struct {
	ID       ExecutionID    `json:"id" db:"execution_id"`
	RuleID   RuleID         `json:"rule_id" db:"rule_id"`
	RuleCode string         `json:"rule_code" db:"rule_code"`
	At       time.Time      `json:"at" db:"at"`
	Was      bool           `json:"was_triggered" db:"was_triggered"`
	Target   ObjectRef      `json:"target,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	Comment  string         `json:"comment,omitempty" db:"comment"`

	ActionExecuted string          `json:"action_executed,omitempty" db:"action_executed"`
	ActionOutcomes []ActionOutcome `json:"action_outcomes,omitempty"`

	DurationMs int64 `json:"duration_ms" db:"duration_ms"`
}

// Alert is the structured event emitted by the create_alert action. Alerts
// are a sibling stream to execution records; they never mutate target state.
type Alert struct {
	ID        ExecutionID `json:"id" db:"alert_id"`
	RuleID    RuleID      `json:"rule_id" db:"rule_id"`
	RuleCode  string      `json:"rule_code" db:"rule_code"`
	Severity  Severity    `json:"severity"`
	Message   string      `json:"message" db:"message"`
	Target    ObjectRef   `json:"target,omitempty"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}
