package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/floorkeeper/floorkeeper/internal/types"
)

/*
 * Built-in action handlers: create_alert, set_field, create_record and
 * run_command. Each handler validates its own inputs, reports a missing
 * collaborator as an error outcome, and leaves whitelist enforcement inside
 * the handler so the dispatcher stays a pure lookup.
 *
 * Writes: set_field and create_record are the only handlers that mutate
 * business state. The orchestrator serializes them per target object; the
 * handlers themselves stay lock-free.
 */

// alertHandler emits a structured alert event to the alert stream.
// Alerts never mutate target state.
type alertHandler struct {
	sink AlertSink
}

func (h *alertHandler) Execute(ctx context.Context, act *types.Action, inv *Invocation) (map[string]any, error) {
	if h.sink == nil {
		return nil, fmt.Errorf("no alert sink configured")
	}

	message := act.Body
	if message == "" {
		message = "{rule_name} triggered"
	}

	alert := types.Alert{
		ID:        types.NewExecutionID(),
		RuleID:    inv.Rule.ID,
		RuleCode:  inv.Rule.Code,
		Severity:  inv.Rule.Severity,
		Message:   Substitute(message, inv),
		Target:    inv.TargetRef,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.sink.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	return map[string]any{
		"alert_id": string(alert.ID),
		"severity": alert.Severity.String(),
	}, nil
}

// setFieldHandler writes a literal or templated value to one field of the
// target object, honoring the only-if-null write guard. Returns old and new
// values in the result.
type setFieldHandler struct {
	fields FieldWriter
}

func (h *setFieldHandler) Execute(ctx context.Context, act *types.Action, inv *Invocation) (map[string]any, error) {
	if h.fields == nil {
		return nil, fmt.Errorf("no field writer configured")
	}
	if inv.TargetRef.IsZero() {
		return nil, fmt.Errorf("set_field requires a target object")
	}

	value := act.Value
	if s, ok := value.(string); ok {
		value = Substitute(s, inv)
	}

	old, updated, err := h.fields.UpdateField(ctx, inv.TargetRef, act.Field, value, act.OnlyIfNull)
	if err != nil {
		return nil, fmt.Errorf("update field %q: %w", act.Field, err)
	}

	result := map[string]any{
		"field":     act.Field,
		"old_value": old,
		"new_value": value,
		"updated":   updated,
	}
	if !updated {
		result["guard"] = "field not null, write skipped"
	}
	return result, nil
}

// createRecordHandler creates a new record of a whitelisted type from a
// templated payload. Non-whitelisted types are rejected without touching
// the store.
type createRecordHandler struct {
	records   RecordCreator
	whitelist map[string]struct{}
}

func (h *createRecordHandler) Execute(ctx context.Context, act *types.Action, inv *Invocation) (map[string]any, error) {
	if _, ok := h.whitelist[act.RecordType]; !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownRecordType, act.RecordType)
	}
	if h.records == nil {
		return nil, fmt.Errorf("no record creator configured")
	}

	payload, _ := SubstituteValue(act.Payload, inv).(map[string]any)

	id, err := h.records.CreateRecord(ctx, act.RecordType, payload)
	if err != nil {
		return nil, fmt.Errorf("create %s record: %w", act.RecordType, err)
	}

	return map[string]any{
		"record_type": act.RecordType,
		"record_id":   id,
	}, nil
}

// runCommandHandler executes a named command only if it appears in the
// static allow-list. A name outside the list returns an error result and
// the runner is never invoked.
type runCommandHandler struct {
	runner CommandRunner
	allow  map[string]struct{}
}

func (h *runCommandHandler) Execute(ctx context.Context, act *types.Action, inv *Invocation) (map[string]any, error) {
	if _, ok := h.allow[act.Command]; !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrCommandNotAllowed, act.Command)
	}
	if h.runner == nil {
		return nil, fmt.Errorf("no command runner configured")
	}

	output, err := h.runner.Run(ctx, act.Command)
	if err != nil {
		return map[string]any{"command": act.Command}, fmt.Errorf("command %q: %w", act.Command, err)
	}

	return map[string]any{
		"command": act.Command,
		"output":  output,
	}, nil
}
