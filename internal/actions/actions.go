// Package actions implements the closed action registry dispatched when a
// rule's condition holds. Dispatch is a static lookup keyed by action type;
// there is no dynamic handler resolution. Every handler converts its own
// failure into an error outcome so that a broken action can never crash the
// orchestrator or leave an execution record unwritten.
package actions

import (
	"context"
	"fmt"

	"github.com/floorkeeper/floorkeeper/internal/types"
	"go.uber.org/zap"
)

// Statuses recorded in action outcomes.
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusSkipped     = "skipped"
	StatusUnknownType = "unknown_action_type"
)

// Invocation is the context an action executes against: the rule that
// fired, the triggering target and the evaluation explanation. Handlers
// read from it; only set_field and create_record produce writes, and those
// go through their collaborators, never through the invocation itself.
type Invocation struct {
	Rule        *types.Rule
	Target      any
	TargetRef   types.ObjectRef
	Explanation map[string]any
}

// Handler executes one action type. Implementations return a result payload
// or an error; the dispatcher folds either into a types.ActionOutcome.
type Handler interface {
	Execute(ctx context.Context, act *types.Action, inv *Invocation) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, act *types.Action, inv *Invocation) (map[string]any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, act *types.Action, inv *Invocation) (map[string]any, error) {
	return f(ctx, act, inv)
}

// AlertSink receives structured alert events (the create_alert action).
type AlertSink interface {
	CreateAlert(ctx context.Context, alert types.Alert) error
}

// FieldWriter persists a guarded single-field mutation on a target object.
// Returns the previous value and whether the write happened (a write guard
// such as only-if-null may veto it).
type FieldWriter interface {
	UpdateField(ctx context.Context, ref types.ObjectRef, field string, value any, onlyIfNull bool) (old any, updated bool, err error)
}

// RecordCreator creates a new record of a whitelisted type.
type RecordCreator interface {
	CreateRecord(ctx context.Context, recordType string, payload map[string]any) (id string, err error)
}

// CommandRunner executes a named maintenance command. Implementations only
// ever receive names that passed the static allow-list.
type CommandRunner interface {
	Run(ctx context.Context, name string) (output string, err error)
}

// Deps carries the collaborators the built-in handlers need. Nil fields are
// legal; a handler whose collaborator is missing reports an error outcome
// instead of executing.
type Deps struct {
	Alerts   AlertSink
	Fields   FieldWriter
	Records  RecordCreator
	Commands CommandRunner
	Senders  map[string]Sender // notify channels by name

	RecordTypes  map[string]struct{} // create_record whitelist
	CommandAllow map[string]struct{} // run_command static allow-list

	Webhook WebhookConfig
	Logger  *zap.Logger
}

// Dispatcher routes actions to the closed handler registry.
type Dispatcher struct {
	handlers map[types.ActionType]Handler
	logger   *zap.Logger
}

// NewDispatcher builds the registry with the seven built-in handlers.
func NewDispatcher(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		handlers: make(map[types.ActionType]Handler),
		logger:   logger,
	}

	d.handlers[types.ActionLogOnly] = HandlerFunc(d.logOnly)
	d.handlers[types.ActionCreateAlert] = &alertHandler{sink: deps.Alerts}
	d.handlers[types.ActionNotify] = &notifyHandler{senders: deps.Senders, logger: logger}
	d.handlers[types.ActionSetField] = &setFieldHandler{fields: deps.Fields}
	d.handlers[types.ActionCreateRecord] = &createRecordHandler{records: deps.Records, whitelist: deps.RecordTypes}
	d.handlers[types.ActionRunCommand] = &runCommandHandler{runner: deps.Commands, allow: deps.CommandAllow}
	d.handlers[types.ActionCallWebhook] = newWebhookHandler(deps.Webhook)

	return d
}

// Execute dispatches one action and folds any failure into the outcome.
// Unknown action types return an unknown_action_type outcome rather than
// erroring the whole rule; handler panics degrade to error outcomes.
func (d *Dispatcher) Execute(ctx context.Context, act *types.Action, inv *Invocation) (outcome types.ActionOutcome) {
	outcome = types.ActionOutcome{Type: act.Type}

	handler, ok := d.handlers[act.Type]
	if !ok {
		outcome.Status = StatusUnknownType
		d.logger.Warn("unknown action type",
			zap.String("rule", inv.Rule.Code),
			zap.String("action_type", string(act.Type)))
		return outcome
	}

	defer func() {
		if r := recover(); r != nil {
			outcome.Status = StatusError
			outcome.Error = fmt.Sprintf("action panic: %v", r)
			d.logger.Error("action handler panicked",
				zap.String("rule", inv.Rule.Code),
				zap.String("action_type", string(act.Type)),
				zap.Any("panic", r))
		}
	}()

	result, err := handler.Execute(ctx, act, inv)
	if err != nil {
		outcome.Status = StatusError
		outcome.Error = err.Error()
		outcome.Result = result
		d.logger.Warn("action failed",
			zap.String("rule", inv.Rule.Code),
			zap.String("action_type", string(act.Type)),
			zap.Error(err))
		return outcome
	}

	outcome.Status = StatusOK
	outcome.Result = result
	return outcome
}

// logOnly records the trigger in the structured log. No other side effect.
func (d *Dispatcher) logOnly(ctx context.Context, act *types.Action, inv *Invocation) (map[string]any, error) {
	d.logger.Info("rule triggered",
		zap.String("rule", inv.Rule.Code),
		zap.String("rule_name", inv.Rule.Name),
		zap.String("severity", inv.Rule.Severity.String()),
		zap.String("target_collection", inv.TargetRef.Collection),
		zap.String("target_id", inv.TargetRef.ID))
	return map[string]any{"logged": true}, nil
}
