package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/floorkeeper/floorkeeper/internal/actions"
	"github.com/floorkeeper/floorkeeper/internal/rules"
	"github.com/floorkeeper/floorkeeper/internal/types"
)

/*
 * Orchestrator: the per-tick state machine.
 *
 *   SELECT_RULES -> for each rule { RATE_CHECK -> RESOLVE_TARGETS ->
 *   EVALUATE -> DISPATCH_ACTIONS -> LOG } -> DONE
 *
 * Rules are selected active+approved, filtered by scope and trigger mode,
 * ordered by execution order with ties broken by descending severity.
 * Evaluation fans out over a bounded page of target objects on a worker
 * pool (pure, no side effects); actions run afterwards, with set_field and
 * create_record serialized per target object.
 *
 * Per-rule error boundary: anything escaping one rule's evaluate+dispatch
 * cycle is recorded as last_status=error and the tick moves on. No single
 * bad rule halts the tick.
 */

// Object is one candidate target: its reference plus the document the
// condition tree is evaluated against.
type Object struct {
	Ref types.ObjectRef
	Doc map[string]any
}

// ExecutionQuery filters the execution audit trail.
type ExecutionQuery struct {
	RuleCode      string
	Since         time.Time
	Until         time.Time
	TriggeredOnly bool
	Limit         int
}

// Store is the persistence surface the orchestrator consumes.
type Store interface {
	// ListRunnableRules returns active+approved rules matching scope (empty
	// matches all) and trigger mode, ordered by execution order then
	// descending severity.
	ListRunnableRules(ctx context.Context, scope string, mode types.TriggerMode) ([]*types.Rule, error)
	GetRuleByCode(ctx context.Context, code string) (*types.Rule, error)

	// ReserveExecution runs the rate-limit check and, when allowed, stamps
	// last_run_at in the same transaction so concurrent ticks cannot
	// double-fire a rate-limited rule. Returns the skip reason otherwise.
	ReserveExecution(ctx context.Context, rule *types.Rule, now time.Time) (allowed bool, reason string, err error)

	// InsertExecution writes one audit record without touching rule
	// counters (skip records).
	InsertExecution(ctx context.Context, rec *types.ExecutionRecord) error

	// CountTriggeredSince counts a rule's triggered executions at or
	// after since, without reserving anything.
	CountTriggeredSince(ctx context.Context, ruleID types.RuleID, since time.Time) (int, error)

	// CompleteExecution persists the rule's updated counters and the
	// pass's execution records in one transaction.
	CompleteExecution(ctx context.Context, rule *types.Rule, recs []*types.ExecutionRecord) error

	QueryExecutions(ctx context.Context, q ExecutionQuery) ([]*types.ExecutionRecord, error)

	// FetchObjects returns a bounded page of candidate targets.
	FetchObjects(ctx context.Context, collection string, limit int) ([]Object, error)
	GetObject(ctx context.Context, ref types.ObjectRef) (map[string]any, error)

	// Count implements rules.CountProvider for aggregate_count conditions.
	Count(ctx context.Context, collection string, filter map[string]any) (int, error)
}

// Options tune the orchestrator. Zero values get sane defaults.
type Options struct {
	// Workers bounds the evaluation fan-out pool. Default 8.
	Workers int
	// PageSize caps candidate objects fetched per rule per tick.
	// Default types.MaxTargetPageSize.
	PageSize int
	// ActionTimeout bounds each dispatched action. Default 30s.
	ActionTimeout time.Duration
	// Now injects the clock, for tests. Default time.Now.
	Now func() time.Time
}

// TickSummary reports what one orchestrator pass did.
type TickSummary struct {
	At             time.Time `json:"at"`
	Scope          string    `json:"scope,omitempty"`
	RulesSelected  int       `json:"rules_selected"`
	RulesSkipped   int       `json:"rules_skipped"`
	RulesTriggered int       `json:"rules_triggered"`
	RulesErrored   int       `json:"rules_errored"`
	DurationMs     int64     `json:"duration_ms"`
}

// PreviewResult is the dry-run output: full evaluation detail, no writes.
type PreviewResult struct {
	RuleCode    string         `json:"rule_code"`
	WouldRun    bool           `json:"would_run"`
	RateReason  string         `json:"rate_reason,omitempty"`
	Triggered   bool           `json:"triggered"`
	Explanation map[string]any `json:"explanation"`
}

// Orchestrator drives rule selection, evaluation and action dispatch.
type Orchestrator struct {
	store      Store
	evaluator  *rules.Evaluator
	dispatcher *actions.Dispatcher
	logger     *zap.Logger

	workers       int
	pageSize      int
	actionTimeout time.Duration
	now           func() time.Time

	// Per-object mutation locks serialize set_field/create_record when two
	// rules target the same object in one tick. The map grows by one entry
	// per distinct mutated object and is never pruned within a process
	// lifetime; mutation targets are bounded by the page cap.
	objectMutexes map[string]*sync.Mutex
	mutexLock     sync.Mutex
}

// New creates an orchestrator instance with dependencies.
func New(store Store, evaluator *rules.Evaluator, dispatcher *actions.Dispatcher, logger *zap.Logger, opts Options) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("evaluator cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.PageSize <= 0 || opts.PageSize > types.MaxTargetPageSize {
		opts.PageSize = types.MaxTargetPageSize
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Orchestrator{
		store:         store,
		evaluator:     evaluator,
		dispatcher:    dispatcher,
		logger:        logger,
		workers:       opts.Workers,
		pageSize:      opts.PageSize,
		actionTimeout: opts.ActionTimeout,
		now:           opts.Now,
		objectMutexes: make(map[string]*sync.Mutex),
	}, nil
}

// Tick runs one scheduled pass over the runnable rules for a scope (empty
// scope means all scopes). Each rule is isolated behind its own error
// boundary; Tick itself only fails when rule selection fails.
func (o *Orchestrator) Tick(ctx context.Context, scope string) (*TickSummary, error) {
	return o.run(ctx, scope, types.TriggerScheduled, nil, "")
}

// OnEvent runs the event-mode rules bound to the referenced object's
// collection. Events are explicit publications; there is no implicit
// signal dispatch.
func (o *Orchestrator) OnEvent(ctx context.Context, eventName string, ref types.ObjectRef) (*TickSummary, error) {
	if eventName == "" {
		return nil, fmt.Errorf("event name cannot be empty")
	}
	if ref.IsZero() {
		return nil, fmt.Errorf("event must reference a target object")
	}
	return o.run(ctx, "", types.TriggerEvent, &ref, eventName)
}

func (o *Orchestrator) run(ctx context.Context, scope string, mode types.TriggerMode, eventRef *types.ObjectRef, eventName string) (*TickSummary, error) {
	start := o.now()
	summary := &TickSummary{At: start, Scope: scope}

	selected, err := o.store.ListRunnableRules(ctx, scope, mode)
	if err != nil {
		return nil, fmt.Errorf("select rules: %w", err)
	}

	// Event dispatch only considers rules bound to the event object's
	// collection.
	if eventRef != nil {
		filtered := selected[:0]
		for _, rule := range selected {
			if rule.Collection == eventRef.Collection {
				filtered = append(filtered, rule)
			}
		}
		selected = filtered
	}
	summary.RulesSelected = len(selected)

	for _, rule := range selected {
		outcome := o.runRule(ctx, rule, eventRef, eventName)
		switch outcome {
		case ruleSkipped:
			summary.RulesSkipped++
		case ruleTriggered:
			summary.RulesTriggered++
		case ruleErrored:
			summary.RulesErrored++
		}
	}

	summary.DurationMs = o.now().Sub(start).Milliseconds()
	o.logger.Info("tick complete",
		zap.String("scope", scope),
		zap.String("mode", mode.String()),
		zap.Int("selected", summary.RulesSelected),
		zap.Int("skipped", summary.RulesSkipped),
		zap.Int("triggered", summary.RulesTriggered),
		zap.Int("errored", summary.RulesErrored),
		zap.Int64("duration_ms", summary.DurationMs))
	return summary, nil
}

type ruleOutcome int

const (
	rulePassed ruleOutcome = iota
	ruleSkipped
	ruleTriggered
	ruleErrored
)

// runRule processes one rule end to end behind a panic boundary.
func (o *Orchestrator) runRule(ctx context.Context, rule *types.Rule, eventRef *types.ObjectRef, eventName string) (outcome ruleOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = ruleErrored
			o.logger.Error("rule panicked",
				zap.String("rule", rule.Code),
				zap.Any("panic", r))
			o.recordRuleError(ctx, rule, fmt.Sprintf("panic: %v", r))
		}
	}()

	now := o.now()

	allowed, reason, err := o.store.ReserveExecution(ctx, rule, now)
	if err != nil {
		o.logger.Error("rate check failed", zap.String("rule", rule.Code), zap.Error(err))
		o.recordRuleError(ctx, rule, fmt.Sprintf("rate check: %v", err))
		return ruleErrored
	}
	if !allowed {
		// Skip records keep the audit trail complete but never bump
		// counters.
		skip := &types.ExecutionRecord{
			ID:       types.NewExecutionID(),
			RuleID:   rule.ID,
			RuleCode: rule.Code,
			At:       now,
			Was:      false,
			Comment:  "skipped: " + reason,
		}
		if err := o.store.InsertExecution(ctx, skip); err != nil {
			o.logger.Error("skip record write failed", zap.String("rule", rule.Code), zap.Error(err))
		}
		return ruleSkipped
	}

	targets, err := o.resolveTargets(ctx, rule, eventRef)
	if err != nil {
		o.recordRuleError(ctx, rule, fmt.Sprintf("resolve targets: %v", err))
		return ruleErrored
	}

	matches := o.evaluateTargets(ctx, rule, targets)

	var recs []*types.ExecutionRecord
	triggered := len(matches) > 0
	// Status defaults to ok; fire downgrades it when an action errors.
	rule.LastStatus = "ok"
	rule.LastError = ""
	if triggered {
		for _, m := range matches {
			recs = append(recs, o.fire(ctx, rule, m, eventName, now))
		}
	} else {
		rec := &types.ExecutionRecord{
			ID:       types.NewExecutionID(),
			RuleID:   rule.ID,
			RuleCode: rule.Code,
			At:       now,
			Was:      false,
			Comment:  "condition not met",
		}
		if len(targets) > 0 {
			rec.Context = targets[0].explanation
		}
		recs = append(recs, rec)
	}

	// Counters bump exactly once per real evaluation pass, atomically with
	// the record writes.
	rule.TotalEvaluations++
	if triggered {
		rule.TotalTriggers++
	}
	if err := o.store.CompleteExecution(ctx, rule, recs); err != nil {
		o.logger.Error("execution write failed", zap.String("rule", rule.Code), zap.Error(err))
		return ruleErrored
	}

	if triggered {
		return ruleTriggered
	}
	return rulePassed
}

// evaluated pairs a target with its evaluation outcome.
type evaluated struct {
	obj         Object
	holds       bool
	explanation rules.Explanation
}

// resolveTargets fetches the candidate objects for a rule. Event dispatch
// evaluates only the referenced object; collection rules fan out over a
// bounded page; global rules evaluate once against an empty context.
func (o *Orchestrator) resolveTargets(ctx context.Context, rule *types.Rule, eventRef *types.ObjectRef) ([]evaluated, error) {
	if eventRef != nil {
		doc, err := o.store.GetObject(ctx, *eventRef)
		if err != nil {
			return nil, err
		}
		return []evaluated{{obj: Object{Ref: *eventRef, Doc: doc}}}, nil
	}

	if rule.Collection == "" {
		return []evaluated{{obj: Object{Doc: map[string]any{}}}}, nil
	}

	page, err := o.store.FetchObjects(ctx, rule.Collection, o.pageSize)
	if err != nil {
		return nil, err
	}
	out := make([]evaluated, len(page))
	for i, obj := range page {
		out[i] = evaluated{obj: obj}
	}
	return out, nil
}

// evaluateTargets runs the pure condition evaluation across targets on a
// bounded worker pool and returns the matches in target order. ANY
// semantics: one match is enough to trigger the rule.
func (o *Orchestrator) evaluateTargets(ctx context.Context, rule *types.Rule, targets []evaluated) []evaluated {
	if len(targets) == 0 {
		return nil
	}

	workers := o.workers
	if workers > len(targets) {
		workers = len(targets)
	}

	indexes := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range indexes {
				holds, explanation := o.evaluator.RuleHolds(ctx, rule, targets[i].obj.Doc)
				targets[i].holds = holds
				targets[i].explanation = explanation
			}
		}()
	}
	for i := range targets {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	var matches []evaluated
	for _, t := range targets {
		if t.holds {
			matches = append(matches, t)
		}
	}
	return matches
}

// fire dispatches a triggered rule's actions against one matching target
// and builds its execution record. Actions run in their configured order;
// a fired action with stop_propagation halts the remaining actions for
// this rule only.
func (o *Orchestrator) fire(ctx context.Context, rule *types.Rule, match evaluated, eventName string, now time.Time) *types.ExecutionRecord {
	rec := &types.ExecutionRecord{
		ID:       types.NewExecutionID(),
		RuleID:   rule.ID,
		RuleCode: rule.Code,
		At:       now,
		Was:      true,
		Target:   match.obj.Ref,
		Context:  match.explanation,
	}
	if eventName != "" {
		rec.Comment = "event: " + eventName
	}

	inv := &actions.Invocation{
		Rule:        rule,
		Target:      match.obj.Doc,
		TargetRef:   match.obj.Ref,
		Explanation: match.explanation,
	}

	ordered := make([]types.Action, len(rule.Actions))
	copy(ordered, rule.Actions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	executed := make([]string, 0, len(ordered))
	for i := range ordered {
		act := &ordered[i]

		outcome := o.dispatch(ctx, act, inv)
		rec.ActionOutcomes = append(rec.ActionOutcomes, outcome)
		executed = append(executed, string(act.Type))

		if outcome.Status == actions.StatusError {
			rule.LastStatus = "action_error"
			rule.LastError = outcome.Error
		}
		if act.StopPropagation {
			break
		}
	}
	rec.ActionExecuted = strings.Join(executed, ",")
	rec.DurationMs = o.now().Sub(now).Milliseconds()
	return rec
}

// dispatch runs one action under the configured timeout, serializing
// mutating actions per target object.
func (o *Orchestrator) dispatch(ctx context.Context, act *types.Action, inv *actions.Invocation) types.ActionOutcome {
	actCtx, cancel := context.WithTimeout(ctx, o.actionTimeout)
	defer cancel()

	if mutatesTarget(act.Type) && !inv.TargetRef.IsZero() {
		mu := o.objectMutex(inv.TargetRef)
		mu.Lock()
		defer mu.Unlock()
	}
	return o.dispatcher.Execute(actCtx, act, inv)
}

func mutatesTarget(t types.ActionType) bool {
	return t == types.ActionSetField || t == types.ActionCreateRecord
}

// objectMutex returns the mutation lock for an object, creating it on
// first use.
func (o *Orchestrator) objectMutex(ref types.ObjectRef) *sync.Mutex {
	key := ref.Collection + "/" + ref.ID
	o.mutexLock.Lock()
	defer o.mutexLock.Unlock()
	if _, ok := o.objectMutexes[key]; !ok {
		o.objectMutexes[key] = &sync.Mutex{}
	}
	return o.objectMutexes[key]
}

// recordRuleError persists the per-rule error boundary outcome: the rule's
// last_status/last_error and an audit record, counters bumped for the
// attempted evaluation.
func (o *Orchestrator) recordRuleError(ctx context.Context, rule *types.Rule, msg string) {
	rule.TotalEvaluations++
	rule.LastStatus = "error"
	rule.LastError = msg
	rec := &types.ExecutionRecord{
		ID:       types.NewExecutionID(),
		RuleID:   rule.ID,
		RuleCode: rule.Code,
		At:       o.now(),
		Was:      false,
		Comment:  "error: " + msg,
	}
	if err := o.store.CompleteExecution(ctx, rule, []*types.ExecutionRecord{rec}); err != nil {
		o.logger.Error("error record write failed", zap.String("rule", rule.Code), zap.Error(err))
	}
}

// Preview evaluates a rule against an explicit context without writing
// execution records or mutating counters. When ctx is nil the rule's
// normal target resolution runs instead.
func (o *Orchestrator) Preview(ctx context.Context, code string, target map[string]any) (*PreviewResult, error) {
	rule, err := o.store.GetRuleByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	now := o.now()
	triggeredToday, err := o.store.CountTriggeredSince(ctx, rule.ID, StartOfDay(now))
	if err != nil {
		return nil, fmt.Errorf("preview %s: count triggers: %w", code, err)
	}

	result := &PreviewResult{RuleCode: rule.Code}
	result.WouldRun, result.RateReason = CanExecuteNow(rule, triggeredToday, now)

	if target != nil {
		holds, explanation := o.evaluator.RuleHolds(ctx, rule, target)
		result.Triggered = holds
		result.Explanation = explanation
		return result, nil
	}

	targets, err := o.resolveTargets(ctx, rule, nil)
	if err != nil {
		return nil, err
	}
	matches := o.evaluateTargets(ctx, rule, targets)
	result.Triggered = len(matches) > 0
	if len(matches) > 0 {
		result.Explanation = matches[0].explanation
	} else if len(targets) > 0 {
		result.Explanation = targets[0].explanation
	}
	return result, nil
}

// Executions exposes the audit trail query for the API surface.
func (o *Orchestrator) Executions(ctx context.Context, q ExecutionQuery) ([]*types.ExecutionRecord, error) {
	return o.store.QueryExecutions(ctx, q)
}
