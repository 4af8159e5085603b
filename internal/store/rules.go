package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/floorkeeper/floorkeeper/internal/engine"
	"github.com/floorkeeper/floorkeeper/internal/types"
)

// ruleRow is the flat database shape of a rule. Condition and actions are
// JSON columns; timestamps are RFC3339 text.
type ruleRow struct {
	RuleID           string  `db:"rule_id"`
	Code             string  `db:"code"`
	Name             string  `db:"name"`
	Scope            string  `db:"scope"`
	Collection       string  `db:"collection"`
	TargetCollection string  `db:"target_collection"`
	TargetID         string  `db:"target_id"`
	Condition        string  `db:"condition"`
	Actions          string  `db:"actions"`
	Severity         string  `db:"severity"`
	TriggerMode      string  `db:"trigger_mode"`
	IsActive         bool    `db:"is_active"`
	IsApproved       bool    `db:"is_approved"`
	ExecutionOrder   int     `db:"execution_order"`
	EffectiveFrom    *string `db:"effective_from"`
	EffectiveUntil   *string `db:"effective_until"`
	MinIntervalSecs  int     `db:"min_interval_seconds"`
	MaxTriggersDay   int     `db:"max_triggers_per_day"`
	TotalEvaluations int64   `db:"total_evaluations"`
	TotalTriggers    int64   `db:"total_triggers"`
	LastRunAt        *string `db:"last_run_at"`
	LastStatus       string  `db:"last_status"`
	LastError        string  `db:"last_error"`
	CreatedAt        string  `db:"created_at"`
	UpdatedAt        string  `db:"updated_at"`
}

func (r *ruleRow) toRule() (*types.Rule, error) {
	rule := &types.Rule{
		ID:                 types.RuleID(r.RuleID),
		Code:               r.Code,
		Name:               r.Name,
		Scope:              r.Scope,
		Collection:         r.Collection,
		TargetRef:          types.ObjectRef{Collection: r.TargetCollection, ID: r.TargetID},
		Severity:           types.ParseSeverity(r.Severity),
		TriggerMode:        types.ParseTriggerMode(r.TriggerMode),
		IsActive:           r.IsActive,
		IsApproved:         r.IsApproved,
		ExecutionOrder:     r.ExecutionOrder,
		EffectiveFrom:      parseTimePtr(r.EffectiveFrom),
		EffectiveUntil:     parseTimePtr(r.EffectiveUntil),
		MinIntervalSeconds: r.MinIntervalSecs,
		MaxTriggersPerDay:  r.MaxTriggersDay,
		TotalEvaluations:   r.TotalEvaluations,
		TotalTriggers:      r.TotalTriggers,
		LastRunAt:          parseTimePtr(r.LastRunAt),
		LastStatus:         r.LastStatus,
		LastError:          r.LastError,
	}

	if r.Condition != "" {
		var cond types.Condition
		if err := unmarshalJSON(r.Condition, &cond); err != nil {
			return nil, fmt.Errorf("rule %s: condition: %w", r.Code, err)
		}
		rule.Condition = &cond
	}
	if err := unmarshalJSON(r.Actions, &rule.Actions); err != nil {
		return nil, fmt.Errorf("rule %s: actions: %w", r.Code, err)
	}

	if ts, err := parseTime(r.CreatedAt); err == nil {
		rule.CreatedAt = ts
	}
	if ts, err := parseTime(r.UpdatedAt); err == nil {
		rule.UpdatedAt = ts
	}
	return rule, nil
}

// InsertRule persists a new rule definition.
func (s *SQLStore) InsertRule(ctx context.Context, rule *types.Rule) error {
	condJSON := ""
	if rule.Condition != nil {
		raw, err := marshalJSON(rule.Condition)
		if err != nil {
			return fmt.Errorf("rule %s: condition: %w", rule.Code, err)
		}
		condJSON = raw
	}
	actionsJSON, err := marshalJSON(rule.Actions)
	if err != nil {
		return fmt.Errorf("rule %s: actions: %w", rule.Code, err)
	}
	if actionsJSON == "" {
		actionsJSON = "[]"
	}

	now := formatTime(time.Now())
	created := now
	if !rule.CreatedAt.IsZero() {
		created = formatTime(rule.CreatedAt)
	}

	_, err = s.q.Exec(ctx, "insert-rule",
		string(rule.ID), rule.Code, rule.Name, rule.Scope, rule.Collection,
		rule.TargetRef.Collection, rule.TargetRef.ID,
		condJSON, actionsJSON,
		rule.Severity.String(), rule.TriggerMode.String(),
		rule.IsActive, rule.IsApproved, rule.ExecutionOrder,
		formatTimePtr(rule.EffectiveFrom), formatTimePtr(rule.EffectiveUntil),
		rule.MinIntervalSeconds, rule.MaxTriggersPerDay,
		rule.TotalEvaluations, rule.TotalTriggers,
		formatTimePtr(rule.LastRunAt), rule.LastStatus, rule.LastError,
		created, now,
	)
	if err != nil {
		return fmt.Errorf("insert rule %s: %w", rule.Code, err)
	}
	return nil
}

// ListRunnableRules returns active+approved rules for a scope and trigger
// mode, ordered by execution order then descending severity. A malformed
// stored rule is skipped rather than failing the whole selection.
func (s *SQLStore) ListRunnableRules(ctx context.Context, scope string, mode types.TriggerMode) ([]*types.Rule, error) {
	var rows []ruleRow
	var err error
	if scope == "" {
		err = s.q.Select(ctx, "list-runnable-rules", &rows, true, true, mode.String())
	} else {
		err = s.q.Select(ctx, "list-runnable-rules-by-scope", &rows, true, true, mode.String(), scope)
	}
	if err != nil {
		return nil, fmt.Errorf("list runnable rules: %w", err)
	}

	rules := make([]*types.Rule, 0, len(rows))
	for i := range rows {
		rule, err := rows[i].toRule()
		if err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ListRules returns every stored rule regardless of state, ordered by
// code. Used for offline validation of the full rule set.
func (s *SQLStore) ListRules(ctx context.Context) ([]*types.Rule, error) {
	var rows []ruleRow
	if err := s.q.Select(ctx, "list-rules", &rows); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	rules := make([]*types.Rule, 0, len(rows))
	for i := range rows {
		rule, err := rows[i].toRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// GetRuleByCode loads one rule by its unique code.
func (s *SQLStore) GetRuleByCode(ctx context.Context, code string) (*types.Rule, error) {
	var row ruleRow
	if err := s.q.Get(ctx, "get-rule-by-code", &row, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrRuleNotFound
		}
		return nil, fmt.Errorf("get rule %s: %w", code, err)
	}
	return row.toRule()
}

// ReserveExecution runs the rate-limit check and stamps last_run_at in one
// transaction. The rule is re-read inside the transaction so two
// concurrent ticks serialize on the commit: the loser sees the winner's
// stamp and skips.
func (s *SQLStore) ReserveExecution(ctx context.Context, rule *types.Rule, now time.Time) (bool, string, error) {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	getSQL, err := s.q.Raw("get-rule-for-update")
	if err != nil {
		return false, "", err
	}
	var row ruleRow
	if err := tx.GetContext(ctx, &row, getSQL, string(rule.ID)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", types.ErrRuleNotFound
		}
		return false, "", fmt.Errorf("reserve: read rule: %w", err)
	}
	current, err := row.toRule()
	if err != nil {
		return false, "", err
	}

	countSQL, err := s.q.Raw("count-triggered-since")
	if err != nil {
		return false, "", err
	}
	var triggeredToday int
	midnight := engine.StartOfDay(now)
	if err := tx.GetContext(ctx, &triggeredToday, countSQL, string(rule.ID), true, formatTime(midnight)); err != nil {
		return false, "", fmt.Errorf("reserve: count triggers: %w", err)
	}

	allowed, reason := engine.CanExecuteNow(current, triggeredToday, now)
	if !allowed {
		return false, reason, nil
	}

	stampSQL, err := s.q.Raw("stamp-last-run")
	if err != nil {
		return false, "", err
	}
	stamp := formatTime(now)
	if _, err := tx.ExecContext(ctx, stampSQL, stamp, stamp, string(rule.ID)); err != nil {
		return false, "", fmt.Errorf("reserve: stamp last run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("reserve: commit: %w", err)
	}

	ts := now
	rule.LastRunAt = &ts
	return true, "", nil
}

// CompleteExecution persists the rule's counters and the pass's execution
// records in one transaction.
func (s *SQLStore) CompleteExecution(ctx context.Context, rule *types.Rule, recs []*types.ExecutionRecord) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback()

	countersSQL, err := s.q.Raw("update-rule-counters")
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, countersSQL,
		rule.TotalEvaluations, rule.TotalTriggers,
		rule.LastStatus, rule.LastError,
		formatTime(time.Now()), string(rule.ID),
	); err != nil {
		return fmt.Errorf("update counters for %s: %w", rule.Code, err)
	}

	insertSQL, err := s.q.Raw("insert-execution")
	if err != nil {
		return err
	}
	for _, rec := range recs {
		args, err := executionArgs(rec)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertSQL, args...); err != nil {
			return fmt.Errorf("insert execution for %s: %w", rec.RuleCode, err)
		}
	}

	return tx.Commit()
}
