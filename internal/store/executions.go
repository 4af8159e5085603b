package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/floorkeeper/floorkeeper/internal/engine"
	"github.com/floorkeeper/floorkeeper/internal/types"
)

type executionRow struct {
	ExecutionID      string `db:"execution_id"`
	RuleID           string `db:"rule_id"`
	RuleCode         string `db:"rule_code"`
	At               string `db:"at"`
	WasTriggered     bool   `db:"was_triggered"`
	TargetCollection string `db:"target_collection"`
	TargetID         string `db:"target_id"`
	Context          string `db:"context"`
	Comment          string `db:"comment"`
	ActionExecuted   string `db:"action_executed"`
	ActionOutcomes   string `db:"action_outcomes"`
	DurationMs       int64  `db:"duration_ms"`
}

func (r *executionRow) toRecord() (*types.ExecutionRecord, error) {
	rec := &types.ExecutionRecord{
		ID:             types.ExecutionID(r.ExecutionID),
		RuleID:         types.RuleID(r.RuleID),
		RuleCode:       r.RuleCode,
		Was:            r.WasTriggered,
		Target:         types.ObjectRef{Collection: r.TargetCollection, ID: r.TargetID},
		Comment:        r.Comment,
		ActionExecuted: r.ActionExecuted,
		DurationMs:     r.DurationMs,
	}
	ts, err := parseTime(r.At)
	if err != nil {
		return nil, fmt.Errorf("execution %s: at: %w", r.ExecutionID, err)
	}
	rec.At = ts

	if err := unmarshalJSON(r.Context, &rec.Context); err != nil {
		return nil, fmt.Errorf("execution %s: context: %w", r.ExecutionID, err)
	}
	if err := unmarshalJSON(r.ActionOutcomes, &rec.ActionOutcomes); err != nil {
		return nil, fmt.Errorf("execution %s: outcomes: %w", r.ExecutionID, err)
	}
	return rec, nil
}

func executionArgs(rec *types.ExecutionRecord) ([]any, error) {
	contextJSON, err := marshalJSON(rec.Context)
	if err != nil {
		return nil, fmt.Errorf("execution %s: context: %w", rec.ID, err)
	}
	outcomesJSON, err := marshalJSON(rec.ActionOutcomes)
	if err != nil {
		return nil, fmt.Errorf("execution %s: outcomes: %w", rec.ID, err)
	}
	return []any{
		string(rec.ID), string(rec.RuleID), rec.RuleCode,
		formatTime(rec.At), rec.Was,
		rec.Target.Collection, rec.Target.ID,
		contextJSON, rec.Comment,
		rec.ActionExecuted, outcomesJSON, rec.DurationMs,
	}, nil
}

// InsertExecution writes one audit record outside any counter update
// (skip records).
func (s *SQLStore) InsertExecution(ctx context.Context, rec *types.ExecutionRecord) error {
	args, err := executionArgs(rec)
	if err != nil {
		return err
	}
	if _, err := s.q.Exec(ctx, "insert-execution", args...); err != nil {
		return fmt.Errorf("insert execution for %s: %w", rec.RuleCode, err)
	}
	return nil
}

// QueryExecutions filters the audit trail. The WHERE clause is assembled
// from the populated query fields; results come back newest first.
// CountTriggeredSince counts a rule's triggered executions at or after
// since. Read-only; the transactional variant lives in ReserveExecution.
func (s *SQLStore) CountTriggeredSince(ctx context.Context, ruleID types.RuleID, since time.Time) (int, error) {
	var n int
	if err := s.q.Get(ctx, "count-triggered-since", &n, string(ruleID), true, formatTime(since)); err != nil {
		return 0, fmt.Errorf("count triggered for %s: %w", ruleID, err)
	}
	return n, nil
}

func (s *SQLStore) QueryExecutions(ctx context.Context, q engine.ExecutionQuery) ([]*types.ExecutionRecord, error) {
	var clauses []string
	var args []any

	if q.RuleCode != "" {
		clauses = append(clauses, "rule_code = ?")
		args = append(args, q.RuleCode)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "at >= ?")
		args = append(args, formatTime(q.Since))
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "at <= ?")
		args = append(args, formatTime(q.Until))
	}
	if q.TriggeredOnly {
		clauses = append(clauses, "was_triggered = ?")
		args = append(args, true)
	}

	query := `SELECT execution_id, rule_id, rule_code, at, was_triggered,
	       target_collection, target_id, context, comment,
	       action_executed, action_outcomes, duration_ms
	FROM executions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY at DESC, execution_id DESC"

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var rows []executionRow
	if err := s.conn.SelectContext(ctx, &rows, s.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}

	recs := make([]*types.ExecutionRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
