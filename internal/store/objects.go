package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/floorkeeper/floorkeeper/internal/engine"
	"github.com/floorkeeper/floorkeeper/internal/rules"
	"github.com/floorkeeper/floorkeeper/internal/types"
)

/*
 * Business-object documents. Each row is one typed JSON document in a
 * named collection; the engine fans out over bounded pages of them and
 * aggregate conditions count them. Write paths (UpdateField, CreateRecord)
 * back the set_field and create_record action handlers.
 */

type objectRow struct {
	Collection string `db:"collection"`
	ObjectID   string `db:"object_id"`
	Doc        string `db:"doc"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

func (r *objectRow) toObject() (engine.Object, error) {
	obj := engine.Object{
		Ref: types.ObjectRef{Collection: r.Collection, ID: r.ObjectID},
		Doc: map[string]any{},
	}
	if err := unmarshalJSON(r.Doc, &obj.Doc); err != nil {
		return engine.Object{}, fmt.Errorf("object %s/%s: doc: %w", r.Collection, r.ObjectID, err)
	}
	return obj, nil
}

// PutObject inserts a document into a collection, generating the ID when
// absent.
func (s *SQLStore) PutObject(ctx context.Context, ref types.ObjectRef, doc map[string]any) (types.ObjectRef, error) {
	if ref.Collection == "" {
		return types.ObjectRef{}, fmt.Errorf("object collection cannot be empty")
	}
	if ref.ID == "" {
		ref.ID = uuid.Must(uuid.NewV7()).String()
	}
	docJSON, err := marshalJSON(doc)
	if err != nil {
		return types.ObjectRef{}, fmt.Errorf("object %s/%s: %w", ref.Collection, ref.ID, err)
	}
	if docJSON == "" {
		docJSON = "{}"
	}
	now := formatTime(time.Now())
	if _, err := s.q.Exec(ctx, "insert-object", ref.Collection, ref.ID, docJSON, now, now); err != nil {
		return types.ObjectRef{}, fmt.Errorf("insert object %s/%s: %w", ref.Collection, ref.ID, err)
	}
	return ref, nil
}

// FetchObjects returns a bounded page of a collection's documents.
func (s *SQLStore) FetchObjects(ctx context.Context, collection string, limit int) ([]engine.Object, error) {
	if limit <= 0 || limit > types.MaxTargetPageSize {
		limit = types.MaxTargetPageSize
	}
	var rows []objectRow
	if err := s.q.Select(ctx, "list-objects", &rows, collection, limit); err != nil {
		return nil, fmt.Errorf("list objects %s: %w", collection, err)
	}
	out := make([]engine.Object, 0, len(rows))
	for i := range rows {
		obj, err := rows[i].toObject()
		if err != nil {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// GetObject loads one document by reference.
func (s *SQLStore) GetObject(ctx context.Context, ref types.ObjectRef) (map[string]any, error) {
	var row objectRow
	if err := s.q.Get(ctx, "get-object", &row, ref.Collection, ref.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object %s/%s: %w", ref.Collection, ref.ID, err)
	}
	obj, err := row.toObject()
	if err != nil {
		return nil, err
	}
	return obj.Doc, nil
}

// Count implements rules.CountProvider: documents in a collection matching
// an equality filter. Filter fields resolve through the field resolver, so
// dotted paths into nested documents work. Counting walks a bounded page;
// collections larger than the page cap count at the cap.
func (s *SQLStore) Count(ctx context.Context, collection string, filter map[string]any) (int, error) {
	if len(filter) == 0 {
		var n int
		if err := s.q.Get(ctx, "count-objects", &n, collection); err != nil {
			return 0, fmt.Errorf("count objects %s: %w", collection, err)
		}
		return n, nil
	}

	objs, err := s.FetchObjects(ctx, collection, types.MaxTargetPageSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, obj := range objs {
		if matchesFilter(obj.Doc, filter) {
			n++
		}
	}
	return n, nil
}

func matchesFilter(doc map[string]any, filter map[string]any) bool {
	for path, want := range filter {
		resolved := rules.Resolve(doc, path)
		if !resolved.Found {
			return false
		}
		eq, err := rules.Compare("eq", resolved.Value, want)
		if err != nil || !eq {
			return false
		}
	}
	return true
}

// UpdateField implements actions.FieldWriter: a guarded single-field write
// inside one transaction. With onlyIfNull the write is vetoed when the
// field already holds a non-nil value; the veto is reported, not an error.
func (s *SQLStore) UpdateField(ctx context.Context, ref types.ObjectRef, field string, value any, onlyIfNull bool) (any, bool, error) {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin field update: %w", err)
	}
	defer tx.Rollback()

	getSQL, err := s.q.Raw("get-object")
	if err != nil {
		return nil, false, err
	}
	var row objectRow
	if err := tx.GetContext(ctx, &row, getSQL, ref.Collection, ref.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, types.ErrObjectNotFound
		}
		return nil, false, fmt.Errorf("field update: read %s/%s: %w", ref.Collection, ref.ID, err)
	}
	obj, err := row.toObject()
	if err != nil {
		return nil, false, err
	}

	old, exists := obj.Doc[field]
	if onlyIfNull && exists && old != nil {
		return old, false, nil
	}

	obj.Doc[field] = value
	docJSON, err := marshalJSON(obj.Doc)
	if err != nil {
		return old, false, fmt.Errorf("field update %s/%s: %w", ref.Collection, ref.ID, err)
	}

	updateSQL, err := s.q.Raw("update-object-doc")
	if err != nil {
		return old, false, err
	}
	if _, err := tx.ExecContext(ctx, updateSQL, docJSON, formatTime(time.Now()), ref.Collection, ref.ID); err != nil {
		return old, false, fmt.Errorf("field update %s/%s: write: %w", ref.Collection, ref.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return old, false, fmt.Errorf("field update %s/%s: commit: %w", ref.Collection, ref.ID, err)
	}
	return old, true, nil
}

// CreateRecord implements actions.RecordCreator. Type whitelisting happens
// in the action handler; the store only persists.
func (s *SQLStore) CreateRecord(ctx context.Context, recordType string, payload map[string]any) (string, error) {
	ref, err := s.PutObject(ctx, types.ObjectRef{Collection: recordType}, payload)
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

type alertRow struct {
	AlertID          string `db:"alert_id"`
	RuleID           string `db:"rule_id"`
	RuleCode         string `db:"rule_code"`
	Severity         string `db:"severity"`
	Message          string `db:"message"`
	TargetCollection string `db:"target_collection"`
	TargetID         string `db:"target_id"`
	CreatedAt        string `db:"created_at"`
}

// ListAlerts returns the most recent alerts, optionally filtered by rule
// code. Limit is clamped to 1000.
func (s *SQLStore) ListAlerts(ctx context.Context, ruleCode string, limit int) ([]types.Alert, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	var rows []alertRow
	var err error
	if ruleCode == "" {
		err = s.q.Select(ctx, "list-alerts", &rows, limit)
	} else {
		err = s.q.Select(ctx, "list-alerts-by-rule", &rows, ruleCode, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	alerts := make([]types.Alert, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		alert := types.Alert{
			ID:       types.ExecutionID(row.AlertID),
			RuleID:   types.RuleID(row.RuleID),
			RuleCode: row.RuleCode,
			Severity: types.ParseSeverity(row.Severity),
			Message:  row.Message,
			Target:   types.ObjectRef{Collection: row.TargetCollection, ID: row.TargetID},
		}
		if ts, err := parseTime(row.CreatedAt); err == nil {
			alert.CreatedAt = ts
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// CreateAlert implements actions.AlertSink.
func (s *SQLStore) CreateAlert(ctx context.Context, alert types.Alert) error {
	_, err := s.q.Exec(ctx, "insert-alert",
		string(alert.ID), string(alert.RuleID), alert.RuleCode,
		alert.Severity.String(), alert.Message,
		alert.Target.Collection, alert.Target.ID,
		formatTime(alert.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert alert for %s: %w", alert.RuleCode, err)
	}
	return nil
}
