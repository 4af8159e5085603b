// Package store implements the persistence layer on sqlx: rules,
// executions, alerts and the typed business-object documents the engine
// evaluates against. One SQLStore serves both the orchestrator's Store
// interface and the action handlers' write collaborators.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/floorkeeper/floorkeeper/internal/core/db"
)

// SQLStore persists engine state through named queries. Safe for
// concurrent use; per-rule write atomicity comes from transactions, not
// from in-process locks.
type SQLStore struct {
	q    *db.Queries
	conn *sqlx.DB
}

// New creates a store over an open connection.
func New(conn *sqlx.DB) (*SQLStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("conn cannot be nil")
	}
	queries, err := db.LoadQueries(conn)
	if err != nil {
		return nil, err
	}
	return &SQLStore{q: queries, conn: conn}, nil
}

// Timestamps are persisted as RFC3339 UTC text on both drivers, so
// lexicographic SQL comparisons agree with time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	ts, err := parseTime(*s)
	if err != nil {
		return nil
	}
	return &ts
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(raw), nil
}

func unmarshalJSON(raw string, dest any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}
