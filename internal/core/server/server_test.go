package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/floorkeeper/floorkeeper/internal/actions"
	"github.com/floorkeeper/floorkeeper/internal/core/db"
	"github.com/floorkeeper/floorkeeper/internal/engine"
	"github.com/floorkeeper/floorkeeper/internal/rules"
	"github.com/floorkeeper/floorkeeper/internal/store"
	"github.com/floorkeeper/floorkeeper/internal/types"
)

func setupServer(t *testing.T) (*Server, *store.SQLStore) {
	t.Helper()

	conn, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	if err := db.MigrateUp(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.New(conn)
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}

	evaluator := &rules.Evaluator{
		Counts:      st,
		Collections: map[string]struct{}{"stock_items": {}},
	}
	dispatcher := actions.NewDispatcher(actions.Deps{Alerts: st, Fields: st, Records: st})
	orch, err := engine.New(st, evaluator, dispatcher, zap.NewNop(), engine.Options{})
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}

	return New(orch, conn, st, zap.NewNop(), 10*time.Second), st
}

func seedLowStockRule(t *testing.T, st *store.SQLStore) *types.Rule {
	t.Helper()
	rule := &types.Rule{
		ID:         types.NewRuleID(),
		Code:       "LOW-STOCK",
		Name:       "low stock",
		Scope:      "inventory",
		Collection: "stock_items",
		Condition: &types.Condition{
			Kind:     types.CondThreshold,
			Field:    "stock_qty",
			Operator: "lt",
			Value:    10,
		},
		Actions:     []types.Action{{Type: types.ActionLogOnly}},
		Severity:    types.SeverityWarning,
		TriggerMode: types.TriggerScheduled,
		IsActive:    true,
		IsApproved:  true,
	}
	if err := st.InsertRule(context.Background(), rule); err != nil {
		t.Fatalf("InsertRule() error: %v", err)
	}
	return rule
}

func seedStock(t *testing.T, st *store.SQLStore, qtys ...int) {
	t.Helper()
	for i, q := range qtys {
		ref := types.ObjectRef{Collection: "stock_items", ID: string(rune('a' + i))}
		if _, err := st.PutObject(context.Background(), ref, map[string]any{"stock_qty": q}); err != nil {
			t.Fatalf("PutObject(%d) error: %v", i, err)
		}
	}
}

func TestHealth(t *testing.T) {
	srv, _ := setupServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestTickEndpoint(t *testing.T) {
	srv, st := setupServer(t)
	seedLowStockRule(t, st)
	seedStock(t, st, 50, 5)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ticks", strings.NewReader(`{"scope":"inventory"}`))
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var summary engine.TickSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.RulesSelected != 1 || summary.RulesTriggered != 1 {
		t.Errorf("summary = %+v, want 1 selected 1 triggered", summary)
	}
}

func TestTickEndpoint_EmptyBody(t *testing.T) {
	srv, _ := setupServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ticks", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for bodyless tick", rec.Code)
	}
}

func TestEventEndpoint(t *testing.T) {
	srv, st := setupServer(t)
	rule := seedLowStockRule(t, st)
	rule.TriggerMode = types.TriggerEvent
	// Re-seed as event-mode rule under a different code.
	rule.ID = types.NewRuleID()
	rule.Code = "LOW-STOCK-EV"
	if err := st.InsertRule(context.Background(), rule); err != nil {
		t.Fatalf("InsertRule() error: %v", err)
	}
	seedStock(t, st, 5)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events",
		strings.NewReader(`{"event":"stock_changed","collection":"stock_items","object_id":"a"}`))
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var summary engine.TickSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.RulesTriggered != 1 {
		t.Errorf("summary = %+v, want 1 triggered", summary)
	}
}

func TestEventEndpoint_Validation(t *testing.T) {
	srv, _ := setupServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing event", `{"collection":"stock_items","object_id":"a"}`},
		{"missing ref", `{"event":"stock_changed"}`},
		{"bad json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestPreviewEndpoint(t *testing.T) {
	srv, st := setupServer(t)
	rule := seedLowStockRule(t, st)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules/LOW-STOCK/preview",
		strings.NewReader(`{"context":{"stock_qty":5}}`))
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result engine.PreviewResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Triggered || !result.WouldRun {
		t.Errorf("result = %+v, want triggered and runnable", result)
	}

	// Preview must leave the audit trail and counters untouched.
	recs, err := st.QueryExecutions(context.Background(), engine.ExecutionQuery{})
	if err != nil {
		t.Fatalf("QueryExecutions() error: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("executions = %d, want 0 after preview", len(recs))
	}
	stored, err := st.GetRuleByCode(context.Background(), rule.Code)
	if err != nil {
		t.Fatalf("GetRuleByCode() error: %v", err)
	}
	if stored.TotalEvaluations != 0 {
		t.Errorf("TotalEvaluations = %d, want 0 after preview", stored.TotalEvaluations)
	}
}

func TestPreviewEndpoint_UnknownRule(t *testing.T) {
	srv, _ := setupServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rules/NOPE/preview", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestExecutionsEndpoint(t *testing.T) {
	srv, st := setupServer(t)
	seedLowStockRule(t, st)
	seedStock(t, st, 5)

	// Produce one triggered execution, then query it back.
	tick := httptest.NewRecorder()
	srv.ServeHTTP(tick, httptest.NewRequest(http.MethodPost, "/api/v1/ticks", nil))
	if tick.Code != http.StatusOK {
		t.Fatalf("tick status = %d", tick.Code)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/executions?rule=LOW-STOCK&triggered=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Executions []types.ExecutionRecord `json:"executions"`
		Count      int                     `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Executions) != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
	if !body.Executions[0].Was || body.Executions[0].RuleCode != "LOW-STOCK" {
		t.Errorf("record = %+v, want triggered LOW-STOCK", body.Executions[0])
	}

	bad := httptest.NewRecorder()
	srv.ServeHTTP(bad, httptest.NewRequest(http.MethodGet, "/api/v1/executions?since=not-a-time", nil))
	if bad.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", bad.Code)
	}
}

func TestAlertsEndpoint(t *testing.T) {
	srv, st := setupServer(t)
	rule := seedLowStockRule(t, st)
	rule.Actions = []types.Action{{Type: types.ActionCreateAlert, Body: "stock low on {item}"}}
	rule.Code = "LOW-STOCK-ALERT"
	rule.ID = types.NewRuleID()
	if err := st.InsertRule(context.Background(), rule); err != nil {
		t.Fatalf("InsertRule() error: %v", err)
	}
	seedStock(t, st, 5)

	tick := httptest.NewRecorder()
	srv.ServeHTTP(tick, httptest.NewRequest(http.MethodPost, "/api/v1/ticks", nil))
	if tick.Code != http.StatusOK {
		t.Fatalf("tick status = %d", tick.Code)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts?rule=LOW-STOCK-ALERT", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Alerts []types.Alert `json:"alerts"`
		Count  int           `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Alerts) != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
	if body.Alerts[0].RuleCode != "LOW-STOCK-ALERT" || body.Alerts[0].Severity != types.SeverityWarning {
		t.Errorf("alert = %+v, want warning LOW-STOCK-ALERT", body.Alerts[0])
	}

	bad := httptest.NewRecorder()
	srv.ServeHTTP(bad, httptest.NewRequest(http.MethodGet, "/api/v1/alerts?limit=zero", nil))
	if bad.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", bad.Code)
	}
}
