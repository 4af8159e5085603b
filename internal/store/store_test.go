package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/floorkeeper/floorkeeper/internal/core/db"
	"github.com/floorkeeper/floorkeeper/internal/engine"
	"github.com/floorkeeper/floorkeeper/internal/types"
)

// openTestStore migrates a fresh in-memory sqlite database. A single
// connection keeps :memory: from splitting into separate databases per
// pooled connection.
func openTestStore(t *testing.T) *SQLStore {
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

	s, err := New(conn)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func testRule(code string) *types.Rule {
	return &types.Rule{
		ID:         types.NewRuleID(),
		Code:       code,
		Name:       "low stock",
		Scope:      "inventory",
		Collection: "stock_items",
		Condition: &types.Condition{
			Kind:     types.CondThreshold,
			Field:    "stock_qty",
			Operator: "lt",
			Value:    10,
		},
		Actions: []types.Action{
			{Type: types.ActionLogOnly, Order: 1},
			{Type: types.ActionCreateAlert, Order: 2, Body: "stock low"},
		},
		Severity:    types.SeverityWarning,
		TriggerMode: types.TriggerScheduled,
		IsActive:    true,
		IsApproved:  true,
	}
}

func TestRuleRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rule := testRule("R1")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rule.EffectiveFrom = &from
	rule.MinIntervalSeconds = 60

	if err := s.InsertRule(ctx, rule); err != nil {
		t.Fatalf("InsertRule() error: %v", err)
	}

	got, err := s.GetRuleByCode(ctx, "R1")
	if err != nil {
		t.Fatalf("GetRuleByCode() error: %v", err)
	}
	if got.ID != rule.ID || got.Name != rule.Name || got.Scope != rule.Scope {
		t.Errorf("roundtrip identity mismatch: %+v", got)
	}
	if got.Condition == nil || got.Condition.Kind != types.CondThreshold || got.Condition.Field != "stock_qty" {
		t.Errorf("condition = %+v, want threshold on stock_qty", got.Condition)
	}
	if len(got.Actions) != 2 || got.Actions[1].Type != types.ActionCreateAlert {
		t.Errorf("actions = %+v, want 2 with create_alert second", got.Actions)
	}
	if got.EffectiveFrom == nil || !got.EffectiveFrom.Equal(from) {
		t.Errorf("EffectiveFrom = %v, want %v", got.EffectiveFrom, from)
	}
	if got.MinIntervalSeconds != 60 {
		t.Errorf("MinIntervalSeconds = %d, want 60", got.MinIntervalSeconds)
	}
}

func TestGetRuleByCode_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRuleByCode(context.Background(), "missing"); err != types.ErrRuleNotFound {
		t.Errorf("error = %v, want ErrRuleNotFound", err)
	}
}

func TestListRunnableRules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	active := testRule("ACTIVE")
	inactive := testRule("INACTIVE")
	inactive.IsActive = false
	unapproved := testRule("UNAPPROVED")
	unapproved.IsApproved = false
	otherScope := testRule("QUALITY")
	otherScope.Scope = "quality"
	eventMode := testRule("EVENT")
	eventMode.TriggerMode = types.TriggerEvent

	for _, r := range []*types.Rule{active, inactive, unapproved, otherScope, eventMode} {
		if err := s.InsertRule(ctx, r); err != nil {
			t.Fatalf("InsertRule(%s) error: %v", r.Code, err)
		}
	}

	got, err := s.ListRunnableRules(ctx, "inventory", types.TriggerScheduled)
	if err != nil {
		t.Fatalf("ListRunnableRules() error: %v", err)
	}
	if len(got) != 1 || got[0].Code != "ACTIVE" {
		t.Errorf("runnable = %v, want [ACTIVE]", codes(got))
	}

	all, err := s.ListRunnableRules(ctx, "", types.TriggerScheduled)
	if err != nil {
		t.Fatalf("ListRunnableRules(all) error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("runnable all scopes = %v, want ACTIVE and QUALITY", codes(all))
	}
}

func TestListRunnableRules_Ordering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mk := func(code string, order int, sev types.Severity) *types.Rule {
		r := testRule(code)
		r.ExecutionOrder = order
		r.Severity = sev
		return r
	}
	for _, r := range []*types.Rule{
		mk("C", 2, types.SeverityCritical),
		mk("A", 1, types.SeverityInfo),
		mk("B", 1, types.SeverityCritical),
	} {
		if err := s.InsertRule(ctx, r); err != nil {
			t.Fatalf("InsertRule(%s) error: %v", r.Code, err)
		}
	}

	got, err := s.ListRunnableRules(ctx, "inventory", types.TriggerScheduled)
	if err != nil {
		t.Fatalf("ListRunnableRules() error: %v", err)
	}
	want := []string{"B", "A", "C"}
	for i, code := range want {
		if got[i].Code != code {
			t.Fatalf("order = %v, want %v", codes(got), want)
		}
	}
}

func codes(rules []*types.Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Code
	}
	return out
}

func TestReserveExecution_StampsAndBlocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	rule := testRule("R1")
	rule.MinIntervalSeconds = 60
	if err := s.InsertRule(ctx, rule); err != nil {
		t.Fatalf("InsertRule() error: %v", err)
	}

	ok, reason, err := s.ReserveExecution(ctx, rule, now)
	if err != nil || !ok {
		t.Fatalf("first reserve = %v %q %v, want allowed", ok, reason, err)
	}
	if rule.LastRunAt == nil || !rule.LastRunAt.Equal(now) {
		t.Errorf("LastRunAt = %v, want stamped to %v", rule.LastRunAt, now)
	}

	// The stamp is persisted: a second reserve 10s later reads it back and
	// skips.
	ok, reason, err = s.ReserveExecution(ctx, rule, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("second reserve error: %v", err)
	}
	if ok || !strings.Contains(reason, "interval") {
		t.Errorf("second reserve = %v %q, want interval skip", ok, reason)
	}

	ok, _, err = s.ReserveExecution(ctx, rule, now.Add(61*time.Second))
	if err != nil || !ok {
		t.Errorf("reserve after interval = %v %v, want allowed", ok, err)
	}
}

func TestReserveExecution_DayCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	rule := testRule("R1")
	rule.MaxTriggersPerDay = 1
	if err := s.InsertRule(ctx, rule); err != nil {
		t.Fatalf("InsertRule() error: %v", err)
	}

	// One triggered execution today, one yesterday: only today's counts.
	for _, rec := range []*types.ExecutionRecord{
		{ID: types.NewExecutionID(), RuleID: rule.ID, RuleCode: rule.Code, At: now.Add(-time.Hour), Was: true},
		{ID: types.NewExecutionID(), RuleID: rule.ID, RuleCode: rule.Code, At: now.Add(-26 * time.Hour), Was: true},
	} {
		if err := s.InsertExecution(ctx, rec); err != nil {
			t.Fatalf("InsertExecution() error: %v", err)
		}
	}

	ok, reason, err := s.ReserveExecution(ctx, rule, now)
	if err != nil {
		t.Fatalf("reserve error: %v", err)
	}
	if ok || !strings.Contains(reason, "cap") {
		t.Errorf("reserve = %v %q, want day cap skip", ok, reason)
	}
}

func TestCompleteExecution_CountersAndRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	rule := testRule("R1")
	if err := s.InsertRule(ctx, rule); err != nil {
		t.Fatalf("InsertRule() error: %v", err)
	}

	rule.TotalEvaluations = 1
	rule.TotalTriggers = 1
	rule.LastStatus = "ok"
	rec := &types.ExecutionRecord{
		ID:       types.NewExecutionID(),
		RuleID:   rule.ID,
		RuleCode: rule.Code,
		At:       now,
		Was:      true,
		Target:   types.ObjectRef{Collection: "stock_items", ID: "42"},
		Context:  map[string]any{"result": true},
		ActionOutcomes: []types.ActionOutcome{
			{Type: types.ActionLogOnly, Status: "ok"},
		},
	}
	if err := s.CompleteExecution(ctx, rule, []*types.ExecutionRecord{rec}); err != nil {
		t.Fatalf("CompleteExecution() error: %v", err)
	}

	got, err := s.GetRuleByCode(ctx, "R1")
	if err != nil {
		t.Fatalf("GetRuleByCode() error: %v", err)
	}
	if got.TotalEvaluations != 1 || got.TotalTriggers != 1 || got.LastStatus != "ok" {
		t.Errorf("counters = %d/%d/%q, want 1/1/ok", got.TotalEvaluations, got.TotalTriggers, got.LastStatus)
	}

	recs, err := s.QueryExecutions(ctx, engine.ExecutionQuery{RuleCode: "R1"})
	if err != nil {
		t.Fatalf("QueryExecutions() error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if !recs[0].Was || recs[0].Target.ID != "42" {
		t.Errorf("record = %+v, want triggered on 42", recs[0])
	}
	if len(recs[0].ActionOutcomes) != 1 || recs[0].ActionOutcomes[0].Status != "ok" {
		t.Errorf("outcomes = %+v, want one ok", recs[0].ActionOutcomes)
	}

	n, err := s.CountTriggeredSince(ctx, rule.ID, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountTriggeredSince() error: %v", err)
	}
	if n != 1 {
		t.Errorf("CountTriggeredSince() = %d, want 1", n)
	}
	if n, _ := s.CountTriggeredSince(ctx, rule.ID, now.Add(time.Hour)); n != 0 {
		t.Errorf("CountTriggeredSince(after) = %d, want 0", n)
	}
}

func TestQueryExecutions_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	ruleID := types.NewRuleID()
	for i, rec := range []*types.ExecutionRecord{
		{RuleCode: "R1", At: base, Was: true},
		{RuleCode: "R1", At: base.Add(time.Hour), Was: false},
		{RuleCode: "R2", At: base.Add(2 * time.Hour), Was: true},
	} {
		rec.ID = types.NewExecutionID()
		rec.RuleID = ruleID
		if err := s.InsertExecution(ctx, rec); err != nil {
			t.Fatalf("InsertExecution(%d) error: %v", i, err)
		}
	}

	tests := []struct {
		name  string
		query engine.ExecutionQuery
		want  int
	}{
		{"all", engine.ExecutionQuery{}, 3},
		{"by code", engine.ExecutionQuery{RuleCode: "R1"}, 2},
		{"triggered only", engine.ExecutionQuery{TriggeredOnly: true}, 2},
		{"code and triggered", engine.ExecutionQuery{RuleCode: "R1", TriggeredOnly: true}, 1},
		{"since", engine.ExecutionQuery{Since: base.Add(30 * time.Minute)}, 2},
		{"window", engine.ExecutionQuery{Since: base.Add(30 * time.Minute), Until: base.Add(90 * time.Minute)}, 1},
		{"limit", engine.ExecutionQuery{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.QueryExecutions(ctx, tt.query)
			if err != nil {
				t.Fatalf("QueryExecutions() error: %v", err)
			}
			if len(recs) != tt.want {
				t.Errorf("records = %d, want %d", len(recs), tt.want)
			}
		})
	}
}

func TestObjects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, doc := range []map[string]any{
		{"stock_qty": 5, "status": "open"},
		{"stock_qty": 50, "status": "open"},
		{"stock_qty": 3, "status": "closed"},
	} {
		ref := types.ObjectRef{Collection: "stock_items", ID: string(rune('a' + i))}
		if _, err := s.PutObject(ctx, ref, doc); err != nil {
			t.Fatalf("PutObject(%d) error: %v", i, err)
		}
	}

	objs, err := s.FetchObjects(ctx, "stock_items", 10)
	if err != nil {
		t.Fatalf("FetchObjects() error: %v", err)
	}
	if len(objs) != 3 {
		t.Fatalf("objects = %d, want 3", len(objs))
	}

	page, err := s.FetchObjects(ctx, "stock_items", 2)
	if err != nil {
		t.Fatalf("FetchObjects(limit) error: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("page = %d, want 2", len(page))
	}

	doc, err := s.GetObject(ctx, types.ObjectRef{Collection: "stock_items", ID: "a"})
	if err != nil {
		t.Fatalf("GetObject() error: %v", err)
	}
	// JSON numbers come back as float64.
	if doc["stock_qty"] != float64(5) {
		t.Errorf("doc stock_qty = %v, want 5", doc["stock_qty"])
	}

	if _, err := s.GetObject(ctx, types.ObjectRef{Collection: "stock_items", ID: "zz"}); err != types.ErrObjectNotFound {
		t.Errorf("missing object error = %v, want ErrObjectNotFound", err)
	}
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, doc := range []map[string]any{
		{"status": "open"},
		{"status": "open"},
		{"status": "closed"},
	} {
		ref := types.ObjectRef{Collection: "work_orders", ID: string(rune('a' + i))}
		if _, err := s.PutObject(ctx, ref, doc); err != nil {
			t.Fatalf("PutObject(%d) error: %v", i, err)
		}
	}

	n, err := s.Count(ctx, "work_orders", nil)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if n != 3 {
		t.Errorf("unfiltered count = %d, want 3", n)
	}

	n, err = s.Count(ctx, "work_orders", map[string]any{"status": "open"})
	if err != nil {
		t.Fatalf("Count(filter) error: %v", err)
	}
	if n != 2 {
		t.Errorf("filtered count = %d, want 2", n)
	}

	n, err = s.Count(ctx, "work_orders", map[string]any{"status": "open", "missing": 1})
	if err != nil {
		t.Fatalf("Count(absent field) error: %v", err)
	}
	if n != 0 {
		t.Errorf("count with absent filter field = %d, want 0", n)
	}
}

func TestUpdateField(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ref, err := s.PutObject(ctx, types.ObjectRef{Collection: "stock_items", ID: "x"},
		map[string]any{"status": "open", "owner": nil})
	if err != nil {
		t.Fatalf("PutObject() error: %v", err)
	}

	old, updated, err := s.UpdateField(ctx, ref, "status", "blocked", false)
	if err != nil {
		t.Fatalf("UpdateField() error: %v", err)
	}
	if old != "open" || !updated {
		t.Errorf("update = (%v, %v), want (open, true)", old, updated)
	}

	doc, err := s.GetObject(ctx, ref)
	if err != nil {
		t.Fatalf("GetObject() error: %v", err)
	}
	if doc["status"] != "blocked" {
		t.Errorf("persisted status = %v, want blocked", doc["status"])
	}

	// only-if-null writes a null field but vetoes a set one.
	if _, updated, err = s.UpdateField(ctx, ref, "owner", "auto", true); err != nil || !updated {
		t.Errorf("guarded write to null field = (%v, %v), want allowed", updated, err)
	}
	old, updated, err = s.UpdateField(ctx, ref, "owner", "other", true)
	if err != nil {
		t.Fatalf("guarded rewrite error: %v", err)
	}
	if updated || old != "auto" {
		t.Errorf("guarded rewrite = (%v, %v), want vetoed with old auto", old, updated)
	}

	if _, _, err := s.UpdateField(ctx, types.ObjectRef{Collection: "stock_items", ID: "zz"}, "f", 1, false); err != types.ErrObjectNotFound {
		t.Errorf("missing object error = %v, want ErrObjectNotFound", err)
	}
}

func TestCreateRecordAndAlert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, "maintenance_tasks", map[string]any{"title": "inspect"})
	if err != nil {
		t.Fatalf("CreateRecord() error: %v", err)
	}
	if id == "" {
		t.Fatal("CreateRecord() returned empty id")
	}
	doc, err := s.GetObject(ctx, types.ObjectRef{Collection: "maintenance_tasks", ID: id})
	if err != nil {
		t.Fatalf("GetObject() error: %v", err)
	}
	if doc["title"] != "inspect" {
		t.Errorf("record doc = %v, want payload persisted", doc)
	}

	alert := types.Alert{
		ID:        types.NewExecutionID(),
		RuleID:    types.NewRuleID(),
		RuleCode:  "R1",
		Severity:  types.SeverityCritical,
		Message:   "stock low",
		CreatedAt: time.Now(),
	}
	if err := s.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert() error: %v", err)
	}

	alerts, err := s.ListAlerts(ctx, "R1", 10)
	if err != nil {
		t.Fatalf("ListAlerts() error: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("ListAlerts() returned %d alerts, want 1", len(alerts))
	}
	if alerts[0].Message != "stock low" || alerts[0].Severity != types.SeverityCritical {
		t.Errorf("alert = %+v, want critical %q", alerts[0], "stock low")
	}
	if other, err := s.ListAlerts(ctx, "R2", 10); err != nil || len(other) != 0 {
		t.Errorf("ListAlerts(R2) = %v, %v, want empty", other, err)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	conn, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	defer conn.Close()

	if err := db.MigrateUp(conn); err != nil {
		t.Fatalf("first MigrateUp() error: %v", err)
	}
	if err := db.MigrateUp(conn); err != nil {
		t.Fatalf("second MigrateUp() error: %v", err)
	}

	statuses, err := db.MigrateStatus(conn)
	if err != nil {
		t.Fatalf("MigrateStatus() error: %v", err)
	}
	for _, st := range statuses {
		if !st.Applied {
			t.Errorf("migration %s not applied", st.ID)
		}
	}
}
