// Package server exposes the engine over HTTP: tick and event triggers,
// rule preview, execution queries and a health endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/floorkeeper/floorkeeper/internal/engine"
	"github.com/floorkeeper/floorkeeper/internal/types"
)

// AlertLister reads the persisted alert stream.
type AlertLister interface {
	ListAlerts(ctx context.Context, ruleCode string, limit int) ([]types.Alert, error)
}

// Server wires the orchestrator behind a chi router.
type Server struct {
	orch   *engine.Orchestrator
	conn   *sqlx.DB
	alerts AlertLister
	logger *zap.Logger
	router chi.Router
}

// New creates the HTTP server with routes mounted.
func New(orch *engine.Orchestrator, conn *sqlx.DB, alerts AlertLister, logger *zap.Logger, requestTimeout time.Duration) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	s := &Server{orch: orch, conn: conn, alerts: alerts, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ticks", s.handleTick)
		r.Post("/events", s.handleEvent)
		r.Post("/rules/{code}/preview", s.handlePreview)
		r.Get("/executions", s.handleExecutions)
		r.Get("/alerts", s.handleAlerts)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.PingContext(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleTick runs one scheduled pass. The body is optional; it may carry a
// scope filter.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	summary, err := s.orch.Tick(r.Context(), req.Scope)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "tick failed", err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleEvent publishes one domain event against a target object.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event      string `json:"event"`
		Collection string `json:"collection"`
		ObjectID   string `json:"object_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Event == "" {
		respondError(w, http.StatusBadRequest, "event is required", nil)
		return
	}
	if req.Collection == "" || req.ObjectID == "" {
		respondError(w, http.StatusBadRequest, "collection and object_id are required", nil)
		return
	}

	ref := types.ObjectRef{Collection: req.Collection, ID: req.ObjectID}
	summary, err := s.orch.OnEvent(r.Context(), req.Event, ref)
	if err != nil {
		if errors.Is(err, types.ErrObjectNotFound) {
			respondError(w, http.StatusNotFound, "object not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "event dispatch failed", err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handlePreview evaluates a rule against an explicit context without
// writing anything. With no context the rule's normal target resolution
// runs.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var req struct {
		Context map[string]any `json:"context"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	result, err := s.orch.Preview(r.Context(), code, req.Context)
	if err != nil {
		if errors.Is(err, types.ErrRuleNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "preview failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleExecutions queries the audit trail: ?rule=CODE&since=RFC3339
// &until=RFC3339&triggered=true&limit=N.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	q := engine.ExecutionQuery{
		RuleCode: r.URL.Query().Get("rule"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since timestamp", err)
			return
		}
		q.Since = ts
	}
	if v := r.URL.Query().Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid until timestamp", err)
			return
		}
		q.Until = ts
	}
	if v := r.URL.Query().Get("triggered"); v != "" {
		q.TriggeredOnly = v == "true" || v == "1"
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		q.Limit = n
	}

	recs, err := s.orch.Executions(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"executions": recs,
		"count":      len(recs),
	})
}

// handleAlerts queries the alert stream: ?rule=CODE&limit=N.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	alerts, err := s.alerts.ListAlerts(r.Context(), r.URL.Query().Get("rule"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
