// Package api exposes the orchestrator over REST/JSON: run submission
// and inspection, replay verification, the dead-letter and recovery
// operator surface, health, and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aocs/core/internal/core"
	"github.com/aocs/core/internal/deadletter"
	"github.com/aocs/core/internal/idempotency"
	"github.com/aocs/core/internal/orchestrator"
)

// Server is the HTTP surface.
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *prometheus.Registry
	healthy  func() error
}

func NewServer(orch *orchestrator.Orchestrator, registry *prometheus.Registry, healthy func() error) *Server {
	return &Server{orch: orch, registry: registry, healthy: healthy}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logging)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/api/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/api/runs/{id}", s.handleGetRun).Methods("GET")
	r.HandleFunc("/api/runs/{id}/cancel", s.handleCancel).Methods("POST")
	r.HandleFunc("/api/runs/{id}/replay", s.handleReplay).Methods("POST")

	r.HandleFunc("/api/deadletters", s.handleDeadLetters).Methods("GET")
	r.HandleFunc("/api/deadletters/{id}/propose", s.handlePropose).Methods("POST")

	r.HandleFunc("/api/candidates", s.handleCandidates).Methods("GET")
	r.HandleFunc("/api/candidates/{id}/approve", s.handleApprove).Methods("POST")
	r.HandleFunc("/api/candidates/{id}/reject", s.handleReject).Methods("POST")

	r.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	return r
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.healthy(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("X-Idempotency-Key")
	}
	id, err := s.orch.SubmitRun(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.CancelRun(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": "cancelling"})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	report, err := s.orch.Replay(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := deadletter.ListFilter{
		TenantID:    q.Get("tenant_id"),
		FailureKind: q.Get("kind"),
		Unmatched:   q.Get("unmatched") == "true",
		Limit:       intParam(q.Get("limit"), 100),
	}
	if v := q.Get("replayable"); v != "" {
		b := v == "true"
		f.Replayable = &b
	}
	items, err := s.orch.ListDeadLetters(r.Context(), f)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": items})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	cands, err := s.orch.ProposeRecovery(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": cands})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cands, err := s.orch.ListCandidates(r.Context(), q.Get("status"), intParam(q.Get("limit"), 100))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": cands})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.ApproveCandidate(r.Context(), id, approver(r)); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"candidate_id": id, "status": "approved"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.RejectCandidate(r.Context(), id, approver(r)); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"candidate_id": id, "status": "rejected"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.Stats(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func approver(r *http.Request) string {
	if a := r.Header.Get("X-Approver"); a != "" {
		return a
	}
	return "api"
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrBackpressure):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrRunTerminal):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrParamMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
