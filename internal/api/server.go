// Package api exposes the pipeline's HTTP surface: manual payment triggers,
// job and failed-payment lookups, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/autopay/internal/core/domain"
	"github.com/vietddude/autopay/internal/infra/queue"
	"github.com/vietddude/autopay/internal/infra/storage"
	"github.com/vietddude/autopay/internal/payment/tracker"
)

// Trigger enqueues an immediate payment for a subscription.
type Trigger interface {
	Trigger(ctx context.Context, subscriptionID string) (string, error)
}

// HealthChecker reports whether one dependency is reachable.
type HealthChecker func(ctx context.Context) error

type Server struct {
	trigger Trigger
	q       queue.Queue
	tracker *tracker.Tracker
	checks  map[string]HealthChecker
	server  *http.Server
	log     *slog.Logger
}

func NewServer(port int, trigger Trigger, q queue.Queue, tr *tracker.Tracker, checks map[string]HealthChecker) *Server {
	mux := http.NewServeMux()
	s := &Server{
		trigger: trigger,
		q:       q,
		tracker: tr,
		checks:  checks,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		log: slog.Default().With("component", "api"),
	}

	mux.HandleFunc("POST /subscriptions/{id}/pay", s.handleTrigger)
	mux.HandleFunc("GET /subscriptions/{id}/jobs", s.handleSubscriptionJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleJob)
	mux.HandleFunc("GET /failed-payments/stats", s.handleFailureStats)
	mux.HandleFunc("GET /failed-payments/{subscriptionId}", s.handleFailedPayments)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the route table. Test hook.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.trigger.Trigger(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if errors.Is(err, queue.ErrDuplicateJob) {
		writeError(w, http.StatusConflict, "a payment for this subscription is already queued")
		return
	}
	if err != nil {
		s.log.Error("manual trigger failed", "subscription", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue payment")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.q.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("job lookup failed", "job", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSubscriptionJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.q.ListBySubscription(r.Context(), r.PathValue("id"))
	if err != nil {
		s.log.Error("job list failed", "subscription", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*domain.PaymentJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleFailedPayments(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := s.tracker.FailedPayments(r.Context(), r.PathValue("subscriptionId"), limit)
	if err != nil {
		s.log.Error("failed-payment list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list failed payments")
		return
	}
	if recs == nil {
		recs = []*domain.PaymentRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleFailureStats(w http.ResponseWriter, r *http.Request) {
	var from, to *time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		from = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		to = &t
	}

	stats, err := s.tracker.FailureStats(r.Context(), r.URL.Query().Get("user"), from, to)
	if err != nil {
		s.log.Error("failure stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "unhealthy"
		} else {
			deps[name] = "ok"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "dependencies": deps})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
