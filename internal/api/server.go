package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"governance-reconciler/internal/config"
	"governance-reconciler/internal/engine"
	"governance-reconciler/internal/models"
	"governance-reconciler/internal/ratelimit"
	"governance-reconciler/internal/telemetry"
)

// Automation is the engine surface the HTTP layer consumes.
type Automation interface {
	Run(ctx context.Context, tenantID, trigger string) (models.AutomationRun, error)
	Status(ctx context.Context, tenantID string) (models.EngineStatus, error)
}

// Server wires HTTP handlers for the automation surface.
type Server struct {
	cfg     config.Config
	engine  Automation
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, eng Automation, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		engine:  eng,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/automation/run", s.handleRun)
	r.Get("/automation/status", s.handleStatus)
	return r
}

type runRequest struct {
	Trigger string `json:"trigger"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.Trigger == "" {
		req.Trigger = models.TriggerManual
	}
	if req.Trigger != models.TriggerManual && req.Trigger != models.TriggerScheduled {
		http.Error(w, "trigger must be manual or scheduled", http.StatusBadRequest)
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		limKey := fmt.Sprintf("automation:rl:%s", tenant)
		allowed, _, err := s.limiter.Allow(r.Context(), limKey)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	run, err := s.engine.Run(r.Context(), tenant, req.Trigger)
	if errors.Is(err, engine.ErrRunInProgress) {
		http.Error(w, "run already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context(), tenantFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
