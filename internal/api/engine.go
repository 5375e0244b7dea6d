package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ashureev/itinera/internal/generation"
	"github.com/go-chi/chi/v5"
)

// Engine is the generation engine's operational surface.
type Engine interface {
	HealthCheck(ctx context.Context) generation.HealthStatus
	Metrics() generation.MetricsSnapshot
	ResetMetrics()
}

// Resetter clears a store.
type Resetter interface {
	Reset(ctx context.Context) error
}

// UsageResetter clears the credit ledger.
type UsageResetter interface {
	ResetUsage(ctx context.Context) (int64, error)
}

// EngineHandler serves engine health, metrics and the admin resets.
type EngineHandler struct {
	engine     Engine
	sessions   Resetter
	usage      UsageResetter
	adminToken string
}

// NewEngineHandler creates an engine handler. usage may be nil.
func NewEngineHandler(engine Engine, sessions Resetter, usage UsageResetter, adminToken string) *EngineHandler {
	return &EngineHandler{engine: engine, sessions: sessions, usage: usage, adminToken: adminToken}
}

// RegisterRoutes registers engine and admin routes.
func (h *EngineHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/engine/health", h.Health)
	r.Get("/api/engine/metrics", h.Metrics)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(AdminOnly(h.adminToken))
		r.Post("/engine/metrics/reset", h.ResetMetrics)
		r.Post("/sessions/reset", h.ResetSessions)
		r.Post("/credits/reset", h.ResetCredits)
	})
}

// Health runs the engine self-test. Unhealthy maps to 503.
func (h *EngineHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.engine.HealthCheck(r.Context())
	code := http.StatusOK
	if status.Status == generation.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, status)
}

// Metrics returns the engine counters.
func (h *EngineHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.engine.Metrics())
}

// ResetMetrics zeroes the engine counters.
func (h *EngineHandler) ResetMetrics(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetMetrics()
	slog.Info("Engine metrics reset")
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ResetSessions drops every stored session.
func (h *EngineHandler) ResetSessions(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Reset(r.Context()); err != nil {
		slog.Error("Failed to reset sessions", "error", err)
		Error(w, http.StatusInternalServerError, "reset_failed")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ResetCredits clears the usage ledger.
func (h *EngineHandler) ResetCredits(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		Error(w, http.StatusNotFound, "not_found")
		return
	}
	n, err := h.usage.ResetUsage(r.Context())
	if err != nil {
		slog.Error("Failed to reset credit usage", "error", err)
		Error(w, http.StatusInternalServerError, "reset_failed")
		return
	}
	slog.Info("Credit usage reset", "rows", n)
	JSON(w, http.StatusOK, map[string]interface{}{"status": "reset", "rows": n})
}
