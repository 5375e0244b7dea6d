package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/itinera/internal/generation"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	deps   map[string]Pinger
	engine func() generation.HealthStatus
}

// NewHealthHandler creates a health handler over named dependencies. engine
// returns the last engine status and may be nil.
func NewHealthHandler(deps map[string]Pinger, engine func() generation.HealthStatus) *HealthHandler {
	return &HealthHandler{deps: deps, engine: engine}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			slog.Error("Health check failed", "dependency", name, "error", err)
			status["status"] = "degraded"
			checks[name] = "unreachable"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	if h.engine != nil {
		engine := h.engine()
		if engine.Status == "" {
			checks["engine"] = "unknown"
		} else {
			checks["engine"] = engine.Status
		}
		if engine.Status != generation.StatusHealthy && status["status"] == "healthy" {
			status["status"] = "degraded"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
