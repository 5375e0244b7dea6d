package generation

import (
	"context"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	recentErrorWindow = 5 * time.Minute
)

// HealthStatus is the engine self-test result.
type HealthStatus struct {
	Status         string          `json:"status"`
	ModelReachable *bool           `json:"model_reachable,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LastErrorAt    *time.Time      `json:"last_error_at,omitempty"`
	FallbackRate   float64         `json:"fallback_rate"`
	Metrics        MetricsSnapshot `json:"metrics"`
	CheckedAt      time.Time       `json:"checked_at"`
}

// Healthy reports whether the engine is fully operational.
func (h HealthStatus) Healthy() bool {
	return h.Status == StatusHealthy
}

// HealthCheck pings the model endpoint (when a Pinger is configured) and
// folds in recent error and fallback history. It is bounded by HealthTimeout.
func (e *Engine) HealthCheck(ctx context.Context) HealthStatus {
	now := time.Now()
	snap := e.metrics.Snapshot()
	h := HealthStatus{Status: StatusHealthy, Metrics: snap, CheckedAt: now}
	if snap.Completed > 0 {
		h.FallbackRate = float64(snap.Fallbacks) / float64(snap.Completed)
	}

	e.healthMu.Lock()
	lastErr, lastErrAt, lastSuccess := e.lastErr, e.lastErrAt, e.lastSuccess
	e.healthMu.Unlock()
	if lastErr != "" {
		h.LastError = lastErr
		at := lastErrAt
		h.LastErrorAt = &at
	}

	if e.pinger != nil {
		pingCtx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
		err := e.pinger.Ping(pingCtx)
		cancel()
		reachable := err == nil
		h.ModelReachable = &reachable
		if err != nil {
			h.Status = StatusUnhealthy
			h.LastError = err.Error()
			h.LastErrorAt = &now
			return h
		}
	}

	recentErr := lastErr != "" && now.Sub(lastErrAt) < recentErrorWindow && lastErrAt.After(lastSuccess)
	if recentErr || (snap.Completed >= 5 && h.FallbackRate > 0.5) {
		h.Status = StatusDegraded
	}
	return h
}
