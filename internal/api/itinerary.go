package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/identity"
	"github.com/ashureev/itinera/internal/pipeline"
	"github.com/ashureev/itinera/internal/session"
	"github.com/go-chi/chi/v5"
)

const (
	maxRequestBody = 64 << 10
	consumeTimeout = 5 * time.Second
)

// RequestHandler runs one itinerary request end to end.
type RequestHandler interface {
	HandleRequest(ctx context.Context, raw []byte) (*domain.RequestSession, error)
}

// SessionReader reads stored sessions.
type SessionReader interface {
	Get(ctx context.Context, id string) (*domain.RequestSession, error)
}

// UserReader looks up a user record.
type UserReader interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// ItineraryHandler handles itinerary and credit endpoints.
type ItineraryHandler struct {
	coord    RequestHandler
	sessions SessionReader
	credits  pipeline.CreditService
	users    UserReader
	logger   *slog.Logger

	// inflight holds one entry per user with a request running.
	inflight sync.Map
}

// NewItineraryHandler creates an itinerary handler.
func NewItineraryHandler(coord RequestHandler, sessions SessionReader, credits pipeline.CreditService, users UserReader, logger *slog.Logger) *ItineraryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ItineraryHandler{
		coord:    coord,
		sessions: sessions,
		credits:  credits,
		users:    users,
		logger:   logger,
	}
}

// RegisterRoutes registers itinerary routes. limit wraps only the POST.
func (h *ItineraryHandler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/credits", h.GetCredits)
		r.Get("/itineraries/{id}", h.Get)
		r.With(limit).Post("/itineraries", h.Create)
	})
}

// GetMe returns the current user's information and balance.
func (h *ItineraryHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	resp := map[string]interface{}{
		"user_id":  user.UserID,
		"username": user.Username,
	}
	if b, err := h.credits.GetBalance(r.Context(), userID); err == nil {
		resp["credits"] = b
	} else {
		h.logger.Warn("Failed to read balance", "user_id", userID, "error", err)
	}
	JSON(w, http.StatusOK, resp)
}

// GetCredits returns the caller's balance for today.
func (h *ItineraryHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	b, err := h.credits.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to read balance", "user_id", userID, "error", err)
		Error(w, http.StatusServiceUnavailable, "credits_unavailable")
		return
	}
	JSON(w, http.StatusOK, b)
}

// Get returns a session owned by the caller.
func (h *ItineraryHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	s, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, session.ErrNotFound) || (err == nil && s.UserID != userID) {
		Error(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to read session", "error", err)
		Error(w, http.StatusInternalServerError, "internal")
		return
	}
	JSON(w, http.StatusOK, s)
}

// Create runs the itinerary pipeline for the request body.
func (h *ItineraryHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	if userID != "" {
		// The map entry is the claim, so claim and release are each atomic.
		if _, busy := h.inflight.LoadOrStore(userID, struct{}{}); busy {
			h.logger.Warn("Itinerary request already in progress", "user_id", userID)
			Error(w, http.StatusConflict, "request_in_progress")
			return
		}
		defer h.inflight.Delete(userID)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		Error(w, http.StatusBadRequest, "unreadable_body")
		return
	}

	start := time.Now()
	s, err := h.coord.HandleRequest(r.Context(), body)
	if err != nil {
		h.writePipelineError(w, s, err)
		return
	}

	// The session is complete; a ledger failure must not lose it.
	consumeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), consumeTimeout)
	defer cancel()
	if err := h.credits.Consume(consumeCtx, s.UserID, 1, "itinerary"); err != nil {
		h.logger.Warn("Failed to consume credit", "user_id", s.UserID, "session_id", s.ID, "error", err)
	}

	h.logger.Info("Itinerary request completed",
		"session_id", s.ID,
		"user_id", s.UserID,
		"client_id", identity.ClientIDFromContext(r.Context()),
		"duration_ms", time.Since(start).Milliseconds())
	JSON(w, http.StatusCreated, s)
}

func (h *ItineraryHandler) writePipelineError(w http.ResponseWriter, s *domain.RequestSession, err error) {
	kind := pipeline.Kind(err)
	body := map[string]interface{}{
		"error":     kind,
		"message":   err.Error(),
		"retryable": pipeline.IsRetryable(err),
	}
	if s != nil {
		body["session_id"] = s.ID
	}

	status := statusForKind(kind)
	switch kind {
	case pipeline.KindValidation:
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			body["field_errors"] = verr.FieldErrors
		}
	case pipeline.KindInsufficientCredits:
		var cerr *pipeline.InsufficientCreditsError
		if errors.As(err, &cerr) {
			body["required"] = cerr.Required
			body["remaining"] = cerr.Remaining
			body["service"] = cerr.Service
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Itinerary request failed", "kind", kind, "error", err, "session_id", body["session_id"])
	} else {
		h.logger.Info("Itinerary request rejected", "kind", kind, "error", err)
	}
	JSON(w, status, body)
}

func statusForKind(kind string) int {
	switch kind {
	case pipeline.KindAuthenticationRequired:
		return http.StatusUnauthorized
	case pipeline.KindValidation:
		return http.StatusUnprocessableEntity
	case pipeline.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case pipeline.KindConflict:
		return http.StatusConflict
	case pipeline.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindGeneration, pipeline.KindParsing, pipeline.KindSampleItineraryMissing, pipeline.KindUnknownStage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
