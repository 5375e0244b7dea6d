package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/identity"
	"github.com/ashureev/itinera/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

const writeTimeout = 5 * time.Second

// SessionReader is the store slice the handler needs.
type SessionReader interface {
	Get(ctx context.Context, id string) (*domain.RequestSession, error)
}

// WebSocketHandler streams progress for one session owned by the caller.
// The session ID comes from the chi "id" URL parameter.
type WebSocketHandler struct {
	store         SessionReader
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(store SessionReader, hub *Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		store:         store,
		hub:           hub,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	if userID == "" {
		http.Error(w, `{"error":"authentication_required"}`, http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	s, err := h.store.Get(r.Context(), sessionID)
	if err != nil || s.UserID != userID {
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			slog.Error("Failed to load session for stream", "session_id", sessionID, "error", err)
		}
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	sub := h.hub.Subscribe(sessionID)
	defer h.hub.Unsubscribe(sub)

	// Client frames are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	// Re-read after subscribing so no write between the two is missed.
	if s, err = h.store.Get(ctx, sessionID); err != nil {
		slog.Warn("Session vanished before streaming", "session_id", sessionID, "error", err)
		return
	}
	slog.Info("Stream opened", "session_id", sessionID, "user_id", userID, "status", s.Status)

	if done := h.send(ctx, ws, UpdateFrom(s)); done {
		return
	}
	for {
		select {
		case u := <-sub.C():
			if done := h.send(ctx, ws, u); done {
				return
			}
		case <-ctx.Done():
			slog.Debug("Stream closed by client", "session_id", sessionID)
			return
		}
	}
}

// send writes u and reports whether the stream should end.
func (h *WebSocketHandler) send(ctx context.Context, ws *websocket.Conn, u Update) bool {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, ws, u); err != nil {
		if ctx.Err() == nil {
			slog.Debug("WebSocket write error", "session_id", u.ID, "error", err)
		}
		return true
	}
	return u.Status.IsTerminal()
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
