package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/session"
	"github.com/google/uuid"
)

// InitResult is returned by a successful Initialize.
type InitResult struct {
	Auth    AuthSession
	Balance *domain.Balance
	Request ItineraryRequest
	Session *domain.RequestSession
}

// Initializer authorizes a request, validates its payload and creates the
// pending session. It also owns the session's lifecycle transitions.
type Initializer struct {
	store   session.Store
	auth    AuthProvider
	credits CreditService
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time
}

// NewInitializer creates an initializer. credits may be nil to disable
// allowance checks.
func NewInitializer(store session.Store, auth AuthProvider, credits CreditService, logger *slog.Logger) *Initializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Initializer{
		store:   store,
		auth:    auth,
		credits: credits,
		logger:  logger,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Initialize checks identity, then the payload, then credits, and only then
// creates a pending session. No session exists when an error is returned. An
// unavailable credit balance disables enforcement for this request.
func (i *Initializer) Initialize(ctx context.Context, raw []byte) (*InitResult, error) {
	auth, ok := i.auth.ResolveSession(ctx)
	if !ok || auth.UserID == "" {
		return nil, ErrAuthenticationRequired
	}

	req, err := ParseRequest(raw)
	if err != nil {
		return nil, err
	}

	var balance *domain.Balance
	if i.credits != nil {
		b, err := i.credits.GetBalance(ctx, auth.UserID)
		switch {
		case err != nil:
			i.logger.Warn("Credit balance unavailable, continuing without enforcement",
				"user_id", auth.UserID, "error", err)
		case b.RemainingToday < 1:
			i.logger.Info("Request rejected, no credits left", "user_id", auth.UserID, "day", b.Day)
			return nil, &InsufficientCreditsError{Required: 1, Remaining: b.RemainingToday, Service: creditService}
		default:
			balance = &b
		}
	}

	s := &domain.RequestSession{
		ID:          i.newID(),
		UserID:      auth.UserID,
		Prompt:      req.Prompt,
		Preferences: req.Preferences(),
		Status:      domain.StatusPending,
		Errors:      []domain.ErrorEntry{},
	}
	if err := i.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	created, err := i.store.Get(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("read created session: %w", err)
	}
	i.logger.Info("Session created", "session_id", s.ID, "user_id", auth.UserID)
	return &InitResult{Auth: auth, Balance: balance, Request: req, Session: created}, nil
}

// MarkInProgress moves a pending session to in_progress. Repeating the call
// is a no-op.
func (i *Initializer) MarkInProgress(ctx context.Context, id string) (*domain.RequestSession, error) {
	return i.store.Update(ctx, id, func(s *domain.RequestSession) error {
		if s.Status == domain.StatusPending {
			s.Status = domain.StatusInProgress
		}
		return nil
	})
}

// MarkCompleted stores the final itinerary and completes the session.
func (i *Initializer) MarkCompleted(ctx context.Context, id string, result *domain.ItineraryResult) (*domain.RequestSession, error) {
	return i.store.Update(ctx, id, func(s *domain.RequestSession) error {
		if result != nil {
			s.Itinerary = result
		}
		s.Status = domain.StatusCompleted
		return nil
	})
}

// FailSession records a coordinator error and marks the session failed. A
// session that already reached a terminal state only gets the error entry.
func (i *Initializer) FailSession(ctx context.Context, id, message, detail string) (*domain.RequestSession, error) {
	entry := domain.ErrorEntry{
		Agent:     agentCoordinator,
		Stage:     stageFatal,
		Message:   message,
		Detail:    detail,
		Timestamp: i.now(),
	}

	updated, err := i.store.Update(ctx, id, func(s *domain.RequestSession) error {
		s.Errors = append(s.Errors, entry)
		if !s.Status.IsTerminal() {
			s.Status = domain.StatusFailed
		}
		return nil
	})
	if errors.Is(err, session.ErrConcurrentWrite) {
		// Another writer holds the session; queue behind it for the entry
		// and retry the status change once it is done.
		if _, err = i.store.AppendError(ctx, id, entry); err != nil {
			return nil, fmt.Errorf("append failure entry: %w", err)
		}
		updated, err = i.store.Update(ctx, id, func(s *domain.RequestSession) error {
			if !s.Status.IsTerminal() {
				s.Status = domain.StatusFailed
			}
			return nil
		})
	}
	if err != nil {
		return nil, fmt.Errorf("fail session: %w", err)
	}

	i.logger.Warn("Session failed", "session_id", id, "error", message, "kind", detail)
	return updated, nil
}
