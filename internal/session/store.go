// Package session provides the keyed RequestSession store shared by the
// pipeline stages.
package session

import (
	"context"
	"errors"
	"reflect"

	"github.com/ashureev/itinera/internal/domain"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrDuplicateID      = errors.New("session id already exists")
	ErrConcurrentWrite  = errors.New("concurrent write to session rejected")
	ErrStatusRegression = errors.New("session status cannot move backwards")
	ErrErrorsRewritten  = errors.New("session error log is append-only")
	ErrAlreadyWritten   = errors.New("session stage output already written")
	ErrImmutableField   = errors.New("session identity and preference fields are immutable")
)

// MutateFunc edits a private copy of a session inside Update.
type MutateFunc func(s *domain.RequestSession) error

// Observer is notified with a snapshot after every successful write.
type Observer func(s domain.RequestSession)

// Store defines atomic per-key access to request sessions.
type Store interface {
	// Create inserts a new session. The id must not exist.
	Create(ctx context.Context, s *domain.RequestSession) error

	// Get returns a copy of the session.
	Get(ctx context.Context, id string) (*domain.RequestSession, error)

	// Update applies fn as one read-modify-write. A second writer for the
	// same id while fn runs receives ErrConcurrentWrite.
	Update(ctx context.Context, id string, fn MutateFunc) (*domain.RequestSession, error)

	// AppendError atomically appends one entry to the session's error log.
	AppendError(ctx context.Context, id string, entry domain.ErrorEntry) (*domain.RequestSession, error)

	// Reset clears every session. Administrative and test use only.
	Reset(ctx context.Context) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// checkWrite enforces the session invariants between a pristine copy of the
// stored value and the value produced by a MutateFunc.
func checkWrite(before, after *domain.RequestSession) error {
	if after.ID != before.ID || after.UserID != before.UserID || after.Prompt != before.Prompt {
		return ErrImmutableField
	}
	if !reflect.DeepEqual(after.Preferences, before.Preferences) {
		return ErrImmutableField
	}
	if !before.Status.CanTransition(after.Status) {
		return ErrStatusRegression
	}
	if len(after.Errors) < len(before.Errors) {
		return ErrErrorsRewritten
	}
	for i := range before.Errors {
		if !sameEntry(before.Errors[i], after.Errors[i]) {
			return ErrErrorsRewritten
		}
	}
	if before.Context != nil && !reflect.DeepEqual(after.Context, before.Context) {
		return ErrAlreadyWritten
	}
	if before.Retrieval != nil && !reflect.DeepEqual(after.Retrieval, before.Retrieval) {
		return ErrAlreadyWritten
	}
	if before.Itinerary != nil && !reflect.DeepEqual(after.Itinerary, before.Itinerary) {
		return ErrAlreadyWritten
	}
	return nil
}

func sameEntry(a, b domain.ErrorEntry) bool {
	return a.Agent == b.Agent &&
		a.Stage == b.Stage &&
		a.Message == b.Message &&
		a.Detail == b.Detail &&
		a.Timestamp.Equal(b.Timestamp)
}

// apply runs fn against a clone of before and validates the result.
func apply(before *domain.RequestSession, fn MutateFunc) (*domain.RequestSession, error) {
	// Both copies go through Clone so unchanged values compare equal.
	pristine, working := before.Clone(), before.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	if err := checkWrite(pristine, working); err != nil {
		return nil, err
	}
	return working, nil
}
