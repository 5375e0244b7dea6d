// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/itinera/internal/domain"
)

// ErrInsufficientCredits is returned by Consume when the day's allowance
// cannot cover the requested amount.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Repository defines the interface for persisting users and their credit usage.
type Repository interface {
	// GetUser retrieves a user by their user ID. A missing user is (nil, nil).
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetBalance returns the user's allowance for the current day.
	GetBalance(ctx context.Context, userID string) (domain.Balance, error)

	// Consume records usage against today's allowance.
	Consume(ctx context.Context, userID string, amount int, service string) error

	// ResetUsage deletes all recorded usage and returns the number of rows removed.
	ResetUsage(ctx context.Context) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
