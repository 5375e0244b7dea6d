// Package domain contains core domain types for the itinerary service.
package domain

import (
	"time"
)

// Status is the lifecycle state of a RequestSession.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// monotonic. Re-asserting the current status is always allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if !next.Valid() || s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Preferences are the user-supplied knobs captured at session creation.
type Preferences struct {
	Interests    []string `json:"interests"`
	DurationDays *int     `json:"durationDays"`
	Budget       string   `json:"budget,omitempty"`
	Pax          string   `json:"pax,omitempty"`
}

// Days returns the requested duration, or fallback when unset.
func (p Preferences) Days(fallback int) int {
	if p.DurationDays == nil || *p.DurationDays < 1 {
		return fallback
	}
	return *p.DurationDays
}

// ErrorEntry is one record in a session's append-only error log.
type ErrorEntry struct {
	Agent     string    `json:"agent"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RequestSession tracks one itinerary request from creation to a terminal state.
type RequestSession struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Prompt      string           `json:"prompt"`
	Preferences Preferences      `json:"preferences"`
	Status      Status           `json:"status"`
	Context     *ContextData     `json:"context,omitempty"`
	Retrieval   *RetrievalResult `json:"retrieval,omitempty"`
	Itinerary   *ItineraryResult `json:"itinerary,omitempty"`
	Errors      []ErrorEntry     `json:"errors"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// HasErrors returns true if at least one error entry was recorded.
func (s *RequestSession) HasErrors() bool {
	return len(s.Errors) > 0
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *RequestSession) Clone() *RequestSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Preferences.Interests = append([]string(nil), s.Preferences.Interests...)
	if s.Preferences.DurationDays != nil {
		d := *s.Preferences.DurationDays
		c.Preferences.DurationDays = &d
	}
	c.Errors = append(make([]ErrorEntry, 0, len(s.Errors)), s.Errors...)
	c.Context = s.Context.clone()
	c.Retrieval = s.Retrieval.clone()
	c.Itinerary = s.Itinerary.clone()
	return &c
}
