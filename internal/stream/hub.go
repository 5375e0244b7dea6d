// Package stream pushes request-session progress to WebSocket subscribers.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/itinera/internal/domain"
)

const subscriberBuffer = 8

// Update is the progress frame sent to subscribers.
type Update struct {
	ID        string              `json:"id"`
	Status    domain.Status       `json:"status"`
	Errors    []domain.ErrorEntry `json:"errors"`
	HasResult bool                `json:"hasResult"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// UpdateFrom projects a session into a progress frame.
func UpdateFrom(s *domain.RequestSession) Update {
	errs := append([]domain.ErrorEntry{}, s.Errors...)
	return Update{
		ID:        s.ID,
		Status:    s.Status,
		Errors:    errs,
		HasResult: s.Itinerary != nil,
		UpdatedAt: s.UpdatedAt,
	}
}

// Subscription receives updates for one session.
type Subscription struct {
	sessionID string
	ch        chan Update
}

// C returns the update channel. It is never closed.
func (s *Subscription) C() <-chan Update {
	return s.ch
}

// Hub fans session writes out to subscribers.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers interest in sessionID.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{sessionID: sessionID, ch: make(chan Update, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[sessionID]; !ok {
		h.active[sessionID] = make(map[*Subscription]struct{})
	}
	h.active[sessionID][sub] = struct{}{}
	slog.Debug("Stream subscriber registered", "session_id", sessionID)
	return sub
}

// Unsubscribe removes sub. Calling it twice is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.active[sub.sessionID]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.active, sub.sessionID)
	}
}

// Subscribers returns the number of subscribers for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

// Publish delivers s to its subscribers without blocking. A full buffer
// drops its oldest frame so the latest state always lands. Publish matches
// session.Observer.
func (h *Hub) Publish(s domain.RequestSession) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.active[s.ID]
	if len(subs) == 0 {
		return
	}
	u := UpdateFrom(&s)
	for sub := range subs {
		deliver(sub.ch, u)
	}
}

func deliver(ch chan Update, u Update) {
	for {
		select {
		case ch <- u:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
