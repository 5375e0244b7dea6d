package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/itinera/internal/domain"
)

// MemoryStore is an in-process Store. Each id has its own writer lock; the
// map itself is guarded by mu.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.RequestSession
	locks    sync.Map // id -> *sync.Mutex
	observer Observer
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store. observer may be nil.
func NewMemoryStore(observer Observer) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.RequestSession),
		observer: observer,
		now:      time.Now,
	}
}

func (m *MemoryStore) lockFor(id string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Create inserts a new session.
func (m *MemoryStore) Create(_ context.Context, s *domain.RequestSession) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("create session: missing id")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("create session: invalid status %q", s.Status)
	}

	stored := s.Clone()
	now := m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Errors == nil {
		stored.Errors = []domain.ErrorEntry{}
	}

	m.mu.Lock()
	if _, exists := m.sessions[s.ID]; exists {
		m.mu.Unlock()
		return ErrDuplicateID
	}
	m.sessions[s.ID] = stored
	m.mu.Unlock()

	m.notify(stored)
	return nil
}

// Get returns a copy of the session.
func (m *MemoryStore) Get(_ context.Context, id string) (*domain.RequestSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Update applies fn atomically. A writer already holding the id wins and the
// caller receives ErrConcurrentWrite.
func (m *MemoryStore) Update(ctx context.Context, id string, fn MutateFunc) (*domain.RequestSession, error) {
	lock := m.lockFor(id)
	if !lock.TryLock() {
		slog.Warn("Concurrent session write rejected", "session_id", id)
		return nil, ErrConcurrentWrite
	}
	defer lock.Unlock()
	return m.update(ctx, id, fn)
}

// AppendError serializes behind any in-flight writer for the same id.
func (m *MemoryStore) AppendError(ctx context.Context, id string, entry domain.ErrorEntry) (*domain.RequestSession, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	return m.update(ctx, id, func(s *domain.RequestSession) error {
		s.Errors = append(s.Errors, entry)
		return nil
	})
}

func (m *MemoryStore) update(ctx context.Context, id string, fn MutateFunc) (*domain.RequestSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	before, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	after, err := apply(before, fn)
	if err != nil {
		return nil, err
	}
	after.UpdatedAt = m.now()

	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		// Reset ran while fn was executing.
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	m.sessions[id] = after
	m.mu.Unlock()

	m.notify(after)
	return after.Clone(), nil
}

// Reset drops every session.
func (m *MemoryStore) Reset(_ context.Context) error {
	m.mu.Lock()
	n := len(m.sessions)
	m.sessions = make(map[string]*domain.RequestSession)
	m.locks.Clear()
	m.mu.Unlock()
	slog.Info("Session store reset", "sessions_cleared", n)
	return nil
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Ping always succeeds for the in-memory backend.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) notify(s *domain.RequestSession) {
	if m.observer == nil {
		return
	}
	m.observer(*s.Clone())
}

var _ Store = (*MemoryStore)(nil)
