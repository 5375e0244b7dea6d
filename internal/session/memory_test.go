package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(id string) *domain.RequestSession {
	return &domain.RequestSession{
		ID:     id,
		UserID: "user-1",
		Prompt: "two days in Lisbon",
		Status: domain.StatusPending,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	require.NoError(t, store.Create(ctx, newSession("a")))
	assert.ErrorIs(t, store.Create(ctx, newSession("a")), ErrDuplicateID)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.NotNil(t, got.Errors)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	require.NoError(t, store.Create(ctx, newSession("a")))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	got.Status = domain.StatusCompleted

	again, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, again.Status)
}

func TestMemoryStore_UpdateRejectsStatusRegression(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	require.NoError(t, store.Create(ctx, newSession("a")))

	_, err := store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Status = domain.StatusInProgress
		return nil
	})
	require.NoError(t, err)

	_, err = store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Status = domain.StatusPending
		return nil
	})
	assert.ErrorIs(t, err, ErrStatusRegression)

	got, _ := store.Get(ctx, "a")
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestMemoryStore_ErrorsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	require.NoError(t, store.Create(ctx, newSession("a")))

	_, err := store.AppendError(ctx, "a", domain.ErrorEntry{Agent: "context-scout", Stage: "fatal", Message: "first"})
	require.NoError(t, err)
	_, err = store.AppendError(ctx, "a", domain.ErrorEntry{Agent: "itinerary-composer", Stage: "fatal", Message: "second"})
	require.NoError(t, err)

	_, err = store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Errors = s.Errors[1:]
		return nil
	})
	assert.ErrorIs(t, err, ErrErrorsRewritten)

	_, err = store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Errors[0].Message = "edited"
		return nil
	})
	assert.ErrorIs(t, err, ErrErrorsRewritten)

	got, _ := store.Get(ctx, "a")
	require.Len(t, got.Errors, 2)
	assert.Equal(t, "first", got.Errors[0].Message)
	assert.Equal(t, "second", got.Errors[1].Message)
	assert.False(t, got.Errors[0].Timestamp.IsZero())
}

func TestMemoryStore_StageOutputIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	require.NoError(t, store.Create(ctx, newSession("a")))

	_, err := store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Context = &domain.ContextData{PeakHours: "calm"}
		return nil
	})
	require.NoError(t, err)

	_, err = store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Context = &domain.ContextData{PeakHours: "rush"}
		return nil
	})
	assert.ErrorIs(t, err, ErrAlreadyWritten)

	_, err = store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Context.PeakHours = "rush"
		return nil
	})
	assert.ErrorIs(t, err, ErrAlreadyWritten)

	_, err = store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Context.Traffic = append(s.Context.Traffic, domain.TrafficSnapshot{Area: "Baixa"})
		return nil
	})
	assert.ErrorIs(t, err, ErrAlreadyWritten)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "calm", got.Context.PeakHours)
	assert.Empty(t, got.Context.Traffic)

	// Unrelated writes keep the existing context.
	_, err = store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Status = domain.StatusInProgress
		return nil
	})
	assert.NoError(t, err)
}

func TestMemoryStore_ImmutableIdentity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	require.NoError(t, store.Create(ctx, newSession("a")))

	_, err := store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Prompt = "rewritten"
		return nil
	})
	assert.ErrorIs(t, err, ErrImmutableField)
}

func TestMemoryStore_ImmutablePreferences(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	days := 2
	sess := newSession("a")
	sess.Preferences = domain.Preferences{Interests: []string{"food"}, DurationDays: &days}
	require.NoError(t, store.Create(ctx, sess))

	mutations := map[string]MutateFunc{
		"interest edited": func(s *domain.RequestSession) error {
			s.Preferences.Interests[0] = "museums"
			return nil
		},
		"duration edited": func(s *domain.RequestSession) error {
			*s.Preferences.DurationDays = 7
			return nil
		},
		"budget set": func(s *domain.RequestSession) error {
			s.Preferences.Budget = "luxury"
			return nil
		},
	}
	for name, fn := range mutations {
		t.Run(name, func(t *testing.T) {
			_, err := store.Update(ctx, "a", fn)
			assert.ErrorIs(t, err, ErrImmutableField)
		})
	}

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"food"}, got.Preferences.Interests)
	assert.Equal(t, 2, *got.Preferences.DurationDays)
	assert.Empty(t, got.Preferences.Budget)
}

func TestMemoryStore_MutateErrorLeavesSessionUntouched(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	require.NoError(t, store.Create(ctx, newSession("a")))

	boom := errors.New("boom")
	_, err := store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Status = domain.StatusInProgress
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := store.Get(ctx, "a")
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestMemoryStore_ConcurrentWriterRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	require.NoError(t, store.Create(ctx, newSession("a")))

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := store.Update(ctx, "a", func(s *domain.RequestSession) error {
			close(entered)
			<-release
			s.Status = domain.StatusInProgress
			return nil
		})
		done <- err
	}()

	<-entered
	_, err := store.Update(ctx, "a", func(s *domain.RequestSession) error { return nil })
	assert.ErrorIs(t, err, ErrConcurrentWrite)

	close(release)
	require.NoError(t, <-done)
}

func TestMemoryStore_DifferentKeysDoNotBlock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	require.NoError(t, store.Create(ctx, newSession("a")))
	require.NoError(t, store.Create(ctx, newSession("b")))

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = store.Update(ctx, "a", func(*domain.RequestSession) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	_, err := store.Update(ctx, "b", func(s *domain.RequestSession) error {
		s.Status = domain.StatusInProgress
		return nil
	})
	assert.NoError(t, err)
	close(release)
}

func TestMemoryStore_ConcurrentAppendsAllLand(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	require.NoError(t, store.Create(ctx, newSession("a")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendError(ctx, "a", domain.ErrorEntry{Agent: "x", Message: "m", Timestamp: time.Now()})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, "a")
	assert.Len(t, got.Errors, 50)
}

func TestMemoryStore_ObserverAndReset(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var seen []domain.Status
	store := NewMemoryStore(func(s domain.RequestSession) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})

	require.NoError(t, store.Create(ctx, newSession("a")))
	_, err := store.Update(ctx, "a", func(s *domain.RequestSession) error {
		s.Status = domain.StatusInProgress
		return nil
	})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []domain.Status{domain.StatusPending, domain.StatusInProgress}, seen)
	mu.Unlock()

	require.NoError(t, store.Reset(ctx))
	assert.Equal(t, 0, store.Len())
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Ids may be reused after an explicit reset.
	assert.NoError(t, store.Create(ctx, newSession("a")))
}
