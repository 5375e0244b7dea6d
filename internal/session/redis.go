package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/retry"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix        = "session:"
	appendMaxRetries = 5
)

// RedisStore persists sessions as JSON under session:<id>. Writes run inside
// WATCH/MULTI so a competing writer aborts the transaction.
type RedisStore struct {
	client   *redis.Client
	ttl      time.Duration
	observer Observer
}

// NewRedisStore connects using a redis:// URL. ttl of zero keeps sessions
// until Reset.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration, observer Observer) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl, observer: observer}, nil
}

func (r *RedisStore) key(id string) string {
	return keyPrefix + id
}

// Create inserts a new session with SET NX.
func (r *RedisStore) Create(ctx context.Context, s *domain.RequestSession) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("create session: missing id")
	}
	stored := s.Clone()
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Errors == nil {
		stored.Errors = []domain.ErrorEntry{}
	}

	payload, err := sonic.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	created, err := r.client.SetNX(ctx, r.key(s.ID), payload, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !created {
		return ErrDuplicateID
	}
	r.notify(stored)
	return nil
}

// Get returns the stored session.
func (r *RedisStore) Get(ctx context.Context, id string) (*domain.RequestSession, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decode(data)
}

// Update runs fn in an optimistic transaction. Losing the race yields
// ErrConcurrentWrite.
func (r *RedisStore) Update(ctx context.Context, id string, fn MutateFunc) (*domain.RequestSession, error) {
	out, err := r.update(ctx, id, fn)
	if errors.Is(err, redis.TxFailedErr) {
		slog.Warn("Concurrent session write rejected", "session_id", id)
		return nil, ErrConcurrentWrite
	}
	return out, err
}

// AppendError retries the transaction when another writer interleaves.
func (r *RedisStore) AppendError(ctx context.Context, id string, entry domain.ErrorEntry) (*domain.RequestSession, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return retry.Do(ctx, func(ctx context.Context) (*domain.RequestSession, error) {
		return r.update(ctx, id, func(s *domain.RequestSession) error {
			s.Errors = append(s.Errors, entry)
			return nil
		})
	}, appendMaxRetries, 10*time.Millisecond,
		retry.WithRetryIf(func(err error) bool { return errors.Is(err, redis.TxFailedErr) }),
		retry.WithJitter(0.5))
}

func (r *RedisStore) update(ctx context.Context, id string, fn MutateFunc) (*domain.RequestSession, error) {
	key := r.key(id)
	var after *domain.RequestSession

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("read session: %w", err)
		}
		before, err := decode(data)
		if err != nil {
			return err
		}

		next, err := apply(before, fn)
		if err != nil {
			return err
		}
		next.UpdatedAt = time.Now()

		payload, err := sonic.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		after = next
		return nil
	}

	if err := r.client.Watch(ctx, txf, key); err != nil {
		return nil, err
	}
	r.notify(after)
	return after.Clone(), nil
}

// Reset deletes every session key.
func (r *RedisStore) Reset(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	var batch []string
	cleared := 0
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 200 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("reset sessions: %w", err)
			}
			cleared += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan sessions: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("reset sessions: %w", err)
		}
		cleared += len(batch)
	}
	slog.Info("Session store reset", "sessions_cleared", cleared, "backend", "redis")
	return nil
}

// Ping checks Redis connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) notify(s *domain.RequestSession) {
	if r.observer == nil || s == nil {
		return
	}
	r.observer(*s.Clone())
}

func decode(data []byte) (*domain.RequestSession, error) {
	var s domain.RequestSession
	if err := sonic.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

var _ Store = (*RedisStore)(nil)
