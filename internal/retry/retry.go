// Package retry runs operations against unreliable collaborators with bounded,
// exponentially backed-off attempts.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

const defaultMaxDelay = 10 * time.Second

// Op is a unit of work that may fail transiently.
type Op[T any] func(ctx context.Context) (T, error)

type settings struct {
	maxDelay time.Duration
	jitter   float64
	retryIf  func(error) bool
	name     string
	logger   *slog.Logger
}

// Option configures a single Do call.
type Option func(*settings)

// WithMaxDelay caps the backoff between attempts.
func WithMaxDelay(d time.Duration) Option {
	return func(s *settings) { s.maxDelay = d }
}

// WithJitter spreads each delay by +/- fraction (0..1).
func WithJitter(fraction float64) Option {
	return func(s *settings) {
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}
		s.jitter = fraction
	}
}

// WithRetryIf stops retrying as soon as fn reports false for an error.
func WithRetryIf(fn func(error) bool) Option {
	return func(s *settings) { s.retryIf = fn }
}

// WithName labels debug logs emitted between attempts.
func WithName(name string, logger *slog.Logger) Option {
	return func(s *settings) {
		s.name = name
		s.logger = logger
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op up to maxAttempts times, sleeping baseDelay*2^(n-1) between
// failures. The last failure is returned when attempts are exhausted. A
// cancelled ctx aborts the wait and returns ctx.Err() joined with the last
// failure.
func Do[T any](ctx context.Context, op Op[T], maxAttempts int, baseDelay time.Duration, opts ...Option) (T, error) {
	s := settings{maxDelay: defaultMaxDelay}
	for _, opt := range opts {
		opt(&s)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, errors.Join(err, lastErr)
			}
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if IsPermanent(err) {
			var p *permanentError
			errors.As(err, &p)
			return zero, p.err
		}
		if s.retryIf != nil && !s.retryIf(err) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := s.backoff(baseDelay, attempt)
		if s.logger != nil {
			s.logger.Debug("Retrying operation",
				"operation", s.name,
				"attempt", attempt,
				"delay", delay,
				"error", err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, errors.Join(err, lastErr)
		}
	}
	return zero, lastErr
}

func (s settings) backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base << (attempt - 1)
	if delay <= 0 || (s.maxDelay > 0 && delay > s.maxDelay) {
		delay = s.maxDelay
	}
	if s.jitter > 0 {
		spread := float64(delay) * s.jitter * (rand.Float64()*2 - 1)
		delay += time.Duration(spread)
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
