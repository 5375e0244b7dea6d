package generation

import (
	"context"
	"errors"
	"strings"
)

var errEmptyResponse = errors.New("model returned an empty response")

// TransientError is a model failure that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// FatalError is a model failure that will not improve on retry.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

var (
	fatalMarkers = []string{
		"401", "403", "unauthorized", "forbidden", "invalid api key",
		"incorrect api key", "model not found", "context length", "400 bad request",
	}
	transientMarkers = []string{
		"429", "rate limit", "timeout", "timed out", "temporarily", "overloaded",
		"500", "502", "503", "504", "connection reset", "connection refused", "eof",
	}
)

// classifyError wraps a raw model client error. Unknown errors are treated as
// transient so the bounded retry gets a chance.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return &FatalError{err: err}
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return &TransientError{err: err}
		}
	}
	return &TransientError{err: err}
}
