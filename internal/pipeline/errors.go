package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/itinera/internal/session"
)

var (
	// ErrAuthenticationRequired is returned when no caller identity is present.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrSampleItineraryMissing is returned by composition when retrieval did
	// not provide a sample itinerary.
	ErrSampleItineraryMissing = errors.New("retrieval metadata has no sample itinerary")
)

// ValidationError carries per-field violation messages for a request payload.
type ValidationError struct {
	FieldErrors map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.FieldErrors))
	for k := range e.FieldErrors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.FieldErrors[k], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.FieldErrors == nil {
		e.FieldErrors = make(map[string][]string)
	}
	e.FieldErrors[field] = append(e.FieldErrors[field], msg)
}

// InsufficientCreditsError is returned when the caller's allowance is spent.
type InsufficientCreditsError struct {
	Required  int
	Remaining int
	Service   string
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: required %d, remaining %d", e.Service, e.Required, e.Remaining)
}

// GenerationFailure wraps a failure of the generation step.
type GenerationFailure struct {
	Retryable bool
	Err       error
}

func (e *GenerationFailure) Error() string { return "generation failed: " + e.Err.Error() }
func (e *GenerationFailure) Unwrap() error { return e.Err }

// ParsingFailure wraps a failure to turn generated output into an itinerary.
type ParsingFailure struct {
	Err error
}

func (e *ParsingFailure) Error() string { return "parsing failed: " + e.Err.Error() }
func (e *ParsingFailure) Unwrap() error { return e.Err }

// UpstreamTimeoutError is returned when an external call exceeded its deadline.
type UpstreamTimeoutError struct {
	Service string
	Err     error
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream %s timed out: %v", e.Service, e.Err)
}
func (e *UpstreamTimeoutError) Unwrap() error { return e.Err }

// UnknownStageFailure wraps an unexpected failure inside a stage.
type UnknownStageFailure struct {
	Stage string
	Err   error
}

func (e *UnknownStageFailure) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}
func (e *UnknownStageFailure) Unwrap() error { return e.Err }

// Error kinds reported by Kind.
const (
	KindAuthenticationRequired = "authentication_required"
	KindValidation             = "validation_error"
	KindInsufficientCredits    = "insufficient_credits"
	KindSampleItineraryMissing = "sample_itinerary_missing"
	KindGeneration             = "generation_failure"
	KindParsing                = "parsing_failure"
	KindUpstreamTimeout        = "upstream_timeout"
	KindUnknownStage           = "unknown_stage_failure"
	KindConflict               = "concurrent_write"
	KindCanceled               = "canceled"
	KindInternal               = "internal"
)

// Kind classifies err into one of the Kind* constants.
func Kind(err error) string {
	var (
		validation *ValidationError
		credits    *InsufficientCreditsError
		generation *GenerationFailure
		parsing    *ParsingFailure
		timeout    *UpstreamTimeoutError
		unknown    *UnknownStageFailure
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthenticationRequired):
		return KindAuthenticationRequired
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &credits):
		return KindInsufficientCredits
	case errors.Is(err, ErrSampleItineraryMissing):
		return KindSampleItineraryMissing
	case errors.As(err, &timeout):
		return KindUpstreamTimeout
	case errors.As(err, &generation):
		return KindGeneration
	case errors.As(err, &parsing):
		return KindParsing
	case errors.Is(err, session.ErrConcurrentWrite):
		return KindConflict
	case errors.As(err, &unknown):
		return KindUnknownStage
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	var generation *GenerationFailure
	if errors.As(err, &generation) {
		return generation.Retryable
	}
	switch Kind(err) {
	case KindUpstreamTimeout, KindConflict:
		return true
	}
	return false
}

// asTimeout converts deadline errors into UpstreamTimeoutError for service.
func asTimeout(service string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamTimeoutError{Service: service, Err: err}
	}
	return err
}
