package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/itinera/internal/domain"
)

const failSessionTimeout = 5 * time.Second

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRequestTimeout bounds one HandleRequest call end to end.
func WithRequestTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.timeout = d }
}

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator runs the stages for one request in order:
// initialize, mark in progress, context, retrieval, composition.
type Coordinator struct {
	lifecycle   SessionLifecycle
	context     ContextStage
	retrieval   Retriever
	composition CompositionStage
	logger      *slog.Logger
	timeout     time.Duration
}

// NewCoordinator wires the stages.
func NewCoordinator(lifecycle SessionLifecycle, contextStage ContextStage, retrieval Retriever, composition CompositionStage, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		lifecycle:   lifecycle,
		context:     contextStage,
		retrieval:   retrieval,
		composition: composition,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleRequest runs the pipeline for a raw request body.
//
// Initialization errors are returned as-is and leave no session behind. A
// failure in a later stage marks the session failed exactly once and returns
// the stage's original error together with the failed session snapshot.
func (c *Coordinator) HandleRequest(ctx context.Context, raw []byte) (*domain.RequestSession, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	started, err := c.lifecycle.Initialize(ctx, raw)
	if err != nil {
		c.logger.Info("Request rejected", "kind", Kind(err), "error", err)
		return nil, err
	}
	id := started.Session.ID
	logger := c.logger.With("session_id", id, "user_id", started.Auth.UserID)

	start := time.Now()
	final, err := c.run(ctx, id, started.Request, logger)
	if err != nil {
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failSessionTimeout)
		defer cancel()
		failed, ferr := c.lifecycle.FailSession(failCtx, id, err.Error(), Kind(err))
		if ferr != nil {
			logger.Error("Failed to mark session failed", "error", ferr)
		}
		logger.Warn("Pipeline failed",
			"kind", Kind(err),
			"error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return failed, err
	}

	logger.Info("Pipeline completed", "duration_ms", time.Since(start).Milliseconds())
	return final, nil
}

func (c *Coordinator) run(ctx context.Context, id string, req ItineraryRequest, logger *slog.Logger) (*domain.RequestSession, error) {
	if _, err := c.lifecycle.MarkInProgress(ctx, id); err != nil {
		return nil, fmt.Errorf("mark in progress: %w", err)
	}

	steps := []struct {
		name string
		run  func(context.Context) (*domain.RequestSession, error)
	}{
		{"context", func(ctx context.Context) (*domain.RequestSession, error) { return c.context.Execute(ctx, id, req) }},
		{"retrieval", func(ctx context.Context) (*domain.RequestSession, error) { return c.retrieval.Execute(ctx, id) }},
		{"composition", func(ctx context.Context) (*domain.RequestSession, error) { return c.composition.Execute(ctx, id) }},
	}

	var current *domain.RequestSession
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &UpstreamTimeoutError{Service: step.name, Err: err}
			}
			return nil, err
		}

		stepStart := time.Now()
		s, err := step.run(ctx)
		if err != nil {
			logger.Warn("Stage failed", "stage", step.name, "error", err)
			return nil, err
		}
		logger.Debug("Stage finished", "stage", step.name, "duration_ms", time.Since(stepStart).Milliseconds())
		current = s
	}

	if current == nil || current.Status != domain.StatusCompleted {
		return nil, &UnknownStageFailure{Stage: "composition", Err: errors.New("session not completed")}
	}
	return current, nil
}
