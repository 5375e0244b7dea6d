// Package generation drives an unreliable text model until it yields an
// itinerary that conforms to the output schema.
//
// Each request runs a bounded state machine:
//
//	model call -> extract -> parse -> validate -> accept
//	                                     |
//	                                     +-> deterministic repair -> accept
//	                                     +-> re-prompt with feedback (bounded)
//	                                     +-> fallback from the sample itinerary
//
// GenerateGuaranteedJSON only returns an error when its context ends.
package generation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/retry"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// Outcome describes how a result was obtained.
type Outcome string

const (
	OutcomeValid      Outcome = "valid"
	OutcomeRepaired   Outcome = "repaired"
	OutcomeReprompted Outcome = "reprompted"
	OutcomeFallback   Outcome = "fallback"
)

// Request is the input to one guaranteed generation.
type Request struct {
	Prompt            string
	SampleItinerary   map[string]any
	WeatherContext    string
	PeakHoursContext  string
	AdditionalContext string
	CorrelationID     string
	DurationDays      int
}

// Result is always schema-valid.
type Result struct {
	Itinerary *domain.Itinerary `json:"itinerary"`
	Raw       string            `json:"raw"`
	Attempts  int               `json:"attempts"`
	Outcome   Outcome           `json:"outcome"`
	Cached    bool              `json:"cached"`
}

func (r Result) clone() Result {
	r.Itinerary = r.Itinerary.Clone()
	return r
}

// Config bounds the engine's retry and repair behaviour.
type Config struct {
	MaxRepairAttempts int
	ModelRetries      int
	ModelRetryDelay   time.Duration
	CallTimeout       time.Duration
	HealthTimeout     time.Duration
	CacheSize         int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRepairAttempts: 2,
		ModelRetries:      3,
		ModelRetryDelay:   500 * time.Millisecond,
		CallTimeout:       60 * time.Second,
		HealthTimeout:     3 * time.Second,
		CacheSize:         256,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPinger enables endpoint reachability checks in HealthCheck.
func WithPinger(p Pinger) Option {
	return func(e *Engine) { e.pinger = p }
}

// Engine is the guaranteed JSON generator. Construct one per process and
// share it; all methods are safe for concurrent use.
type Engine struct {
	model    Model
	pinger   Pinger
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	cache    *resultCache
	template prompt.ChatTemplate

	healthMu    sync.Mutex
	lastErr     string
	lastErrAt   time.Time
	lastSuccess time.Time
}

// NewEngine creates an engine around m. Zero durations and retry counts take
// defaults; MaxRepairAttempts is used as given.
func NewEngine(m Model, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxRepairAttempts < 0 {
		cfg.MaxRepairAttempts = 0
	}
	if cfg.ModelRetries <= 0 {
		cfg.ModelRetries = def.ModelRetries
	}
	if cfg.ModelRetryDelay <= 0 {
		cfg.ModelRetryDelay = def.ModelRetryDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}

	e := &Engine{
		model:    m,
		cfg:      cfg,
		logger:   slog.Default(),
		metrics:  NewMetrics(),
		cache:    newResultCache(cfg.CacheSize),
		template: newChatTemplate(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateGuaranteedJSON returns a schema-valid itinerary for req.
func (e *Engine) GenerateGuaranteedJSON(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	e.metrics.recordRequest()
	logger := e.logger.With("correlation_id", req.CorrelationID)

	key := cacheKey(req)
	if cached, ok := e.cache.get(key); ok {
		e.metrics.recordCacheHit()
		cached.Cached = true
		return &cached, nil
	}

	res, err := e.generate(ctx, req, logger)
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	e.metrics.recordOutcome(res.Outcome, latency)
	e.cache.put(key, *res)
	logger.Info("Generation finished",
		"outcome", res.Outcome,
		"attempts", res.Attempts,
		"duration_ms", latency.Milliseconds())
	return res, nil
}

func (e *Engine) generate(ctx context.Context, req Request, logger *slog.Logger) (*Result, error) {
	base, err := e.buildMessages(ctx, req)
	if err != nil {
		logger.Error("Prompt assembly failed, using fallback", "error", err)
		return e.fallback(req, "", 0), nil
	}

	var (
		raw      string
		feedback FieldErrors
		attempts int
	)
	for attempt := 0; attempt <= e.cfg.MaxRepairAttempts; attempt++ {
		msgs := base
		if attempt > 0 {
			e.metrics.recordReprompt()
			msgs = withFeedback(base, raw, feedback)
		}

		attempts++
		content, err := e.callModel(ctx, msgs, logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.metrics.recordModelError()
			e.noteError(err)
			logger.Warn("Model call failed, using fallback", "attempt", attempts, "error", err)
			break
		}
		raw = content

		it, errs, repaired := parseItinerary(content, fallbackTitle(req.Prompt))
		if len(errs) == 0 {
			e.noteSuccess()
			outcome := OutcomeValid
			switch {
			case attempt > 0:
				outcome = OutcomeReprompted
			case repaired:
				outcome = OutcomeRepaired
			}
			return &Result{Itinerary: it, Raw: content, Attempts: attempts, Outcome: outcome}, nil
		}

		feedback = errs
		logger.Warn("Model output failed validation",
			"attempt", attempts,
			"violations", len(errs),
			"first_violation", errs[0].Error())
	}

	return e.fallback(req, raw, attempts), nil
}

func (e *Engine) fallback(req Request, raw string, attempts int) *Result {
	return &Result{
		Itinerary: buildFallback(req),
		Raw:       raw,
		Attempts:  attempts,
		Outcome:   OutcomeFallback,
	}
}

func (e *Engine) callModel(ctx context.Context, msgs []*schema.Message, logger *slog.Logger) (string, error) {
	return retry.Do(ctx, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		out, err := e.model.Generate(callCtx, msgs)
		if err != nil {
			return "", classifyError(err)
		}
		if out == nil || strings.TrimSpace(out.Content) == "" {
			return "", &TransientError{err: errEmptyResponse}
		}
		return out.Content, nil
	}, e.cfg.ModelRetries, e.cfg.ModelRetryDelay,
		retry.WithRetryIf(IsTransient),
		retry.WithJitter(0.25),
		retry.WithName("model.generate", logger))
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// ResetMetrics zeroes the counters. Administrative use only.
func (e *Engine) ResetMetrics() {
	e.metrics.Reset()
	e.logger.Info("Generation metrics reset")
}

func (e *Engine) noteError(err error) {
	e.healthMu.Lock()
	e.lastErr = err.Error()
	e.lastErrAt = time.Now()
	e.healthMu.Unlock()
}

func (e *Engine) noteSuccess() {
	e.healthMu.Lock()
	e.lastSuccess = time.Now()
	e.healthMu.Unlock()
}
