package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/retry"
	"github.com/ashureev/itinera/internal/session"
	"golang.org/x/sync/errgroup"
)

// ScoutConfig tunes the context gatherer.
type ScoutConfig struct {
	// Locations are the monitored areas; only the first MaxLocations are queried.
	Locations       []string
	MaxLocations    int
	DefaultLocation string
	BranchTimeout   time.Duration
	Attempts        int
	RetryDelay      time.Duration
	TimeZone        *time.Location
}

// ContextScout gathers weather, traffic and peak-hours context concurrently
// and tolerates the failure of any single source.
type ContextScout struct {
	store    session.Store
	weather  WeatherProvider
	geocoder Geocoder
	traffic  TrafficProvider
	cfg      ScoutConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewContextScout creates a context gatherer. Any provider may be nil, in
// which case its branch yields no data.
func NewContextScout(store session.Store, weather WeatherProvider, geocoder Geocoder, traffic TrafficProvider, cfg ScoutConfig, logger *slog.Logger) *ContextScout {
	if cfg.MaxLocations <= 0 {
		cfg.MaxLocations = 3
	}
	if cfg.BranchTimeout <= 0 {
		cfg.BranchTimeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextScout{
		store:    store,
		weather:  weather,
		geocoder: geocoder,
		traffic:  traffic,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute gathers context for the session, writes it and advances the
// session to in_progress.
func (c *ContextScout) Execute(ctx context.Context, sessionID string, req ItineraryRequest) (*domain.RequestSession, error) {
	data := c.Gather(ctx, req)

	updated, err := c.store.Update(ctx, sessionID, func(s *domain.RequestSession) error {
		s.Context = data
		if s.Status == domain.StatusPending {
			s.Status = domain.StatusInProgress
		}
		return nil
	})
	if err != nil {
		c.recordFailure(ctx, sessionID, err)
		return nil, fmt.Errorf("write context: %w", err)
	}

	c.logger.Info("Context gathered",
		"session_id", sessionID,
		"weather", data.Weather != nil,
		"traffic_areas", len(data.Traffic))
	return updated, nil
}

// Gather runs every source concurrently and joins them. It never fails;
// failed sources degrade to empty or UNKNOWN entries.
func (c *ContextScout) Gather(ctx context.Context, req ItineraryRequest) *domain.ContextData {
	locations := c.cfg.Locations
	if len(locations) > c.cfg.MaxLocations {
		locations = locations[:c.cfg.MaxLocations]
	}

	var (
		weather *domain.WeatherSnapshot
		peak    string
		traffic = make([]*domain.TrafficSnapshot, len(locations))
	)

	// Branches always return nil so one failure never cancels its siblings.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		weather = c.fetchWeather(gctx, req)
		return nil
	})
	for i, area := range locations {
		g.Go(func() error {
			traffic[i] = c.fetchTraffic(gctx, area)
			return nil
		})
	}
	g.Go(func() error {
		peak = PeakHoursContext(c.now(), c.cfg.TimeZone)
		return nil
	})
	_ = g.Wait()

	data := &domain.ContextData{
		Weather:   weather,
		Traffic:   []domain.TrafficSnapshot{},
		PeakHours: peak,
		FetchedAt: c.now(),
	}
	for _, t := range traffic {
		if t != nil {
			data.Traffic = append(data.Traffic, *t)
		}
	}
	return data
}

func (c *ContextScout) fetchWeather(ctx context.Context, req ItineraryRequest) (out *domain.WeatherSnapshot) {
	if c.weather == nil {
		return nil
	}
	query := req.Location
	if query == "" {
		query = c.cfg.DefaultLocation
	}
	if query == "" {
		return nil
	}
	defer c.recoverBranch("weather", func() { out = nil })

	w, err := callProvider(ctx, c, "weather", func(ctx context.Context) (*domain.WeatherSnapshot, error) {
		return c.weather.GetWeather(ctx, query)
	})
	if err != nil {
		c.logger.Warn("Weather lookup failed", "location", query, "error", asTimeout("weather", err))
		return nil
	}
	return w
}

func (c *ContextScout) fetchTraffic(ctx context.Context, area string) (out *domain.TrafficSnapshot) {
	if c.geocoder == nil || c.traffic == nil {
		return nil
	}
	defer c.recoverBranch("traffic", func() { out = unknownTraffic(area, fmt.Errorf("traffic lookup panicked")) })

	type point struct {
		lat, lon float64
		ok       bool
	}
	p, err := callProvider(ctx, c, "geocode", func(ctx context.Context) (point, error) {
		lat, lon, ok, err := c.geocoder.Resolve(ctx, area)
		return point{lat, lon, ok}, err
	})
	if err != nil || !p.ok {
		c.logger.Debug("Area not resolved, skipping", "area", area, "error", err)
		return nil
	}

	reading, err := callProvider(ctx, c, "traffic", func(ctx context.Context) (TrafficReading, error) {
		return c.traffic.GetTrafficAt(ctx, p.lat, p.lon)
	})
	if err != nil {
		err = asTimeout("traffic", err)
		c.logger.Warn("Traffic lookup failed", "area", area, "error", err)
		return unknownTraffic(area, err)
	}

	level := reading.Level
	if level == "" {
		level = domain.TrafficUnknown
	}
	return &domain.TrafficSnapshot{
		Area:                area,
		Level:               level,
		RecommendationScore: reading.RecommendationScore,
		Raw:                 reading.Raw,
	}
}

func unknownTraffic(area string, err error) *domain.TrafficSnapshot {
	return &domain.TrafficSnapshot{
		Area:  area,
		Level: domain.TrafficUnknown,
		Raw:   map[string]any{"error": err.Error()},
	}
}

// callProvider wraps one provider request in a per-branch timeout and
// bounded retry.
func callProvider[T any](ctx context.Context, c *ContextScout, name string, op retry.Op[T]) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BranchTimeout)
	defer cancel()
	return retry.Do(ctx, op, c.cfg.Attempts, c.cfg.RetryDelay,
		retry.WithJitter(0.2),
		retry.WithName(name, c.logger))
}

func (c *ContextScout) recoverBranch(name string, fallback func()) {
	if r := recover(); r != nil {
		c.logger.Error("Context branch panicked", "branch", name, "panic", r)
		fallback()
	}
}

// recordFailure appends a fatal context-scout entry. The session may be gone.
func (c *ContextScout) recordFailure(ctx context.Context, sessionID string, err error) {
	entry := domain.ErrorEntry{
		Agent:     agentContext,
		Stage:     stageFatal,
		Message:   err.Error(),
		Detail:    Kind(err),
		Timestamp: c.now(),
	}
	if _, aerr := c.store.AppendError(context.WithoutCancel(ctx), sessionID, entry); aerr != nil {
		c.logger.Error("Failed to record context failure", "session_id", sessionID, "error", aerr)
	}
}
