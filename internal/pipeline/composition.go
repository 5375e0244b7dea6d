package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/generation"
	"github.com/ashureev/itinera/internal/session"
)

// Composer builds the detailed prompt, runs guaranteed generation and
// post-processes the result into the final itinerary.
type Composer struct {
	store     session.Store
	generator Generator
	post      PostProcessor
	logger    *slog.Logger
	timeZone  *time.Location
	now       func() time.Time
}

// NewComposer creates the composition stage. post defaults to
// DefaultPostProcessor.
func NewComposer(store session.Store, generator Generator, post PostProcessor, timeZone *time.Location, logger *slog.Logger) *Composer {
	if post == nil {
		post = DefaultPostProcessor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		store:     store,
		generator: generator,
		post:      post,
		logger:    logger,
		timeZone:  timeZone,
		now:       time.Now,
	}
}

// Execute composes the itinerary and completes the session.
func (c *Composer) Execute(ctx context.Context, sessionID string) (*domain.RequestSession, error) {
	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		err = fmt.Errorf("load session: %w", err)
		c.recordFailure(ctx, sessionID, err)
		return nil, err
	}

	result, err := c.compose(ctx, s)
	if err != nil {
		c.recordFailure(ctx, sessionID, err)
		return nil, err
	}

	updated, err := c.store.Update(ctx, sessionID, func(rs *domain.RequestSession) error {
		rs.Itinerary = result
		rs.Status = domain.StatusCompleted
		return nil
	})
	if err != nil {
		c.recordFailure(ctx, sessionID, err)
		return nil, fmt.Errorf("write itinerary: %w", err)
	}
	return updated, nil
}

func (c *Composer) compose(ctx context.Context, s *domain.RequestSession) (*domain.ItineraryResult, error) {
	sample, ok := s.Retrieval.SampleItinerary()
	if !ok {
		return nil, ErrSampleItineraryMissing
	}

	peak := ""
	if s.Context != nil {
		peak = s.Context.PeakHours
	}
	if peak == "" {
		peak = PeakHoursContext(c.now(), c.timeZone)
	}

	days := s.Preferences.Days(0)
	detailed := BuildDetailedPrompt(s, sample)
	res, err := c.generator.GenerateGuaranteedJSON(ctx, generation.Request{
		Prompt:            detailed,
		SampleItinerary:   sample,
		WeatherContext:    WeatherContext(s.Context),
		PeakHoursContext:  peak,
		AdditionalContext: AdditionalContext(s.Preferences),
		CorrelationID:     s.ID,
		DurationDays:      days,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &UpstreamTimeoutError{Service: "generation", Err: err}
		}
		return nil, &GenerationFailure{Retryable: !errors.Is(err, context.Canceled), Err: err}
	}
	if res == nil || res.Itinerary == nil {
		return nil, &GenerationFailure{Retryable: true, Err: errors.New("generator returned no itinerary")}
	}

	final, err := c.post.Normalize(ctx, res.Itinerary, s.Prompt, days, peak)
	if err != nil {
		return nil, &ParsingFailure{Err: err}
	}
	if errs := generation.ValidateItinerary(final); len(errs) > 0 {
		return nil, &ParsingFailure{Err: errs}
	}

	c.logger.Info("Itinerary composed",
		"session_id", s.ID,
		"outcome", res.Outcome,
		"attempts", res.Attempts,
		"days", len(final.Days))
	return &domain.ItineraryResult{
		JSON:             final,
		Prompt:           detailed,
		RawModelResponse: res.Raw,
	}, nil
}

func (c *Composer) recordFailure(ctx context.Context, sessionID string, err error) {
	entry := domain.ErrorEntry{
		Agent:     agentComposer,
		Stage:     stageFatal,
		Message:   err.Error(),
		Detail:    Kind(err),
		Timestamp: c.now(),
	}
	if _, aerr := c.store.AppendError(context.WithoutCancel(ctx), sessionID, entry); aerr != nil {
		c.logger.Error("Failed to record composition failure", "session_id", sessionID, "error", aerr)
	}
}

// BuildDetailedPrompt combines the user request, preferences, raw weather
// and the sample itinerary into the generation prompt.
func BuildDetailedPrompt(s *domain.RequestSession, sample map[string]any) string {
	var b strings.Builder
	b.WriteString("Travel request: ")
	b.WriteString(s.Prompt)
	b.WriteString("\n")

	p := s.Preferences
	if len(p.Interests) > 0 {
		fmt.Fprintf(&b, "Interests: %s\n", strings.Join(p.Interests, ", "))
	}
	if d := p.Days(0); d > 0 {
		fmt.Fprintf(&b, "Duration: exactly %d day(s)\n", d)
	}
	if p.Budget != "" {
		fmt.Fprintf(&b, "Budget: %s\n", p.Budget)
	}
	if p.Pax != "" {
		fmt.Fprintf(&b, "Travellers: %s\n", p.Pax)
	}

	if s.Context != nil && s.Context.Weather != nil && len(s.Context.Weather.Raw) > 0 {
		if raw, err := json.Marshal(s.Context.Weather.Raw); err == nil {
			fmt.Fprintf(&b, "Raw weather data: %s\n", raw)
		}
	}
	if s.Context != nil {
		for _, t := range s.Context.Traffic {
			if t.Level != domain.TrafficUnknown {
				fmt.Fprintf(&b, "Traffic near %s: %s\n", t.Area, t.Level)
			}
		}
	}

	if raw, err := json.Marshal(sample); err == nil {
		fmt.Fprintf(&b, "Reference itinerary to adapt:\n%s\n", raw)
	}
	return b.String()
}

// WeatherContext renders the weather snapshot as one line.
func WeatherContext(c *domain.ContextData) string {
	if c == nil || c.Weather == nil {
		return "Weather unavailable."
	}
	desc := c.Weather.Description
	if desc == "" {
		desc = "conditions unknown"
	}
	return fmt.Sprintf("%s, %.1f°C", desc, c.Weather.TemperatureC)
}

// AdditionalContext renders the remaining preferences for the model.
func AdditionalContext(p domain.Preferences) string {
	var parts []string
	if d := p.Days(0); d > 0 {
		parts = append(parts, fmt.Sprintf("Plan exactly %d day(s).", d))
	}
	if p.Budget != "" {
		parts = append(parts, "Budget: "+p.Budget+".")
	}
	if p.Pax != "" {
		parts = append(parts, "Travellers: "+p.Pax+".")
	}
	if len(p.Interests) > 0 {
		parts = append(parts, "Favour: "+strings.Join(p.Interests, ", ")+".")
	}
	return strings.Join(parts, " ")
}

// DefaultPostProcessor trims the itinerary to the requested duration,
// renumbers days, orders clock-time activities and de-duplicates tips.
type DefaultPostProcessor struct{}

// Normalize implements PostProcessor.
func (DefaultPostProcessor) Normalize(_ context.Context, it *domain.Itinerary, prompt string, durationDays int, peakHours string) (*domain.Itinerary, error) {
	if it == nil {
		return nil, errors.New("no itinerary to normalize")
	}
	out := it.Clone()
	out.Title = strings.TrimSpace(out.Title)
	if out.Title == "" {
		out.Title = "Itinerary: " + strings.Join(strings.Fields(prompt), " ")
	}
	out.Summary = strings.TrimSpace(out.Summary)

	if durationDays > 0 && len(out.Days) > durationDays {
		out.Days = out.Days[:durationDays]
	}
	for i := range out.Days {
		out.Days[i].Day = i + 1
		out.Days[i].Theme = strings.TrimSpace(out.Days[i].Theme)
		sortByClock(out.Days[i].Activities)
	}

	tips := make([]string, 0, len(out.Tips)+1)
	seen := make(map[string]bool, len(out.Tips)+1)
	add := func(tip string) {
		tip = strings.TrimSpace(tip)
		key := strings.ToLower(tip)
		if tip == "" || seen[key] {
			return
		}
		seen[key] = true
		tips = append(tips, tip)
	}
	for _, t := range out.Tips {
		add(t)
	}
	if peakHours != "" {
		add("Timing: " + peakHours)
	}
	out.Tips = tips
	if len(out.Tips) == 0 {
		out.Tips = nil
	}
	return out, nil
}

// sortByClock orders activities by start time when every time is HH:MM.
func sortByClock(acts []domain.Activity) {
	for _, a := range acts {
		if _, err := time.Parse("15:04", a.Time); err != nil || len(a.Time) != 5 {
			return
		}
	}
	sort.SliceStable(acts, func(i, j int) bool { return acts[i].Time < acts[j].Time })
}
