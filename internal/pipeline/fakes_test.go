package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/generation"
	"github.com/ashureev/itinera/internal/session"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAuth struct{ userID string }

func (a fakeAuth) ResolveSession(context.Context) (AuthSession, bool) {
	if a.userID == "" {
		return AuthSession{}, false
	}
	return AuthSession{UserID: a.userID, Username: "guest"}, true
}

type fakeCredits struct {
	mu        sync.Mutex
	remaining int
	consumed  int
}

func (c *fakeCredits) GetBalance(_ context.Context, userID string) (domain.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.NewBalance(userID, "2026-10-16", c.remaining+c.consumed, c.consumed), nil
}

func (c *fakeCredits) Consume(_ context.Context, _ string, amount int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumed += amount
	c.remaining -= amount
	return nil
}

type fakeWeather struct {
	snap *domain.WeatherSnapshot
	err  error
}

func (w fakeWeather) GetWeather(context.Context, string) (*domain.WeatherSnapshot, error) {
	return w.snap, w.err
}

type fakeGeocoder map[string][2]float64

func (g fakeGeocoder) Resolve(_ context.Context, area string) (float64, float64, bool, error) {
	p, ok := g[area]
	return p[0], p[1], ok, nil
}

// fakeTraffic answers by latitude.
type fakeTraffic struct {
	mu      sync.Mutex
	levels  map[float64]domain.TrafficLevel
	failing map[float64]error
	calls   int
}

func (t *fakeTraffic) GetTrafficAt(_ context.Context, lat, _ float64) (TrafficReading, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if err, ok := t.failing[lat]; ok {
		return TrafficReading{}, err
	}
	score := 0.8
	return TrafficReading{Level: t.levels[lat], RecommendationScore: &score, Raw: map[string]any{"lat": lat}}, nil
}

// fakeRetriever writes a fixed retrieval result, or fails with err.
type fakeRetriever struct {
	store  session.Store
	sample map[string]any
	err    error
}

func (r *fakeRetriever) Execute(ctx context.Context, id string) (*domain.RequestSession, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.store.Update(ctx, id, func(s *domain.RequestSession) error {
		s.Retrieval = &domain.RetrievalResult{
			Candidates:      []domain.Candidate{{ID: "c1", Title: "Lisbon classics", Score: 0.9}},
			ExpandedQueries: []string{s.Prompt},
			CoverageScore:   0.9,
			Metadata:        map[string]any{domain.MetadataSampleItinerary: domain.CloneMap(r.sample)},
		}
		return nil
	})
}

// getFailingStore refuses reads while still accepting writes.
type getFailingStore struct {
	*session.MemoryStore
	err error
}

func (s getFailingStore) Get(context.Context, string) (*domain.RequestSession, error) {
	return nil, s.err
}

type fakeGenerator struct {
	mu   sync.Mutex
	out  *domain.Itinerary
	err  error
	reqs []generation.Request
}

func (g *fakeGenerator) GenerateGuaranteedJSON(_ context.Context, req generation.Request) (*generation.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	return &generation.Result{Itinerary: g.out.Clone(), Raw: "{}", Attempts: 1, Outcome: generation.OutcomeValid}, nil
}

// recordingPost wraps DefaultPostProcessor and keeps its last output.
type recordingPost struct {
	last *domain.Itinerary
}

func (p *recordingPost) Normalize(ctx context.Context, it *domain.Itinerary, prompt string, days int, peak string) (*domain.Itinerary, error) {
	out, err := DefaultPostProcessor{}.Normalize(ctx, it, prompt, days, peak)
	p.last = out.Clone()
	return out, err
}

// countingLifecycle counts FailSession calls on top of a real Initializer.
type countingLifecycle struct {
	*Initializer
	mu    sync.Mutex
	fails int
}

func (c *countingLifecycle) FailSession(ctx context.Context, id, message, detail string) (*domain.RequestSession, error) {
	c.mu.Lock()
	c.fails++
	c.mu.Unlock()
	return c.Initializer.FailSession(ctx, id, message, detail)
}

func (c *countingLifecycle) failCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fails
}

func threeDayItinerary() *domain.Itinerary {
	return &domain.Itinerary{
		Title: "Lisbon in three days",
		Days: []domain.ItineraryDay{
			{Day: 1, Activities: []domain.Activity{{Time: "14:00", Name: "Alfama"}, {Time: "09:00", Name: "Castle"}}},
			{Day: 2, Activities: []domain.Activity{{Time: "10:00", Name: "Belem"}}},
			{Day: 3, Activities: []domain.Activity{{Time: "10:00", Name: "Sintra"}}},
		},
		Tips: []string{"Wear flat shoes.", "wear flat shoes. "},
	}
}

func sampleDoc() map[string]any {
	return map[string]any{
		"title": "Sample",
		"days": []any{map[string]any{"day": float64(1), "activities": []any{
			map[string]any{"time": "morning", "name": "Tram 28"},
		}}},
	}
}

var errIndexOffline = errors.New("retrieval index offline")

type harness struct {
	store     *session.MemoryStore
	credits   *fakeCredits
	traffic   *fakeTraffic
	retriever *fakeRetriever
	generator *fakeGenerator
	post      *recordingPost
	lifecycle *countingLifecycle
	coord     *Coordinator
}

func newHarness(userID string, remaining int) *harness {
	store := session.NewMemoryStore(nil)
	h := &harness{
		store:   store,
		credits: &fakeCredits{remaining: remaining},
		traffic: &fakeTraffic{
			levels:  map[float64]domain.TrafficLevel{1: domain.TrafficLow, 2: domain.TrafficHigh, 3: domain.TrafficModerate},
			failing: map[float64]error{},
		},
		retriever: &fakeRetriever{store: store, sample: sampleDoc()},
		generator: &fakeGenerator{out: threeDayItinerary()},
		post:      &recordingPost{},
	}

	initializer := NewInitializer(store, fakeAuth{userID: userID}, h.credits, quietLogger())
	h.lifecycle = &countingLifecycle{Initializer: initializer}

	scout := NewContextScout(store,
		fakeWeather{snap: &domain.WeatherSnapshot{Description: "Clear sky", TemperatureC: 21, Raw: map[string]any{"code": 0}}},
		fakeGeocoder{"Baixa": {1, 1}, "Alfama": {2, 2}, "Belem": {3, 3}, "Sintra": {4, 4}},
		h.traffic,
		ScoutConfig{
			Locations:       []string{"Baixa", "Alfama", "Belem", "Sintra"},
			DefaultLocation: "Lisbon",
			Attempts:        2,
			RetryDelay:      1,
		},
		quietLogger())

	composer := NewComposer(store, h.generator, h.post, nil, quietLogger())
	h.coord = NewCoordinator(h.lifecycle, scout, h.retriever, composer, WithCoordinatorLogger(quietLogger()))
	return h
}
