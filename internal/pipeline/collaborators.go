// Package pipeline sequences the itinerary stages against one request
// session: initialization, context gathering, retrieval and composition.
package pipeline

import (
	"context"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/generation"
)

// AuthSession is the resolved caller identity.
type AuthSession struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// AuthProvider resolves the caller from ambient request state.
type AuthProvider interface {
	ResolveSession(ctx context.Context) (AuthSession, bool)
}

// CreditService tracks per-user usage allowances.
type CreditService interface {
	GetBalance(ctx context.Context, userID string) (domain.Balance, error)
	Consume(ctx context.Context, userID string, amount int, service string) error
}

// WeatherProvider returns current weather for a free-text location. A nil
// snapshot with nil error means no data.
type WeatherProvider interface {
	GetWeather(ctx context.Context, query string) (*domain.WeatherSnapshot, error)
}

// Geocoder resolves an area name into coordinates. ok is false when the area
// is unknown.
type Geocoder interface {
	Resolve(ctx context.Context, area string) (lat, lon float64, ok bool, err error)
}

// TrafficReading is a provider's traffic observation at a point.
type TrafficReading struct {
	Level               domain.TrafficLevel
	RecommendationScore *float64
	Raw                 map[string]any
}

// TrafficProvider reports traffic conditions at coordinates.
type TrafficProvider interface {
	GetTrafficAt(ctx context.Context, lat, lon float64) (TrafficReading, error)
}

// Generator produces schema-valid itineraries.
type Generator interface {
	GenerateGuaranteedJSON(ctx context.Context, req generation.Request) (*generation.Result, error)
}

// PostProcessor turns engine output into the final itinerary document.
type PostProcessor interface {
	Normalize(ctx context.Context, it *domain.Itinerary, prompt string, durationDays int, peakHours string) (*domain.Itinerary, error)
}

// SessionLifecycle is the slice of the initializer the coordinator drives.
type SessionLifecycle interface {
	Initialize(ctx context.Context, raw []byte) (*InitResult, error)
	MarkInProgress(ctx context.Context, id string) (*domain.RequestSession, error)
	FailSession(ctx context.Context, id, message, detail string) (*domain.RequestSession, error)
}

// ContextStage enriches a session with environmental context.
type ContextStage interface {
	Execute(ctx context.Context, sessionID string, req ItineraryRequest) (*domain.RequestSession, error)
}

// Retriever selects candidate content for a session and writes the
// retrieval result. Its scoring is opaque to the pipeline.
type Retriever interface {
	Execute(ctx context.Context, sessionID string) (*domain.RequestSession, error)
}

// CompositionStage produces the final itinerary for a session.
type CompositionStage interface {
	Execute(ctx context.Context, sessionID string) (*domain.RequestSession, error)
}

const (
	agentCoordinator = "coordinator"
	agentContext     = "context-scout"
	agentComposer    = "itinerary-composer"
	stageFatal       = "fatal"

	creditService = "itinerary"
)
