package domain

import "time"

// TrafficLevel is the congestion bucket reported for a monitored area.
type TrafficLevel string

const (
	TrafficLow      TrafficLevel = "LOW"
	TrafficModerate TrafficLevel = "MODERATE"
	TrafficHigh     TrafficLevel = "HIGH"
	TrafficSevere   TrafficLevel = "SEVERE"
	TrafficUnknown  TrafficLevel = "UNKNOWN"
)

// ParseTrafficLevel maps provider vocabulary onto a TrafficLevel.
func ParseTrafficLevel(s string) TrafficLevel {
	switch TrafficLevel(s) {
	case TrafficLow, TrafficModerate, TrafficHigh, TrafficSevere:
		return TrafficLevel(s)
	}
	switch s {
	case "low", "light", "free_flow":
		return TrafficLow
	case "moderate", "medium":
		return TrafficModerate
	case "high", "heavy":
		return TrafficHigh
	case "severe", "jam", "standstill":
		return TrafficSevere
	}
	return TrafficUnknown
}

// WeatherSnapshot is the weather observed for the request's location.
type WeatherSnapshot struct {
	Description  string         `json:"description"`
	TemperatureC float64        `json:"temperatureC"`
	Raw          map[string]any `json:"raw,omitempty"`
}

// TrafficSnapshot is the traffic reading for one monitored area.
type TrafficSnapshot struct {
	Area                string         `json:"area"`
	Level               TrafficLevel   `json:"trafficLevel"`
	RecommendationScore *float64       `json:"recommendationScore,omitempty"`
	Raw                 map[string]any `json:"raw,omitempty"`
}

// ContextData is the environmental context written by the context stage.
type ContextData struct {
	Weather   *WeatherSnapshot  `json:"weather,omitempty"`
	Traffic   []TrafficSnapshot `json:"traffic"`
	PeakHours string            `json:"peakHoursContext"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// Candidate is one piece of retrieved content.
type Candidate struct {
	ID    string         `json:"id"`
	Title string         `json:"title"`
	Score float64        `json:"score"`
	Data  map[string]any `json:"data,omitempty"`
}

// MetadataSampleItinerary is the retrieval metadata key read by composition.
const MetadataSampleItinerary = "sampleItinerary"

// RetrievalResult is written by the retrieval stage.
type RetrievalResult struct {
	Candidates      []Candidate    `json:"candidates"`
	ExpandedQueries []string       `json:"expandedQueries"`
	CoverageScore   float64        `json:"coverageScore"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// SampleItinerary returns the sample itinerary carried in metadata, if any.
func (r *RetrievalResult) SampleItinerary() (map[string]any, bool) {
	if r == nil || r.Metadata == nil {
		return nil, false
	}
	sample, ok := r.Metadata[MetadataSampleItinerary].(map[string]any)
	if !ok || len(sample) == 0 {
		return nil, false
	}
	return sample, true
}

// ItineraryResult is written by the composition stage.
type ItineraryResult struct {
	JSON             *Itinerary `json:"json"`
	Prompt           string     `json:"prompt"`
	RawModelResponse string     `json:"rawModelResponse"`
}

func (c *ContextData) clone() *ContextData {
	if c == nil {
		return nil
	}
	out := *c
	if c.Weather != nil {
		w := *c.Weather
		w.Raw = CloneMap(c.Weather.Raw)
		out.Weather = &w
	}
	out.Traffic = make([]TrafficSnapshot, len(c.Traffic))
	for i, t := range c.Traffic {
		if t.RecommendationScore != nil {
			score := *t.RecommendationScore
			t.RecommendationScore = &score
		}
		t.Raw = CloneMap(t.Raw)
		out.Traffic[i] = t
	}
	return &out
}

func (r *RetrievalResult) clone() *RetrievalResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Candidates = make([]Candidate, len(r.Candidates))
	for i, c := range r.Candidates {
		c.Data = CloneMap(c.Data)
		out.Candidates[i] = c
	}
	out.ExpandedQueries = append([]string(nil), r.ExpandedQueries...)
	out.Metadata = CloneMap(r.Metadata)
	return &out
}

func (r *ItineraryResult) clone() *ItineraryResult {
	if r == nil {
		return nil
	}
	out := *r
	out.JSON = r.JSON.Clone()
	return &out
}

// CloneMap deep-copies JSON-shaped maps.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
