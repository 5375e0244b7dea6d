package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/pipeline"
)

// HTTPTraffic queries a JSON traffic endpoint:
//
//	GET {url}?lat=..&lon=..  ->  {"trafficLevel": "HIGH", "recommendationScore": 0.4, ...}
//
// "level" and "congestion" are accepted in place of "trafficLevel".
type HTTPTraffic struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPTraffic creates a traffic client. apiKey is sent as a bearer token
// when set.
func NewHTTPTraffic(endpoint, apiKey string, timeout time.Duration) *HTTPTraffic {
	return &HTTPTraffic{url: endpoint, apiKey: apiKey, client: newClient(timeout)}
}

// GetTrafficAt implements pipeline.TrafficProvider.
func (t *HTTPTraffic) GetTrafficAt(ctx context.Context, lat, lon float64) (pipeline.TrafficReading, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', 5, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 5, 64))

	sep := "?"
	if strings.Contains(t.url, "?") {
		sep = "&"
	}
	var header http.Header
	if t.apiKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + t.apiKey}}
	}

	var raw map[string]any
	if err := getJSON(ctx, t.client, "traffic", t.url+sep+q.Encode(), header, &raw); err != nil {
		return pipeline.TrafficReading{}, err
	}
	return readingFromRaw(raw)
}

func readingFromRaw(raw map[string]any) (pipeline.TrafficReading, error) {
	if raw == nil {
		return pipeline.TrafficReading{}, fmt.Errorf("traffic response is empty")
	}
	level := domain.TrafficUnknown
	for _, key := range []string{"trafficLevel", "level", "congestion"} {
		if s, ok := raw[key].(string); ok {
			level = domain.ParseTrafficLevel(strings.TrimSpace(s))
			break
		}
	}

	reading := pipeline.TrafficReading{Level: level, Raw: raw}
	if score, ok := raw["recommendationScore"].(float64); ok {
		reading.RecommendationScore = &score
	}
	return reading, nil
}

// ClockTraffic estimates congestion from the local time of day. It is used
// when no traffic endpoint is configured.
type ClockTraffic struct {
	Location *time.Location
	Now      func() time.Time
}

// GetTrafficAt implements pipeline.TrafficProvider.
func (c ClockTraffic) GetTrafficAt(_ context.Context, lat, lon float64) (pipeline.TrafficReading, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	t := now().In(loc)
	level, score := EstimateTraffic(t)
	return pipeline.TrafficReading{
		Level:               level,
		RecommendationScore: &score,
		Raw: map[string]any{
			"source":    "clock-estimate",
			"localTime": t.Format("Mon 15:04"),
			"lat":       lat,
			"lon":       lon,
		},
	}, nil
}

// EstimateTraffic returns a congestion level and a 0..1 score for visiting
// now (higher is better).
func EstimateTraffic(t time.Time) (domain.TrafficLevel, float64) {
	h := t.Hour()
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		if h >= 11 && h < 17 {
			return domain.TrafficModerate, 0.6
		}
		return domain.TrafficLow, 0.9
	}
	switch {
	case (h >= 7 && h < 10) || (h >= 17 && h < 20):
		return domain.TrafficHigh, 0.3
	case h >= 10 && h < 17:
		return domain.TrafficModerate, 0.6
	default:
		return domain.TrafficLow, 0.9
	}
}
