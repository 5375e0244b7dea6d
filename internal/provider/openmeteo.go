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
)

const (
	DefaultForecastURL = "https://api.open-meteo.com/v1/forecast"
	DefaultGeocodeURL  = "https://geocoding-api.open-meteo.com/v1/search"
)

// OpenMeteo is a keyless weather and geocoding client.
type OpenMeteo struct {
	forecastURL string
	geocodeURL  string
	client      *http.Client
}

// NewOpenMeteo creates a client. Empty URLs use the public endpoints.
func NewOpenMeteo(forecastURL, geocodeURL string, timeout time.Duration) *OpenMeteo {
	if forecastURL == "" {
		forecastURL = DefaultForecastURL
	}
	if geocodeURL == "" {
		geocodeURL = DefaultGeocodeURL
	}
	return &OpenMeteo{
		forecastURL: forecastURL,
		geocodeURL:  geocodeURL,
		client:      newClient(timeout),
	}
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Country   string  `json:"country"`
		Timezone  string  `json:"timezone"`
	} `json:"results"`
}

// Resolve geocodes an area name. Unknown names return ok=false.
func (o *OpenMeteo) Resolve(ctx context.Context, area string) (float64, float64, bool, error) {
	area = strings.TrimSpace(area)
	if area == "" {
		return 0, 0, false, nil
	}
	q := url.Values{}
	q.Set("name", area)
	q.Set("count", "1")
	q.Set("language", "en")
	q.Set("format", "json")

	var resp geocodeResponse
	if err := getJSON(ctx, o.client, "geocoding", o.geocodeURL+"?"+q.Encode(), nil, &resp); err != nil {
		return 0, 0, false, err
	}
	if len(resp.Results) == 0 {
		return 0, 0, false, nil
	}
	r := resp.Results[0]
	return r.Latitude, r.Longitude, true, nil
}

type forecastResponse struct {
	Timezone string         `json:"timezone"`
	Current  map[string]any `json:"current"`
}

// GetWeather returns current conditions for a place name, or nil when the
// place cannot be geocoded.
func (o *OpenMeteo) GetWeather(ctx context.Context, query string) (*domain.WeatherSnapshot, error) {
	lat, lon, ok, err := o.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("current", "temperature_2m,apparent_temperature,precipitation,weather_code,wind_speed_10m")
	q.Set("timezone", "auto")

	var resp forecastResponse
	if err := getJSON(ctx, o.client, "weather", o.forecastURL+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Current) == 0 {
		return nil, fmt.Errorf("weather response has no current conditions")
	}

	raw := domain.CloneMap(resp.Current)
	raw["location"] = query
	raw["latitude"] = lat
	raw["longitude"] = lon
	if resp.Timezone != "" {
		raw["timezone"] = resp.Timezone
	}

	temp, _ := resp.Current["temperature_2m"].(float64)
	code := -1
	if c, ok := resp.Current["weather_code"].(float64); ok {
		code = int(c)
	}
	return &domain.WeatherSnapshot{
		Description:  DescribeWeatherCode(code),
		TemperatureC: temp,
		Raw:          raw,
	}, nil
}

// DescribeWeatherCode maps a WMO weather interpretation code to text.
func DescribeWeatherCode(code int) string {
	switch {
	case code == 0:
		return "Clear sky"
	case code >= 1 && code <= 3:
		return "Partly cloudy"
	case code == 45 || code == 48:
		return "Fog"
	case code >= 51 && code <= 57:
		return "Drizzle"
	case code >= 61 && code <= 67:
		return "Rain"
	case code >= 71 && code <= 77:
		return "Snow"
	case code >= 80 && code <= 82:
		return "Rain showers"
	case code == 85 || code == 86:
		return "Snow showers"
	case code >= 95:
		return "Thunderstorm"
	default:
		return "Unknown conditions"
	}
}
