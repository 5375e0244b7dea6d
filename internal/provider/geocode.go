package provider

import (
	"context"
	"strings"

	"github.com/ashureev/itinera/internal/pipeline"
)

// Coordinates is a latitude/longitude pair.
type Coordinates struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// StaticGeocoder resolves names from a fixed table, ignoring case.
type StaticGeocoder map[string]Coordinates

// NewStaticGeocoder builds a geocoder from a name table.
func NewStaticGeocoder(table map[string]Coordinates) StaticGeocoder {
	g := make(StaticGeocoder, len(table))
	for name, c := range table {
		g[normalizeName(name)] = c
	}
	return g
}

// Resolve implements pipeline.Geocoder.
func (g StaticGeocoder) Resolve(_ context.Context, area string) (float64, float64, bool, error) {
	c, ok := g[normalizeName(area)]
	return c.Lat, c.Lon, ok, nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ChainGeocoder asks each geocoder in turn. An error from one geocoder is
// returned only if no later geocoder resolves the area.
type ChainGeocoder []pipeline.Geocoder

// Resolve implements pipeline.Geocoder.
func (c ChainGeocoder) Resolve(ctx context.Context, area string) (float64, float64, bool, error) {
	var firstErr error
	for _, g := range c {
		if g == nil {
			continue
		}
		lat, lon, ok, err := g.Resolve(ctx, area)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return lat, lon, true, nil
		}
	}
	return 0, 0, false, firstErr
}
