// Package retrieval selects sample itineraries from a curated catalog.
package retrieval

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Entry is one curated itinerary in the catalog.
type Entry struct {
	ID          string         `yaml:"id"`
	Title       string         `yaml:"title"`
	Destination string         `yaml:"destination"`
	Aliases     []string       `yaml:"aliases"`
	Tags        []string       `yaml:"tags"`
	Days        int            `yaml:"days"`
	Itinerary   map[string]any `yaml:"itinerary"`
}

// Catalog is the retrieval corpus.
type Catalog struct {
	// FallbackID names the entry used when nothing matches.
	FallbackID string              `yaml:"fallback_id"`
	Synonyms   map[string][]string `yaml:"synonyms"`
	Entries    []Entry             `yaml:"entries"`
}

// LoadCatalog reads a catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// ParseCatalog decodes and checks a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]bool, len(c.Entries))
	for i := range c.Entries {
		e := &c.Entries[i]
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry %d: missing id", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("catalog entry %q: duplicate id", e.ID)
		}
		seen[e.ID] = true

		doc, err := normalize(e.Itinerary)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", e.ID, err)
		}
		e.Itinerary = doc
	}
	if c.FallbackID != "" && !seen[c.FallbackID] {
		return nil, fmt.Errorf("fallback_id %q does not name an entry", c.FallbackID)
	}

	lowered := make(map[string][]string, len(c.Synonyms))
	for k, v := range c.Synonyms {
		lowered[strings.ToLower(k)] = v
	}
	c.Synonyms = lowered
	return &c, nil
}

// normalize converts YAML-decoded values into the shapes encoding/json
// produces, so numbers are float64 like any other decoded document.
func normalize(doc map[string]any) (map[string]any, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("itinerary is not JSON-compatible: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Catalog) entry(id string) (Entry, bool) {
	for _, e := range c.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}
