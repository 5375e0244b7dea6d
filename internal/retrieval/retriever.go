package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/session"
)

const defaultTopK = 3

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "in": true, "a": true,
	"an": true, "of": true, "to": true, "on": true, "my": true, "we": true,
	"our": true, "days": true, "day": true, "trip": true, "plan": true,
	"week": true, "weekend": true, "some": true, "want": true, "like": true,
}

// CatalogRetriever scores catalog entries against a session's prompt and
// interests and writes the best matches as the session's retrieval result.
type CatalogRetriever struct {
	store   session.Store
	catalog *Catalog
	topK    int
	logger  *slog.Logger
}

// NewCatalogRetriever creates a retriever. topK <= 0 keeps three candidates.
func NewCatalogRetriever(store session.Store, catalog *Catalog, topK int, logger *slog.Logger) *CatalogRetriever {
	if topK <= 0 {
		topK = defaultTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogRetriever{store: store, catalog: catalog, topK: topK, logger: logger}
}

// Execute writes the retrieval result for sessionID.
func (r *CatalogRetriever) Execute(ctx context.Context, sessionID string) (*domain.RequestSession, error) {
	s, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	result := r.Search(s.Prompt, s.Preferences)
	updated, err := r.store.Update(ctx, sessionID, func(rs *domain.RequestSession) error {
		rs.Retrieval = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("write retrieval: %w", err)
	}

	r.logger.Info("Retrieval finished",
		"session_id", sessionID,
		"candidates", len(result.Candidates),
		"coverage", result.CoverageScore)
	return updated, nil
}

type scored struct {
	entry   Entry
	score   float64
	matched map[string]bool
}

// Search ranks the catalog for a prompt. The result always carries a sample
// itinerary when the catalog has a usable fallback entry.
func (r *CatalogRetriever) Search(prompt string, prefs domain.Preferences) *domain.RetrievalResult {
	terms := tokenize(prompt + " " + strings.Join(prefs.Interests, " "))
	expanded := r.expand(prompt, prefs.Interests)
	days := prefs.Days(0)

	var ranked []scored
	for _, e := range r.catalog.Entries {
		sc := r.score(e, terms, days)
		if sc.score > 0 {
			ranked = append(ranked, sc)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > r.topK {
		ranked = ranked[:r.topK]
	}

	result := &domain.RetrievalResult{
		Candidates:      make([]domain.Candidate, 0, len(ranked)),
		ExpandedQueries: expanded,
		Metadata:        map[string]any{},
	}
	matched := map[string]bool{}
	for _, sc := range ranked {
		result.Candidates = append(result.Candidates, domain.Candidate{
			ID:    sc.entry.ID,
			Title: sc.entry.Title,
			Score: math.Round(sc.score*1000) / 1000,
			Data: map[string]any{
				"destination": sc.entry.Destination,
				"tags":        append([]string(nil), sc.entry.Tags...),
				"days":        sc.entry.Days,
			},
		})
		for t := range sc.matched {
			matched[t] = true
		}
	}
	if len(terms) > 0 {
		result.CoverageScore = math.Round(float64(len(matched))/float64(len(terms))*1000) / 1000
	}

	sample, source := r.pickSample(ranked)
	if sample != nil {
		result.Metadata[domain.MetadataSampleItinerary] = domain.CloneMap(sample)
		result.Metadata["sampleSource"] = source
	}
	return result
}

func (r *CatalogRetriever) pickSample(ranked []scored) (map[string]any, string) {
	for _, sc := range ranked {
		if len(sc.entry.Itinerary) > 0 {
			return sc.entry.Itinerary, sc.entry.ID
		}
	}
	if e, ok := r.catalog.entry(r.catalog.FallbackID); ok && len(e.Itinerary) > 0 {
		return e.Itinerary, e.ID
	}
	return nil, ""
}

// score weighs a destination hit over tag hits, and tag hits over aliases.
func (r *CatalogRetriever) score(e Entry, terms []string, days int) scored {
	sc := scored{entry: e, matched: map[string]bool{}}
	if len(terms) == 0 {
		return sc
	}
	termSet := make(map[string]bool, len(terms))
	for _, t := range terms {
		termSet[t] = true
	}

	if e.Destination != "" {
		dest := tokenize(e.Destination)
		hit := len(dest) > 0
		for _, d := range dest {
			hit = hit && termSet[d]
		}
		if hit {
			sc.score += 3
			for _, d := range dest {
				sc.matched[d] = true
			}
		}
	}
	for _, a := range e.Aliases {
		if termSet[strings.ToLower(a)] {
			sc.score += 1.5
			sc.matched[strings.ToLower(a)] = true
		}
	}
	for _, tag := range e.Tags {
		tag = strings.ToLower(tag)
		if termSet[tag] {
			sc.score++
			sc.matched[tag] = true
			continue
		}
		for _, syn := range r.catalog.Synonyms[tag] {
			if termSet[strings.ToLower(syn)] {
				sc.score += 0.5
				sc.matched[strings.ToLower(syn)] = true
				break
			}
		}
	}
	if sc.score > 0 && days > 0 && e.Days >= days {
		sc.score += 0.25
	}
	return sc
}

// expand returns the original prompt followed by interest-focused variants.
func (r *CatalogRetriever) expand(prompt string, interests []string) []string {
	prompt = strings.TrimSpace(prompt)
	out := []string{prompt}
	seen := map[string]bool{strings.ToLower(prompt): true}
	add := func(q string) {
		if !seen[strings.ToLower(q)] {
			seen[strings.ToLower(q)] = true
			out = append(out, q)
		}
	}
	for _, in := range interests {
		add(prompt + " " + in)
		for _, syn := range r.catalog.Synonyms[strings.ToLower(in)] {
			add(prompt + " " + syn)
		}
	}
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
