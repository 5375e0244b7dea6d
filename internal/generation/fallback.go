package generation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/itinera/internal/domain"
)

const maxTitleRunes = 80

// buildFallback produces a schema-valid itinerary without the model. The
// sample itinerary is used when it can be repaired into shape; otherwise a
// day-by-day skeleton is derived from the request.
func buildFallback(req Request) *domain.Itinerary {
	days := req.DurationDays
	if days < 1 {
		days = 1
	}

	if it := fromSample(req.SampleItinerary, days); it != nil {
		return it
	}
	return skeleton(req.Prompt, days, sampleActivityNames(req.SampleItinerary))
}

func fromSample(sample map[string]any, days int) *domain.Itinerary {
	if len(sample) == 0 {
		return nil
	}
	doc, _ := repairDocument(domain.CloneMap(sample))
	if doc == nil || len(ValidateDocument(doc)) > 0 {
		return nil
	}
	it, err := toItinerary(doc)
	if err != nil {
		return nil
	}
	fitDays(it, days)
	if len(ValidateItinerary(it)) > 0 {
		return nil
	}
	return it
}

// fitDays trims or cycles the day list to exactly n days, numbered 1..n.
func fitDays(it *domain.Itinerary, n int) {
	if len(it.Days) == 0 {
		return
	}
	src := it.Days
	out := make([]domain.ItineraryDay, n)
	for i := range out {
		d := src[i%len(src)]
		d.Activities = append([]domain.Activity(nil), d.Activities...)
		d.Day = i + 1
		out[i] = d
	}
	it.Days = out
}

func skeleton(prompt string, days int, names []string) *domain.Itinerary {
	it := &domain.Itinerary{
		Title:   fallbackTitle(prompt),
		Summary: "A simplified plan generated while the detailed planner was unavailable.",
		Days:    make([]domain.ItineraryDay, days),
		Tips:    []string{"Confirm opening hours before visiting."},
	}
	next := 0
	for i := range it.Days {
		day := domain.ItineraryDay{Day: i + 1, Theme: fmt.Sprintf("Day %d", i+1)}
		for j, slotName := range []string{"morning", "afternoon", "evening"} {
			name := fmt.Sprintf("Free exploration (%s)", slotName)
			if len(names) > 0 {
				name = names[next%len(names)]
				next++
			} else if j > 0 {
				continue
			}
			day.Activities = append(day.Activities, domain.Activity{Time: slotName, Name: name})
		}
		it.Days[i] = day
	}
	return it
}

// sampleActivityNames harvests any activity names from a sample that failed
// validation, so the skeleton still reflects retrieved content.
func sampleActivityNames(sample map[string]any) []string {
	days, _ := sample["days"].([]any)
	var names []string
	for _, d := range days {
		day, _ := d.(map[string]any)
		acts, _ := day["activities"].([]any)
		for _, a := range acts {
			act, _ := a.(map[string]any)
			if name, ok := act["name"].(string); ok && strings.TrimSpace(name) != "" {
				names = append(names, strings.TrimSpace(name))
			}
		}
	}
	return names
}

func fallbackTitle(prompt string) string {
	if p := strings.Join(strings.Fields(prompt), " "); p != "" {
		return "Itinerary: " + truncateRunes(p, maxTitleRunes)
	}
	return "Travel itinerary"
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "..."
}
