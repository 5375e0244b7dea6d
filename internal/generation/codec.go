package generation

import (
	"fmt"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/bytedance/sonic"
)

// jsonAPI sorts map keys so encodings are stable across calls.
var jsonAPI = sonic.ConfigStd

func marshalString(v any) (string, error) {
	return jsonAPI.MarshalToString(v)
}

// toItinerary converts a validated document into the typed form.
func toItinerary(doc map[string]any) (*domain.Itinerary, error) {
	raw, err := jsonAPI.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var it domain.Itinerary
	if err := jsonAPI.Unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("decode itinerary: %w", err)
	}
	return &it, nil
}

// parseItinerary turns a raw model response into a schema-valid itinerary.
// repaired reports whether syntax or structural fixes were needed. title is
// used when the response carries days but no title.
func parseItinerary(content, title string) (it *domain.Itinerary, errs FieldErrors, repaired bool) {
	body := extractJSON(content)
	if body == "" {
		return nil, FieldErrors{{Field: "$", Message: "response contained no JSON object or day list"}}, false
	}

	var doc any
	if err := jsonAPI.UnmarshalFromString(body, &doc); err != nil {
		cleaned := cleanJSON(body)
		if err := jsonAPI.UnmarshalFromString(cleaned, &doc); err != nil {
			return nil, FieldErrors{{Field: "$", Message: "invalid JSON: " + err.Error()}}, false
		}
		repaired = true
	}

	if errs = ValidateDocument(doc); len(errs) == 0 {
		it, err := toItinerary(doc.(map[string]any))
		if err != nil {
			return nil, FieldErrors{{Field: "$", Message: err.Error()}}, repaired
		}
		return it, nil, repaired
	}

	fixed, changed := repairDocument(doc)
	if fixed == nil {
		return nil, errs, repaired
	}
	if t, present := fixed["title"]; title != "" && (!present || t == "") {
		fixed["title"] = title
		changed = true
	}
	if errs2 := ValidateDocument(fixed); len(errs2) > 0 {
		return nil, errs2, repaired
	}
	it, err := toItinerary(fixed)
	if err != nil {
		return nil, FieldErrors{{Field: "$", Message: err.Error()}}, repaired
	}
	return it, nil, repaired || changed
}
