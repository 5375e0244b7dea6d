package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/itinera/internal/domain"
)

// Request payload limits.
const (
	MinPromptLength = 3
	MaxPromptLength = 2000
	MaxInterests    = 20
	MaxInterestLen  = 50
	MinDurationDays = 1
	MaxDurationDays = 14
	maxShortField   = 100
)

// ItineraryRequest is the validated client payload.
type ItineraryRequest struct {
	Prompt       string   `json:"prompt"`
	Interests    []string `json:"interests,omitempty"`
	DurationDays *int     `json:"durationDays,omitempty"`
	Budget       string   `json:"budget,omitempty"`
	Pax          string   `json:"pax,omitempty"`
	Location     string   `json:"location,omitempty"`
}

// Preferences returns the session preferences carried by the request.
func (r ItineraryRequest) Preferences() domain.Preferences {
	p := domain.Preferences{
		Interests: append([]string{}, r.Interests...),
		Budget:    r.Budget,
		Pax:       r.Pax,
	}
	if r.DurationDays != nil {
		d := *r.DurationDays
		p.DurationDays = &d
	}
	return p
}

// ParseRequest decodes and validates a raw request body. All violations are
// collected into a single *ValidationError.
func ParseRequest(raw []byte) (ItineraryRequest, error) {
	var req ItineraryRequest
	verr := &ValidationError{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		verr.add("_body", "request body must be a JSON object")
		return req, verr
	}

	if v, ok := present(fields, "prompt"); !ok {
		verr.add("prompt", "is required")
	} else if s, err := decodeString(v); err != nil {
		verr.add("prompt", err.Error())
	} else {
		s = strings.TrimSpace(s)
		n := utf8.RuneCountInString(s)
		switch {
		case n < MinPromptLength:
			verr.add("prompt", fmt.Sprintf("must be at least %d characters", MinPromptLength))
		case n > MaxPromptLength:
			verr.add("prompt", fmt.Sprintf("must be at most %d characters", MaxPromptLength))
		}
		req.Prompt = s
	}

	if v, ok := present(fields, "interests"); ok {
		var items []any
		if err := json.Unmarshal(v, &items); err != nil {
			verr.add("interests", "must be an array of strings")
		} else {
			if len(items) > MaxInterests {
				verr.add("interests", fmt.Sprintf("must contain at most %d items", MaxInterests))
			}
			seen := make(map[string]bool, len(items))
			for i, item := range items {
				s, ok := item.(string)
				s = strings.TrimSpace(s)
				switch {
				case !ok:
					verr.add(fmt.Sprintf("interests[%d]", i), "must be a string")
				case s == "":
					verr.add(fmt.Sprintf("interests[%d]", i), "must not be empty")
				case utf8.RuneCountInString(s) > MaxInterestLen:
					verr.add(fmt.Sprintf("interests[%d]", i), fmt.Sprintf("must be at most %d characters", MaxInterestLen))
				case !seen[strings.ToLower(s)]:
					seen[strings.ToLower(s)] = true
					req.Interests = append(req.Interests, s)
				}
			}
		}
	}

	if v, ok := present(fields, "durationDays"); ok {
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(v))
		dec.UseNumber()
		if bytes.HasPrefix(bytes.TrimSpace(v), []byte(`"`)) || dec.Decode(&n) != nil {
			verr.add("durationDays", "must be an integer")
		} else if d, err := n.Int64(); err != nil {
			verr.add("durationDays", "must be an integer")
		} else if d < MinDurationDays || d > MaxDurationDays {
			verr.add("durationDays", fmt.Sprintf("must be between %d and %d", MinDurationDays, MaxDurationDays))
		} else {
			days := int(d)
			req.DurationDays = &days
		}
	}

	req.Budget = optionalString(fields, "budget", verr)
	req.Pax = optionalString(fields, "pax", verr)
	req.Location = optionalString(fields, "location", verr)

	if len(verr.FieldErrors) > 0 {
		return ItineraryRequest{}, verr
	}
	return req, nil
}

// present returns the raw value for key when it exists and is not null.
func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	v, ok := fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil, false
	}
	return v, true
}

func decodeString(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("must be a string")
	}
	return s, nil
}

func optionalString(fields map[string]json.RawMessage, key string, verr *ValidationError) string {
	v, ok := present(fields, key)
	if !ok {
		return ""
	}
	s, err := decodeString(v)
	if err != nil {
		verr.add(key, err.Error())
		return ""
	}
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxShortField {
		verr.add(key, fmt.Sprintf("must be at most %d characters", maxShortField))
		return ""
	}
	return s
}
