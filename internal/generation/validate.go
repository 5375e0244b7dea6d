package generation

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/bytedance/sonic"
)

// FieldError is one schema violation, addressed by a JSON path.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FieldErrors is a list of violations.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, e := range fe {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Validate reports every way raw deviates from the itinerary schema. An
// empty result means raw conforms.
func Validate(raw []byte) FieldErrors {
	var doc any
	if err := sonic.Unmarshal(raw, &doc); err != nil {
		return FieldErrors{{Field: "$", Message: "invalid JSON: " + err.Error()}}
	}
	return ValidateDocument(doc)
}

// ValidateItinerary validates a typed itinerary through its JSON encoding.
func ValidateItinerary(it *domain.Itinerary) FieldErrors {
	if it == nil {
		return FieldErrors{{Field: "$", Message: "itinerary is nil"}}
	}
	raw, err := sonic.Marshal(it)
	if err != nil {
		return FieldErrors{{Field: "$", Message: "encode itinerary: " + err.Error()}}
	}
	return Validate(raw)
}

// ValidateDocument validates a decoded JSON value.
func ValidateDocument(doc any) FieldErrors {
	root, ok := doc.(map[string]any)
	if !ok {
		return FieldErrors{{Field: "$", Message: "must be a JSON object"}}
	}

	var errs FieldErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	requireString(root, "title", "title", true, add)
	requireString(root, "summary", "summary", false, add)

	days, present := root["days"]
	switch list, ok := days.([]any); {
	case !present:
		add("days", "required field is missing")
	case !ok:
		add("days", "must be an array")
	case len(list) == 0:
		add("days", "must contain at least one day")
	default:
		prev := 0
		for i, d := range list {
			path := fmt.Sprintf("days[%d]", i)
			day, ok := d.(map[string]any)
			if !ok {
				add(path, "must be an object")
				continue
			}
			n, ok := integer(day["day"])
			switch {
			case !ok:
				add(path+".day", "must be an integer")
			case n < 1:
				add(path+".day", "must be >= 1")
			case n <= prev:
				add(path+".day", "must be greater than the previous day (%d)", prev)
			}
			if ok {
				prev = n
			}
			requireString(day, "theme", path+".theme", false, add)
			validateActivities(day["activities"], path+".activities", add)
		}
	}

	if tips, present := root["tips"]; present {
		list, ok := tips.([]any)
		if !ok {
			add("tips", "must be an array of strings")
		}
		for i, tip := range list {
			if _, ok := tip.(string); !ok {
				add(fmt.Sprintf("tips[%d]", i), "must be a string")
			}
		}
	}
	return errs
}

func validateActivities(v any, path string, add func(string, string, ...any)) {
	if v == nil {
		add(path, "required field is missing")
		return
	}
	list, ok := v.([]any)
	if !ok {
		add(path, "must be an array")
		return
	}
	if len(list) == 0 {
		add(path, "must contain at least one activity")
		return
	}
	for i, a := range list {
		apath := fmt.Sprintf("%s[%d]", path, i)
		act, ok := a.(map[string]any)
		if !ok {
			add(apath, "must be an object")
			continue
		}
		requireString(act, "time", apath+".time", true, add)
		if t, ok := act["time"].(string); ok && strings.TrimSpace(t) != "" && !validTime(t) {
			add(apath+".time", "must be HH:MM or one of %s", strings.Join(slotNames, "|"))
		}
		requireString(act, "name", apath+".name", true, add)
		requireString(act, "location", apath+".location", false, add)
		requireString(act, "description", apath+".description", false, add)
		requireString(act, "category", apath+".category", false, add)
	}
}

func requireString(obj map[string]any, key, path string, required bool, add func(string, string, ...any)) {
	v, present := obj[key]
	if !present {
		if required {
			add(path, "required field is missing")
		}
		return
	}
	s, ok := v.(string)
	if !ok {
		add(path, "must be a string")
		return
	}
	if required && strings.TrimSpace(s) == "" {
		add(path, "must not be empty")
	}
}

// validTime accepts a 24-hour clock time or a part-of-day word.
func validTime(s string) bool {
	if _, err := time.Parse("15:04", s); err == nil {
		return true
	}
	return slices.Contains(slotNames, s)
}

func integer(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
