package generation

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

var slotNames = []string{"morning", "midday", "afternoon", "evening"}

var (
	clockLayouts = []string{"15:04", "3:04PM", "3PM", "15H04"}
	slotAliases  = map[string]string{
		"breakfast": "morning",
		"am":        "morning",
		"noon":      "midday",
		"lunch":     "midday",
		"pm":        "afternoon",
		"dinner":    "evening",
		"night":     "evening",
	}
)

// repairDocument applies structural fixes that do not invent content: it
// unwraps envelopes, renames common aliases, coerces scalar types and fills
// positional defaults. It reports whether anything changed.
func repairDocument(doc any) (map[string]any, bool) {
	root, ok := doc.(map[string]any)
	if !ok {
		if list, isList := doc.([]any); isList {
			// A bare list of days.
			return repairRoot(map[string]any{"days": list}), true
		}
		return nil, false
	}

	changed := false
	if _, hasDays := root["days"]; !hasDays {
		for _, wrapper := range []string{"itinerary", "plan", "trip", "data"} {
			if inner, ok := root[wrapper].(map[string]any); ok {
				root = inner
				changed = true
				break
			}
		}
	}

	before := fingerprint(root)
	root = repairRoot(root)
	return root, changed || before != fingerprint(root)
}

func repairRoot(root map[string]any) map[string]any {
	renameKey(root, "title", "name", "tripTitle", "trip_title", "heading")
	renameKey(root, "summary", "overview", "description")
	renameKey(root, "days", "itinerary", "schedule", "dailyPlans", "daily_plans")
	dropNull(root, "summary", "tips")

	if s, ok := root["title"].(string); ok {
		root["title"] = strings.TrimSpace(s)
	}

	if tip, ok := root["tips"].(string); ok {
		root["tips"] = []any{tip}
	}

	days, ok := root["days"].([]any)
	if !ok {
		return root
	}
	prev := 0
	for i, d := range days {
		day, ok := d.(map[string]any)
		if !ok {
			continue
		}
		dropNull(day, "theme")
		renameKey(day, "activities", "items", "schedule", "stops", "plan")
		renameKey(day, "theme", "title")

		n, ok := coerceInt(day["day"])
		if !ok || n <= prev {
			n = max(prev+1, i+1)
		}
		day["day"] = n
		prev = n

		acts, ok := day["activities"].([]any)
		if !ok {
			continue
		}
		for j, a := range acts {
			act, ok := a.(map[string]any)
			if !ok {
				if s, isStr := a.(string); isStr && strings.TrimSpace(s) != "" {
					acts[j] = map[string]any{"time": slot(j), "name": strings.TrimSpace(s)}
				}
				continue
			}
			renameKey(act, "name", "title", "activity", "place")
			renameKey(act, "time", "timeOfDay", "time_of_day", "slot", "start")
			dropNull(act, "location", "description", "category")
			t, _ := act["time"].(string)
			if norm, ok := normalizeTime(t); ok {
				act["time"] = norm
			} else {
				act["time"] = slot(j)
			}
		}
	}
	return root
}

// normalizeTime maps common clock and part-of-day spellings onto the schema
// forms. Unrecognized values report false.
func normalizeTime(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}
	if slices.Contains(slotNames, s) {
		return s, true
	}
	if alias, ok := slotAliases[s]; ok {
		return alias, true
	}
	clock := strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	clock = strings.NewReplacer("A.M.", "AM", "P.M.", "PM", "A.M", "AM", "P.M", "PM").Replace(clock)
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, clock); err == nil {
			return t.Format("15:04"), true
		}
	}
	return "", false
}

func slot(i int) string {
	if i < len(slotNames) {
		return slotNames[i]
	}
	return slotNames[len(slotNames)-1]
}

// renameKey moves the first present alias to key when key is absent.
func renameKey(obj map[string]any, key string, aliases ...string) {
	if _, ok := obj[key]; ok {
		return
	}
	for _, alias := range aliases {
		if v, ok := obj[alias]; ok {
			obj[key] = v
			delete(obj, alias)
			return
		}
	}
}

func dropNull(obj map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v == nil {
			delete(obj, k)
		}
	}
}

func coerceInt(v any) (int, bool) {
	if n, ok := integer(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "day"))
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
	}
	return 0, false
}

// fingerprint is a cheap change detector over the repaired document.
func fingerprint(root map[string]any) string {
	raw, err := marshalString(root)
	if err != nil {
		return ""
	}
	return raw
}
