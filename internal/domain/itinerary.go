package domain

// Itinerary is the structured document produced by the generation engine.
type Itinerary struct {
	Title   string         `json:"title"`
	Summary string         `json:"summary,omitempty"`
	Days    []ItineraryDay `json:"days"`
	Tips    []string       `json:"tips,omitempty"`
}

// ItineraryDay is a single day of an itinerary.
type ItineraryDay struct {
	Day        int        `json:"day"`
	Theme      string     `json:"theme,omitempty"`
	Activities []Activity `json:"activities"`
}

// Activity is one scheduled stop within a day.
type Activity struct {
	Time        string `json:"time"`
	Name        string `json:"name"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

// Clone returns a deep copy of the itinerary.
func (it *Itinerary) Clone() *Itinerary {
	if it == nil {
		return nil
	}
	out := *it
	out.Days = make([]ItineraryDay, len(it.Days))
	for i, d := range it.Days {
		d.Activities = append([]Activity(nil), d.Activities...)
		out.Days[i] = d
	}
	out.Tips = append([]string(nil), it.Tips...)
	return &out
}

// ActivityCount returns the number of activities across all days.
func (it *Itinerary) ActivityCount() int {
	n := 0
	for _, d := range it.Days {
		n += len(d.Activities)
	}
	return n
}
