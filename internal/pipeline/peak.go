package pipeline

import (
	"fmt"
	"time"
)

// PeakHoursContext describes local crowd and traffic patterns at t. loc
// selects the local clock; nil means UTC.
func PeakHoursContext(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	hour := local.Hour()

	weekend := local.Weekday() == time.Saturday || local.Weekday() == time.Sunday
	if weekend {
		now := "quiet streets"
		switch {
		case hour >= 10 && hour < 16:
			now = "midday crowds at attractions and markets"
		case hour >= 18 && hour < 23:
			now = "busy evening dining areas"
		}
		return fmt.Sprintf("%s %02d:%02d (weekend): light commuter traffic; attractions and markets busiest 10:00-16:00. Currently: %s.",
			local.Weekday(), hour, local.Minute(), now)
	}

	now := "normal traffic"
	switch {
	case hour >= 7 && hour < 10:
		now = "morning rush hour"
	case hour >= 17 && hour < 20:
		now = "evening rush hour"
	case hour >= 11 && hour < 15:
		now = "lunchtime crowds near sights"
	case hour >= 22 || hour < 6:
		now = "night, limited transit"
	}
	return fmt.Sprintf("%s %02d:%02d (weekday): rush hours 07:00-09:30 and 17:00-19:30; popular sights busiest 11:00-15:00. Currently: %s.",
		local.Weekday(), hour, local.Minute(), now)
}
