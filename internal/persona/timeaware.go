package persona

import (
	"fmt"
	"strings"
	"time"
)

// TimeAwareness provides time-based context for the system prompt
type TimeAwareness struct {
	location *time.Location
	now      func() time.Time
}

// NewTimeAwareness creates a time source in loc (nil means local time)
func NewTimeAwareness(loc *time.Location) *TimeAwareness {
	if loc == nil {
		loc = time.Local
	}
	return &TimeAwareness{
		location: loc,
		now:      time.Now,
	}
}

// GetContext returns the current-time section of the system prompt
func (ta *TimeAwareness) GetContext() string {
	now := ta.now().In(ta.location)

	parts := []string{
		"## Current Context",
		fmt.Sprintf("Current time: %s", now.Format("Monday, January 2, 2006 3:04 PM MST")),
		fmt.Sprintf("Time of day: %s", getTimeOfDay(now)),
	}
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		parts = append(parts, "It is the weekend.")
	}
	return strings.Join(parts, "\n")
}

func getTimeOfDay(t time.Time) string {
	hour := t.Hour()

	switch {
	case hour >= 5 && hour < 8:
		return "early morning"
	case hour >= 8 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 14:
		return "midday"
	case hour >= 14 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 20:
		return "evening"
	case hour >= 20 && hour < 22:
		return "night"
	default:
		return "late night"
	}
}
