package parse

import (
	"fmt"
	"strings"
	"time"
)

var clockLayouts = []string{"15:04:05", "15:04", "15:04:05.999999"}

// ClockTime parses a schedule time of day ("08:30:00" or "08:30") into the offset from midnight.
func ClockTime(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range clockLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second +
				time.Duration(t.Nanosecond()), nil
		}
	}
	return 0, fmt.Errorf("unable to parse time of day: %q", raw)
}

// SinceMidnight returns how far t is into its own day.
func SinceMidnight(t time.Time) time.Duration {
	y, m, d := t.Date()
	return t.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.Location()))
}

// AtClock returns the instant on the same calendar day as day at the given offset from midnight.
func AtClock(day time.Time, offset time.Duration) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, day.Location()).Add(offset)
}

// Weekday parses a day-of-week name case-insensitively. Full English names and
// three-letter abbreviations are accepted.
func Weekday(raw string) (time.Weekday, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unable to parse day of week: %q", raw)
}

// SameWeekday reports whether raw names the weekday of t.
func SameWeekday(raw string, t time.Time) bool {
	d, err := Weekday(raw)
	return err == nil && d == t.Weekday()
}
