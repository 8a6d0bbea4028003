package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/campus-rides/internal/models"
)

const minutesPerDay = 24 * 60

// ErrCrossesMidnight rejects commute times that would fall on another day
// than the class they serve.
var ErrCrossesMidnight = errors.New("commute time crosses midnight")

// ClockTime is a wall-clock time of day in minutes after midnight.
type ClockTime int

var clockLayouts = []string{"03:04 PM", "3:04 PM", "03:04PM", "3:04PM", "15:04"}

// ParseClock accepts 12-hour ("09:00 AM", "9:00am") and 24-hour ("21:15")
// forms.
func ParseClock(s string) (ClockTime, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return ClockTime(t.Hour()*60 + t.Minute()), nil
		}
	}
	return 0, fmt.Errorf("unrecognized time %q", s)
}

// Add shifts by minutes, wrapping around midnight.
func (c ClockTime) Add(minutes int) ClockTime {
	m := (int(c) + minutes) % minutesPerDay
	if m < 0 {
		m += minutesPerDay
	}
	return ClockTime(m)
}

// String renders the 12-hour form used on ride records, e.g. "08:30 AM".
func (c ClockTime) String() string {
	return time.Date(2000, 1, 1, int(c)/60, int(c)%60, 0, 0, time.UTC).Format("03:04 PM")
}

// lookupDay finds the timetable entry for a weekday name, ignoring case.
func lookupDay(tt map[string]models.ClassTimes, day string) (models.ClassTimes, bool) {
	if ct, ok := tt[day]; ok {
		return ct, true
	}
	for k, ct := range tt {
		if strings.EqualFold(k, day) {
			return ct, true
		}
	}
	return models.ClassTimes{}, false
}

// CommuteTimes derives the morning pickup and evening return for a class
// day from the rider's offsets. Both must land on the class day.
func CommuteTimes(ct models.ClassTimes, morningOffset, eveningOffset int) (ClockTime, ClockTime, error) {
	start, err := ParseClock(ct.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("class start: %w", err)
	}
	end, err := ParseClock(ct.End)
	if err != nil {
		return 0, 0, fmt.Errorf("class end: %w", err)
	}
	if int(start)-morningOffset < 0 {
		return 0, 0, fmt.Errorf("morning pickup %d min before %s: %w", morningOffset, ct.Start, ErrCrossesMidnight)
	}
	if int(end)+eveningOffset >= minutesPerDay {
		return 0, 0, fmt.Errorf("evening return %d min after %s: %w", eveningOffset, ct.End, ErrCrossesMidnight)
	}
	return start.Add(-morningOffset), end.Add(eveningOffset), nil
}
