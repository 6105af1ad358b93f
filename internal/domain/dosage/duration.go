package dosage

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CalculateEndDate returns when a course starting at start ends, or nil for
// ongoing courses. Adding months keeps the day of month, clamped to the last
// day of the target month. Unknown units count as days.
func CalculateEndDate(start time.Time, value int, unit string) *time.Time {
	var end time.Time
	switch unit {
	case UnitOngoing:
		return nil
	case UnitWeeks:
		end = start.AddDate(0, 0, 7*value)
	case UnitMonths:
		end = addMonthsClamped(start, value)
	default:
		end = start.AddDate(0, 0, value)
	}
	return &end
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

var (
	ongoingPattern  = regexp.MustCompile(`(?i)\b(ongoing|continuous|indefinite(ly)?|long[- ]term)\b`)
	durationPattern = regexp.MustCompile(`(?i)(\d+)\s*(days?|d|weeks?|wks?|w|months?|mos?)?\b`)
)

var defaultDuration = Duration{Value: 7, Unit: UnitDays}

// ParseDuration reads free-text course lengths such as "7 days", "2 weeks",
// "1 month" or "ongoing". A bare number is days. Anything else is 7 days.
func ParseDuration(text string) Duration {
	text = strings.TrimSpace(text)
	if ongoingPattern.MatchString(text) {
		return Duration{Unit: UnitOngoing}
	}
	m := durationPattern.FindStringSubmatch(text)
	if m == nil {
		return defaultDuration
	}
	value, err := strconv.Atoi(m[1])
	if err != nil || value <= 0 {
		return defaultDuration
	}

	unit := strings.ToLower(m[2])
	switch {
	case strings.HasPrefix(unit, "w"):
		return Duration{Value: value, Unit: UnitWeeks}
	case strings.HasPrefix(unit, "mo"):
		return Duration{Value: value, Unit: UnitMonths}
	default:
		return Duration{Value: value, Unit: UnitDays}
	}
}

// covers reports whether day falls inside the course. The start day counts
// in full; the day the course ends does not.
func (d Duration) covers(day time.Time, loc *time.Location) bool {
	if day.Before(startOfDay(d.StartDate, loc)) {
		return false
	}
	if d.EndDate == nil {
		return true
	}
	return day.Before(startOfDay(*d.EndDate, loc))
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
