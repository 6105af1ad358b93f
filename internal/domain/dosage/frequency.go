package dosage

import (
	"fmt"
	"strings"
	"time"
)

// Frequency labels.
const (
	FreqOnceDaily       = "once_daily"
	FreqTwiceDaily      = "twice_daily"
	FreqThreeTimesDaily = "three_times_daily"
	FreqFourTimesDaily  = "four_times_daily"
	FreqEvery12Hours    = "every_12_hours"
	FreqEvery8Hours     = "every_8_hours"
	FreqEvery6Hours     = "every_6_hours"
	FreqAsNeeded        = "as_needed"
)

type frequencyRule struct {
	timesPerDay int
	times       []string
}

var frequencyTable = map[string]frequencyRule{
	FreqOnceDaily:       {1, []string{"08:00"}},
	FreqTwiceDaily:      {2, []string{"08:00", "20:00"}},
	FreqThreeTimesDaily: {3, []string{"08:00", "14:00", "20:00"}},
	FreqFourTimesDaily:  {4, []string{"08:00", "12:00", "16:00", "20:00"}},
	FreqEvery12Hours:    {2, []string{"08:00", "20:00"}},
	FreqEvery8Hours:     {3, []string{"08:00", "16:00", "00:00"}},
	FreqEvery6Hours:     {4, []string{"06:00", "12:00", "18:00", "00:00"}},
	// No doses are projected for as-needed medication.
	FreqAsNeeded: {0, []string{"08:00"}},
}

var fallbackRule = frequencyRule{1, []string{"08:00"}}

// ResolveFrequency maps a frequency label to its dose count and default
// clock times. Unknown labels resolve to once a day at 08:00.
func ResolveFrequency(label string) (int, []string) {
	rule, ok := frequencyTable[normalizeFrequency(label)]
	if !ok {
		rule = fallbackRule
	}
	times := make([]string, len(rule.times))
	copy(times, rule.times)
	return rule.timesPerDay, times
}

// KnownFrequency reports whether label is one of the table's labels.
func KnownFrequency(label string) bool {
	_, ok := frequencyTable[normalizeFrequency(label)]
	return ok
}

func normalizeFrequency(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// ParseClock validates a 24-hour clock time and returns it as HH:MM.
// A single-digit hour is accepted.
func ParseClock(s string) (string, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Format("15:04"), nil
}

// NormalizeTimes validates explicit dose times, rejecting repeats.
func NormalizeTimes(times []string) ([]string, error) {
	out := make([]string, 0, len(times))
	seen := make(map[string]bool, len(times))
	for _, raw := range times {
		t, err := ParseClock(raw)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			return nil, fmt.Errorf("time %s is listed twice", t)
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// clockOn returns day's calendar date at the HH:MM clock time in loc.
func clockOn(day time.Time, clock string, loc *time.Location) time.Time {
	t, _ := time.Parse("15:04", clock)
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
}
