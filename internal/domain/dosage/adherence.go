package dosage

import (
	"math"
	"sort"
	"time"
)

// History ranges.
const (
	Range7Days  = "7days"
	Range30Days = "30days"
	Range90Days = "90days"
	RangeAll    = "all"
)

var weekdayLabels = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// percent returns round(part/total*100), or empty when total is zero.
func percent(part, total, empty int) int {
	if total == 0 {
		return empty
	}
	return int(math.Round(float64(part) * 100 / float64(total)))
}

// recomputeCounters derives the denormalized counters from an intake log.
func recomputeCounters(log []IntakeEntry) (missed, rate int) {
	taken := 0
	for _, e := range log {
		switch e.Status {
		case StatusTaken:
			taken++
		case StatusMissed:
			missed++
		}
	}
	return missed, percent(taken, len(log), 100)
}

// rangeWindow resolves a history range relative to now. The window ends at
// the end of today.
func rangeWindow(rng string, now time.Time, loc *time.Location) (DateRange, bool) {
	now = now.In(loc)
	end := startOfDay(now, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
	var start time.Time
	switch rng {
	case Range7Days:
		start = now.AddDate(0, 0, -7)
	case Range30Days:
		start = now.AddDate(0, 0, -30)
	case Range90Days:
		start = now.AddDate(0, 0, -90)
	case RangeAll:
		start = now.AddDate(-1, 0, 0)
	default:
		return DateRange{}, false
	}
	return DateRange{Start: start, End: end}, true
}

// historyEntries flattens every intake entry recorded inside window, most
// recent dose first.
func historyEntries(schedules []*Schedule, window DateRange) []HistoryEntry {
	entries := []HistoryEntry{}
	for _, s := range schedules {
		for _, e := range s.IntakeLog {
			if e.Timestamp.Before(window.Start) || e.Timestamp.After(window.End) {
				continue
			}
			entries = append(entries, HistoryEntry{
				ScheduleID:     s.ID,
				MedicationName: s.MedicationName,
				Dosage:         s.Dosage,
				Date:           e.Date,
				Time:           e.Time,
				Status:         e.Status,
				Timestamp:      e.Timestamp,
				Notes:          e.Notes,
			})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Date != entries[j].Date {
			return entries[i].Date > entries[j].Date
		}
		if entries[i].Time != entries[j].Time {
			return entries[i].Time > entries[j].Time
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries
}

// weeklyStats buckets entries by weekday label. Entries from different
// calendar weeks that share a weekday land in the same bucket.
func weeklyStats(entries []HistoryEntry, loc *time.Location) []WeekdayStats {
	stats := make([]WeekdayStats, len(weekdayLabels))
	for i, label := range weekdayLabels {
		stats[i].Day = label
	}
	for _, e := range entries {
		day, err := time.ParseInLocation(DateLayout, e.Date, loc)
		if err != nil {
			day = e.Timestamp.In(loc)
		}
		b := &stats[day.Weekday()]
		b.TotalDoses++
		switch e.Status {
		case StatusTaken:
			b.TakenDoses++
		case StatusMissed:
			b.MissedDoses++
		}
	}
	for i := range stats {
		stats[i].AdherenceRate = percent(stats[i].TakenDoses, stats[i].TotalDoses, 0)
	}
	return stats
}
