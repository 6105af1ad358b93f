package dosage

import (
	"sort"
	"time"
)

const (
	maxUpcoming = 5
	// maxStreakDays bounds how far back a streak is searched.
	maxStreakDays = 365
)

// projectDoses expands the schedules' clock times on day into dose instances
// ordered by time of day, ties in schedule order. When historical is set,
// schedules deactivated after day still contribute.
func projectDoses(schedules []*Schedule, day, now time.Time, loc *time.Location, historical bool) []DoseInstance {
	day = startOfDay(day, loc)
	date := day.Format(DateLayout)

	var doses []DoseInstance
	for _, s := range schedules {
		if !scheduledOn(s, day, loc, historical) {
			continue
		}
		logged := make(map[string]IntakeEntry, len(s.IntakeLog))
		for _, e := range s.IntakeLog {
			if e.Date == date {
				logged[e.Time] = e
			}
		}
		for _, clock := range s.SpecificTimes {
			d := DoseInstance{
				ScheduleID:     s.ID,
				MedicationName: s.MedicationName,
				Dosage:         s.Dosage,
				Instructions:   s.Instructions,
				Date:           date,
				Time:           clock,
			}
			if e, ok := logged[clock]; ok {
				ts := e.Timestamp
				d.Status, d.Notes, d.RecordedAt = e.Status, e.Notes, &ts
			} else if clockOn(day, clock, loc).Before(now) {
				d.Status = StatusMissed
			} else {
				d.Status = StatusPending
			}
			doses = append(doses, d)
		}
	}

	sort.SliceStable(doses, func(i, j int) bool { return doses[i].Time < doses[j].Time })
	return doses
}

func scheduledOn(s *Schedule, day time.Time, loc *time.Location, historical bool) bool {
	if s.TimesPerDay == 0 || !s.Duration.covers(day, loc) {
		return false
	}
	if s.IsActive {
		return true
	}
	return historical && s.DeactivatedAt != nil && day.Before(startOfDay(*s.DeactivatedAt, loc))
}

func dayStats(doses []DoseInstance) DayStats {
	var st DayStats
	st.TotalDoses = len(doses)
	for _, d := range doses {
		switch d.Status {
		case StatusTaken:
			st.TakenCount++
		case StatusMissed:
			st.MissedCount++
		case StatusSkipped:
			st.SkippedCount++
		case StatusPending:
			st.PendingCount++
		}
	}
	st.AdherenceRate = percent(st.TakenCount, st.TotalDoses, 100)
	return st
}

func upcoming(doses []DoseInstance) []DoseInstance {
	out := make([]DoseInstance, 0, maxUpcoming)
	for _, d := range doses {
		if d.Status != StatusPending {
			continue
		}
		out = append(out, d)
		if len(out) == maxUpcoming {
			break
		}
	}
	return out
}

// streak counts consecutive compliant days ending at day. A day is compliant
// when it has at least one dose and every dose was taken. Days without doses
// are skipped. On day itself, pending doses leave the day neutral unless a
// dose has already been missed or skipped.
func streak(schedules []*Schedule, day, now time.Time, loc *time.Location) int {
	earliest := startOfDay(day, loc)
	for _, s := range schedules {
		if start := startOfDay(s.Duration.StartDate, loc); start.Before(earliest) {
			earliest = start
		}
	}

	count := 0
	d := startOfDay(day, loc)
	for i := 0; i < maxStreakDays && !d.Before(earliest); i++ {
		doses := projectDoses(schedules, d, now, loc, true)
		if len(doses) > 0 {
			st := dayStats(doses)
			switch {
			case st.TakenCount == st.TotalDoses:
				count++
			case i == 0 && st.MissedCount == 0 && st.SkippedCount == 0:
				// still in progress
			default:
				return count
			}
		}
		d = d.AddDate(0, 0, -1)
	}
	return count
}
