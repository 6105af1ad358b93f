package dosage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hms/hms/internal/platform/lock"
	"github.com/hms/hms/internal/platform/notification"
	"github.com/hms/hms/pkg/apperror"
)

const (
	defaultReminderMinutes = 15
	maxReminderMinutes     = 240
	defaultLockTTL         = 10 * time.Second
)

type Service struct {
	schedules     ScheduleRepository
	prescriptions PrescriptionSource
	locker        lock.Locker
	lockTTL       time.Duration
	clock         Clock
	loc           *time.Location
	templates     *notification.TemplateEngine
	logger        zerolog.Logger
	tracer        trace.Tracer
}

func NewService(schedules ScheduleRepository, prescriptions PrescriptionSource, logger zerolog.Logger) *Service {
	return &Service{
		schedules:     schedules,
		prescriptions: prescriptions,
		lockTTL:       defaultLockTTL,
		clock:         SystemClock,
		loc:           time.Local,
		templates:     notification.NewTemplateEngine(),
		logger:        logger.With().Str("component", "dosage").Logger(),
		tracer:        otel.Tracer("github.com/hms/hms/internal/domain/dosage"),
	}
}

// SetClock replaces the source of "now".
func (s *Service) SetClock(c Clock) {
	s.clock = c
}

// SetLocation sets the zone dose clock times are interpreted in.
func (s *Service) SetLocation(loc *time.Location) {
	s.loc = loc
}

// SetTemplates replaces the engine reminder and import messages are rendered with.
func (s *Service) SetTemplates(t *notification.TemplateEngine) {
	s.templates = t
}

// SetLocker serialises imports per patient through l.
func (s *Service) SetLocker(l lock.Locker, ttl time.Duration) {
	s.locker = l
	if ttl > 0 {
		s.lockTTL = ttl
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().In(s.loc)
}

func (s *Service) startSpan(ctx context.Context, name, patientID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("patient.id", patientID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requirePatient(patientID string) error {
	if strings.TrimSpace(patientID) == "" {
		return apperror.Unauthenticated("authentication required")
	}
	return nil
}

// parseDay resolves a YYYY-MM-DD date in the service zone, defaulting to today.
func (s *Service) parseDay(date string) (time.Time, error) {
	if date == "" {
		return startOfDay(s.now(), s.loc), nil
	}
	day, err := time.ParseInLocation(DateLayout, date, s.loc)
	if err != nil {
		return time.Time{}, apperror.Validation("invalid date %q, expected YYYY-MM-DD", date)
	}
	return day, nil
}

// newSchedule builds an active schedule. Explicit times replace the
// frequency defaults and, except for as-needed medication, set the dose count.
func (s *Service) newSchedule(patientID, source, name, dosage, frequency, instructions string, times []string, dur Duration, start time.Time) *Schedule {
	freq := normalizeFrequency(frequency)
	if freq == "" {
		freq = FreqOnceDaily
	}
	timesPerDay, defaults := ResolveFrequency(freq)
	if len(times) > 0 {
		if freq != FreqAsNeeded {
			timesPerDay = len(times)
		}
	} else {
		times = defaults
	}

	dur.StartDate = start
	dur.EndDate = CalculateEndDate(start, dur.Value, dur.Unit)

	now := s.now()
	return &Schedule{
		ID:                    uuid.NewString(),
		PatientID:             patientID,
		MedicationName:        strings.TrimSpace(name),
		Dosage:                strings.TrimSpace(dosage),
		Frequency:             freq,
		TimesPerDay:           timesPerDay,
		SpecificTimes:         times,
		Duration:              dur,
		Source:                source,
		Instructions:          strings.TrimSpace(instructions),
		IsActive:              true,
		IntakeLog:             []IntakeEntry{},
		MissedDoses:           0,
		AdherenceRate:         100,
		ReminderEnabled:       true,
		ReminderMinutesBefore: defaultReminderMinutes,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// -- Manual schedules --

func (s *Service) CreateSchedule(ctx context.Context, patientID string, in ScheduleInput) (*Schedule, error) {
	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.MedicationName) == "" {
		return nil, apperror.Validation("medicationName is required")
	}
	times, err := NormalizeTimes(in.SpecificTimes)
	if err != nil {
		return nil, apperror.Validation("%s", err.Error())
	}
	if in.ReminderMinutesBefore < 0 || in.ReminderMinutesBefore > maxReminderMinutes {
		return nil, apperror.Validation("reminderMinutesBefore must be between 0 and %d", maxReminderMinutes)
	}

	start := s.now()
	if in.StartDate != "" {
		if start, err = s.parseDay(in.StartDate); err != nil {
			return nil, err
		}
	}

	sch := s.newSchedule(patientID, SourceManual, in.MedicationName, in.Dosage, in.Frequency,
		in.Instructions, times, ParseDuration(in.Duration), start)

	if in.TimesPerDay != nil {
		if err := applyTimesOverride(sch, *in.TimesPerDay, len(times) > 0); err != nil {
			return nil, err
		}
	}
	if in.ReminderEnabled != nil {
		sch.ReminderEnabled = *in.ReminderEnabled
	}
	if in.ReminderMinutesBefore > 0 {
		sch.ReminderMinutesBefore = in.ReminderMinutesBefore
	}

	if _, err := s.schedules.Create(ctx, sch); err != nil {
		return nil, err
	}
	return sch, nil
}

// applyTimesOverride honours an explicit dose count. The count must agree
// with the dose times, and only as-needed medication may have none.
func applyTimesOverride(sch *Schedule, timesPerDay int, explicitTimes bool) error {
	switch {
	case timesPerDay < 0:
		return apperror.Validation("timesPerDay must not be negative")
	case timesPerDay == 0 && sch.Frequency != FreqAsNeeded:
		return apperror.Validation("timesPerDay may only be 0 for as_needed medication")
	case timesPerDay > 0 && timesPerDay != len(sch.SpecificTimes):
		if explicitTimes {
			return apperror.Validation("timesPerDay is %d but %d specificTimes were given", timesPerDay, len(sch.SpecificTimes))
		}
		return apperror.Validation("specificTimes are required when timesPerDay differs from the %s default", sch.Frequency)
	}
	sch.TimesPerDay = timesPerDay
	return nil
}

func (s *Service) GetSchedule(ctx context.Context, patientID, id string) (*Schedule, error) {
	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	return s.schedules.GetByID(ctx, patientID, id)
}

func (s *Service) ListSchedules(ctx context.Context, patientID string, filter ListFilter) ([]*Schedule, int, error) {
	if err := requirePatient(patientID); err != nil {
		return nil, 0, err
	}
	return s.schedules.ListByPatient(ctx, patientID, filter)
}

// Discontinue deactivates a schedule. Its intake log is kept.
func (s *Service) Discontinue(ctx context.Context, patientID, id string) (*Schedule, error) {
	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	return s.schedules.Deactivate(ctx, patientID, id, s.now())
}

func (s *Service) UpdateReminder(ctx context.Context, patientID, id string, in ReminderInput) (*Schedule, error) {
	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	if in.MinutesBefore < 0 || in.MinutesBefore > maxReminderMinutes {
		return nil, apperror.Validation("minutesBefore must be between 0 and %d", maxReminderMinutes)
	}
	return s.schedules.UpdateReminder(ctx, patientID, id, in.Enabled, in.MinutesBefore, s.now())
}

// ExpireElapsed deactivates the patient's schedules whose course has ended.
func (s *Service) ExpireElapsed(ctx context.Context, patientID string) (int, error) {
	if err := requirePatient(patientID); err != nil {
		return 0, err
	}
	return s.schedules.ExpireElapsed(ctx, patientID, s.now())
}

// ExpireAll sweeps every patient in the store scoped by ctx.
func (s *Service) ExpireAll(ctx context.Context) (int, error) {
	n, err := s.schedules.ExpireElapsed(ctx, "", s.now())
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int("expired", n).Msg("expired elapsed schedules")
	return n, nil
}

// -- Intake marking --

var recordableStatuses = map[string]bool{
	StatusTaken: true, StatusMissed: true, StatusSkipped: true,
}

func (s *Service) MarkDose(ctx context.Context, patientID string, req MarkRequest) (res *MarkResult, err error) {
	ctx, span := s.startSpan(ctx, "dosage.MarkDose", patientID)
	defer func() { endSpan(span, err) }()

	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ScheduleID) == "" {
		return nil, apperror.Validation("scheduleId is required")
	}
	status := req.Status
	if status == "" {
		status = StatusTaken
	}
	if !recordableStatuses[status] {
		return nil, apperror.Validation("invalid status %q", req.Status)
	}
	day, err := s.parseDay(req.Date)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if day.After(now) {
		return nil, apperror.Validation("cannot record a dose for a future date")
	}

	sch, err := s.schedules.GetByID(ctx, patientID, req.ScheduleID)
	if err != nil {
		return nil, err
	}
	if !sch.IsActive {
		return nil, apperror.Validation("schedule is no longer active")
	}
	if !sch.Duration.covers(day, s.loc) {
		return nil, apperror.Validation("%s is outside the schedule's course", day.Format(DateLayout))
	}

	clock, err := s.resolveDoseTime(sch, day, now, req.Time)
	if err != nil {
		return nil, err
	}

	entry := IntakeEntry{
		Date:      day.Format(DateLayout),
		Time:      clock,
		Status:    status,
		Timestamp: now,
		Notes:     strings.TrimSpace(req.Notes),
	}
	span.SetAttributes(attribute.String("schedule.id", sch.ID), attribute.String("dose.time", clock))

	updated, err := s.schedules.AppendIntake(ctx, patientID, sch.ID, entry)
	if err != nil {
		return nil, err
	}
	return &MarkResult{Entry: entry, Schedule: updated}, nil
}

// resolveDoseTime validates an explicit time, or picks the unrecorded dose
// closest to now. As-needed doses may be recorded at any time.
func (s *Service) resolveDoseTime(sch *Schedule, day, now time.Time, requested string) (string, error) {
	date := day.Format(DateLayout)
	asNeeded := sch.TimesPerDay == 0

	if requested != "" {
		clock, err := ParseClock(requested)
		if err != nil {
			return "", apperror.Validation("%s", err.Error())
		}
		if !asNeeded && !containsTime(sch.SpecificTimes, clock) {
			return "", apperror.Validation("%s is not a scheduled time for this medication", clock)
		}
		return clock, nil
	}

	if asNeeded {
		return now.Format("15:04"), nil
	}

	best, bestGap := "", time.Duration(-1)
	for _, clock := range sch.SpecificTimes {
		if sch.hasIntake(date, clock) {
			continue
		}
		gap := clockOn(day, clock, s.loc).Sub(now)
		if gap < 0 {
			gap = -gap
		}
		if bestGap < 0 || gap < bestGap || (gap == bestGap && clock < best) {
			best, bestGap = clock, gap
		}
	}
	if best == "" {
		return "", apperror.Conflict("every dose for " + date + " is already recorded")
	}
	return best, nil
}

func containsTime(times []string, clock string) bool {
	for _, t := range times {
		if t == clock {
			return true
		}
	}
	return false
}

// -- Projection and history --

// ProjectDay lists the patient's doses on date (YYYY-MM-DD, default today)
// with their statuses relative to now.
func (s *Service) ProjectDay(ctx context.Context, patientID, date string) (proj *DayProjection, err error) {
	ctx, span := s.startSpan(ctx, "dosage.ProjectDay", patientID)
	defer func() { endSpan(span, err) }()

	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	day, err := s.parseDay(date)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if _, err := s.schedules.ExpireElapsed(ctx, patientID, now); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID).Msg("expire elapsed schedules failed")
	}

	schedules, _, err := s.schedules.ListByPatient(ctx, patientID, ListFilter{})
	if err != nil {
		return nil, err
	}

	doses := projectDoses(schedules, day, now, s.loc, false)
	if doses == nil {
		doses = []DoseInstance{}
	}
	stats := dayStats(doses)
	stats.Streak = streak(schedules, day, now, s.loc)

	span.SetAttributes(attribute.Int("dose.count", len(doses)))
	return &DayProjection{
		Date:     day.Format(DateLayout),
		Doses:    doses,
		Upcoming: upcoming(doses),
		Stats:    stats,
	}, nil
}

// History returns the patient's intake entries for rng with per-weekday totals.
func (s *Service) History(ctx context.Context, patientID, rng string) (res *HistoryResult, err error) {
	ctx, span := s.startSpan(ctx, "dosage.History", patientID)
	defer func() { endSpan(span, err) }()

	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	if rng == "" {
		rng = Range7Days
	}
	window, ok := rangeWindow(rng, s.now(), s.loc)
	if !ok {
		return nil, apperror.Validation("invalid range %q, expected 7days, 30days, 90days or all", rng)
	}

	schedules, _, err := s.schedules.ListByPatient(ctx, patientID, ListFilter{})
	if err != nil {
		return nil, err
	}
	entries := historyEntries(schedules, window)

	span.SetAttributes(attribute.String("history.range", rng), attribute.Int("history.entries", len(entries)))
	return &HistoryResult{
		Range:       rng,
		Entries:     entries,
		WeeklyStats: weeklyStats(entries, s.loc),
		DateRange:   window,
	}, nil
}
