package dosage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hms/hms/internal/platform/notification"
)

// DueReminders lists today's pending doses on reminder-enabled schedules
// whose reminder time (dose time minus the lead minutes) has passed.
func (s *Service) DueReminders(ctx context.Context, patientID string) (out []Reminder, err error) {
	ctx, span := s.startSpan(ctx, "dosage.DueReminders", patientID)
	defer func() { endSpan(span, err) }()

	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	now := s.now()
	active := true
	schedules, _, err := s.schedules.ListByPatient(ctx, patientID, ListFilter{Active: &active})
	if err != nil {
		return nil, err
	}
	out = s.dueReminders(schedules, now)
	span.SetAttributes(attribute.Int("reminder.count", len(out)))
	return out, nil
}

func (s *Service) dueReminders(schedules []*Schedule, now time.Time) []Reminder {
	byID := make(map[string]*Schedule, len(schedules))
	for _, sch := range schedules {
		byID[sch.ID] = sch
	}

	reminders := []Reminder{}
	for _, d := range projectDoses(schedules, now, now, s.loc, false) {
		sch := byID[d.ScheduleID]
		if d.Status != StatusPending || sch == nil || !sch.ReminderEnabled {
			continue
		}
		remindAt := clockOn(now, d.Time, s.loc).Add(-time.Duration(sch.ReminderMinutesBefore) * time.Minute)
		if now.Before(remindAt) {
			continue
		}
		data := map[string]string{
			"medication": d.MedicationName,
			"dosage":     d.Dosage,
			"time":       d.Time,
		}
		if d.Instructions != "" {
			data["instructions"] = " " + d.Instructions
		}
		subject, body, err := s.templates.Render(notification.TemplateDoseReminder, data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("render dose reminder failed")
		}
		reminders = append(reminders, Reminder{
			ScheduleID:     d.ScheduleID,
			MedicationName: d.MedicationName,
			Dosage:         d.Dosage,
			Date:           d.Date,
			Time:           d.Time,
			RemindAt:       remindAt,
			Subject:        subject,
			Message:        body,
		})
	}
	return reminders
}
