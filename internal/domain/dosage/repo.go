package dosage

import (
	"context"
	"time"
)

// ScheduleRepository stores schedules and their intake logs. Every read and
// write is scoped to patientID; a schedule owned by someone else is NotFound.
type ScheduleRepository interface {
	// Create inserts s. It returns false without error when an active
	// imported schedule for the same medication already exists.
	Create(ctx context.Context, s *Schedule) (bool, error)
	GetByID(ctx context.Context, patientID, id string) (*Schedule, error)
	// ListByPatient returns schedules in creation order with their intake logs.
	ListByPatient(ctx context.Context, patientID string, filter ListFilter) ([]*Schedule, int, error)
	// FindActiveImport returns the active imported schedule for the
	// medication name (case-insensitive), or nil.
	FindActiveImport(ctx context.Context, patientID, medicationName string) (*Schedule, error)
	// AppendIntake atomically appends entry and recomputes the schedule's
	// counters. A second entry for the same date and time is a Conflict.
	AppendIntake(ctx context.Context, patientID, scheduleID string, entry IntakeEntry) (*Schedule, error)
	Deactivate(ctx context.Context, patientID, id string, at time.Time) (*Schedule, error)
	UpdateReminder(ctx context.Context, patientID, id string, enabled bool, minutesBefore int, at time.Time) (*Schedule, error)
	// ExpireElapsed deactivates active schedules whose end date is not after
	// now. An empty patientID sweeps every patient.
	ExpireElapsed(ctx context.Context, patientID string, now time.Time) (int, error)
}

// PrescriptionSource reads doctor-issued prescriptions.
type PrescriptionSource interface {
	GetPrescription(ctx context.Context, id string) (*Prescription, error)
	MarkImported(ctx context.Context, id string) error
}
