package dosage

import "time"

// Schedule sources.
const (
	SourcePrescription = "doctor_prescription"
	SourceManual       = "manual"
)

// Dose statuses. Pending is only ever computed, never recorded.
const (
	StatusTaken   = "taken"
	StatusMissed  = "missed"
	StatusSkipped = "skipped"
	StatusPending = "pending"
)

// Duration units.
const (
	UnitDays    = "days"
	UnitWeeks   = "weeks"
	UnitMonths  = "months"
	UnitOngoing = "ongoing"
)

// DateLayout is the calendar-date format used on the wire and in intake logs.
const DateLayout = "2006-01-02"

// Duration is a schedule's course length. EndDate is nil iff Unit is ongoing.
type Duration struct {
	Value     int        `json:"value" bson:"value"`
	Unit      string     `json:"unit" bson:"unit"`
	StartDate time.Time  `json:"startDate" bson:"startDate"`
	EndDate   *time.Time `json:"endDate" bson:"endDate"`
}

// IntakeEntry records the outcome of one dose. Date is the calendar day the
// dose belongs to, which may differ from the day Timestamp was recorded.
type IntakeEntry struct {
	Date      string    `json:"date" bson:"date"`
	Time      string    `json:"time" bson:"time"`
	Status    string    `json:"status" bson:"status"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Notes     string    `json:"notes,omitempty" bson:"notes,omitempty"`
}

// Schedule is a patient's tracked course of one medication.
type Schedule struct {
	ID                    string        `json:"id" bson:"_id"`
	PatientID             string        `json:"patientId" bson:"patientId"`
	MedicationName        string        `json:"medicationName" bson:"medicationName"`
	Dosage                string        `json:"dosage" bson:"dosage"`
	Frequency             string        `json:"frequency" bson:"frequency"`
	TimesPerDay           int           `json:"timesPerDay" bson:"timesPerDay"`
	SpecificTimes         []string      `json:"specificTimes" bson:"specificTimes"`
	Duration              Duration      `json:"duration" bson:"duration"`
	Source                string        `json:"source" bson:"source"`
	SourceRecordID        *string       `json:"sourceRecordId,omitempty" bson:"sourceRecordId,omitempty"`
	Instructions          string        `json:"instructions" bson:"instructions"`
	IsActive              bool          `json:"isActive" bson:"isActive"`
	DeactivatedAt         *time.Time    `json:"deactivatedAt,omitempty" bson:"deactivatedAt,omitempty"`
	IntakeLog             []IntakeEntry `json:"intakeLog" bson:"intakeLog"`
	MissedDoses           int           `json:"missedDoses" bson:"missedDoses"`
	AdherenceRate         int           `json:"adherenceRate" bson:"adherenceRate"`
	ReminderEnabled       bool          `json:"reminderEnabled" bson:"reminderEnabled"`
	ReminderMinutesBefore int           `json:"reminderMinutesBefore" bson:"reminderMinutesBefore"`
	Version               int           `json:"version" bson:"version"`
	CreatedAt             time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt" bson:"updatedAt"`
}

// hasIntake reports whether a dose for date@clock is already recorded.
func (s *Schedule) hasIntake(date, clock string) bool {
	for _, e := range s.IntakeLog {
		if e.Date == date && e.Time == clock {
			return true
		}
	}
	return false
}

// DoseInstance is one scheduled intake opportunity: schedule x day x time.
type DoseInstance struct {
	ScheduleID     string     `json:"scheduleId"`
	MedicationName string     `json:"medicationName"`
	Dosage         string     `json:"dosage"`
	Instructions   string     `json:"instructions,omitempty"`
	Date           string     `json:"date"`
	Time           string     `json:"time"`
	Status         string     `json:"status"`
	Notes          string     `json:"notes,omitempty"`
	RecordedAt     *time.Time `json:"recordedAt,omitempty"`
}

type DayStats struct {
	TotalDoses    int `json:"totalDoses"`
	TakenCount    int `json:"takenCount"`
	MissedCount   int `json:"missedCount"`
	SkippedCount  int `json:"skippedCount"`
	PendingCount  int `json:"pendingCount"`
	AdherenceRate int `json:"adherenceRate"`
	Streak        int `json:"streak"`
}

type DayProjection struct {
	Date     string         `json:"date"`
	Doses    []DoseInstance `json:"schedule"`
	Upcoming []DoseInstance `json:"upcoming"`
	Stats    DayStats       `json:"stats"`
}

// HistoryEntry is one intake log line flattened with its schedule.
type HistoryEntry struct {
	ScheduleID     string    `json:"scheduleId"`
	MedicationName string    `json:"medicationName"`
	Dosage         string    `json:"dosage"`
	Date           string    `json:"date"`
	Time           string    `json:"time"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Notes          string    `json:"notes,omitempty"`
}

type WeekdayStats struct {
	Day           string `json:"day"`
	TotalDoses    int    `json:"totalDoses"`
	TakenDoses    int    `json:"takenDoses"`
	MissedDoses   int    `json:"missedDoses"`
	AdherenceRate int    `json:"adherenceRate"`
}

type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type HistoryResult struct {
	Range       string         `json:"range"`
	Entries     []HistoryEntry `json:"history"`
	WeeklyStats []WeekdayStats `json:"weeklyStats"`
	DateRange   DateRange      `json:"dateRange"`
}

// PrescriptionMedication is one line of a doctor's prescription. Duration is
// free text such as "7 days" or "ongoing".
type PrescriptionMedication struct {
	Medication    string   `json:"medication" bson:"medication"`
	Dosage        string   `json:"dosage" bson:"dosage"`
	Frequency     string   `json:"frequency" bson:"frequency"`
	Duration      string   `json:"duration" bson:"duration"`
	SpecificTimes []string `json:"specificTimes,omitempty" bson:"specificTimes,omitempty"`
	Instructions  string   `json:"instructions" bson:"instructions"`
}

// Prescription is read from the prescription source; only the imported flag
// is ever written back.
type Prescription struct {
	ID                  string                   `json:"id" bson:"_id"`
	PatientID           string                   `json:"patientId" bson:"patientId"`
	DoctorID            *string                  `json:"doctorId,omitempty" bson:"doctorId,omitempty"`
	Medications         []PrescriptionMedication `json:"medications" bson:"medications"`
	ImportedToScheduler bool                     `json:"importedToScheduler" bson:"importedToScheduler"`
	CreatedAt           time.Time                `json:"createdAt" bson:"createdAt"`
}

type ImportRequest struct {
	Medications    []PrescriptionMedication `json:"medications"`
	SourceRecordID string                   `json:"sourceRecordId,omitempty"`
}

// Skip reasons reported by Import.
const (
	SkipBlankName = "blank_name"
	SkipDuplicate = "duplicate"
)

type SkippedMedication struct {
	Medication string `json:"medication"`
	Reason     string `json:"reason"`
}

type ImportResult struct {
	ScheduleIDs []string            `json:"scheduleIds"`
	Skipped     []SkippedMedication `json:"skipped"`
	Message     string              `json:"message,omitempty"`
}

// Reminder is a pending dose whose reminder lead time has been reached.
type Reminder struct {
	ScheduleID     string    `json:"scheduleId"`
	MedicationName string    `json:"medicationName"`
	Dosage         string    `json:"dosage"`
	Date           string    `json:"date"`
	Time           string    `json:"time"`
	RemindAt       time.Time `json:"remindAt"`
	Subject        string    `json:"subject"`
	Message        string    `json:"message"`
}

// MarkRequest records a dose outcome. Time defaults to the closest untaken
// dose, Date to today and Status to taken.
type MarkRequest struct {
	ScheduleID string `json:"scheduleId"`
	Time       string `json:"time,omitempty"`
	Date       string `json:"date,omitempty"`
	Status     string `json:"status,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

type MarkResult struct {
	Entry    IntakeEntry `json:"entry"`
	Schedule *Schedule   `json:"schedule"`
}

// ScheduleInput creates a manually entered schedule.
type ScheduleInput struct {
	MedicationName        string   `json:"medicationName"`
	Dosage                string   `json:"dosage"`
	Frequency             string   `json:"frequency"`
	TimesPerDay           *int     `json:"timesPerDay,omitempty"`
	SpecificTimes         []string `json:"specificTimes,omitempty"`
	Duration              string   `json:"duration"`
	StartDate             string   `json:"startDate,omitempty"`
	Instructions          string   `json:"instructions"`
	ReminderEnabled       *bool    `json:"reminderEnabled,omitempty"`
	ReminderMinutesBefore int      `json:"reminderMinutesBefore,omitempty"`
}

type ReminderInput struct {
	Enabled       bool `json:"enabled"`
	MinutesBefore int  `json:"minutesBefore"`
}

// ListFilter narrows ListByPatient. A zero Limit returns every schedule.
type ListFilter struct {
	Active *bool
	Limit  int
	Offset int
}
