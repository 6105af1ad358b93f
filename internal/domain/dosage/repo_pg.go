package dosage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/pkg/apperror"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

// pgError classifies a driver error. Missing rows become NotFound and
// uniqueness violations Conflict; anything else is a storage failure.
func pgError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.NotFound("schedule not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return apperror.Conflict("an active schedule for this medication already exists")
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.Storage(op, err)
}

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository {
	return &scheduleRepoPG{pool: pool}
}

func (r *scheduleRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// inTx runs fn inside a transaction, joining one already in ctx.
func (r *scheduleRepoPG) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	txCtx, tx, err := db.WithTx(ctx, r.pool)
	if err != nil {
		return apperror.Storage("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.Storage("commit transaction", err)
	}
	return nil
}

const scheduleCols = `id, patient_id, medication_name, dosage, frequency,
	times_per_day, specific_times, duration_value, duration_unit, start_date, end_date,
	source, source_record_id, instructions, is_active, deactivated_at,
	missed_doses, adherence_rate, reminder_enabled, reminder_minutes_before,
	version, created_at, updated_at`

func (r *scheduleRepoPG) scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	err := row.Scan(&s.ID, &s.PatientID, &s.MedicationName, &s.Dosage, &s.Frequency,
		&s.TimesPerDay, &s.SpecificTimes, &s.Duration.Value, &s.Duration.Unit, &s.Duration.StartDate, &s.Duration.EndDate,
		&s.Source, &s.SourceRecordID, &s.Instructions, &s.IsActive, &s.DeactivatedAt,
		&s.MissedDoses, &s.AdherenceRate, &s.ReminderEnabled, &s.ReminderMinutesBefore,
		&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if s.SpecificTimes == nil {
		s.SpecificTimes = []string{}
	}
	s.IntakeLog = []IntakeEntry{}
	return &s, err
}

func (r *scheduleRepoPG) Create(ctx context.Context, s *Schedule) (bool, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Version == 0 {
		s.Version = 1
	}
	if s.IntakeLog == nil {
		s.IntakeLog = []IntakeEntry{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medication_schedule (id, patient_id, medication_name, dosage, frequency,
			times_per_day, specific_times, duration_value, duration_unit, start_date, end_date,
			source, source_record_id, instructions, is_active,
			missed_doses, adherence_rate, reminder_enabled, reminder_minutes_before,
			version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		s.ID, s.PatientID, s.MedicationName, s.Dosage, s.Frequency,
		s.TimesPerDay, s.SpecificTimes, s.Duration.Value, s.Duration.Unit, s.Duration.StartDate, s.Duration.EndDate,
		s.Source, s.SourceRecordID, s.Instructions, s.IsActive,
		s.MissedDoses, s.AdherenceRate, s.ReminderEnabled, s.ReminderMinutesBefore,
		s.Version, s.CreatedAt, s.UpdatedAt).Scan(&s.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pgError("create schedule", err)
	}
	return true, nil
}

func (r *scheduleRepoPG) GetByID(ctx context.Context, patientID, id string) (*Schedule, error) {
	s, err := r.scanSchedule(r.conn(ctx).QueryRow(ctx,
		`SELECT `+scheduleCols+` FROM medication_schedule WHERE id = $1 AND patient_id = $2`, id, patientID))
	if err != nil {
		return nil, pgError("get schedule", err)
	}
	if err := r.attachIntake(ctx, []*Schedule{s}); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *scheduleRepoPG) ListByPatient(ctx context.Context, patientID string, filter ListFilter) ([]*Schedule, int, error) {
	where := `WHERE patient_id = $1`
	args := []interface{}{patientID}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		where += fmt.Sprintf(` AND is_active = $%d`, len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medication_schedule `+where, args...).Scan(&total); err != nil {
		return nil, 0, pgError("count schedules", err)
	}

	query := `SELECT ` + scheduleCols + ` FROM medication_schedule ` + where + ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, filter.Limit, filter.Offset)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, pgError("list schedules", err)
	}
	defer rows.Close()

	var items []*Schedule
	for rows.Next() {
		s, err := r.scanSchedule(rows)
		if err != nil {
			return nil, 0, pgError("scan schedule", err)
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, pgError("list schedules", err)
	}
	if err := r.attachIntake(ctx, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *scheduleRepoPG) FindActiveImport(ctx context.Context, patientID, medicationName string) (*Schedule, error) {
	s, err := r.scanSchedule(r.conn(ctx).QueryRow(ctx, `SELECT `+scheduleCols+` FROM medication_schedule
		WHERE patient_id = $1 AND lower(medication_name) = lower($2) AND source = $3 AND is_active
		LIMIT 1`, patientID, strings.TrimSpace(medicationName), SourcePrescription))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("find active import", err)
	}
	return s, nil
}

// attachIntake loads the intake logs of items in one query.
func (r *scheduleRepoPG) attachIntake(ctx context.Context, items []*Schedule) error {
	if len(items) == 0 {
		return nil
	}
	byID := make(map[string]*Schedule, len(items))
	ids := make([]string, 0, len(items))
	for _, s := range items {
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT schedule_id, to_char(dose_date, 'YYYY-MM-DD'), dose_time, status, taken_at, COALESCE(notes, '')
		FROM medication_intake WHERE schedule_id = ANY($1)
		ORDER BY taken_at, id`, ids)
	if err != nil {
		return pgError("load intake log", err)
	}
	defer rows.Close()
	for rows.Next() {
		var scheduleID string
		var e IntakeEntry
		if err := rows.Scan(&scheduleID, &e.Date, &e.Time, &e.Status, &e.Timestamp, &e.Notes); err != nil {
			return pgError("scan intake entry", err)
		}
		if s, ok := byID[scheduleID]; ok {
			s.IntakeLog = append(s.IntakeLog, e)
		}
	}
	return rows.Err()
}

func (r *scheduleRepoPG) AppendIntake(ctx context.Context, patientID, scheduleID string, entry IntakeEntry) (*Schedule, error) {
	var out *Schedule
	err := r.inTx(ctx, func(ctx context.Context) error {
		s, err := r.scanSchedule(r.conn(ctx).QueryRow(ctx,
			`SELECT `+scheduleCols+` FROM medication_schedule WHERE id = $1 AND patient_id = $2 FOR UPDATE`,
			scheduleID, patientID))
		if err != nil {
			return pgError("lock schedule", err)
		}
		if !s.IsActive {
			return apperror.Validation("schedule is no longer active")
		}

		var notes *string
		if entry.Notes != "" {
			notes = &entry.Notes
		}
		tag, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO medication_intake (id, schedule_id, patient_id, dose_date, dose_time, status, taken_at, notes)
			VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8)
			ON CONFLICT (schedule_id, dose_date, dose_time) DO NOTHING`,
			uuid.NewString(), s.ID, patientID, entry.Date, entry.Time, entry.Status, entry.Timestamp, notes)
		if err != nil {
			return pgError("insert intake entry", err)
		}
		if tag.RowsAffected() == 0 {
			return apperror.Conflict(fmt.Sprintf("dose at %s on %s is already recorded", entry.Time, entry.Date))
		}

		if err := r.attachIntake(ctx, []*Schedule{s}); err != nil {
			return err
		}
		s.MissedDoses, s.AdherenceRate = recomputeCounters(s.IntakeLog)

		err = r.conn(ctx).QueryRow(ctx, `
			UPDATE medication_schedule SET missed_doses = $2, adherence_rate = $3,
				version = version + 1, updated_at = $4
			WHERE id = $1
			RETURNING version, updated_at`,
			s.ID, s.MissedDoses, s.AdherenceRate, entry.Timestamp).Scan(&s.Version, &s.UpdatedAt)
		if err != nil {
			return pgError("update schedule counters", err)
		}
		out = s
		return nil
	})
	return out, err
}

func (r *scheduleRepoPG) Deactivate(ctx context.Context, patientID, id string, at time.Time) (*Schedule, error) {
	s, err := r.scanSchedule(r.conn(ctx).QueryRow(ctx, `
		UPDATE medication_schedule SET is_active = FALSE,
			deactivated_at = COALESCE(deactivated_at, $3),
			version = CASE WHEN is_active THEN version + 1 ELSE version END,
			updated_at = CASE WHEN is_active THEN $3 ELSE updated_at END
		WHERE id = $1 AND patient_id = $2
		RETURNING `+scheduleCols, id, patientID, at))
	if err != nil {
		return nil, pgError("deactivate schedule", err)
	}
	if err := r.attachIntake(ctx, []*Schedule{s}); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *scheduleRepoPG) UpdateReminder(ctx context.Context, patientID, id string, enabled bool, minutesBefore int, at time.Time) (*Schedule, error) {
	s, err := r.scanSchedule(r.conn(ctx).QueryRow(ctx, `
		UPDATE medication_schedule SET reminder_enabled = $3, reminder_minutes_before = $4,
			version = version + 1, updated_at = $5
		WHERE id = $1 AND patient_id = $2
		RETURNING `+scheduleCols, id, patientID, enabled, minutesBefore, at))
	if err != nil {
		return nil, pgError("update reminder", err)
	}
	if err := r.attachIntake(ctx, []*Schedule{s}); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *scheduleRepoPG) ExpireElapsed(ctx context.Context, patientID string, now time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medication_schedule SET is_active = FALSE, deactivated_at = $2,
			version = version + 1, updated_at = $2
		WHERE is_active AND end_date IS NOT NULL AND end_date <= $2
			AND ($1 = '' OR patient_id = $1)`, patientID, now)
	if err != nil {
		return 0, pgError("expire schedules", err)
	}
	return int(tag.RowsAffected()), nil
}

// =========== Prescription Source ===========

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionSource {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *prescriptionRepoPG) GetPrescription(ctx context.Context, id string) (*Prescription, error) {
	var p Prescription
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, doctor_id, medications, imported_to_scheduler, created_at
		FROM prescription WHERE id = $1`, id).
		Scan(&p.ID, &p.PatientID, &p.DoctorID, &p.Medications, &p.ImportedToScheduler, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("prescription not found")
	}
	if err != nil {
		return nil, apperror.Storage("get prescription", err)
	}
	return &p, nil
}

func (r *prescriptionRepoPG) MarkImported(ctx context.Context, id string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE prescription SET imported_to_scheduler = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return apperror.Storage("mark prescription imported", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("prescription not found")
	}
	return nil
}
