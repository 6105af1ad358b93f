package dosage

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/lock"
	"github.com/hms/hms/internal/platform/notification"
	"github.com/hms/hms/pkg/apperror"
)

// Import turns prescribed medications into active schedules for patientID.
// Medications with a blank name or an active imported schedule are skipped,
// so repeating an import creates nothing new. When req lists no medications
// they are read from the prescription named by SourceRecordID.
func (s *Service) Import(ctx context.Context, patientID string, req ImportRequest) (res *ImportResult, err error) {
	ctx, span := s.startSpan(ctx, "dosage.Import", patientID)
	defer func() { endSpan(span, err) }()

	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	sourceID := strings.TrimSpace(req.SourceRecordID)

	meds, owned, err := s.importMedications(ctx, patientID, sourceID, req.Medications)
	if err != nil {
		return nil, err
	}
	result := &ImportResult{ScheduleIDs: []string{}, Skipped: []SkippedMedication{}}
	if len(meds) == 0 {
		return result, nil
	}

	// Reject bad times before anything is written.
	times := make([][]string, len(meds))
	for i, med := range meds {
		if times[i], err = NormalizeTimes(med.SpecificTimes); err != nil {
			return nil, apperror.Validation("%s: %s", med.Medication, err.Error())
		}
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "import:"+db.TenantFromContext(ctx)+":"+patientID, s.lockTTL)
		if err != nil {
			if errors.Is(err, lock.ErrHeld) {
				return nil, apperror.Conflict("another import for this patient is in progress")
			}
			return nil, apperror.Storage("acquire import lock", err)
		}
		defer func() {
			if err := release(); err != nil {
				s.logger.Warn().Err(err).Str("patient_id", patientID).Msg("release import lock failed")
			}
		}()
	}

	var sourceRef *string
	if sourceID != "" {
		sourceRef = &sourceID
	}
	seen := make(map[string]bool, len(meds))
	for i, med := range meds {
		name := strings.TrimSpace(med.Medication)
		if name == "" {
			result.Skipped = append(result.Skipped, SkippedMedication{Medication: med.Medication, Reason: SkipBlankName})
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			result.Skipped = append(result.Skipped, SkippedMedication{Medication: name, Reason: SkipDuplicate})
			continue
		}
		seen[key] = true

		existing, err := s.schedules.FindActiveImport(ctx, patientID, name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			result.Skipped = append(result.Skipped, SkippedMedication{Medication: name, Reason: SkipDuplicate})
			continue
		}

		sch := s.newSchedule(patientID, SourcePrescription, name, med.Dosage, med.Frequency,
			med.Instructions, times[i], ParseDuration(med.Duration), s.now())
		sch.SourceRecordID = sourceRef

		created, err := s.schedules.Create(ctx, sch)
		if err != nil {
			return nil, err
		}
		if !created {
			// Lost a race with a concurrent import.
			result.Skipped = append(result.Skipped, SkippedMedication{Medication: name, Reason: SkipDuplicate})
			continue
		}
		result.ScheduleIDs = append(result.ScheduleIDs, sch.ID)
	}

	if owned {
		if err := s.prescriptions.MarkImported(ctx, sourceID); err != nil {
			s.logger.Warn().Err(err).Str("prescription_id", sourceID).Msg("mark prescription imported failed")
		}
	}

	if len(result.ScheduleIDs) > 0 {
		_, result.Message, _ = s.templates.Render(notification.TemplateImportDone,
			map[string]string{"count": strconv.Itoa(len(result.ScheduleIDs))})
	}

	span.SetAttributes(
		attribute.Int("import.created", len(result.ScheduleIDs)),
		attribute.Int("import.skipped", len(result.Skipped)),
	)
	s.logger.Info().Str("patient_id", patientID).
		Int("created", len(result.ScheduleIDs)).Int("skipped", len(result.Skipped)).
		Msg("imported prescription")
	return result, nil
}

// importMedications resolves the medication list and whether sourceID names
// a prescription of patientID. A prescription belonging to another patient
// is reported as NotFound.
func (s *Service) importMedications(ctx context.Context, patientID, sourceID string, meds []PrescriptionMedication) ([]PrescriptionMedication, bool, error) {
	if sourceID == "" || s.prescriptions == nil {
		return meds, false, nil
	}

	p, err := s.prescriptions.GetPrescription(ctx, sourceID)
	switch {
	case err == nil:
	case apperror.Is(err, apperror.KindNotFound) && len(meds) > 0:
		// An unknown back-reference is kept on the schedules as is.
		return meds, false, nil
	case apperror.Is(err, apperror.KindNotFound):
		return nil, false, err
	case len(meds) > 0:
		s.logger.Warn().Err(err).Str("prescription_id", sourceID).Msg("prescription lookup failed")
		return meds, false, nil
	default:
		return nil, false, err
	}

	if p.PatientID != patientID {
		return nil, false, apperror.NotFound("prescription not found")
	}
	if len(meds) == 0 {
		meds = p.Medications
	}
	return meds, true, nil
}
