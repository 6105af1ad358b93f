package dosage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/pkg/apperror"
)

const (
	schedulesCollection     = "medication_schedules"
	prescriptionsCollection = "prescriptions"

	// maxCASAttempts bounds optimistic retries when two writers race on
	// the same schedule document.
	maxCASAttempts = 5
)

// scheduleDocument adds the hospital scope and the lower-cased dedup key to
// a stored schedule.
type scheduleDocument struct {
	Schedule      `bson:",inline"`
	HospitalID    string `bson:"hospitalId"`
	MedicationKey string `bson:"medicationKey"`
}

// =========== Schedule Repository ===========

type scheduleRepoMongo struct {
	coll *mongo.Collection
}

func NewScheduleRepoMongo(database *mongo.Database) ScheduleRepository {
	return &scheduleRepoMongo{coll: database.Collection(schedulesCollection)}
}

// EnsureScheduleIndexes creates the indexes the Mongo schedule store relies
// on, including the active-import uniqueness guard.
func EnsureScheduleIndexes(ctx context.Context, database *mongo.Database) error {
	_, err := database.Collection(schedulesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "hospitalId", Value: 1}, {Key: "patientId", Value: 1}, {Key: "createdAt", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "hospitalId", Value: 1}, {Key: "patientId", Value: 1},
				{Key: "medicationKey", Value: 1}, {Key: "source", Value: 1},
			},
			Options: options.Index().
				SetName("uq_active_import").
				SetUnique(true).
				SetPartialFilterExpression(bson.D{
					{Key: "isActive", Value: true},
					{Key: "source", Value: SourcePrescription},
				}),
		},
	})
	if err != nil {
		return fmt.Errorf("create schedule indexes: %w", err)
	}
	return nil
}

// scope returns the base filter for a patient within the request's hospital.
func scope(ctx context.Context, patientID string) bson.D {
	f := bson.D{}
	if tenant := db.TenantFromContext(ctx); tenant != "" {
		f = append(f, bson.E{Key: "hospitalId", Value: tenant})
	}
	if patientID != "" {
		f = append(f, bson.E{Key: "patientId", Value: patientID})
	}
	return f
}

func medicationKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func mongoError(op string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperror.NotFound("schedule not found")
	}
	if mongo.IsDuplicateKeyError(err) {
		return apperror.Conflict("an active schedule for this medication already exists")
	}
	return apperror.Storage(op, err)
}

func (r *scheduleRepoMongo) Create(ctx context.Context, s *Schedule) (bool, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Version == 0 {
		s.Version = 1
	}
	if s.IntakeLog == nil {
		s.IntakeLog = []IntakeEntry{}
	}
	doc := scheduleDocument{
		Schedule:      *s,
		HospitalID:    db.TenantFromContext(ctx),
		MedicationKey: medicationKey(s.MedicationName),
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, mongoError("create schedule", err)
	}
	return true, nil
}

func (r *scheduleRepoMongo) findOne(ctx context.Context, filter bson.D) (*Schedule, error) {
	var doc scheduleDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, err
	}
	s := doc.Schedule
	if s.IntakeLog == nil {
		s.IntakeLog = []IntakeEntry{}
	}
	return &s, nil
}

func (r *scheduleRepoMongo) byID(ctx context.Context, patientID, id string) bson.D {
	return append(scope(ctx, patientID), bson.E{Key: "_id", Value: id})
}

func (r *scheduleRepoMongo) GetByID(ctx context.Context, patientID, id string) (*Schedule, error) {
	s, err := r.findOne(ctx, r.byID(ctx, patientID, id))
	if err != nil {
		return nil, mongoError("get schedule", err)
	}
	return s, nil
}

func (r *scheduleRepoMongo) ListByPatient(ctx context.Context, patientID string, filter ListFilter) ([]*Schedule, int, error) {
	f := scope(ctx, patientID)
	if filter.Active != nil {
		f = append(f, bson.E{Key: "isActive", Value: *filter.Active})
	}

	total, err := r.coll.CountDocuments(ctx, f)
	if err != nil {
		return nil, 0, mongoError("count schedules", err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit)).SetSkip(int64(filter.Offset))
	}
	cur, err := r.coll.Find(ctx, f, opts)
	if err != nil {
		return nil, 0, mongoError("list schedules", err)
	}
	var docs []scheduleDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, mongoError("decode schedules", err)
	}

	items := make([]*Schedule, 0, len(docs))
	for i := range docs {
		s := docs[i].Schedule
		if s.IntakeLog == nil {
			s.IntakeLog = []IntakeEntry{}
		}
		items = append(items, &s)
	}
	return items, int(total), nil
}

func (r *scheduleRepoMongo) FindActiveImport(ctx context.Context, patientID, medicationName string) (*Schedule, error) {
	f := append(scope(ctx, patientID),
		bson.E{Key: "medicationKey", Value: medicationKey(medicationName)},
		bson.E{Key: "source", Value: SourcePrescription},
		bson.E{Key: "isActive", Value: true},
	)
	s, err := r.findOne(ctx, f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mongoError("find active import", err)
	}
	return s, nil
}

// AppendIntake is a compare-and-swap on version: the update only applies if
// no other writer touched the document since it was read.
func (r *scheduleRepoMongo) AppendIntake(ctx context.Context, patientID, scheduleID string, entry IntakeEntry) (*Schedule, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		s, err := r.findOne(ctx, r.byID(ctx, patientID, scheduleID))
		if err != nil {
			return nil, mongoError("get schedule", err)
		}
		if !s.IsActive {
			return nil, apperror.Validation("schedule is no longer active")
		}
		if s.hasIntake(entry.Date, entry.Time) {
			return nil, apperror.Conflict(fmt.Sprintf("dose at %s on %s is already recorded", entry.Time, entry.Date))
		}

		s.IntakeLog = append(s.IntakeLog, entry)
		s.MissedDoses, s.AdherenceRate = recomputeCounters(s.IntakeLog)
		s.UpdatedAt = entry.Timestamp

		filter := append(r.byID(ctx, patientID, scheduleID), bson.E{Key: "version", Value: s.Version})
		update := bson.D{
			{Key: "$push", Value: bson.D{{Key: "intakeLog", Value: entry}}},
			{Key: "$set", Value: bson.D{
				{Key: "missedDoses", Value: s.MissedDoses},
				{Key: "adherenceRate", Value: s.AdherenceRate},
				{Key: "updatedAt", Value: s.UpdatedAt},
			}},
			{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
		}
		res, err := r.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return nil, mongoError("append intake entry", err)
		}
		if res.MatchedCount == 1 {
			s.Version++
			return s, nil
		}
	}
	return nil, apperror.Conflict("schedule was modified concurrently, try again")
}

func (r *scheduleRepoMongo) Deactivate(ctx context.Context, patientID, id string, at time.Time) (*Schedule, error) {
	filter := append(r.byID(ctx, patientID, id), bson.E{Key: "isActive", Value: true})
	_, err := r.coll.UpdateOne(ctx, filter, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "isActive", Value: false},
			{Key: "deactivatedAt", Value: at},
			{Key: "updatedAt", Value: at},
		}},
		{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
	})
	if err != nil {
		return nil, mongoError("deactivate schedule", err)
	}
	return r.GetByID(ctx, patientID, id)
}

func (r *scheduleRepoMongo) UpdateReminder(ctx context.Context, patientID, id string, enabled bool, minutesBefore int, at time.Time) (*Schedule, error) {
	var doc scheduleDocument
	err := r.coll.FindOneAndUpdate(ctx, r.byID(ctx, patientID, id), bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "reminderEnabled", Value: enabled},
			{Key: "reminderMinutesBefore", Value: minutesBefore},
			{Key: "updatedAt", Value: at},
		}},
		{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
	}, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		return nil, mongoError("update reminder", err)
	}
	s := doc.Schedule
	if s.IntakeLog == nil {
		s.IntakeLog = []IntakeEntry{}
	}
	return &s, nil
}

func (r *scheduleRepoMongo) ExpireElapsed(ctx context.Context, patientID string, now time.Time) (int, error) {
	filter := append(scope(ctx, patientID),
		bson.E{Key: "isActive", Value: true},
		bson.E{Key: "duration.endDate", Value: bson.D{{Key: "$ne", Value: nil}, {Key: "$lte", Value: now}}},
	)
	res, err := r.coll.UpdateMany(ctx, filter, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "isActive", Value: false},
			{Key: "deactivatedAt", Value: now},
			{Key: "updatedAt", Value: now},
		}},
		{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
	})
	if err != nil {
		return 0, mongoError("expire schedules", err)
	}
	return int(res.ModifiedCount), nil
}

// =========== Prescription Source ===========

type prescriptionRepoMongo struct {
	coll *mongo.Collection
}

func NewPrescriptionRepoMongo(database *mongo.Database) PrescriptionSource {
	return &prescriptionRepoMongo{coll: database.Collection(prescriptionsCollection)}
}

func (r *prescriptionRepoMongo) filter(ctx context.Context, id string) bson.D {
	f := bson.D{{Key: "_id", Value: id}}
	if tenant := db.TenantFromContext(ctx); tenant != "" {
		f = append(f, bson.E{Key: "hospitalId", Value: tenant})
	}
	return f
}

func (r *prescriptionRepoMongo) GetPrescription(ctx context.Context, id string) (*Prescription, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperror.NotFound("prescription not found")
	}
	var p Prescription
	err := r.coll.FindOne(ctx, r.filter(ctx, id)).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperror.NotFound("prescription not found")
	}
	if err != nil {
		return nil, apperror.Storage("get prescription", err)
	}
	return &p, nil
}

func (r *prescriptionRepoMongo) MarkImported(ctx context.Context, id string) error {
	res, err := r.coll.UpdateOne(ctx, r.filter(ctx, id), bson.D{
		{Key: "$set", Value: bson.D{{Key: "importedToScheduler", Value: true}}},
	})
	if err != nil {
		return apperror.Storage("mark prescription imported", err)
	}
	if res.MatchedCount == 0 {
		return apperror.NotFound("prescription not found")
	}
	return nil
}
