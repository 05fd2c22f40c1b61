package clinic

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists clinic data in MongoDB collections doctors and appointments.
type MongoStore struct {
	client       *mongo.Client
	doctors      *mongo.Collection
	appointments *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if strings.TrimSpace(database) == "" {
		database = "clinic"
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:       client,
		doctors:      db.Collection("doctors"),
		appointments: db.Collection("appointments"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.doctors.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("create doctor email index: %w", err)
	}
	if _, err := s.appointments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "doctor_id", Value: 1}, {Key: "appointment_date", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create appointment index: %w", err)
	}
	return nil
}

func findOptions(skip, limit int, sort bson.D) *options.FindOptions {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = 100
	}
	return options.Find().SetSkip(int64(skip)).SetLimit(int64(limit)).SetSort(sort)
}

func (s *MongoStore) ListDoctors(ctx context.Context, f DoctorFilter) ([]Doctor, error) {
	filter := bson.M{}
	if f.Specialization != "" {
		filter["specialization"] = primitive.Regex{Pattern: "^" + regexp.QuoteMeta(f.Specialization) + "$", Options: "i"}
	}
	return s.findDoctors(ctx, filter, findOptions(f.Skip, f.Limit, bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}}))
}

func (s *MongoStore) SearchDoctors(ctx context.Context, query string, limit int) ([]Doctor, error) {
	re := primitive.Regex{Pattern: regexp.QuoteMeta(strings.TrimSpace(query)), Options: "i"}
	filter := bson.M{"$or": bson.A{
		bson.M{"name": re},
		bson.M{"specialization": re},
	}}
	return s.findDoctors(ctx, filter, findOptions(0, limit, bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}}))
}

func (s *MongoStore) findDoctors(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Doctor, error) {
	cur, err := s.doctors.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find doctors: %w", err)
	}
	out := make([]Doctor, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode doctors: %w", err)
	}
	return out, nil
}

func (s *MongoStore) GetDoctor(ctx context.Context, id string) (Doctor, error) {
	var d Doctor
	err := s.doctors.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Doctor{}, ErrNotFound
	}
	if err != nil {
		return Doctor{}, fmt.Errorf("get doctor: %w", err)
	}
	return d, nil
}

func (s *MongoStore) CreateDoctor(ctx context.Context, d Doctor) (Doctor, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	if d.Qualifications == nil {
		d.Qualifications = []string{}
	}
	if d.Availability == nil {
		d.Availability = []DaySchedule{}
	}
	if _, err := s.doctors.InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Doctor{}, ErrDuplicateEmail
		}
		return Doctor{}, fmt.Errorf("insert doctor: %w", err)
	}
	return d, nil
}

func (s *MongoStore) UpdateDoctor(ctx context.Context, d Doctor) (Doctor, error) {
	if d.Qualifications == nil {
		d.Qualifications = []string{}
	}
	if d.Availability == nil {
		d.Availability = []DaySchedule{}
	}
	var updated Doctor
	err := s.doctors.FindOneAndUpdate(ctx,
		bson.M{"_id": d.ID},
		bson.M{"$set": bson.M{
			"name":                d.Name,
			"email":               d.Email,
			"phone":               d.Phone,
			"specialization":      d.Specialization,
			"qualifications":      d.Qualifications,
			"years_of_experience": d.YearsOfExperience,
			"bio":                 d.Bio,
			"availability":        d.Availability,
			"updated_at":          time.Now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return Doctor{}, ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return Doctor{}, ErrDuplicateEmail
	case err != nil:
		return Doctor{}, fmt.Errorf("update doctor: %w", err)
	}
	return updated, nil
}

func (s *MongoStore) DeleteDoctor(ctx context.Context, id string) error {
	res, err := s.doctors.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete doctor: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	filter := bson.M{}
	if f.DoctorID != "" {
		filter["doctor_id"] = f.DoctorID
	}
	if f.PatientEmail != "" {
		filter["patient_email"] = primitive.Regex{Pattern: "^" + regexp.QuoteMeta(f.PatientEmail) + "$", Options: "i"}
	}
	if f.Date != "" {
		filter["appointment_date"] = f.Date
	}
	switch {
	case f.Status != "":
		filter["status"] = string(f.Status)
	case f.ActiveOnly:
		filter["status"] = bson.M{"$nin": bson.A{string(StatusCancelled), string(StatusNoShow)}}
	}
	if f.Status != "" && f.ActiveOnly && !f.Status.Blocks() {
		return []Appointment{}, nil
	}

	cur, err := s.appointments.Find(ctx, filter, findOptions(f.Skip, f.Limit, bson.D{
		{Key: "appointment_date", Value: 1}, {Key: "start_time", Value: 1}, {Key: "_id", Value: 1},
	}))
	if err != nil {
		return nil, fmt.Errorf("find appointments: %w", err)
	}
	out := make([]Appointment, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode appointments: %w", err)
	}
	return out, nil
}

func (s *MongoStore) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	var a Appointment
	err := s.appointments.FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (s *MongoStore) InsertAppointment(ctx context.Context, a Appointment) (Appointment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Doctor = nil
	if _, err := s.appointments.InsertOne(ctx, a); err != nil {
		return Appointment{}, fmt.Errorf("insert appointment: %w", err)
	}
	return a, nil
}

func (s *MongoStore) UpdateAppointment(ctx context.Context, a Appointment) (Appointment, error) {
	var updated Appointment
	err := s.appointments.FindOneAndUpdate(ctx,
		bson.M{"_id": a.ID},
		bson.M{"$set": bson.M{
			"patient_name":     a.PatientName,
			"patient_email":    a.PatientEmail,
			"patient_phone":    a.PatientPhone,
			"appointment_date": a.Date,
			"start_time":       a.StartTime,
			"end_time":         a.EndTime,
			"reason":           a.Reason,
			"status":           string(a.Status),
			"notes":            a.Notes,
			"updated_at":       time.Now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("update appointment: %w", err)
	}
	return updated, nil
}

func (s *MongoStore) UpdateAppointmentStatus(ctx context.Context, id string, status Status) (Appointment, error) {
	var a Appointment
	err := s.appointments.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": string(status), "updated_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("update appointment status: %w", err)
	}
	return a, nil
}

func (s *MongoStore) DeleteAppointment(ctx context.Context, id string) error {
	res, err := s.appointments.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
