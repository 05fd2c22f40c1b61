package clinic

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store persists doctors and appointments.
type Store interface {
	ListDoctors(ctx context.Context, f DoctorFilter) ([]Doctor, error)
	GetDoctor(ctx context.Context, id string) (Doctor, error)
	// SearchDoctors matches name or specialization case-insensitively.
	SearchDoctors(ctx context.Context, query string, limit int) ([]Doctor, error)
	CreateDoctor(ctx context.Context, d Doctor) (Doctor, error)
	// UpdateDoctor replaces the stored profile with d, keeping CreatedAt.
	UpdateDoctor(ctx context.Context, d Doctor) (Doctor, error)
	DeleteDoctor(ctx context.Context, id string) error

	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	GetAppointment(ctx context.Context, id string) (Appointment, error)
	InsertAppointment(ctx context.Context, a Appointment) (Appointment, error)
	UpdateAppointment(ctx context.Context, a Appointment) (Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id string, status Status) (Appointment, error)
	DeleteAppointment(ctx context.Context, id string) error

	Close() error
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Backend       string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
}

// NewStore opens the configured backend and seeds sample doctors into an empty store.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		store = NewInMemoryStore()
	case "postgres":
		store, err = NewPostgresStore(ctx, cfg.DatabaseURL)
	case "mongo":
		store, err = NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown clinic store %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := Seed(ctx, store); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Seed inserts the sample doctors when the store has none.
func Seed(ctx context.Context, store Store) error {
	existing, err := store.ListDoctors(ctx, DoctorFilter{Limit: 1})
	if err != nil {
		return fmt.Errorf("check seed: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, d := range SampleDoctors() {
		d.CreatedAt, d.UpdatedAt = now, now
		if _, err := store.CreateDoctor(ctx, d); err != nil {
			return fmt.Errorf("seed doctor %s: %w", d.ID, err)
		}
	}
	return nil
}

// SampleDoctors is the default roster.
func SampleDoctors() []Doctor {
	return []Doctor{
		{
			ID:                "60d5ec49fbd8621e4023a7b1",
			Name:              "Dr. Ahmed",
			Email:             "ahmed@clinic.example",
			Phone:             "+201000000001",
			Specialization:    "ORTHODONTICS",
			Qualifications:    []string{"BDS", "MSc Orthodontics"},
			YearsOfExperience: 12,
			Availability: []DaySchedule{
				{DayOfWeek: 0, TimeSlots: []TimeSlot{{"09:00:00", "12:00:00"}, {"13:00:00", "17:00:00"}}},
				{DayOfWeek: 2, TimeSlots: []TimeSlot{{"10:00:00", "18:00:00"}}},
			},
		},
		{
			ID:                "60d5ec49fbd8621e4023a7b2",
			Name:              "Dr. Sara",
			Email:             "sara@clinic.example",
			Phone:             "+201000000002",
			Specialization:    "PROSTHODONTICS",
			Qualifications:    []string{"BDS", "MSc Prosthodontics"},
			YearsOfExperience: 9,
			Availability: []DaySchedule{
				{DayOfWeek: 1, TimeSlots: []TimeSlot{{"08:00:00", "16:00:00"}}},
				{DayOfWeek: 4, TimeSlots: []TimeSlot{{"09:00:00", "12:00:00"}, {"13:00:00", "15:00:00"}}},
			},
		},
		{
			ID:                "60d5ec49fbd8621e4023a7b3",
			Name:              "Dr. Mohamed",
			Email:             "mohamed@clinic.example",
			Phone:             "+201000000003",
			Specialization:    "ENDODONTICS",
			Qualifications:    []string{"BDS", "PhD Endodontics"},
			YearsOfExperience: 15,
			Availability: []DaySchedule{
				{DayOfWeek: 3, TimeSlots: []TimeSlot{{"10:00:00", "14:00:00"}}},
				{DayOfWeek: 5, TimeSlots: []TimeSlot{{"09:00:00", "13:00:00"}}},
			},
		},
	}
}
