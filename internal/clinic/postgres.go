package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore persists clinic data in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS doctors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			specialization TEXT NOT NULL,
			qualifications JSONB NOT NULL DEFAULT '[]'::jsonb,
			years_of_experience INTEGER NOT NULL DEFAULT 0,
			bio TEXT NOT NULL DEFAULT '',
			availability JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_doctors_email ON doctors (lower(email));`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			doctor_id TEXT NOT NULL REFERENCES doctors(id),
			patient_name TEXT NOT NULL DEFAULT '',
			patient_email TEXT NOT NULL,
			patient_phone TEXT NOT NULL DEFAULT '',
			appointment_date TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_doctor_date ON appointments (doctor_id, appointment_date);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const doctorColumns = `id, name, email, phone, specialization, qualifications, years_of_experience, bio, availability, created_at, updated_at`

func scanDoctor(row pgx.Row) (Doctor, error) {
	var (
		d         Doctor
		quals     []byte
		schedules []byte
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Email, &d.Phone, &d.Specialization, &quals,
		&d.YearsOfExperience, &d.Bio, &schedules, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Doctor{}, err
	}
	if err := json.Unmarshal(quals, &d.Qualifications); err != nil {
		return Doctor{}, fmt.Errorf("decode qualifications: %w", err)
	}
	if err := json.Unmarshal(schedules, &d.Availability); err != nil {
		return Doctor{}, fmt.Errorf("decode availability: %w", err)
	}
	return d, nil
}

func collectDoctors(rows pgx.Rows) ([]Doctor, error) {
	defer rows.Close()
	out := make([]Doctor, 0)
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan doctor row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate doctor rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListDoctors(ctx context.Context, f DoctorFilter) ([]Doctor, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+doctorColumns+` FROM doctors
		 WHERE ($1 = '' OR lower(specialization) = lower($1))
		 ORDER BY name, id OFFSET $2 LIMIT $3`,
		f.Specialization, max(f.Skip, 0), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query doctors: %w", err)
	}
	return collectDoctors(rows)
}

func (s *PostgresStore) GetDoctor(ctx context.Context, id string) (Doctor, error) {
	d, err := scanDoctor(s.pool.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Doctor{}, ErrNotFound
	}
	if err != nil {
		return Doctor{}, fmt.Errorf("get doctor: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) SearchDoctors(ctx context.Context, query string, limit int) ([]Doctor, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.pool.Query(ctx,
		`SELECT `+doctorColumns+` FROM doctors
		 WHERE name ILIKE $1 OR specialization ILIKE $1
		 ORDER BY name, id LIMIT $2`,
		pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search doctors: %w", err)
	}
	return collectDoctors(rows)
}

func (s *PostgresStore) CreateDoctor(ctx context.Context, d Doctor) (Doctor, error) {
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
	quals, err := json.Marshal(d.Qualifications)
	if err != nil {
		return Doctor{}, fmt.Errorf("encode qualifications: %w", err)
	}
	schedules, err := json.Marshal(d.Availability)
	if err != nil {
		return Doctor{}, fmt.Errorf("encode availability: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO doctors (`+doctorColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.Name, d.Email, d.Phone, d.Specialization, quals,
		d.YearsOfExperience, d.Bio, schedules, d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return Doctor{}, ErrDuplicateEmail
	}
	if err != nil {
		return Doctor{}, fmt.Errorf("insert doctor: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) UpdateDoctor(ctx context.Context, d Doctor) (Doctor, error) {
	if d.Qualifications == nil {
		d.Qualifications = []string{}
	}
	if d.Availability == nil {
		d.Availability = []DaySchedule{}
	}
	quals, err := json.Marshal(d.Qualifications)
	if err != nil {
		return Doctor{}, fmt.Errorf("encode qualifications: %w", err)
	}
	schedules, err := json.Marshal(d.Availability)
	if err != nil {
		return Doctor{}, fmt.Errorf("encode availability: %w", err)
	}

	updated, err := scanDoctor(s.pool.QueryRow(ctx,
		`UPDATE doctors SET name=$2, email=$3, phone=$4, specialization=$5, qualifications=$6,
		   years_of_experience=$7, bio=$8, availability=$9, updated_at=now()
		 WHERE id=$1 RETURNING `+doctorColumns,
		d.ID, d.Name, d.Email, d.Phone, d.Specialization, quals,
		d.YearsOfExperience, d.Bio, schedules,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Doctor{}, ErrNotFound
	}
	if isUniqueViolation(err) {
		return Doctor{}, ErrDuplicateEmail
	}
	if err != nil {
		return Doctor{}, fmt.Errorf("update doctor: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteDoctor(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM doctors WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete doctor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const appointmentColumns = `id, doctor_id, patient_name, patient_email, patient_phone, appointment_date, start_time, end_time, reason, status, notes, created_at, updated_at`

func scanAppointment(row pgx.Row) (Appointment, error) {
	var (
		a      Appointment
		status string
	)
	if err := row.Scan(&a.ID, &a.DoctorID, &a.PatientName, &a.PatientEmail, &a.PatientPhone,
		&a.Date, &a.StartTime, &a.EndTime, &a.Reason, &status, &a.Notes, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Appointment{}, err
	}
	a.Status = Status(status)
	return a, nil
}

func (s *PostgresStore) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE ($1 = '' OR doctor_id = $1)
		   AND ($2 = '' OR lower(patient_email) = lower($2))
		   AND ($3 = '' OR appointment_date = $3)
		   AND ($4 = '' OR status = $4)
		   AND (NOT $5 OR status NOT IN ('cancelled', 'no_show'))
		 ORDER BY appointment_date, start_time, id OFFSET $6 LIMIT $7`,
		f.DoctorID, f.PatientEmail, f.Date, string(f.Status), f.ActiveOnly, max(f.Skip, 0), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	out := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointment rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	a, err := scanAppointment(s.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) InsertAppointment(ctx context.Context, a Appointment) (Appointment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Doctor = nil

	_, err := s.pool.Exec(ctx,
		`INSERT INTO appointments (`+appointmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.DoctorID, a.PatientName, a.PatientEmail, a.PatientPhone,
		a.Date, a.StartTime, a.EndTime, a.Reason, string(a.Status), a.Notes, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return Appointment{}, fmt.Errorf("insert appointment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) UpdateAppointment(ctx context.Context, a Appointment) (Appointment, error) {
	updated, err := scanAppointment(s.pool.QueryRow(ctx,
		`UPDATE appointments SET patient_name=$2, patient_email=$3, patient_phone=$4,
		   appointment_date=$5, start_time=$6, end_time=$7, reason=$8, status=$9, notes=$10,
		   updated_at=now()
		 WHERE id=$1 RETURNING `+appointmentColumns,
		a.ID, a.PatientName, a.PatientEmail, a.PatientPhone,
		a.Date, a.StartTime, a.EndTime, a.Reason, string(a.Status), a.Notes,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("update appointment: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) UpdateAppointmentStatus(ctx context.Context, id string, status Status) (Appointment, error) {
	a, err := scanAppointment(s.pool.QueryRow(ctx,
		`UPDATE appointments SET status=$2, updated_at=now() WHERE id=$1 RETURNING `+appointmentColumns,
		id, string(status),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("update appointment status: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) DeleteAppointment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM appointments WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
