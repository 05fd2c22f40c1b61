package clinic

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEmail = errors.New("a doctor with this email already exists")
)

// ValidationError is a booking or input rule violation that the caller can fix.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// Blocks reports whether an appointment in this status occupies its slot.
func (s Status) Blocks() bool {
	return s != StatusCancelled && s != StatusNoShow
}

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return s, nil
	default:
		return "", invalid("unknown appointment status %q", raw)
	}
}

type TimeSlot struct {
	StartTime string `json:"start_time" bson:"start_time"`
	EndTime   string `json:"end_time" bson:"end_time"`
}

// DaySchedule lists working slots for a weekday, 0 = Monday .. 6 = Sunday.
type DaySchedule struct {
	DayOfWeek int        `json:"day_of_week" bson:"day_of_week"`
	TimeSlots []TimeSlot `json:"time_slots" bson:"time_slots"`
}

type Doctor struct {
	ID                string        `json:"id" bson:"_id"`
	Name              string        `json:"name" bson:"name"`
	Email             string        `json:"email" bson:"email"`
	Phone             string        `json:"phone" bson:"phone"`
	Specialization    string        `json:"specialization" bson:"specialization"`
	Qualifications    []string      `json:"qualifications" bson:"qualifications"`
	YearsOfExperience int           `json:"years_of_experience" bson:"years_of_experience"`
	Bio               string        `json:"bio,omitempty" bson:"bio,omitempty"`
	Availability      []DaySchedule `json:"availability" bson:"availability"`
	CreatedAt         time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" bson:"updated_at"`
}

// DoctorSummary is the doctor reference embedded in appointment responses.
type DoctorSummary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
}

func (d Doctor) Summary() DoctorSummary {
	return DoctorSummary{ID: d.ID, Name: d.Name, Specialization: d.Specialization}
}

// ScheduleFor returns the doctor's schedule for a weekday.
func (d Doctor) ScheduleFor(weekday int) (DaySchedule, bool) {
	for _, s := range d.Availability {
		if s.DayOfWeek == weekday {
			return s, true
		}
	}
	return DaySchedule{}, false
}

type Appointment struct {
	ID           string         `json:"id" bson:"_id"`
	DoctorID     string         `json:"doctor_id" bson:"doctor_id"`
	PatientName  string         `json:"patient_name" bson:"patient_name"`
	PatientEmail string         `json:"patient_email" bson:"patient_email"`
	PatientPhone string         `json:"patient_phone,omitempty" bson:"patient_phone,omitempty"`
	Date         string         `json:"appointment_date" bson:"appointment_date"`
	StartTime    string         `json:"start_time" bson:"start_time"`
	EndTime      string         `json:"end_time" bson:"end_time"`
	Reason       string         `json:"reason,omitempty" bson:"reason,omitempty"`
	Status       Status         `json:"status" bson:"status"`
	Notes        string         `json:"notes,omitempty" bson:"notes,omitempty"`
	CreatedAt    time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" bson:"updated_at"`
	Doctor       *DoctorSummary `json:"doctor,omitempty" bson:"-"`
}

// Overlaps reports whether the appointment intersects [start, end) on its date.
func (a Appointment) Overlaps(start, end string) bool {
	return a.StartTime < end && start < a.EndTime
}

type DoctorFilter struct {
	Specialization string
	Skip           int
	Limit          int
}

type AppointmentFilter struct {
	DoctorID     string
	PatientEmail string
	Date         string
	Status       Status
	// ActiveOnly drops cancelled and no-show appointments.
	ActiveOnly bool
	Skip       int
	Limit      int
}

// SlotAvailability is one working slot on a specific date.
type SlotAvailability struct {
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	IsAvailable bool   `json:"is_available"`
}

// BookingRequest is the input for creating an appointment.
type BookingRequest struct {
	DoctorID     string `json:"doctor_id"`
	PatientName  string `json:"patient_name"`
	PatientEmail string `json:"patient_email"`
	PatientPhone string `json:"patient_phone"`
	Date         string `json:"appointment_date"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	Reason       string `json:"reason"`
	Notes        string `json:"notes"`
	Status       Status `json:"status"`
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// ParseDate validates a YYYY-MM-DD date.
func ParseDate(raw string) (time.Time, error) {
	d, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, invalid("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return d, nil
}

// NormalizeTime accepts HH:MM or HH:MM:SS and returns HH:MM:SS.
func NormalizeTime(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{timeLayout, "15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(timeLayout), nil
		}
	}
	return "", invalid("invalid time %q, expected HH:MM:SS", raw)
}

// Weekday converts to the 0 = Monday numbering used by schedules.
func Weekday(d time.Time) int {
	return (int(d.Weekday()) + 6) % 7
}

func pageBounds(n, skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = 100
	}
	if skip > n {
		skip = n
	}
	end := skip + limit
	if end > n {
		end = n
	}
	return skip, end
}
