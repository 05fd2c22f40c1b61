package clinic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/realtime-gateway/internal/events"
)

// maxAvailabilityDays bounds a day-availability range request.
const maxAvailabilityDays = 31

// dayScanLimit caps how many appointments one doctor-day lookup reads.
const dayScanLimit = 1000

// Service applies the clinic booking rules on top of a Store.
type Service struct {
	store Store
	pub   events.Publisher
	log   zerolog.Logger

	// bookMu serializes the availability check with the insert.
	bookMu sync.Mutex
}

func NewService(store Store, pub events.Publisher, log zerolog.Logger) *Service {
	return &Service{store: store, pub: pub, log: log}
}

func (s *Service) ListDoctors(ctx context.Context, f DoctorFilter) ([]Doctor, error) {
	return s.store.ListDoctors(ctx, f)
}

func (s *Service) GetDoctor(ctx context.Context, id string) (Doctor, error) {
	return s.store.GetDoctor(ctx, strings.TrimSpace(id))
}

func (s *Service) SearchDoctors(ctx context.Context, query string, limit int) ([]Doctor, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalid("search query is required")
	}
	return s.store.SearchDoctors(ctx, query, limit)
}

// CreateDoctor validates and normalizes the profile before storing it.
func (s *Service) CreateDoctor(ctx context.Context, d Doctor) (Doctor, error) {
	if err := normalizeDoctor(&d); err != nil {
		return Doctor{}, err
	}
	d.ID = ""
	return s.store.CreateDoctor(ctx, d)
}

// DoctorUpdate is a partial doctor profile; nil fields are left unchanged.
type DoctorUpdate struct {
	Name              *string        `json:"name"`
	Email             *string        `json:"email"`
	Phone             *string        `json:"phone"`
	Specialization    *string        `json:"specialization"`
	Qualifications    *[]string      `json:"qualifications"`
	YearsOfExperience *int           `json:"years_of_experience"`
	Bio               *string        `json:"bio"`
	Availability      *[]DaySchedule `json:"availability"`
}

// UpdateDoctor applies the set fields of u and re-validates the profile.
// Existing appointments are kept even when the new schedule no longer covers them.
func (s *Service) UpdateDoctor(ctx context.Context, id string, u DoctorUpdate) (Doctor, error) {
	s.bookMu.Lock()
	defer s.bookMu.Unlock()

	d, err := s.store.GetDoctor(ctx, strings.TrimSpace(id))
	if err != nil {
		return Doctor{}, err
	}
	if u == (DoctorUpdate{}) {
		return d, nil
	}
	setIf(&d.Name, u.Name)
	setIf(&d.Email, u.Email)
	setIf(&d.Phone, u.Phone)
	setIf(&d.Specialization, u.Specialization)
	setIf(&d.Qualifications, u.Qualifications)
	setIf(&d.YearsOfExperience, u.YearsOfExperience)
	setIf(&d.Bio, u.Bio)
	setIf(&d.Availability, u.Availability)
	if err := normalizeDoctor(&d); err != nil {
		return Doctor{}, err
	}
	return s.store.UpdateDoctor(ctx, d)
}

// DeleteDoctor removes a doctor that has no appointments of any status.
func (s *Service) DeleteDoctor(ctx context.Context, id string) error {
	s.bookMu.Lock()
	defer s.bookMu.Unlock()

	d, err := s.store.GetDoctor(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	booked, err := s.store.ListAppointments(ctx, AppointmentFilter{DoctorID: d.ID, Limit: 1})
	if err != nil {
		return fmt.Errorf("list doctor appointments: %w", err)
	}
	if len(booked) > 0 {
		return invalid("cannot delete a doctor with existing appointments")
	}
	if err := s.store.DeleteDoctor(ctx, d.ID); err != nil {
		return err
	}
	s.log.Info().Str("doctor_id", d.ID).Msg("doctor deleted")
	return nil
}

func normalizeDoctor(d *Doctor) error {
	d.Name = strings.TrimSpace(d.Name)
	d.Email = strings.ToLower(strings.TrimSpace(d.Email))
	d.Specialization = strings.ToUpper(strings.TrimSpace(d.Specialization))
	switch {
	case d.Name == "":
		return invalid("name is required")
	case !strings.Contains(d.Email, "@"):
		return invalid("a valid email is required")
	case d.Specialization == "":
		return invalid("specialization is required")
	case d.YearsOfExperience < 0:
		return invalid("years_of_experience must be >= 0")
	}

	seen := make(map[int]bool, len(d.Availability))
	for i, day := range d.Availability {
		if day.DayOfWeek < 0 || day.DayOfWeek > 6 {
			return invalid("day_of_week must be between 0 (Monday) and 6 (Sunday)")
		}
		if seen[day.DayOfWeek] {
			return invalid("duplicate schedule for day %d", day.DayOfWeek)
		}
		seen[day.DayOfWeek] = true
		for j, slot := range day.TimeSlots {
			start, end, err := normalizeRange(slot.StartTime, slot.EndTime)
			if err != nil {
				return err
			}
			d.Availability[i].TimeSlots[j] = TimeSlot{StartTime: start, EndTime: end}
		}
	}
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	if f.Date != "" {
		if _, err := ParseDate(f.Date); err != nil {
			return nil, err
		}
	}
	out, err := s.store.ListAppointments(ctx, f)
	if err != nil {
		return nil, err
	}
	s.attachDoctors(ctx, out)
	return out, nil
}

func (s *Service) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	a, err := s.store.GetAppointment(ctx, strings.TrimSpace(id))
	if err != nil {
		return Appointment{}, err
	}
	return s.withDoctor(ctx, a), nil
}

func (s *Service) attachDoctors(ctx context.Context, as []Appointment) {
	cache := make(map[string]*DoctorSummary)
	for i := range as {
		id := as[i].DoctorID
		sum, ok := cache[id]
		if !ok {
			if d, err := s.store.GetDoctor(ctx, id); err == nil {
				v := d.Summary()
				sum = &v
			}
			cache[id] = sum
		}
		as[i].Doctor = sum
	}
}

// CheckAvailability reports nil when the doctor can take [start, end) on date.
func (s *Service) CheckAvailability(ctx context.Context, doctorID, date, start, end string) error {
	_, _, _, err := s.checkSlot(ctx, doctorID, date, start, end, "")
	return err
}

// checkSlot validates [start, end) on date for the doctor. Appointment
// exclude, when set, does not count as a conflict.
func (s *Service) checkSlot(ctx context.Context, doctorID, date, start, end, exclude string) (Doctor, string, string, error) {
	day, err := ParseDate(date)
	if err != nil {
		return Doctor{}, "", "", err
	}
	start, end, err = normalizeRange(start, end)
	if err != nil {
		return Doctor{}, "", "", err
	}
	doctor, err := s.store.GetDoctor(ctx, strings.TrimSpace(doctorID))
	if err != nil {
		return Doctor{}, "", "", err
	}

	schedule, ok := doctor.ScheduleFor(Weekday(day))
	if !ok {
		return Doctor{}, "", "", invalid("doctor is not available on %s", day.Weekday())
	}
	fits := false
	for _, slot := range schedule.TimeSlots {
		if slot.StartTime <= start && end <= slot.EndTime {
			fits = true
			break
		}
	}
	if !fits {
		return Doctor{}, "", "", invalid("doctor is not available during this time slot")
	}

	booked, err := s.store.ListAppointments(ctx, AppointmentFilter{
		DoctorID:   doctor.ID,
		Date:       day.Format(dateLayout),
		ActiveOnly: true,
		Limit:      dayScanLimit,
	})
	if err != nil {
		return Doctor{}, "", "", fmt.Errorf("list booked appointments: %w", err)
	}
	for _, a := range booked {
		if a.ID != exclude && a.Overlaps(start, end) {
			return Doctor{}, "", "", invalid("this time slot is already booked")
		}
	}
	return doctor, start, end, nil
}

// Book validates the request against the doctor's schedule and existing
// appointments, then stores it.
func (s *Service) Book(ctx context.Context, req BookingRequest) (Appointment, error) {
	req.PatientEmail = strings.ToLower(strings.TrimSpace(req.PatientEmail))
	if !strings.Contains(req.PatientEmail, "@") {
		return Appointment{}, invalid("a valid patient_email is required")
	}
	if strings.TrimSpace(req.DoctorID) == "" {
		return Appointment{}, invalid("doctor_id is required")
	}
	status := req.Status
	if status == "" {
		status = StatusScheduled
	}
	if !status.Blocks() {
		return Appointment{}, invalid("cannot book an appointment as %s", status)
	}

	s.bookMu.Lock()
	defer s.bookMu.Unlock()

	doctor, start, end, err := s.checkSlot(ctx, req.DoctorID, req.Date, req.StartTime, req.EndTime, "")
	if err != nil {
		return Appointment{}, err
	}
	date, _ := ParseDate(req.Date)
	a, err := s.store.InsertAppointment(ctx, Appointment{
		DoctorID:     doctor.ID,
		PatientName:  strings.TrimSpace(req.PatientName),
		PatientEmail: req.PatientEmail,
		PatientPhone: strings.TrimSpace(req.PatientPhone),
		Date:         date.Format(dateLayout),
		StartTime:    start,
		EndTime:      end,
		Reason:       strings.TrimSpace(req.Reason),
		Notes:        strings.TrimSpace(req.Notes),
		Status:       status,
	})
	if err != nil {
		return Appointment{}, err
	}
	sum := doctor.Summary()
	a.Doctor = &sum

	s.log.Info().
		Str("appointment_id", a.ID).
		Str("doctor_id", a.DoctorID).
		Str("date", a.Date).
		Str("start_time", a.StartTime).
		Msg("appointment booked")
	if s.pub != nil {
		s.pub.Publish(ctx, events.New(events.TypeAppointmentBooked, "", map[string]any{
			"appointment_id": a.ID,
			"doctor_id":      a.DoctorID,
			"date":           a.Date,
			"start_time":     a.StartTime,
			"end_time":       a.EndTime,
			"status":         string(a.Status),
		}))
	}
	return a, nil
}

// Cancel marks an appointment cancelled, releasing its slot.
func (s *Service) Cancel(ctx context.Context, id string) (Appointment, error) {
	s.bookMu.Lock()
	defer s.bookMu.Unlock()

	a, err := s.store.GetAppointment(ctx, strings.TrimSpace(id))
	if err != nil {
		return Appointment{}, err
	}
	switch a.Status {
	case StatusCancelled:
		return Appointment{}, invalid("appointment is already cancelled")
	case StatusCompleted:
		return Appointment{}, invalid("a completed appointment cannot be cancelled")
	}
	a, err = s.store.UpdateAppointmentStatus(ctx, a.ID, StatusCancelled)
	if err != nil {
		return Appointment{}, err
	}
	return s.withDoctor(ctx, a), nil
}

// AppointmentUpdate is a partial appointment; nil fields are left unchanged.
type AppointmentUpdate struct {
	PatientName  *string `json:"patient_name"`
	PatientEmail *string `json:"patient_email"`
	PatientPhone *string `json:"patient_phone"`
	Date         *string `json:"appointment_date"`
	StartTime    *string `json:"start_time"`
	EndTime      *string `json:"end_time"`
	Reason       *string `json:"reason"`
	Notes        *string `json:"notes"`
	Status       *string `json:"status"`
}

// UpdateAppointment applies the set fields of u. Moving an active appointment,
// or reactivating a cancelled one, re-runs the availability check with the
// appointment itself excluded.
func (s *Service) UpdateAppointment(ctx context.Context, id string, u AppointmentUpdate) (Appointment, error) {
	s.bookMu.Lock()
	defer s.bookMu.Unlock()

	current, err := s.store.GetAppointment(ctx, strings.TrimSpace(id))
	if err != nil {
		return Appointment{}, err
	}
	if u == (AppointmentUpdate{}) {
		return s.withDoctor(ctx, current), nil
	}

	next := current
	setIf(&next.PatientName, u.PatientName)
	setIf(&next.PatientEmail, u.PatientEmail)
	setIf(&next.PatientPhone, u.PatientPhone)
	setIf(&next.Date, u.Date)
	setIf(&next.StartTime, u.StartTime)
	setIf(&next.EndTime, u.EndTime)
	setIf(&next.Reason, u.Reason)
	setIf(&next.Notes, u.Notes)
	if u.Status != nil {
		if next.Status, err = ParseStatus(*u.Status); err != nil {
			return Appointment{}, err
		}
	}
	next.PatientName = strings.TrimSpace(next.PatientName)
	next.PatientEmail = strings.ToLower(strings.TrimSpace(next.PatientEmail))
	if !strings.Contains(next.PatientEmail, "@") {
		return Appointment{}, invalid("a valid patient_email is required")
	}

	moved := u.Date != nil || u.StartTime != nil || u.EndTime != nil
	reactivated := next.Status.Blocks() && !current.Status.Blocks()
	if next.Status.Blocks() && (moved || reactivated) {
		_, start, end, err := s.checkSlot(ctx, next.DoctorID, next.Date, next.StartTime, next.EndTime, next.ID)
		if err != nil {
			return Appointment{}, err
		}
		next.StartTime, next.EndTime = start, end
	} else if moved {
		start, end, err := normalizeRange(next.StartTime, next.EndTime)
		if err != nil {
			return Appointment{}, err
		}
		next.StartTime, next.EndTime = start, end
	}
	day, err := ParseDate(next.Date)
	if err != nil {
		return Appointment{}, err
	}
	next.Date = day.Format(dateLayout)

	updated, err := s.store.UpdateAppointment(ctx, next)
	if err != nil {
		return Appointment{}, err
	}
	if moved {
		s.log.Info().
			Str("appointment_id", updated.ID).
			Str("date", updated.Date).
			Str("start_time", updated.StartTime).
			Msg("appointment rescheduled")
	}
	return s.withDoctor(ctx, updated), nil
}

func (s *Service) DeleteAppointment(ctx context.Context, id string) error {
	s.bookMu.Lock()
	defer s.bookMu.Unlock()
	return s.store.DeleteAppointment(ctx, strings.TrimSpace(id))
}

func (s *Service) withDoctor(ctx context.Context, a Appointment) Appointment {
	one := []Appointment{a}
	s.attachDoctors(ctx, one)
	return one[0]
}

// DaySchedule lists the doctor's slots on one date with their booking state.
func (s *Service) DaySchedule(ctx context.Context, doctorID, date string) ([]SlotAvailability, error) {
	day, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	doctor, err := s.store.GetDoctor(ctx, strings.TrimSpace(doctorID))
	if err != nil {
		return nil, err
	}
	if _, ok := doctor.ScheduleFor(Weekday(day)); !ok {
		return nil, invalid("doctor is not available on %s", day.Weekday())
	}
	return s.slotsFor(ctx, doctor, day)
}

// Availability lists every slot for every day in [startDate, endDate].
func (s *Service) Availability(ctx context.Context, doctorID, startDate, endDate string) ([]SlotAvailability, error) {
	from, err := ParseDate(startDate)
	if err != nil {
		return nil, err
	}
	to, err := ParseDate(endDate)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, invalid("end_date must not be before start_date")
	}
	if days := int(to.Sub(from)/(24*time.Hour)) + 1; days > maxAvailabilityDays {
		return nil, invalid("date range cannot exceed %d days", maxAvailabilityDays)
	}
	doctor, err := s.store.GetDoctor(ctx, strings.TrimSpace(doctorID))
	if err != nil {
		return nil, err
	}

	out := make([]SlotAvailability, 0)
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		slots, err := s.slotsFor(ctx, doctor, day)
		if err != nil {
			return nil, err
		}
		out = append(out, slots...)
	}
	return out, nil
}

func (s *Service) slotsFor(ctx context.Context, doctor Doctor, day time.Time) ([]SlotAvailability, error) {
	schedule, ok := doctor.ScheduleFor(Weekday(day))
	if !ok {
		return nil, nil
	}
	date := day.Format(dateLayout)
	booked, err := s.store.ListAppointments(ctx, AppointmentFilter{
		DoctorID:   doctor.ID,
		Date:       date,
		ActiveOnly: true,
		Limit:      dayScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list booked appointments: %w", err)
	}
	out := make([]SlotAvailability, 0, len(schedule.TimeSlots))
	for _, slot := range schedule.TimeSlots {
		free := true
		for _, a := range booked {
			if a.Overlaps(slot.StartTime, slot.EndTime) {
				free = false
				break
			}
		}
		out = append(out, SlotAvailability{
			Date:        date,
			StartTime:   slot.StartTime,
			EndTime:     slot.EndTime,
			IsAvailable: free,
		})
	}
	return out, nil
}

func normalizeRange(start, end string) (string, string, error) {
	s, err := NormalizeTime(start)
	if err != nil {
		return "", "", err
	}
	e, err := NormalizeTime(end)
	if err != nil {
		return "", "", err
	}
	if e <= s {
		return "", "", invalid("end_time must be after start_time")
	}
	return s, e, nil
}

// IsNotFound reports whether err means the doctor or appointment does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
