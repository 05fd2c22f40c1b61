package clinic

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is an in-process store for local/dev use.
type InMemoryStore struct {
	mu           sync.RWMutex
	doctors      map[string]Doctor
	appointments map[string]Appointment
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		doctors:      make(map[string]Doctor),
		appointments: make(map[string]Appointment),
	}
}

func (s *InMemoryStore) ListDoctors(_ context.Context, f DoctorFilter) ([]Doctor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Doctor, 0, len(s.doctors))
	for _, d := range s.doctors {
		if f.Specialization != "" && !strings.EqualFold(d.Specialization, f.Specialization) {
			continue
		}
		out = append(out, cloneDoctor(d))
	}
	sortDoctors(out)
	lo, hi := pageBounds(len(out), f.Skip, f.Limit)
	return out[lo:hi], nil
}

func (s *InMemoryStore) GetDoctor(_ context.Context, id string) (Doctor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.doctors[id]
	if !ok {
		return Doctor{}, ErrNotFound
	}
	return cloneDoctor(d), nil
}

func (s *InMemoryStore) SearchDoctors(_ context.Context, query string, limit int) ([]Doctor, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Doctor, 0)
	for _, d := range s.doctors {
		if q == "" || strings.Contains(strings.ToLower(d.Name), q) || strings.Contains(strings.ToLower(d.Specialization), q) {
			out = append(out, cloneDoctor(d))
		}
	}
	sortDoctors(out)
	_, hi := pageBounds(len(out), 0, limit)
	return out[:hi], nil
}

func (s *InMemoryStore) CreateDoctor(_ context.Context, d Doctor) (Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.doctors {
		if strings.EqualFold(existing.Email, d.Email) {
			return Doctor{}, ErrDuplicateEmail
		}
	}
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
	s.doctors[d.ID] = cloneDoctor(d)
	return cloneDoctor(d), nil
}

func (s *InMemoryStore) UpdateDoctor(_ context.Context, d Doctor) (Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.doctors[d.ID]
	if !ok {
		return Doctor{}, ErrNotFound
	}
	for id, existing := range s.doctors {
		if id != d.ID && strings.EqualFold(existing.Email, d.Email) {
			return Doctor{}, ErrDuplicateEmail
		}
	}
	d.CreatedAt = current.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	s.doctors[d.ID] = cloneDoctor(d)
	return cloneDoctor(d), nil
}

func (s *InMemoryStore) DeleteDoctor(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doctors[id]; !ok {
		return ErrNotFound
	}
	delete(s.doctors, id)
	return nil
}

func (s *InMemoryStore) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Appointment, 0)
	for _, a := range s.appointments {
		if f.DoctorID != "" && a.DoctorID != f.DoctorID {
			continue
		}
		if f.PatientEmail != "" && !strings.EqualFold(a.PatientEmail, f.PatientEmail) {
			continue
		}
		if f.Date != "" && a.Date != f.Date {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.ActiveOnly && !a.Status.Blocks() {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].ID < out[j].ID
	})
	lo, hi := pageBounds(len(out), f.Skip, f.Limit)
	return out[lo:hi], nil
}

func (s *InMemoryStore) GetAppointment(_ context.Context, id string) (Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	return a, nil
}

func (s *InMemoryStore) InsertAppointment(_ context.Context, a Appointment) (Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Doctor = nil
	s.appointments[a.ID] = a
	return a, nil
}

func (s *InMemoryStore) UpdateAppointment(_ context.Context, a Appointment) (Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.appointments[a.ID]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	a.CreatedAt = current.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	a.Doctor = nil
	s.appointments[a.ID] = a
	return a, nil
}

func (s *InMemoryStore) UpdateAppointmentStatus(_ context.Context, id string, status Status) (Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	s.appointments[id] = a
	return a, nil
}

func (s *InMemoryStore) DeleteAppointment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.appointments[id]; !ok {
		return ErrNotFound
	}
	delete(s.appointments, id)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func sortDoctors(ds []Doctor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Name != ds[j].Name {
			return ds[i].Name < ds[j].Name
		}
		return ds[i].ID < ds[j].ID
	})
}

func cloneDoctor(d Doctor) Doctor {
	d.Qualifications = append([]string(nil), d.Qualifications...)
	avail := make([]DaySchedule, len(d.Availability))
	for i, s := range d.Availability {
		avail[i] = DaySchedule{DayOfWeek: s.DayOfWeek, TimeSlots: append([]TimeSlot(nil), s.TimeSlots...)}
	}
	d.Availability = avail
	return d
}
