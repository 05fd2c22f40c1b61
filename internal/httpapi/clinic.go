package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/realtime-gateway/internal/clinic"
)

const maxPageSize = 100

func (s *Server) clinicRoutes(r chi.Router) {
	r.Get("/doctors", s.handleListDoctors)
	r.Post("/doctors", s.handleCreateDoctor)
	r.Get("/doctors/search", s.handleSearchDoctors)
	r.Get("/doctors/{id}", s.handleGetDoctor)
	r.Patch("/doctors/{id}", s.handleUpdateDoctor)
	r.Delete("/doctors/{id}", s.handleDeleteDoctor)
	r.Get("/doctors/{id}/availability", s.handleDoctorAvailability)

	r.Get("/appointments", s.handleListAppointments)
	r.Post("/appointments", s.handleBookAppointment)
	r.Get("/appointments/{id}", s.handleGetAppointment)
	r.Patch("/appointments/{id}", s.handleUpdateAppointment)
	r.Delete("/appointments/{id}", s.handleDeleteAppointment)
	r.Post("/appointments/{id}/cancel", s.handleCancelAppointment)
}

func (s *Server) handleListDoctors(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := pagination(w, r)
	if !ok {
		return
	}
	doctors, err := s.clinic.ListDoctors(r.Context(), clinic.DoctorFilter{
		Specialization: strings.TrimSpace(r.URL.Query().Get("specialization")),
		Skip:           skip,
		Limit:          limit,
	})
	if err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, doctors)
}

func (s *Server) handleSearchDoctors(w http.ResponseWriter, r *http.Request) {
	_, limit, ok := pagination(w, r)
	if !ok {
		return
	}
	doctors, err := s.clinic.SearchDoctors(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, doctors)
}

func (s *Server) handleCreateDoctor(w http.ResponseWriter, r *http.Request) {
	var d clinic.Doctor
	if err := decodeJSON(w, r, &d); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON doctor")
		return
	}
	created, err := s.clinic.CreateDoctor(r.Context(), d)
	if err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetDoctor(w http.ResponseWriter, r *http.Request) {
	d, err := s.clinic.GetDoctor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleUpdateDoctor(w http.ResponseWriter, r *http.Request) {
	var u clinic.DoctorUpdate
	if err := decodeJSON(w, r, &u); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON doctor update")
		return
	}
	d, err := s.clinic.UpdateDoctor(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDoctor(w http.ResponseWriter, r *http.Request) {
	if err := s.clinic.DeleteDoctor(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDoctorAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start := strings.TrimSpace(q.Get("start_date"))
	if start == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "start_date is required")
		return
	}
	end := strings.TrimSpace(q.Get("end_date"))
	if end == "" {
		end = start
	}
	slots, err := s.clinic.Availability(r.Context(), chi.URLParam(r, "id"), start, end)
	if err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, slots)
}

func (s *Server) handleListAppointments(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := pagination(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := clinic.AppointmentFilter{
		DoctorID:     strings.TrimSpace(q.Get("doctor_id")),
		PatientEmail: strings.TrimSpace(q.Get("patient_email")),
		Date:         strings.TrimSpace(q.Get("date")),
		Skip:         skip,
		Limit:        limit,
	}
	if raw := q.Get("status"); raw != "" {
		status, err := clinic.ParseStatus(raw)
		if err != nil {
			s.respondClinicError(w, r, err)
			return
		}
		f.Status = status
	}
	out, err := s.clinic.ListAppointments(r.Context(), f)
	if err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBookAppointment(w http.ResponseWriter, r *http.Request) {
	var req clinic.BookingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON appointment")
		return
	}
	if req.Status != "" {
		status, err := clinic.ParseStatus(string(req.Status))
		if err != nil {
			s.respondClinicError(w, r, err)
			return
		}
		req.Status = status
	}
	a, err := s.clinic.Book(r.Context(), req)
	if err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAppointment(w http.ResponseWriter, r *http.Request) {
	a, err := s.clinic.GetAppointment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAppointment(w http.ResponseWriter, r *http.Request) {
	var u clinic.AppointmentUpdate
	if err := decodeJSON(w, r, &u); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON appointment update")
		return
	}
	a, err := s.clinic.UpdateAppointment(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAppointment(w http.ResponseWriter, r *http.Request) {
	if err := s.clinic.DeleteAppointment(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelAppointment(w http.ResponseWriter, r *http.Request) {
	a, err := s.clinic.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondClinicError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) respondClinicError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case clinic.IsValidation(err):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case clinic.IsNotFound(err):
		respondError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, clinic.ErrDuplicateEmail):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.log.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("clinic request failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// pagination reads skip and limit, writing a 400 on bad values.
func pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	q := r.URL.Query()
	skip, limit := 0, maxPageSize
	if raw := q.Get("skip"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "skip must be a non-negative integer")
			return 0, 0, false
		}
		skip = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxPageSize {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 100")
			return 0, 0, false
		}
		limit = v
	}
	return skip, limit, true
}
