package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seededDoctor = "60d5ec49fbd8621e4023a7b1"

func TestClinicDoctors(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.get(t, "/api/v1/doctors")
	var doctors []map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&doctors))
	res.Body.Close()
	assert.Len(t, doctors, 3)

	res = env.get(t, "/api/v1/doctors?specialization=endodontics")
	require.NoError(t, json.NewDecoder(res.Body).Decode(&doctors))
	res.Body.Close()
	require.Len(t, doctors, 1)
	assert.Equal(t, "Dr. Mohamed", doctors[0]["name"])

	res = env.get(t, "/api/v1/doctors/"+seededDoctor)
	body := decodeBody(t, res)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Dr. Ahmed", body["name"])

	res = env.get(t, "/api/v1/doctors/unknown")
	body = decodeBody(t, res)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", body["code"])

	res = env.get(t, "/api/v1/doctors?limit=1000")
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestClinicCreateDoctorConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	payload := `{"name":"Dr. Laila","email":"ahmed@clinic.example","specialization":"periodontics"}`
	res, body := env.post(t, "/api/v1/doctors", payload)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "conflict", body["code"])

	res, body = env.post(t, "/api/v1/doctors", `{"name":"Dr. Laila","email":"laila@clinic.example","specialization":"periodontics"}`)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "PERIODONTICS", body["specialization"])
}

func TestClinicBookingLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	booking := `{"doctor_id":"` + seededDoctor + `","patient_name":"Mona","patient_email":"mona@example.com",` +
		`"appointment_date":"2025-01-06","start_time":"09:00:00","end_time":"09:30:00"}`

	res, body := env.post(t, "/api/v1/appointments", booking)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "scheduled", body["status"])
	assert.Equal(t, "Dr. Ahmed", body["doctor"].(map[string]any)["name"])

	res, body = env.post(t, "/api/v1/appointments", booking)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "this time slot is already booked", body["message"])

	res = env.get(t, "/api/v1/doctors/" + seededDoctor + "/availability?start_date=2025-01-06")
	var slots []map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&slots))
	res.Body.Close()
	require.Len(t, slots, 2)
	assert.Equal(t, false, slots[0]["is_available"])

	res, body = env.post(t, "/api/v1/appointments/"+id+"/cancel", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	res = env.get(t, "/api/v1/appointments?status=cancelled&patient_email=mona@example.com")
	var list []map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	res.Body.Close()
	assert.Len(t, list, 1)

	res = env.get(t, "/api/v1/appointments?status=pending")
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res, decodeBody(t, res)
}

func TestClinicUpdateAndDeleteDoctor(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.do(t, http.MethodPatch, "/api/v1/doctors/"+seededDoctor, `{"phone":"+201000000099"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "+201000000099", body["phone"])
	assert.Equal(t, "Dr. Ahmed", body["name"])

	res, body = env.do(t, http.MethodPatch, "/api/v1/doctors/"+seededDoctor, `{"email":"not-an-email"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "validation_error", body["code"])

	booking := `{"doctor_id":"` + seededDoctor + `","patient_name":"Mona","patient_email":"mona@example.com",` +
		`"appointment_date":"2025-01-06","start_time":"09:00:00","end_time":"09:30:00"}`
	res, body = env.post(t, "/api/v1/appointments", booking)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id := body["id"].(string)

	res, body = env.do(t, http.MethodDelete, "/api/v1/doctors/"+seededDoctor, "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "cannot delete a doctor with existing appointments", body["message"])

	res, _ = env.do(t, http.MethodDelete, "/api/v1/appointments/"+id, "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = env.do(t, http.MethodDelete, "/api/v1/doctors/"+seededDoctor, "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = env.get(t, "/api/v1/doctors/"+seededDoctor)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestClinicRescheduleAppointment(t *testing.T) {
	env := newTestEnv(t, nil)
	book := func(start, end string) string {
		res, body := env.post(t, "/api/v1/appointments", `{"doctor_id":"`+seededDoctor+`","patient_email":"mona@example.com",`+
			`"appointment_date":"2025-01-06","start_time":"`+start+`","end_time":"`+end+`"}`)
		require.Equal(t, http.StatusCreated, res.StatusCode)
		return body["id"].(string)
	}
	first := book("09:00:00", "09:30:00")
	book("10:00:00", "10:30:00")

	res, body := env.do(t, http.MethodPatch, "/api/v1/appointments/"+first, `{"start_time":"10:15:00","end_time":"10:45:00"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "this time slot is already booked", body["message"])

	res, body = env.do(t, http.MethodPatch, "/api/v1/appointments/"+first, `{"start_time":"11:00:00","end_time":"11:30:00"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "11:00:00", body["start_time"])
	assert.Equal(t, "Dr. Ahmed", body["doctor"].(map[string]any)["name"])

	res, _ = env.do(t, http.MethodPatch, "/api/v1/appointments/unknown", `{"notes":"x"}`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
