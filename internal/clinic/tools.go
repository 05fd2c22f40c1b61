package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Function tool names exposed to the realtime model.
const (
	ToolSearchDoctor       = "search_doctor_by_name"
	ToolDoctorAvailability = "get_doctor_availability"
	ToolBookAppointment    = "book_appointment"
)

// searchResultLimit caps how many doctors a search tool call returns.
const searchResultLimit = 10

var toolDefinitions = []json.RawMessage{
	json.RawMessage(`{
  "type": "function",
  "name": "search_doctor_by_name",
  "description": "Search the clinic's doctors by name or specialization.",
  "parameters": {
    "type": "object",
    "properties": {
      "name": {"type": "string", "description": "Doctor name or specialization the patient asked for"}
    },
    "required": ["name"]
  }
}`),
	json.RawMessage(`{
  "type": "function",
  "name": "get_doctor_availability",
  "description": "Show a doctor's working slots on a given day and whether each one is free.",
  "parameters": {
    "type": "object",
    "properties": {
      "doctor_id": {"type": "string"},
      "date": {"type": "string", "format": "date"}
    },
    "required": ["doctor_id", "date"]
  }
}`),
	json.RawMessage(`{
  "type": "function",
  "name": "book_appointment",
  "description": "Book an appointment after the patient confirmed the doctor, day and time.",
  "parameters": {
    "type": "object",
    "properties": {
      "doctor_id": {"type": "string"},
      "patient_name": {"type": "string"},
      "patient_email": {"type": "string"},
      "patient_phone": {"type": "string"},
      "appointment_date": {"type": "string", "format": "date"},
      "start_time": {"type": "string", "format": "time"},
      "end_time": {"type": "string", "format": "time"},
      "reason": {"type": "string"}
    },
    "required": ["doctor_id", "patient_email", "appointment_date", "start_time", "end_time"]
  }
}`),
}

// Tools runs the clinic function tools on behalf of a relayed conversation.
type Tools struct {
	svc *Service
	log zerolog.Logger
}

func NewTools(svc *Service, log zerolog.Logger) *Tools {
	return &Tools{svc: svc, log: log}
}

// Definitions returns the tool schemas sent in session.update.
func (t *Tools) Definitions() []json.RawMessage {
	out := make([]json.RawMessage, len(toolDefinitions))
	copy(out, toolDefinitions)
	return out
}

func (t *Tools) Has(name string) bool {
	switch name {
	case ToolSearchDoctor, ToolDoctorAvailability, ToolBookAppointment:
		return true
	}
	return false
}

// Call runs a tool and returns its JSON output. The output is always valid
// JSON: failures are reported as {"error": "..."} and also returned as err.
func (t *Tools) Call(ctx context.Context, name, arguments string) (string, error) {
	result, err := t.call(ctx, name, arguments)
	if err != nil {
		t.log.Warn().Err(err).Str("tool", name).Msg("tool call failed")
		return errorOutput(err), err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return errorOutput(errors.New("internal error")), fmt.Errorf("encode tool output: %w", err)
	}
	return string(out), nil
}

func (t *Tools) call(ctx context.Context, name, arguments string) (any, error) {
	switch name {
	case ToolSearchDoctor:
		var args struct {
			Name string `json:"name"`
		}
		if err := decodeArgs(arguments, &args); err != nil {
			return nil, err
		}
		doctors, err := t.svc.SearchDoctors(ctx, args.Name, searchResultLimit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"doctors": doctors}, nil

	case ToolDoctorAvailability:
		var args struct {
			DoctorID string `json:"doctor_id"`
			Date     string `json:"date"`
		}
		if err := decodeArgs(arguments, &args); err != nil {
			return nil, err
		}
		slots, err := t.svc.DaySchedule(ctx, args.DoctorID, args.Date)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"doctor_id":       args.DoctorID,
			"date":            args.Date,
			"available_slots": slots,
		}, nil

	case ToolBookAppointment:
		var req BookingRequest
		if err := decodeArgs(arguments, &req); err != nil {
			return nil, err
		}
		req.Status = StatusConfirmed
		req.Notes = ""
		a, err := t.svc.Book(ctx, req)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"status":         "success",
			"message":        "appointment booked",
			"appointment_id": a.ID,
			"appointment":    a,
		}, nil

	default:
		return nil, invalid("unknown tool %q", name)
	}
}

func decodeArgs(arguments string, dst any) error {
	if arguments == "" {
		arguments = "{}"
	}
	if err := json.Unmarshal([]byte(arguments), dst); err != nil {
		return invalid("tool arguments are not valid JSON")
	}
	return nil
}

// errorOutput hides store faults and keeps caller-fixable messages.
func errorOutput(err error) string {
	msg := "internal error"
	switch {
	case IsValidation(err):
		msg = err.Error()
	case IsNotFound(err):
		msg = "doctor or appointment not found"
	}
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
