// Package events publishes gateway lifecycle events to an external bus.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	TypeSessionOpened     = "session.opened"
	TypeSessionClosed     = "session.closed"
	TypeCredentialIssued  = "credential.issued"
	TypeAppointmentBooked = "appointment.booked"
)

// Event is a lifecycle notification. Attrs never carry secrets.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	At        time.Time      `json:"at"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// New builds an event stamped with the current time.
func New(eventType, sessionID string, attrs map[string]any) Event {
	return Event{Type: eventType, SessionID: sessionID, At: time.Now().UTC(), Attrs: attrs}
}

// Publisher delivers events. Implementations must not block callers on
// network I/O and report failures through their own logging.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what has been published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
