package session

import "time"

// Info is a point-in-time view of a relay session.
type Info struct {
	ID             string    `json:"session_id"`
	State          string    `json:"state"`
	Model          string    `json:"model"`
	Voice          string    `json:"voice,omitempty"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	// CloseCode is set once the session starts closing.
	CloseCode      int       `json:"close_code,omitempty"`
}

// Entry is a live session tracked by the Registry.
type Entry interface {
	ID() string
	Info() Info
	// Shutdown asks the session to close. It must not block on the registry.
	Shutdown(reason string)
}

// ListResponse is returned by the session inspection endpoint.
type ListResponse struct {
	Active   int    `json:"active"`
	Limit    int    `json:"limit"`
	Sessions []Info `json:"sessions"`
}
