package session

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrLimitReached = errors.New("session limit reached")
	ErrDuplicate    = errors.New("session already registered")
)

// Registry tracks open relay sessions. It is the only state shared across sessions.
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]Entry
	maxSessions  int
	onRegister   func(Info)
	onUnregister func(Info)
}

// NewRegistry creates a registry. maxSessions <= 0 means unlimited.
func NewRegistry(maxSessions int) *Registry {
	if maxSessions < 0 {
		maxSessions = 0
	}
	return &Registry{
		entries:     make(map[string]Entry),
		maxSessions: maxSessions,
	}
}

// SetHooks installs callbacks run after a successful Register or Unregister.
func (r *Registry) SetHooks(onRegister, onUnregister func(Info)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRegister = onRegister
	r.onUnregister = onUnregister
}

func (r *Registry) Limit() int {
	return r.maxSessions
}

func (r *Registry) Register(e Entry) error {
	id := e.ID()
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return ErrDuplicate
	}
	if r.maxSessions > 0 && len(r.entries) >= r.maxSessions {
		r.mu.Unlock()
		return ErrLimitReached
	}
	r.entries[id] = e
	hook := r.onRegister
	r.mu.Unlock()

	if hook != nil {
		hook(e.Info())
	}
	return nil
}

// Unregister removes id. Only the first call for an id returns true.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	hook := r.onUnregister
	r.mu.Unlock()

	if ok && hook != nil {
		hook(e.Info())
	}
	return ok
}

func (r *Registry) Get(id string) (Info, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Info{}, ErrNotFound
	}
	return e.Info(), nil
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ShutdownAll asks every registered session to close and returns how many were asked.
func (r *Registry) ShutdownAll(reason string) int {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.Shutdown(reason)
	}
	return len(entries)
}
