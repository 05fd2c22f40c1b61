// Package ratelimit implements fixed-window request limits keyed by client.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Limiter admits or denies a request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Memory is a process-local fixed-window limiter.
type Memory struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	count int
}

func NewMemory(limit int, window time.Duration) *Memory {
	if window <= 0 {
		window = time.Minute
	}
	return &Memory{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok || now.Sub(b.start) >= m.window {
		b = &bucket{start: now}
		m.buckets[key] = b
		m.pruneLocked(now)
	}
	b.count++
	reset := m.window - now.Sub(b.start)
	if b.count > m.limit {
		return Decision{Allowed: false, ResetIn: reset}, nil
	}
	return Decision{Allowed: true, Remaining: m.limit - b.count, ResetIn: reset}, nil
}

func (m *Memory) pruneLocked(now time.Time) {
	for key, b := range m.buckets {
		if now.Sub(b.start) >= m.window {
			delete(m.buckets, key)
		}
	}
}
