package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) {
	entry := p.log.Info().Str("event", ev.Type).Time("at", ev.At)
	if ev.SessionID != "" {
		entry = entry.Str("session_id", ev.SessionID)
	}
	if len(ev.Attrs) > 0 {
		entry = entry.Fields(ev.Attrs)
	}
	entry.Msg("lifecycle event")
}

func (p *LogPublisher) Close() error { return nil }
