package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSPublisher publishes events on core NATS subjects <prefix>.<type>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

func NewNATSPublisher(cfg NATSConfig, log zerolog.Logger) (*NATSPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, prefix: cfg.SubjectPrefix, log: log}, nil
}

// Subject returns the subject an event type is published on.
func Subject(prefix, eventType string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

// Publish hands the event to the client's outbound buffer; it does not wait
// for the server.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn().Err(err).Str("event", ev.Type).Msg("encode lifecycle event")
		return
	}
	msg := nats.NewMsg(Subject(p.prefix, ev.Type))
	msg.Data = data
	msg.Header.Set("Event-Type", ev.Type)
	if ev.SessionID != "" {
		msg.Header.Set("Session-Id", ev.SessionID)
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		p.log.Warn().Err(err).Str("event", ev.Type).Msg("publish lifecycle event")
	}
}

func (p *NATSPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
