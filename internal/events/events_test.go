package events

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSubject(t *testing.T) {
	cases := []struct {
		prefix string
		want   string
	}{
		{"realtime.gateway", "realtime.gateway.session.opened"},
		{"realtime.gateway.", "realtime.gateway.session.opened"},
		{"", "session.opened"},
	}
	for _, tc := range cases {
		if got := Subject(tc.prefix, TypeSessionOpened); got != tc.want {
			t.Fatalf("Subject(%q) = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}

func TestRecorderFiltersByType(t *testing.T) {
	var r Recorder
	r.Publish(context.Background(), New(TypeSessionOpened, "s1", nil))
	r.Publish(context.Background(), New(TypeSessionClosed, "s1", map[string]any{"code": 1000}))

	if got := len(r.Events()); got != 2 {
		t.Fatalf("len(Events()) = %d, want 2", got)
	}
	closed := r.OfType(TypeSessionClosed)
	if len(closed) != 1 || closed[0].Attrs["code"] != 1000 {
		t.Fatalf("OfType(closed) = %+v", closed)
	}
}

func TestLogPublisherWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))
	p.Publish(context.Background(), New(TypeCredentialIssued, "", map[string]any{"model": "m"}))

	out := buf.String()
	if !strings.Contains(out, `"event":"credential.issued"`) || !strings.Contains(out, `"model":"m"`) {
		t.Fatalf("log output = %s", out)
	}
}

func TestNewNATSPublisherFailsWithoutServer(t *testing.T) {
	_, err := NewNATSPublisher(NATSConfig{
		URL:     "nats://127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
	}, zerolog.Nop())
	if err == nil {
		t.Fatalf("NewNATSPublisher() expected connection error")
	}
	if _, err := NewNATSPublisher(NATSConfig{}, zerolog.Nop()); err == nil {
		t.Fatalf("NewNATSPublisher() expected error for empty url")
	}
}
