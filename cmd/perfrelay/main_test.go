package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/realtime-gateway/internal/observability"
	"github.com/ent0n29/realtime-gateway/internal/realtime"
)

func TestProxyURL(t *testing.T) {
	tests := map[string]string{
		"http://127.0.0.1:8000":      "ws://127.0.0.1:8000/proxy",
		"https://gateway.example/":   "wss://gateway.example/proxy",
		"https://gateway.example/rt": "wss://gateway.example/rt/proxy",
	}
	for in, want := range tests {
		got, err := proxyURL(in)
		if err != nil {
			t.Fatalf("proxyURL(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("proxyURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := proxyURL("ftp://x"); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestSplitTexts(t *testing.T) {
	got := splitTexts(" one | |two|")
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("splitTexts() = %v", got)
	}
}

func TestAwaitResponseCollectsAudio(t *testing.T) {
	events := make(chan serverEvent, 4)
	events <- serverEvent{Type: realtime.EventResponseCreated}
	events <- serverEvent{Type: realtime.EventResponseAudioDelta, Delta: base64.StdEncoding.EncodeToString([]byte{1, 2})}
	events <- serverEvent{Type: realtime.EventResponseAudioDelta, Delta: base64.StdEncoding.EncodeToString([]byte{3, 4})}
	events <- serverEvent{Type: realtime.EventResponseDone}

	res, pcm, err := awaitResponse(events, make(chan error), time.Now(), time.Second)
	if err != nil {
		t.Fatalf("awaitResponse() error = %v", err)
	}
	if !bytes.Equal(pcm, []byte{1, 2, 3, 4}) {
		t.Fatalf("pcm = %v", pcm)
	}
	if res.firstAudio < res.firstEvent || res.done < res.firstAudio {
		t.Fatalf("unexpected timings: %+v", res)
	}
}

func TestAwaitResponseErrors(t *testing.T) {
	readErr := make(chan error, 1)
	readErr <- errors.New("closed")
	if _, _, err := awaitResponse(make(chan serverEvent), readErr, time.Now(), time.Second); err == nil {
		t.Fatal("expected read error")
	}
	_, _, err := awaitResponse(make(chan serverEvent), make(chan error), time.Now(), 20*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestPrintSummary(t *testing.T) {
	w := observability.NewLatencyWindow(4)
	w.Observe(stageResponseDone, 120)
	var buf bytes.Buffer
	if err := printSummary(&buf, w.Snapshot()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), stageResponseDone) {
		t.Fatalf("summary missing stage: %q", buf.String())
	}
}
