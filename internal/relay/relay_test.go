package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/realtime-gateway/internal/events"
	"github.com/ent0n29/realtime-gateway/internal/gatewayerr"
	"github.com/ent0n29/realtime-gateway/internal/observability"
	"github.com/ent0n29/realtime-gateway/internal/realtime"
	"github.com/ent0n29/realtime-gateway/internal/session"
	"github.com/ent0n29/realtime-gateway/internal/upstream"
)

const waitFor = 2 * time.Second

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// fakeProvider stands in for the realtime provider.
type fakeProvider struct {
	srv      *httptest.Server
	received chan []byte
	conns    chan *websocket.Conn
	done     chan struct{}
	up       *websocket.Conn
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{
		received: make(chan []byte, 64),
		conns:    make(chan *websocket.Conn, 1),
		done:     make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		defer close(p.done)
		p.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			p.received <- data
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) dialer() upstream.Dialer {
	return upstream.NewWebSocketDialer(upstream.Config{URL: wsURL(p.srv.URL), APIKey: "sk-test"}, nil)
}

func (p *fakeProvider) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	if p.up != nil {
		return p.up
	}
	select {
	case p.up = <-p.conns:
		return p.up
	case <-time.After(waitFor):
		t.Fatal("provider never received a connection")
		return nil
	}
}

func (p *fakeProvider) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-p.received:
		return data
	case <-time.After(waitFor):
		t.Fatal("provider received no frame")
		return nil
	}
}

// nextType returns the type of the next frame.
func (p *fakeProvider) nextType(t *testing.T) string {
	t.Helper()
	env, err := realtime.Classify(p.next(t))
	require.NoError(t, err)
	return env.Type
}

func (p *fakeProvider) assertQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-p.received:
		t.Fatalf("unexpected frame upstream: %s", data)
	case <-time.After(d):
	}
}

type countingDialer struct {
	calls atomic.Int32
	err   error
}

func (d *countingDialer) Dial(context.Context, realtime.Descriptor) (upstream.Conn, error) {
	d.calls.Add(1)
	return nil, d.err
}

type fakeTools struct{}

func (fakeTools) Definitions() []json.RawMessage {
	return []json.RawMessage{json.RawMessage(`{"type":"function","name":"lookup"}`)}
}

func (fakeTools) Has(name string) bool { return name == "lookup" }

func (fakeTools) Call(_ context.Context, name, arguments string) (string, error) {
	return `{"tool":"` + name + `","args":` + arguments + `}`, nil
}

type harness struct {
	registry *session.Registry
	events   *events.Recorder
	metrics  *observability.Metrics
	url      string
}

func startGateway(t *testing.T, cfg Config, deps Deps) *harness {
	t.Helper()
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry(0)
	}
	rec := &events.Recorder{}
	deps.Events = rec
	deps.Metrics = observability.NewMetrics("test", prometheus.NewRegistry())
	deps.Log = zerolog.Nop()
	if cfg.CloseGrace == 0 {
		cfg.CloseGrace = 200 * time.Millisecond
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		New(context.Background(), conn, r.RemoteAddr, cfg, deps).Run()
	}))
	t.Cleanup(srv.Close)
	return &harness{registry: deps.Registry, events: rec, metrics: deps.Metrics, url: wsURL(srv.URL)}
}

func (h *harness) connect(t *testing.T, descriptor string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	if descriptor != "" {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(descriptor)))
	}
	return c
}

// readClose reads until the gateway closes the client and returns the close error.
func readClose(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(waitFor))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close frame, got %v", err)
		return ce
	}
}

func (h *harness) waitEmpty(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.registry.ActiveCount() == 0 }, waitFor, 10*time.Millisecond)
}

func TestMissingModelClosesPolicyViolationBeforeDial(t *testing.T) {
	for _, descriptor := range []string{`{"voice":"verse"}`, `{"model":"   "}`, `not json`} {
		t.Run(descriptor, func(t *testing.T) {
			dialer := &countingDialer{}
			h := startGateway(t, Config{}, Deps{Dialer: dialer})

			ce := readClose(t, h.connect(t, descriptor))
			assert.Equal(t, gatewayerr.ClosePolicyViolation, ce.Code)
			assert.Equal(t, int32(0), dialer.calls.Load())
			h.waitEmpty(t)
		})
	}
}

func TestDialFailureClosesInternalErrorAndUnregisters(t *testing.T) {
	dialer := &countingDialer{err: gatewayerr.New(gatewayerr.KindUpstreamUnavailable, "upstream unavailable")}
	h := startGateway(t, Config{}, Deps{Dialer: dialer})
	before := h.registry.ActiveCount()

	ce := readClose(t, h.connect(t, `{"model":"gpt-4o-realtime-preview"}`))
	assert.Equal(t, gatewayerr.CloseInternalError, ce.Code)
	assert.Equal(t, "upstream unavailable", ce.Text)
	assert.Equal(t, int32(1), dialer.calls.Load())
	h.waitEmpty(t)
	assert.Equal(t, before, h.registry.ActiveCount())

	require.Eventually(t, func() bool {
		return len(h.events.OfType(events.TypeSessionClosed)) == 1
	}, waitFor, 10*time.Millisecond)
	closed := h.events.OfType(events.TypeSessionClosed)
	assert.Equal(t, gatewayerr.CloseInternalError, closed[0].Attrs["close_code"])
}

func TestFramesPassThroughUnmodified(t *testing.T) {
	p := newFakeProvider(t)
	h := startGateway(t, Config{DefaultPrompt: "default prompt"}, Deps{Dialer: p.dialer()})
	c := h.connect(t, `{"model":"m","voice":"alloy"}`)

	var update struct {
		Type    string                 `json:"type"`
		Session realtime.SessionConfig `json:"session"`
	}
	require.NoError(t, json.Unmarshal(p.next(t), &update))
	assert.Equal(t, realtime.EventSessionUpdate, update.Type)
	assert.Equal(t, "default prompt", update.Session.Instructions)
	assert.Equal(t, "alloy", update.Session.Voice)
	assert.Empty(t, update.Session.Tools)

	clientFrames := [][]byte{
		[]byte(`{"type":"input_audio_buffer.append",  "audio":"AAAA"}`),
		[]byte(`{"type":"input_audio_buffer.commit"}`),
		[]byte(`plain text`),
	}
	for _, f := range clientFrames {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, f))
	}
	for _, want := range clientFrames {
		assert.Equal(t, want, p.next(t))
	}

	up := p.conn(t)
	providerFrames := [][]byte{
		[]byte(`{"type":"session.created","session":{"id":"s"}}`),
		[]byte(`{"type":"response.audio_transcript.delta","delta":"مرحبا"}`),
		[]byte(`not json at all`),
	}
	for _, f := range providerFrames {
		require.NoError(t, up.WriteMessage(websocket.TextMessage, f))
	}
	_ = c.SetReadDeadline(time.Now().Add(waitFor))
	for _, want := range providerFrames {
		_, got, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 1, h.registry.ActiveCount())
}

func TestContentSubmissionTriggersResponseOnce(t *testing.T) {
	p := newFakeProvider(t)
	delay := 50 * time.Millisecond
	h := startGateway(t, Config{ResponseDelay: delay, AutoResponse: true}, Deps{Dialer: p.dialer()})
	c := h.connect(t, `{"model":"m"}`)
	assert.Equal(t, realtime.EventSessionUpdate, p.nextType(t))

	item := []byte(`{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}}`)
	sent := time.Now()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, item))

	assert.Equal(t, item, p.next(t))
	assert.Equal(t, []byte(`{"type":"response.create"}`), p.next(t))
	assert.GreaterOrEqual(t, time.Since(sent), delay)
	p.assertQuiet(t, 4*delay)

	// Tool results are not content submissions.
	output := []byte(`{"type":"conversation.item.create","item":{"type":"function_call_output","call_id":"c1","output":"{}"}}`)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, output))
	assert.Equal(t, output, p.next(t))
	p.assertQuiet(t, 4*delay)
}

// drainTypes collects upstream frame types until none arrives for quiet.
func (p *fakeProvider) drainTypes(quiet time.Duration) []string {
	var types []string
	for {
		select {
		case data := <-p.received:
			env, _ := realtime.Classify(data)
			types = append(types, env.Type)
		case <-time.After(quiet):
			return types
		}
	}
}

func countType(types []string, want string) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func TestOneResponseCreatePerSubmission(t *testing.T) {
	const delay = 150 * time.Millisecond
	var (
		item     = `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}}`
		uiItem   = `{"type":"conversation.item.create","conversation_item":{"role":"user","content":[{"type":"text","text":"hi"}]}}`
		response = `{"type":"response.create"}`
	)
	type step struct {
		frame string
		wait  time.Duration
	}
	tests := []struct {
		name  string
		steps []step
		want  int
	}{
		{"single item", []step{{item, 0}}, 1},
		{"sequence of items", []step{{item, 20 * time.Millisecond}, {item, 20 * time.Millisecond}, {item, 0}}, 3},
		{"client trigger before injected", []step{{item, delay / 3}, {response, 0}}, 1},
		{"client trigger at the same delay", []step{{uiItem, delay}, {response, 0}}, 1},
		{"client trigger after injected", []step{{item, 2 * delay}, {response, 0}}, 1},
		{"client trigger without submission", []step{{response, 0}}, 1},
		{"two turns with client triggers", []step{{uiItem, delay}, {response, 2 * delay}, {uiItem, delay}, {response, 0}}, 2},
		{"new submission reopens client trigger", []step{{item, 2 * delay}, {item, 0}, {response, 0}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider(t)
			h := startGateway(t, Config{ResponseDelay: delay, AutoResponse: true}, Deps{Dialer: p.dialer()})
			c := h.connect(t, `{"model":"m"}`)
			require.Equal(t, realtime.EventSessionUpdate, p.nextType(t))

			submissions := 0
			for _, st := range tt.steps {
				if st.frame != response {
					submissions++
				}
				require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(st.frame)))
				time.Sleep(st.wait)
			}

			types := p.drainTypes(3 * delay)
			assert.Equal(t, submissions, countType(types, realtime.EventConversationItemCreate))
			assert.Equal(t, tt.want, countType(types, realtime.EventResponseCreate), "upstream frames: %v", types)
		})
	}
}

// Browser clients send their own response.create about as late as the
// injected one fires.
func TestLateClientResponseCreateDropped(t *testing.T) {
	p := newFakeProvider(t)
	delay := 500 * time.Millisecond
	h := startGateway(t, Config{ResponseDelay: delay, AutoResponse: true}, Deps{Dialer: p.dialer()})
	c := h.connect(t, `{"model":"m"}`)
	require.Equal(t, realtime.EventSessionUpdate, p.nextType(t))

	item := []byte(`{"type":"conversation.item.create","conversation_item":{"role":"user","content":[{"type":"text","text":"hello"}]}}`)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, item))
	assert.Equal(t, item, p.next(t))
	assert.Equal(t, realtime.EventResponseCreate, p.nextType(t))

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.create"}`)))
	p.assertQuiet(t, delay)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionEvents.WithLabelValues("trigger_deduplicated")))
}

func TestTriggerDisabled(t *testing.T) {
	p := newFakeProvider(t)
	h := startGateway(t, Config{ResponseDelay: 10 * time.Millisecond}, Deps{Dialer: p.dialer()})
	c := h.connect(t, `{"model":"m"}`)
	p.next(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"conversation.item.create"}`)))
	p.next(t)
	p.assertQuiet(t, 100*time.Millisecond)
}

func TestPendingTriggerCancelledOnClose(t *testing.T) {
	p := newFakeProvider(t)
	h := startGateway(t, Config{ResponseDelay: 300 * time.Millisecond, AutoResponse: true}, Deps{Dialer: p.dialer()})
	c := h.connect(t, `{"model":"m"}`)
	p.next(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"conversation.item.create","item":{"type":"message"}}`)))
	p.next(t)
	require.NoError(t, c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))

	select {
	case <-p.done:
	case <-time.After(waitFor):
		t.Fatal("upstream was not closed")
	}
	time.Sleep(400 * time.Millisecond)
	for {
		select {
		case data := <-p.received:
			t.Fatalf("frame written after close: %s", data)
		default:
			h.waitEmpty(t)
			return
		}
	}
}

func TestIdleTimeoutClosesBothSides(t *testing.T) {
	p := newFakeProvider(t)
	h := startGateway(t, Config{IdleTimeout: 150 * time.Millisecond}, Deps{Dialer: p.dialer()})
	c := h.connect(t, `{"model":"m"}`)
	p.next(t)

	ce := readClose(t, c)
	assert.Equal(t, gatewayerr.CloseNormal, ce.Code)
	assert.Equal(t, "idle timeout", ce.Text)
	select {
	case <-p.done:
	case <-time.After(waitFor):
		t.Fatal("upstream was not closed")
	}
	h.waitEmpty(t)
}

func TestUpstreamDropClosesClientInternalError(t *testing.T) {
	p := newFakeProvider(t)
	h := startGateway(t, Config{}, Deps{Dialer: p.dialer()})
	c := h.connect(t, `{"model":"m"}`)
	p.next(t)

	_ = p.conn(t).UnderlyingConn().Close()

	ce := readClose(t, c)
	assert.Equal(t, gatewayerr.CloseInternalError, ce.Code)
	h.waitEmpty(t)
}

func TestProviderErrorEventsCountedByRetryability(t *testing.T) {
	p := newFakeProvider(t)
	h := startGateway(t, Config{}, Deps{Dialer: p.dialer()})
	c := h.connect(t, `{"model":"m"}`)
	p.next(t)

	up := p.conn(t)
	frames := [][]byte{
		[]byte(`{"type":"error","error":{"type":"server_error","message":"try again"}}`),
		[]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad item"}}`),
		[]byte(`{"type":"error","error":{"type":"rate_limit_exceeded","message":"slow down"}}`),
	}
	_ = c.SetReadDeadline(time.Now().Add(waitFor))
	for _, f := range frames {
		require.NoError(t, up.WriteMessage(websocket.TextMessage, f))
		_, got, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.UpstreamErrors.WithLabelValues("event_retryable")) == 2
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UpstreamErrors.WithLabelValues("event_rejected")))
	assert.Equal(t, 1, h.registry.ActiveCount())
}

func TestToolCallReturnsOutputThenResponseCreate(t *testing.T) {
	p := newFakeProvider(t)
	h := startGateway(t, Config{}, Deps{Dialer: p.dialer(), Tools: fakeTools{}})
	c := h.connect(t, `{"model":"m"}`)

	var update struct {
		Session realtime.SessionConfig `json:"session"`
	}
	require.NoError(t, json.Unmarshal(p.next(t), &update))
	require.Len(t, update.Session.Tools, 1)
	assert.Equal(t, "auto", update.Session.ToolChoice)

	done := []byte(`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"lookup","arguments":"{\"q\":1}"}`)
	require.NoError(t, p.conn(t).WriteMessage(websocket.TextMessage, done))

	_ = c.SetReadDeadline(time.Now().Add(waitFor))
	_, got, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, done, got)

	var item struct {
		Type string        `json:"type"`
		Item realtime.Item `json:"item"`
	}
	require.NoError(t, json.Unmarshal(p.next(t), &item))
	assert.Equal(t, realtime.EventConversationItemCreate, item.Type)
	assert.Equal(t, realtime.ItemFunctionCallOutput, item.Item.Type)
	assert.Equal(t, "call_1", item.Item.CallID)
	assert.JSONEq(t, `{"tool":"lookup","args":{"q":1}}`, item.Item.Output)
	assert.Equal(t, realtime.EventResponseCreate, p.nextType(t))

	// Unknown tools are left to the client.
	other := []byte(`{"type":"response.function_call_arguments.done","call_id":"call_2","name":"other","arguments":"{}"}`)
	require.NoError(t, p.conn(t).WriteMessage(websocket.TextMessage, other))
	p.assertQuiet(t, 100*time.Millisecond)
}

type busyEntry struct{}

func (busyEntry) ID() string         { return "busy" }
func (busyEntry) Info() session.Info { return session.Info{ID: "busy"} }
func (busyEntry) Shutdown(string)    {}

func TestSessionLimitClosesTryAgainLater(t *testing.T) {
	registry := session.NewRegistry(1)
	require.NoError(t, registry.Register(busyEntry{}))
	dialer := &countingDialer{}
	h := startGateway(t, Config{}, Deps{Dialer: dialer, Registry: registry})

	ce := readClose(t, h.connect(t, ""))
	assert.Equal(t, gatewayerr.CloseTryAgainLater, ce.Code)
	assert.Equal(t, int32(0), dialer.calls.Load())
	assert.Equal(t, 1, registry.ActiveCount())
}

func TestShutdownClosesGoingAway(t *testing.T) {
	p := newFakeProvider(t)
	h := startGateway(t, Config{}, Deps{Dialer: p.dialer()})
	c := h.connect(t, `{"model":"m"}`)
	p.next(t)
	require.Eventually(t, func() bool {
		list := h.registry.List()
		return len(list) == 1 && list[0].State == StateActive.String()
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, 1, h.registry.ShutdownAll("server shutting down"))
	ce := readClose(t, c)
	assert.Equal(t, gatewayerr.CloseGoingAway, ce.Code)
	h.waitEmpty(t)
}
