package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/realtime-gateway/internal/clinic"
	"github.com/ent0n29/realtime-gateway/internal/config"
	"github.com/ent0n29/realtime-gateway/internal/events"
	"github.com/ent0n29/realtime-gateway/internal/gatewayerr"
	"github.com/ent0n29/realtime-gateway/internal/observability"
	"github.com/ent0n29/realtime-gateway/internal/ratelimit"
	"github.com/ent0n29/realtime-gateway/internal/realtime"
	"github.com/ent0n29/realtime-gateway/internal/relay"
	"github.com/ent0n29/realtime-gateway/internal/session"
	"github.com/ent0n29/realtime-gateway/internal/upstream"
)

type fakeIssuer struct {
	cred realtime.Credential
	err  error
	got  realtime.Descriptor
}

func (f *fakeIssuer) Resolve(d realtime.Descriptor) realtime.Descriptor {
	return d.WithDefaults(realtime.DefaultModel, realtime.DefaultVoice)
}

func (f *fakeIssuer) IssueCredential(_ context.Context, d realtime.Descriptor) (realtime.Credential, error) {
	f.got = d
	return f.cred, f.err
}

type noDialer struct{}

func (noDialer) Dial(context.Context, realtime.Descriptor) (upstream.Conn, error) {
	return nil, gatewayerr.New(gatewayerr.KindUpstreamUnavailable, "no upstream in tests")
}

type testEnv struct {
	ts       *httptest.Server
	issuer   *fakeIssuer
	registry *session.Registry
}

func newTestEnv(t *testing.T, mutate func(*config.Config, *Deps)) *testEnv {
	t.Helper()
	cfg := config.Config{
		ServiceName:           "realtime-gateway-test",
		RelayIdleTimeout:      time.Minute,
		RelayHandshakeTimeout: time.Second,
		RelayCloseGrace:       200 * time.Millisecond,
		RelayMaxMessageBytes:  1 << 20,
	}
	store := clinic.NewInMemoryStore()
	require.NoError(t, clinic.Seed(context.Background(), store))
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	registry := session.NewRegistry(0)
	issuer := &fakeIssuer{cred: realtime.Credential{Value: "ek_test", ExpiresAt: time.Unix(1_900_000_000, 0)}}
	deps := Deps{
		Issuer:   issuer,
		Registry: registry,
		Relay: relay.Deps{
			Dialer:   noDialer{},
			Registry: registry,
			Metrics:  metrics,
			Events:   &events.Recorder{},
			Log:      zerolog.Nop(),
		},
		Clinic:  clinic.NewService(store, nil, zerolog.Nop()),
		Metrics: metrics,
		Log:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	ts := httptest.NewServer(New(cfg, deps).Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, issuer: issuer, registry: registry}
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Post(e.ts.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return res, decodeBody(t, res)
}

func (e *testEnv) postFrom(t *testing.T, path, forwardedFor string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, strings.NewReader(`{"model":"m"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	req.Header.Set("X-Real-IP", forwardedFor)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	return res
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	res, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return out
}

func TestCreateSessionReturnsCredential(t *testing.T) {
	for _, path := range []string{"/sessions", "/api/sessions"} {
		t.Run(path, func(t *testing.T) {
			env := newTestEnv(t, nil)
			res, body := env.post(t, path, `{"model":"gpt-4o-realtime-preview","system_prompt":"Be brief."}`)
			require.Equal(t, http.StatusOK, res.StatusCode)

			secret := body["client_secret"].(map[string]any)
			assert.Equal(t, "ek_test", secret["value"])
			assert.Equal(t, "2030-03-17T17:46:40Z", secret["expires_at"])
			assert.Equal(t, "gpt-4o-realtime-preview", body["model"])
			assert.Equal(t, realtime.DefaultVoice, body["voice"])
			assert.Equal(t, "Be brief.", env.issuer.got.SystemPrompt)
			assert.NotEmpty(t, res.Header.Get(RequestIDHeader))
		})
	}
}

func TestCreateSessionEmptyBodyUsesDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	res, body := env.post(t, "/sessions", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, realtime.DefaultModel, body["model"])
}

func TestCreateSessionErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		message   string
		retryable bool
	}{
		{"rejected", gatewayerr.New(gatewayerr.KindUpstreamRejected, "Invalid model"), http.StatusBadGateway, "upstream_rejected", "Invalid model", false},
		{"unavailable", gatewayerr.New(gatewayerr.KindUpstreamUnavailable, "provider unavailable"), http.StatusServiceUnavailable, "upstream_unavailable", "provider unavailable", true},
		{"bad request", gatewayerr.BadRequest("model is required"), http.StatusBadRequest, "bad_request", "model is required", false},
		{"internal", errors.New("secret detail"), http.StatusInternalServerError, "internal_error", "internal error", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.issuer.err = tt.err
			res, body := env.post(t, "/sessions", `{"model":"m"}`)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.Equal(t, tt.code, body["code"])
			assert.Equal(t, tt.message, body["message"])
			assert.Equal(t, tt.retryable, body["retryable"] == true)
		})
	}
}

func TestCreateSessionRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	res, body := env.post(t, "/sessions", `{"model":`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", body["code"])
}

func TestCreateSessionRateLimited(t *testing.T) {
	env := newTestEnv(t, func(_ *config.Config, d *Deps) {
		d.Limiter = ratelimit.NewMemory(1, time.Minute)
	})
	res, _ := env.post(t, "/sessions", `{"model":"m"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body := env.post(t, "/sessions", `{"model":"m"}`)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "rate_limited", body["code"])
	assert.NotEmpty(t, res.Header.Get("Retry-After"))
}

func TestRateLimitIgnoresForwardedHeadersFromUntrustedPeers(t *testing.T) {
	env := newTestEnv(t, func(_ *config.Config, d *Deps) {
		d.Limiter = ratelimit.NewMemory(1, time.Minute)
	})
	res := env.postFrom(t, "/sessions", "203.0.113.1")
	require.Equal(t, http.StatusOK, res.StatusCode)

	for _, ip := range []string{"203.0.113.2", "198.51.100.7", "203.0.113.2, 198.51.100.8"} {
		res := env.postFrom(t, "/sessions", ip)
		assert.Equal(t, http.StatusTooManyRequests, res.StatusCode, ip)
	}
}

func TestRateLimitHonoursForwardedHeadersFromTrustedProxy(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, d *Deps) {
		c.TrustedProxies = []string{"127.0.0.0/8", "::1"}
		d.Limiter = ratelimit.NewMemory(1, time.Minute)
	})
	assert.Equal(t, http.StatusOK, env.postFrom(t, "/sessions", "203.0.113.1").StatusCode)
	assert.Equal(t, http.StatusOK, env.postFrom(t, "/sessions", "203.0.113.2").StatusCode)
	// The client cannot prepend its own hop in front of the proxy's.
	assert.Equal(t, http.StatusTooManyRequests, env.postFrom(t, "/sessions", "198.51.100.9, 203.0.113.1").StatusCode)
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, func(_ *config.Config, d *Deps) {
		d.Ready = map[string]ReadinessCheck{
			"store": func(context.Context) error { return nil },
		}
	})
	for _, path := range []string{"/healthz", "/api/health", "/readyz", "/metrics", "/v1/latency"} {
		res := env.get(t, path)
		res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
	}

	failing := newTestEnv(t, func(_ *config.Config, d *Deps) {
		d.Ready = map[string]ReadinessCheck{
			"redis": func(context.Context) error { return errors.New("connection refused") },
		}
	})
	res := failing.get(t, "/readyz")
	body := decodeBody(t, res)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "unavailable", body["checks"].(map[string]any)["redis"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Deps) { c.AllowAnyOrigin = true })
	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/sessions", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "https://app.example", res.Header.Get("Access-Control-Allow-Origin"))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestProxyRejectsCrossOrigin(t *testing.T) {
	env := newTestEnv(t, nil)
	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, res, err := websocket.DefaultDialer.Dial(wsURL(env.ts.URL)+"/proxy", header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestProxyClosesPolicyViolationOnMissingModel(t *testing.T) {
	for _, path := range []string{"/proxy", "/ws/proxy"} {
		t.Run(path, func(t *testing.T) {
			env := newTestEnv(t, nil)
			c, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts.URL)+path, nil)
			require.NoError(t, err)
			defer c.Close()

			require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"voice":"verse"}`)))
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err = c.ReadMessage()
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, gatewayerr.ClosePolicyViolation, ce.Code)
			require.Eventually(t, func() bool { return env.registry.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.get(t, "/v1/sessions")
	body := decodeBody(t, res)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, float64(0), body["active"])

	res = env.get(t, "/v1/sessions/missing")
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
