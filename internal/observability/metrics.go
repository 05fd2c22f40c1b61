package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	TriggersInjected   prometheus.Counter
	ToolCalls          *prometheus.CounterVec
	CredentialRequests *prometheus.CounterVec
	CredentialLatency  prometheus.Histogram
	RateLimited        *prometheus.CounterVec

	gatherer prometheus.Gatherer
	latency  *LatencyWindow
}

// NewMetrics registers instruments on reg. Passing nil uses the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open relay sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Relay session lifecycle events by type.",
		}, []string{"event"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Relay session state transitions by target state.",
		}, []string{"state"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Relayed WebSocket messages by direction and event type.",
		}, []string{"direction", "type"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures by kind.",
		}, []string{"kind"}),
		TriggersInjected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_triggers_injected_total",
			Help:      "response.create events injected after content submissions.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Clinic tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		CredentialRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_requests_total",
			Help:      "Ephemeral credential requests by outcome.",
		}, []string{"outcome"}),
		CredentialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credential_latency_ms",
			Help:      "Latency of ephemeral credential issuance in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests denied by the rate limiter by route.",
		}, []string{"route"}),
		gatherer: gatherer,
		latency:  NewLatencyWindow(256),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("closed").Inc()
	if reason != "" {
		m.latency.ObserveIndicator("close_" + reason)
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) StateTransition(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Message(direction, eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.WSMessages.WithLabelValues(direction, eventType).Inc()
}

func (m *Metrics) UpstreamError(kind string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) TriggerInjected() {
	if m == nil {
		return
	}
	m.TriggersInjected.Inc()
}

func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) CredentialIssued(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CredentialRequests.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.CredentialLatency.Observe(float64(d.Milliseconds()))
	}
	m.latency.Observe(StageCredentialIssue, float64(d.Milliseconds()))
}

// ObserveStage records a latency sample for the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) RateLimitedRequest(route string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(route).Inc()
}

// LatencySnapshot returns the rolling latency window.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.latency.Snapshot()
}

// Handler exposes the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
