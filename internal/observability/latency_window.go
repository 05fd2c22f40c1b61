package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Relay stages sampled by the latency window and served on /v1/latency.
const (
	// StageCredentialIssue is the provider round trip behind POST /sessions.
	StageCredentialIssue = "credential_issue"
	// StageUpstreamDial covers the provider WebSocket handshake for one relay session.
	StageUpstreamDial = "upstream_dial"
	// StageFirstUpstreamEvent runs from the completed dial to the first provider frame.
	StageFirstUpstreamEvent = "first_upstream_event"
	// StageTriggerToResponse runs from an injected response.create to the first
	// provider frame that answers it.
	StageTriggerToResponse = "trigger_to_response"
	// StageToolCall is the local execution time of one function tool.
	StageToolCall = "tool_call"
)

// stageTargets are the p95 budgets reported next to each stage, in ms.
var stageTargets = map[string]float64{
	StageCredentialIssue:    800,
	StageUpstreamDial:       1000,
	StageFirstUpstreamEvent: 1500,
	StageTriggerToResponse:  1200,
	StageToolCall:           300,
}

// LatencyStats summarizes the retained samples of one relay stage.
type LatencyStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// Indicator counts session outcomes, such as closes by reason.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []LatencyStats `json:"stages"`
	Indicators  []Indicator    `json:"indicators,omitempty"`
}

// LatencyWindow retains the most recent samples of every relay stage in a
// fixed ring and counts session outcome indicators. Safe for concurrent use;
// a nil window drops observations.
type LatencyWindow struct {
	mu         sync.RWMutex
	size       int
	rings      map[string]*sampleRing
	indicators map[string]int
}

type sampleRing struct {
	values []float64
	next   int
	full   bool
	last   float64
}

func (r *sampleRing) add(ms float64) {
	r.values[r.next] = ms
	r.last = ms
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.full = true
	}
}

func (r *sampleRing) sorted() []float64 {
	n := r.next
	if r.full {
		n = len(r.values)
	}
	out := append([]float64(nil), r.values[:n]...)
	sort.Float64s(out)
	return out
}

// NewLatencyWindow keeps up to size samples per stage; size <= 0 means 256.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &LatencyWindow{
		size:       size,
		rings:      make(map[string]*sampleRing),
		indicators: make(map[string]int),
	}
}

// Observe records one sample in milliseconds. Negative samples are ignored.
func (w *LatencyWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &sampleRing{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *LatencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

// Snapshot reports every observed stage and non-zero indicator, sorted by name.
func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	stages := make([]LatencyStats, 0, len(w.rings))
	for stage, r := range w.rings {
		samples := r.sorted()
		if len(samples) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stages = append(stages, LatencyStats{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: stageTargets[stage],
		})
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Stage < stages[j].Stage })

	indicators := make([]Indicator, 0, len(w.indicators))
	for name, count := range w.indicators {
		if count > 0 {
			indicators = append(indicators, Indicator{Name: name, Count: count})
		}
	}
	sort.Slice(indicators, func(i, j int) bool { return indicators[i].Name < indicators[j].Name })

	return LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func (w *LatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = make(map[string]*sampleRing)
	w.indicators = make(map[string]int)
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
