// Package metrics tracks the daemon's counters and latency percentiles.
// Two render paths share the same observations: a JSON document computed
// from in-process state, and a mirrored Prometheus registry (all names
// prefixed sgn_) served for ?format=prom scrapes.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency stage names.
const (
	StageHTTPPublish = "http_publish"
	StageHTTPVerify  = "http_verify"
	StageDBRead      = "db_read"
	StageDBWrite     = "db_write"
)

// Metrics is the process-wide metrics registry. Constructed once by the
// daemon root and passed into handler registrations.
type Metrics struct {
	httpPublishCount atomic.Int64
	httpVerifyCount  atomic.Int64
	netDelivered     atomic.Int64
	netAcked         atomic.Int64
	kusDeduplicated  atomic.Int64
	dbKUStored       atomic.Int64

	// Gauges are sampled at render time from the owning subsystems.
	queueLen  func() int64
	wsClients func() int64

	windows map[string]*Window

	registry     *prometheus.Registry
	promCounters map[string]prometheus.Counter
	promLatency  map[string]prometheus.Summary
}

// New creates the metrics registry. queueLen and wsClients are sampled
// lazily; pass nil until the owning subsystem wires itself in via
// SetGaugeSources.
func New() *Metrics {
	m := &Metrics{
		queueLen:  func() int64 { return 0 },
		wsClients: func() int64 { return 0 },
		windows: map[string]*Window{
			StageHTTPPublish: NewWindow(),
			StageHTTPVerify:  NewWindow(),
			StageDBRead:      NewWindow(),
			StageDBWrite:     NewWindow(),
		},
		registry:     prometheus.NewRegistry(),
		promCounters: make(map[string]prometheus.Counter),
		promLatency:  make(map[string]prometheus.Summary),
	}

	for _, name := range []string{
		"http_publish_count", "http_verify_count",
		"net_delivered", "net_acked",
		"kus_deduplicated_total", "db_ku_stored_total",
	} {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: "sgn_" + name})
		m.registry.MustRegister(c)
		m.promCounters[name] = c
	}

	for _, stage := range []string{StageHTTPPublish, StageHTTPVerify, StageDBRead, StageDBWrite} {
		s := prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "sgn_" + stage + "_ms",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01},
			MaxAge:     time.Minute,
		})
		m.registry.MustRegister(s)
		m.promLatency[stage] = s
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "sgn_outbox_queue_len"},
		func() float64 { return float64(m.queueLen()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "sgn_ws_clients"},
		func() float64 { return float64(m.wsClients()) },
	))

	return m
}

// SetGaugeSources wires the gauge sample functions. Either may be nil to
// keep the current source.
func (m *Metrics) SetGaugeSources(queueLen, wsClients func() int64) {
	if queueLen != nil {
		m.queueLen = queueLen
	}
	if wsClients != nil {
		m.wsClients = wsClients
	}
}

func (m *Metrics) inc(counter *atomic.Int64, name string) {
	counter.Add(1)
	m.promCounters[name].Inc()
}

// IncHTTPPublish counts one /publish request.
func (m *Metrics) IncHTTPPublish() { m.inc(&m.httpPublishCount, "http_publish_count") }

// IncHTTPVerify counts one /verify request.
func (m *Metrics) IncHTTPVerify() { m.inc(&m.httpVerifyCount, "http_verify_count") }

// IncDelivered counts one ku frame sent to a subscriber.
func (m *Metrics) IncDelivered() { m.inc(&m.netDelivered, "net_delivered") }

// IncAcked counts one ACK received from a subscriber.
func (m *Metrics) IncAcked() { m.inc(&m.netAcked, "net_acked") }

// IncDeduplicated counts one duplicate publish.
func (m *Metrics) IncDeduplicated() { m.inc(&m.kusDeduplicated, "kus_deduplicated_total") }

// IncStored counts one KU durably stored.
func (m *Metrics) IncStored() { m.inc(&m.dbKUStored, "db_ku_stored_total") }

// Delivered returns the net_delivered counter value.
func (m *Metrics) Delivered() int64 { return m.netDelivered.Load() }

// Acked returns the net_acked counter value.
func (m *Metrics) Acked() int64 { return m.netAcked.Load() }

// Deduplicated returns the kus_deduplicated_total counter value.
func (m *Metrics) Deduplicated() int64 { return m.kusDeduplicated.Load() }

// Observe records a latency sample for one stage.
func (m *Metrics) Observe(stage string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	if w, ok := m.windows[stage]; ok {
		w.Observe(ms)
	}
	if s, ok := m.promLatency[stage]; ok {
		s.Observe(ms)
	}
}

// Percentile returns the stage's p-th percentile in milliseconds.
func (m *Metrics) Percentile(stage string, p float64) float64 {
	if w, ok := m.windows[stage]; ok {
		return w.Percentile(p)
	}
	return 0
}

// LatencyStats is one stage's rendered percentile block.
type LatencyStats struct {
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Count int64   `json:"count"`
}

// Snapshot is the JSON rendering of all metrics.
type Snapshot struct {
	Counters  map[string]int64        `json:"counters"`
	LatencyMS map[string]LatencyStats `json:"latency_ms"`
}

// Snapshot renders the current metrics as a JSON-ready document.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		Counters: map[string]int64{
			"http_publish_count":     m.httpPublishCount.Load(),
			"http_verify_count":      m.httpVerifyCount.Load(),
			"net_delivered":          m.netDelivered.Load(),
			"net_acked":              m.netAcked.Load(),
			"kus_deduplicated_total": m.kusDeduplicated.Load(),
			"db_ku_stored_total":     m.dbKUStored.Load(),
			"outbox_queue_len":       m.queueLen(),
			"ws_clients":             m.wsClients(),
		},
		LatencyMS: make(map[string]LatencyStats, len(m.windows)),
	}
	for stage, w := range m.windows {
		snap.LatencyMS[stage] = LatencyStats{
			P50:   w.Percentile(50),
			P95:   w.Percentile(95),
			Count: w.Count(),
		}
	}
	return snap
}

// PrometheusHandler serves the mirrored registry in Prometheus text format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
