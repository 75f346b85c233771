package metrics

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.IncHTTPPublish()
	m.IncHTTPPublish()
	m.IncHTTPVerify()
	m.IncDelivered()
	m.IncAcked()
	m.IncDeduplicated()
	m.IncStored()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Counters["http_publish_count"])
	assert.Equal(t, int64(1), snap.Counters["http_verify_count"])
	assert.Equal(t, int64(1), snap.Counters["net_delivered"])
	assert.Equal(t, int64(1), snap.Counters["net_acked"])
	assert.Equal(t, int64(1), snap.Counters["kus_deduplicated_total"])
	assert.Equal(t, int64(1), snap.Counters["db_ku_stored_total"])

	assert.Equal(t, int64(1), m.Delivered())
	assert.Equal(t, int64(1), m.Acked())
	assert.Equal(t, int64(1), m.Deduplicated())
}

func TestGaugeSources(t *testing.T) {
	m := New()
	snap := m.Snapshot()
	assert.Zero(t, snap.Counters["outbox_queue_len"])

	m.SetGaugeSources(
		func() int64 { return 42 },
		func() int64 { return 7 },
	)
	snap = m.Snapshot()
	assert.Equal(t, int64(42), snap.Counters["outbox_queue_len"])
	assert.Equal(t, int64(7), snap.Counters["ws_clients"])
}

func TestObserveAndPercentile(t *testing.T) {
	m := New()

	for i := 1; i <= 100; i++ {
		m.Observe(StageDBWrite, time.Duration(i)*time.Millisecond)
	}

	p50 := m.Percentile(StageDBWrite, 50)
	p95 := m.Percentile(StageDBWrite, 95)
	assert.InDelta(t, 50, p50, 2)
	assert.InDelta(t, 95, p95, 2)
	assert.Greater(t, p95, p50)

	snap := m.Snapshot()
	assert.Equal(t, int64(100), snap.LatencyMS[StageDBWrite].Count)
	assert.Zero(t, snap.LatencyMS[StageHTTPPublish].Count)
}

func TestObserveUnknownStageIsNoop(t *testing.T) {
	m := New()
	m.Observe("nonexistent", time.Millisecond)
	assert.Zero(t, m.Percentile("nonexistent", 50))
}

func TestWindowRollsOver(t *testing.T) {
	w := NewWindow()
	for i := 0; i < windowSize+100; i++ {
		w.Observe(1000) // old samples
	}
	for i := 0; i < windowSize; i++ {
		w.Observe(1) // flush the ring with new samples
	}
	assert.Equal(t, 1.0, w.Percentile(99))
	assert.Equal(t, int64(2*windowSize+100), w.Count())
}

func TestSnapshotMarshalsToJSON(t *testing.T) {
	m := New()
	m.IncHTTPPublish()
	m.Observe(StageHTTPPublish, 5*time.Millisecond)

	out, err := json.Marshal(m.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(out), `"http_publish_count":1`)
	assert.Contains(t, string(out), `"latency_ms"`)
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.IncStored()
	m.IncDeduplicated()
	m.Observe(StageDBRead, 3*time.Millisecond)
	m.SetGaugeSources(func() int64 { return 5 }, func() int64 { return 2 })

	rec := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics?format=prom", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	text := string(body)

	assert.True(t, strings.Contains(text, "sgn_db_ku_stored_total 1"))
	assert.True(t, strings.Contains(text, "sgn_kus_deduplicated_total 1"))
	assert.True(t, strings.Contains(text, "sgn_outbox_queue_len 5"))
	assert.True(t, strings.Contains(text, "sgn_ws_clients 2"))
	assert.True(t, strings.Contains(text, "sgn_db_read_ms"))
}
