package metrics

import (
	"sort"
	"sync"
)

// windowSize bounds each rolling latency window. 512 samples is enough
// for stable p95 estimates at the daemon's request rates without
// unbounded growth.
const windowSize = 512

// Window is a rolling-window streaming percentile estimator: the last
// windowSize observations in a ring, sorted on demand.
type Window struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	count   int64
}

// NewWindow creates an empty estimator.
func NewWindow() *Window {
	return &Window{samples: make([]float64, 0, windowSize)}
}

// Observe records one sample (milliseconds).
func (w *Window) Observe(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count++
	if !w.full {
		w.samples = append(w.samples, ms)
		if len(w.samples) == windowSize {
			w.full = true
		}
		return
	}
	w.samples[w.next] = ms
	w.next = (w.next + 1) % windowSize
}

// Count returns the total number of observations ever recorded.
func (w *Window) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Percentile returns the p-th percentile (0 < p < 100) of the current
// window, 0 when empty.
func (w *Window) Percentile(p float64) float64 {
	w.mu.Lock()
	sorted := make([]float64, len(w.samples))
	copy(sorted, w.samples)
	w.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)-1) * p / 100.0)
	return sorted[idx]
}
