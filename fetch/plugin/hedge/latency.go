package hedge

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a sliding window of latencies per endpoint and
// answers approximate percentile queries. It is safe for concurrent use.
type LatencyTracker struct {
	mu         sync.RWMutex
	windows    map[string]*window
	windowSize int
	minSamples int
}

// window is a ring buffer of latency samples.
type window struct {
	samples []time.Duration
	next    int
	count   int
}

// NewLatencyTracker creates a tracker keeping windowSize samples per
// endpoint and answering percentiles once minSamples were recorded.
// Non-positive arguments default to 100 and 10.
func NewLatencyTracker(windowSize, minSamples int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 100
	}
	if minSamples <= 0 {
		minSamples = 10
	}
	return &LatencyTracker{
		windows:    make(map[string]*window),
		windowSize: windowSize,
		minSamples: minSamples,
	}
}

// Record adds a sample for endpoint, evicting the oldest when full.
func (t *LatencyTracker) Record(endpoint string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[endpoint]
	if !ok {
		w = &window{samples: make([]time.Duration, t.windowSize)}
		t.windows[endpoint] = w
	}

	w.samples[w.next] = latency
	w.next = (w.next + 1) % t.windowSize
	w.count = min(w.count+1, t.windowSize)
}

// Percentile returns the p-th (0-1) percentile latency of endpoint, or
// false when fewer than minSamples were recorded.
func (t *LatencyTracker) Percentile(endpoint string, p float64) (time.Duration, bool) {
	t.mu.RLock()
	w, ok := t.windows[endpoint]
	if !ok || w.count < t.minSamples {
		t.mu.RUnlock()
		return 0, false
	}
	samples := slices.Clone(w.samples[:w.count])
	t.mu.RUnlock()

	slices.Sort(samples)
	p = min(max(p, 0), 1)
	return samples[int(float64(len(samples)-1)*p)], true
}

// Count returns the number of samples held for endpoint.
func (t *LatencyTracker) Count(endpoint string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if w, ok := t.windows[endpoint]; ok {
		return w.count
	}
	return 0
}

// Reset drops every sample.
func (t *LatencyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows = make(map[string]*window)
}
