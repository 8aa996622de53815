package routing

import (
	"sync"
	"time"
)

// TargetMetrics is a point-in-time view of one target's behavior.
type TargetMetrics struct {
	AvgLatencyMS float64
	ErrorRate    float64
	Samples      int
}

// MetricsSource feeds the optimized strategy. Snapshot reports false when no
// observations exist for the target yet.
type MetricsSource interface {
	Snapshot(model, provider string) (TargetMetrics, bool)
}

type targetStats struct {
	samples    int
	failures   int
	avgLatency int64
}

// Tracker keeps rolling per-target latency and failure stats in memory.
// The executor reports an observation after every upstream call.
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*targetStats
}

func NewTracker() *Tracker {
	return &Tracker{stats: make(map[string]*targetStats)}
}

func statsKey(model, provider string) string {
	return provider + "/" + model
}

func (t *Tracker) Observe(model, provider string, latency time.Duration, failed bool) {
	key := statsKey(model, provider)
	ms := latency.Milliseconds()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[key]
	if !ok {
		s = &targetStats{}
		t.stats[key] = s
	}
	s.samples++
	if failed {
		s.failures++
	}
	if s.avgLatency == 0 {
		s.avgLatency = ms
	} else {
		// exponential moving average
		s.avgLatency = (s.avgLatency*7 + ms*3) / 10
	}
}

func (t *Tracker) Snapshot(model, provider string) (TargetMetrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[statsKey(model, provider)]
	if !ok || s.samples == 0 {
		return TargetMetrics{}, false
	}
	return TargetMetrics{
		AvgLatencyMS: float64(s.avgLatency),
		ErrorRate:    float64(s.failures) / float64(s.samples),
		Samples:      s.samples,
	}, true
}
