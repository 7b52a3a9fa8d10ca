package server

import (
	"sort"
	"sync"
	"time"
)

// latencySamples bounds the sliding window backing the percentile
// estimates. Old samples are overwritten ring-buffer style.
const latencySamples = 1024

// statsRecorder tracks request counts and a latency window for the
// statistics endpoint. Percentiles are computed over the most recent
// samples rather than the full history; good enough for an
// operational dashboard.
type statsRecorder struct {
	mu        sync.Mutex
	total     int64
	errors    int64
	samples   []time.Duration
	next      int
	filled    bool
	startedAt time.Time
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{
		samples:   make([]time.Duration, latencySamples),
		startedAt: time.Now(),
	}
}

// observe records one finished request.
func (s *statsRecorder) observe(latency time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if failed {
		s.errors++
	}
	s.samples[s.next] = latency
	s.next++
	if s.next == len(s.samples) {
		s.next = 0
		s.filled = true
	}
}

type statsSnapshot struct {
	Total     int64
	ErrorRate float64
	AvgMS     float64
	P95MS     float64
	P99MS     float64
	RPS       float64
	Uptime    time.Duration
}

// snapshot computes the current aggregate view.
func (s *statsRecorder) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := statsSnapshot{
		Total:  s.total,
		Uptime: time.Since(s.startedAt),
	}
	if s.total > 0 {
		snap.ErrorRate = float64(s.errors) / float64(s.total)
	}
	if secs := snap.Uptime.Seconds(); secs > 0 {
		snap.RPS = float64(s.total) / secs
	}

	n := s.next
	if s.filled {
		n = len(s.samples)
	}
	if n == 0 {
		return snap
	}

	window := make([]time.Duration, n)
	copy(window, s.samples[:n])
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	snap.AvgMS = float64(sum.Microseconds()) / float64(n) / 1000
	snap.P95MS = float64(percentile(window, 0.95).Microseconds()) / 1000
	snap.P99MS = float64(percentile(window, 0.99).Microseconds()) / 1000
	return snap
}

// percentile returns the nearest-rank percentile of a sorted window.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
