package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window tracks request timestamps for one (key, limit) pair, pruned
// to the limit's window on every touch.
type window struct {
	times      []time.Time
	lastAccess time.Time
}

// count prunes entries older than w's horizon and returns the live
// count after recording now.
func (w *window) count(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	w.times = append(w.times[i:], now)
	w.lastAccess = now
	return len(w.times)
}

// MemoryLimiter implements Limiter with exact sliding windows held in
// memory. Every admitted and rejected request counts toward its
// windows; rejected traffic cannot reset its own penalty by retrying.
type MemoryLimiter struct {
	cfg       Config
	whitelist map[string]struct{}

	mu       sync.Mutex
	windows  map[string]*window
	detector *detector

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates the sliding-window gate. A background
// goroutine evicts windows idle past their horizon; call Close to stop
// it.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	m := &MemoryLimiter{
		cfg:       cfg,
		whitelist: make(map[string]struct{}, len(cfg.Whitelist)),
		windows:   make(map[string]*window),
		done:      make(chan struct{}),
	}
	for _, id := range cfg.Whitelist {
		m.whitelist[id] = struct{}{}
	}
	if cfg.DetectPatterns {
		m.detector = newDetector()
	}
	go m.cleanup()
	return m
}

// Allow evaluates all applicable scopes for the request. When several
// limits are violated the decision carries the one demanding the
// longest backoff.
func (m *MemoryLimiter) Allow(_ context.Context, req Request) (Decision, error) {
	if _, ok := m.whitelist[req.ClientID]; ok {
		return Decision{Allowed: true}, nil
	}
	if _, ok := m.whitelist[req.Peer]; ok {
		return Decision{Allowed: true}, nil
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.detector != nil {
		if until, blocked := m.detector.observe(req.Peer, req.UserAgent, now); blocked {
			return Decision{
				Scope:      "ddos",
				LimitName:  "pattern_block",
				RetryAfter: until.Sub(now),
				Blocked:    true,
			}, nil
		}
	}

	verdict := Decision{Allowed: true, Remaining: -1}
	check := func(scope, keyPrefix string, limits []Limit) {
		for _, l := range limits {
			w := m.windowFor(keyPrefix + l.Name)
			n := w.count(now, l.Window)
			remaining := l.Limit + l.Burst - n
			if remaining < 0 {
				retry := l.Window - now.Sub(w.times[0])
				if retry < time.Second {
					retry = time.Second
				}
				if verdict.Allowed || retry > verdict.RetryAfter {
					verdict = Decision{
						Scope:      scope,
						LimitName:  l.Name,
						Limit:      l.Limit,
						RetryAfter: retry,
					}
				}
			} else if verdict.Allowed && (verdict.Remaining < 0 || remaining < verdict.Remaining) {
				verdict.LimitName = l.Name
				verdict.Limit = l.Limit
				verdict.Remaining = remaining
			}
		}
	}

	check("global", "global|", m.cfg.Global)
	check("client", "client|"+req.ClientID+"|", m.clientLimits(req.Tier))
	if eps, ok := m.cfg.Endpoints[req.Endpoint]; ok {
		check("endpoint", "endpoint|"+req.Endpoint+"|"+req.ClientID+"|", eps)
	}
	return verdict, nil
}

func (m *MemoryLimiter) clientLimits(t Tier) []Limit {
	if limits, ok := m.cfg.Tiers[t]; ok {
		return limits
	}
	return TierLimits(t)
}

func (m *MemoryLimiter) windowFor(key string) *window {
	w, ok := m.windows[key]
	if !ok {
		w = &window{}
		m.windows[key] = w
	}
	return w
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 25 * time.Hour // longest window is 24h

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	cutoff := time.Now().Add(-staleThreshold)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.windows {
		if w.lastAccess.Before(cutoff) {
			delete(m.windows, key)
		}
	}
	if m.detector != nil {
		m.detector.evictStale(cutoff)
	}
}
