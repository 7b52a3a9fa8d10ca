package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectorBlocksRegularIntervals(t *testing.T) {
	d := newDetector()
	base := time.Now()

	// A scripted loop: one request per second, machine-precise.
	for i := 0; i < intervalSamples; i++ {
		_, blocked := d.observe("203.0.113.5", "curl/8.0", base.Add(time.Duration(i)*time.Second))
		require.False(t, blocked, "request %d", i)
	}
	until, blocked := d.observe("203.0.113.5", "curl/8.0", base.Add(time.Duration(intervalSamples)*time.Second))
	require.True(t, blocked)
	assert.WithinDuration(t, base.Add(time.Duration(intervalSamples)*time.Second).Add(blockDuration), until, time.Second)
}

func TestDetectorToleratesJitteredTraffic(t *testing.T) {
	d := newDetector()
	now := time.Now()

	// Human-shaped traffic: irregular gaps well above the variance bar.
	gaps := []time.Duration{
		800 * time.Millisecond, 3 * time.Second, 250 * time.Millisecond,
		5 * time.Second, 1200 * time.Millisecond, 4 * time.Second,
		300 * time.Millisecond, 2500 * time.Millisecond, 6 * time.Second,
		900 * time.Millisecond, 3500 * time.Millisecond, 7 * time.Second,
	}
	for i, g := range gaps {
		now = now.Add(g)
		_, blocked := d.observe("203.0.113.6", "Mozilla/5.0", now)
		assert.False(t, blocked, "request %d", i)
	}
}

func TestDetectorBlockExpires(t *testing.T) {
	d := newDetector()
	base := time.Now()

	for i := 0; i <= intervalSamples; i++ {
		d.observe("203.0.113.7", "bot", base.Add(time.Duration(i)*time.Second))
	}
	p := d.peers["203.0.113.7"]
	require.False(t, p.blockedUntil.IsZero())

	// Still blocked inside the cooldown, clear after it.
	_, blocked := d.observe("203.0.113.7", "bot", p.blockedUntil.Add(-time.Minute))
	assert.True(t, blocked)
	_, blocked = d.observe("203.0.113.7", "bot", p.blockedUntil.Add(time.Second))
	assert.False(t, blocked)
}

func TestLimiterReportsPatternBlock(t *testing.T) {
	m := NewMemoryLimiter(Config{
		Endpoints:      map[string][]Limit{},
		Tiers:          map[Tier][]Limit{TierAnonymous: {{Name: "client:anonymous:hour", Limit: 100_000, Window: time.Hour}}},
		DetectPatterns: true,
	})
	defer m.Close()

	req := Request{ClientID: "203.0.113.8", Tier: TierAnonymous, Peer: "203.0.113.8", UserAgent: "bot"}

	// A tight loop trips the detector well before any window limit.
	var d Decision
	var err error
	for i := 0; i < intervalSamples+2; i++ {
		d, err = m.Allow(context.Background(), req)
		require.NoError(t, err)
		if !d.Allowed {
			break
		}
	}
	require.False(t, d.Allowed)
	assert.True(t, d.Blocked)
	assert.Equal(t, "ddos", d.Scope)
	assert.Equal(t, "pattern_block", d.LimitName)
	assert.Greater(t, d.RetryAfter, 14*time.Minute)
}
