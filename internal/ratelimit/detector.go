package ratelimit

import "time"

// Detector thresholds. A peer tripping any of them is blocked for
// blockDuration.
const (
	burstPerSecond     = 100
	sustainedPerMinute = 1000
	sameUAPerMinute    = 50
	intervalSamples    = 10
	intervalVariance   = 0.1 // seconds squared
	blockDuration      = 15 * time.Minute
)

type peerState struct {
	times        []time.Time
	uas          []string // parallel to times
	uaCounts     map[string]int
	blockedUntil time.Time
	lastAccess   time.Time
}

// detector watches per-peer request patterns for automated abuse:
// request floods, single-UA hammering, and machine-regular intervals.
// Callers hold the limiter mutex.
type detector struct {
	peers map[string]*peerState
}

func newDetector() *detector {
	return &detector{peers: make(map[string]*peerState)}
}

// observe records one request and reports whether the peer is (now)
// blocked and until when.
func (d *detector) observe(peer, userAgent string, now time.Time) (time.Time, bool) {
	if peer == "" {
		return time.Time{}, false
	}
	p, ok := d.peers[peer]
	if !ok {
		p = &peerState{uaCounts: make(map[string]int)}
		d.peers[peer] = p
	}
	p.lastAccess = now
	if now.Before(p.blockedUntil) {
		return p.blockedUntil, true
	}

	// Prune to the last minute, decrementing UA counts as entries age
	// out.
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(p.times) && p.times[i].Before(cutoff) {
		p.uaCounts[p.uas[i]]--
		if p.uaCounts[p.uas[i]] == 0 {
			delete(p.uaCounts, p.uas[i])
		}
		i++
	}
	p.times = append(p.times[i:], now)
	p.uas = append(p.uas[i:], userAgent)
	p.uaCounts[userAgent]++

	if d.abusive(p, userAgent, now) {
		p.blockedUntil = now.Add(blockDuration)
		p.times = nil
		p.uas = nil
		p.uaCounts = make(map[string]int)
		return p.blockedUntil, true
	}
	return time.Time{}, false
}

func (d *detector) abusive(p *peerState, userAgent string, now time.Time) bool {
	// Burst: over burstPerSecond requests inside one second.
	secCutoff := now.Add(-time.Second)
	recent := 0
	for i := len(p.times) - 1; i >= 0 && !p.times[i].Before(secCutoff); i-- {
		recent++
	}
	if recent > burstPerSecond {
		return true
	}
	if len(p.times) > sustainedPerMinute {
		return true
	}
	if p.uaCounts[userAgent] > sameUAPerMinute {
		return true
	}
	return d.regularIntervals(p.times)
}

// regularIntervals reports near-constant spacing over the last
// intervalSamples gaps, the signature of a scripted loop.
func (d *detector) regularIntervals(times []time.Time) bool {
	if len(times) < intervalSamples+1 {
		return false
	}
	tail := times[len(times)-(intervalSamples+1):]
	gaps := make([]float64, intervalSamples)
	mean := 0.0
	for i := 1; i < len(tail); i++ {
		gaps[i-1] = tail[i].Sub(tail[i-1]).Seconds()
		mean += gaps[i-1]
	}
	mean /= float64(len(gaps))
	variance := 0.0
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))
	return variance < intervalVariance
}

func (d *detector) evictStale(cutoff time.Time) {
	for peer, p := range d.peers {
		if p.lastAccess.Before(cutoff) && cutoff.After(p.blockedUntil) {
			delete(d.peers, peer)
		}
	}
}
