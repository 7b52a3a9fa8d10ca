// Package ratelimit is the admission gate in front of the resolve and
// batch surfaces: sliding-window limits across three scopes (global,
// per-client, per-endpoint), tiered client defaults, and a traffic
// pattern detector that blocks abusive peers for a cooldown period.
//
// The OSS distribution ships an in-memory limiter (MemoryLimiter).
// Multi-instance deployments can substitute a shared-store
// implementation; the Limiter interface is the contract.
package ratelimit

import (
	"context"
	"time"
)

// Tier classifies a client for limit selection.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
	TierAdmin         Tier = "admin"
)

// Limit is one sliding-window rule. A request is admitted when the
// window count after insertion stays within Limit+Burst.
type Limit struct {
	Name   string        // identity reported on rejection, e.g. "client:premium:minute"
	Limit  int           // sustained allowance per window
	Window time.Duration // window length
	Burst  int           // short-term overshoot allowance
}

// Request carries the admission inputs for one HTTP request.
type Request struct {
	ClientID  string // JWT subject when authenticated, else peer IP
	Tier      Tier
	Endpoint  string // route label, e.g. "resolve", "batch"
	Peer      string // remote IP, pattern detector scope
	UserAgent string
}

// Decision is the gate's verdict. On rejection it names the most
// restrictive violated limit and how long to back off.
type Decision struct {
	Allowed    bool
	Scope      string // "global" | "client" | "endpoint" | "ddos"
	LimitName  string
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Blocked    bool // peer is under a pattern-detector block
}

// Limiter decides admission. Implementations must be safe for
// concurrent use. A limiter malfunction (error) is fail-open: callers
// permit the request rather than blocking traffic.
type Limiter interface {
	Allow(ctx context.Context, req Request) (Decision, error)
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is
// disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, Request) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (NoopLimiter) Close() error { return nil }

// TierLimits returns the shipped per-client limit set for a tier.
func TierLimits(t Tier) []Limit {
	switch t {
	case TierAuthenticated:
		return []Limit{
			{Name: "client:authenticated:minute", Limit: 300, Window: time.Minute},
			{Name: "client:authenticated:hour", Limit: 5_000, Window: time.Hour},
			{Name: "client:authenticated:day", Limit: 50_000, Window: 24 * time.Hour},
		}
	case TierPremium:
		return []Limit{
			{Name: "client:premium:minute", Limit: 1_000, Window: time.Minute},
			{Name: "client:premium:hour", Limit: 20_000, Window: time.Hour},
		}
	case TierAdmin:
		return []Limit{
			{Name: "client:admin:minute", Limit: 2_000, Window: time.Minute},
			{Name: "client:admin:hour", Limit: 50_000, Window: time.Hour},
		}
	default:
		return []Limit{
			{Name: "client:anonymous:minute", Limit: 60, Window: time.Minute},
			{Name: "client:anonymous:hour", Limit: 1_000, Window: time.Hour},
			{Name: "client:anonymous:day", Limit: 10_000, Window: 24 * time.Hour},
		}
	}
}

// DefaultEndpointLimits returns the shipped per-endpoint limit sets,
// applied per client on top of the tier limits.
func DefaultEndpointLimits() map[string][]Limit {
	return map[string][]Limit{
		"resolve": {{Name: "endpoint:resolve:minute", Limit: 30, Window: time.Minute, Burst: 5}},
		"batch":   {{Name: "endpoint:batch:minute", Limit: 5, Window: time.Minute, Burst: 2}},
	}
}

// Config tunes a MemoryLimiter.
type Config struct {
	// Global limits apply across all clients. Empty disables the scope.
	Global []Limit
	// Endpoints maps route labels to per-client limit sets. Nil gets
	// DefaultEndpointLimits.
	Endpoints map[string][]Limit
	// Tiers overrides the per-tier client limits. Missing tiers fall
	// back to TierLimits.
	Tiers map[Tier][]Limit
	// Whitelist lists client IDs and peer IPs that bypass the gate.
	Whitelist []string
	// DetectPatterns enables the abusive-traffic detector.
	DetectPatterns bool
}
