// Package model defines the core entities of the identity resolution
// engine: identity records, match candidates and results, batch jobs,
// households, and the HTTP API envelope.
package model

import (
	"strings"
	"time"
)

// Address is a structured postal address. All fields optional; empty
// string means absent.
type Address struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// Empty reports whether no address component is set.
func (a Address) Empty() bool {
	return a.Street == "" && a.City == "" && a.State == "" && a.PostalCode == ""
}

// Identity is a demographic record, the unit of both query input and
// corpus storage. Every field is individually optional; a record with
// no discriminating field is rejected upstream and never reaches the
// matching core.
type Identity struct {
	GivenName  string `json:"first_name,omitempty"`
	Surname    string `json:"last_name,omitempty"`
	MiddleName string `json:"middle_name,omitempty"`

	// DOB is ISO YYYY-MM-DD after normalization; raw input may use
	// other shapes the normalizer accepts.
	DOB string `json:"dob,omitempty"`

	TaxID      string `json:"ssn,omitempty"`       // 9 digits
	TaxIDLast4 string `json:"ssn_last4,omitempty"` // 4 digits
	DriverID   string `json:"driver_license,omitempty"`

	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`

	Address Address `json:"address,omitempty"`

	// AddressHistory carries prior known addresses when the source
	// system supplies them; used by the edge-case detector.
	AddressHistory []Address `json:"address_history,omitempty"`

	Gender string `json:"gender,omitempty"`

	Metadata     map[string]any `json:"metadata,omitempty"`
	SourceSystem string         `json:"source_system,omitempty"`
}

// FullName returns "given surname" with single spacing, or whichever
// component is present.
func (id Identity) FullName() string {
	switch {
	case id.GivenName != "" && id.Surname != "":
		return id.GivenName + " " + id.Surname
	case id.GivenName != "":
		return id.GivenName
	default:
		return id.Surname
	}
}

// DOBTime parses the ISO date of birth. ok is false when DOB is absent
// or not a valid ISO date.
func (id Identity) DOBTime() (time.Time, bool) {
	if id.DOB == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", id.DOB)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Age returns whole years at the reference instant. ok is false when
// the date of birth is unusable.
func (id Identity) Age(now time.Time) (int, bool) {
	dob, ok := id.DOBTime()
	if !ok {
		return 0, false
	}
	years := now.Year() - dob.Year()
	anniversary := time.Date(now.Year(), dob.Month(), dob.Day(), 0, 0, 0, 0, time.UTC)
	if now.Before(anniversary) {
		years--
	}
	if years < 0 {
		return 0, false
	}
	return years, true
}

// Empty reports whether the record carries no demographic signal at all.
func (id Identity) Empty() bool {
	return id.GivenName == "" && id.Surname == "" && id.MiddleName == "" &&
		id.DOB == "" && id.TaxID == "" && id.TaxIDLast4 == "" && id.DriverID == "" &&
		id.Phone == "" && id.Email == "" && id.Address.Empty()
}

// StoredIdentity is a corpus entry: an identity record plus its stable
// key and bookkeeping. The persisted Normalized form is what matchers
// compare against; Raw preserves the record as asserted by sources.
type StoredIdentity struct {
	IdentityKey   string    `json:"identity_key"`
	Raw           Identity  `json:"raw"`
	Normalized    Identity  `json:"normalized"`
	SourceSystems []string  `json:"source_systems"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MatchType tags which algorithm produced a candidate.
type MatchType string

const (
	MatchExact         MatchType = "exact"
	MatchDeterministic MatchType = "deterministic"
	MatchProbabilistic MatchType = "probabilistic"
	MatchFuzzy         MatchType = "fuzzy"
	MatchAIHybrid      MatchType = "ai_hybrid"
	MatchEnsemble      MatchType = "ensemble"
)

// MatchCandidate is a scored candidate produced by a matcher or by the
// ensemble combiner.
type MatchCandidate struct {
	IdentityKey   string         `json:"identity_id"`
	Confidence    float64        `json:"confidence_score"`
	MatchType     MatchType      `json:"match_type"`
	MatchedFields []string       `json:"matched_fields,omitempty"`
	Details       map[string]any `json:"match_details,omitempty"`
}

// ResolveStatus is the request-level outcome of a resolution.
type ResolveStatus string

const (
	StatusSuccess ResolveStatus = "success"
	StatusNoMatch ResolveStatus = "no_match"
	StatusPartial ResolveStatus = "partial"
	StatusError   ResolveStatus = "error"
)

// MatchResult is the resolver's output for one request.
type MatchResult struct {
	RequestID        string           `json:"request_id"`
	Status           ResolveStatus    `json:"status"`
	Matches          []MatchCandidate `json:"matches"`
	ProcessingTimeMS int64            `json:"processing_time_ms"`
	QualityScore     float64          `json:"quality_score"`
	QualityBucket    string           `json:"quality_bucket,omitempty"`
	EdgeFlags        []string         `json:"edge_flags,omitempty"`
	RiskFactors      []string         `json:"risk_factors,omitempty"`
	CacheHit         bool             `json:"cache_hit,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// Best returns the highest-confidence match, or nil when Matches is empty.
func (r MatchResult) Best() *MatchCandidate {
	if len(r.Matches) == 0 {
		return nil
	}
	return &r.Matches[0]
}

// NormalizeToken lowercases and trims a free-form token for comparison.
func NormalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
