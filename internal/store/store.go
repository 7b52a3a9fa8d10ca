// Package store provides access to the identity corpus. The resolver
// reads candidates through the CandidateStore port; writes happen via
// upstream ingest and are exposed here only for tooling and tests.
//
// Two implementations ship: Postgres (pgx, the production path) and
// an in-process Memory store used by unit tests and embedded callers.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
	"github.com/idxr-io/idxr/internal/similarity"
)

// CandidateStore is the read-only accessor over the identity corpus.
// FindCandidates performs a blocking lookup by coarse keys and returns
// a bounded candidate set.
type CandidateStore interface {
	FindCandidates(ctx context.Context, q model.Identity, limit int) ([]model.StoredIdentity, error)
	Get(ctx context.Context, identityKey string) (model.StoredIdentity, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// DefaultCandidateLimit bounds the candidate set when the caller does
// not say otherwise.
const (
	DefaultCandidateLimit = 100
	MaxCandidateLimit     = 500
)

// dobWindowYears is the pre-filter width: candidates whose date of
// birth lies more than this many years from the query's are excluded
// before any matcher runs.
const dobWindowYears = 2

// BlockingKeys are the coarse lookup keys derived from a normalized
// query. A key is empty when the source field is absent. Both store
// implementations derive them through this one function so that the
// candidate sets agree.
type BlockingKeys struct {
	SurnameSoundex string
	TaxIDLast4     string
	PhoneLast7     string
	Postal5        string
}

// Empty reports whether no blocking key could be derived, in which
// case the lookup returns nothing rather than scanning the corpus.
func (k BlockingKeys) Empty() bool {
	return k.SurnameSoundex == "" && k.TaxIDLast4 == "" && k.PhoneLast7 == "" && k.Postal5 == ""
}

// KeysFor derives the blocking keys for a normalized record.
func KeysFor(q model.Identity) BlockingKeys {
	var k BlockingKeys
	if q.Surname != "" {
		k.SurnameSoundex = similarity.Soundex(q.Surname)
	}
	switch {
	case len(q.TaxID) == 9:
		k.TaxIDLast4 = q.TaxID[5:]
	case q.TaxIDLast4 != "":
		k.TaxIDLast4 = q.TaxIDLast4
	}
	if d := normalize.PhoneDigits(q.Phone); len(d) >= 7 {
		k.PhoneLast7 = d[len(d)-7:]
	}
	if zip := q.Address.PostalCode; zip != "" {
		if i := strings.Index(zip, "-"); i > 0 {
			zip = zip[:i]
		}
		k.Postal5 = zip
	}
	return k
}

// DOBWindow returns the inclusive ISO date bounds of the candidate
// pre-filter around the query's date of birth. ok is false when the
// query has no usable date and no window applies.
func DOBWindow(q model.Identity) (lo, hi string, ok bool) {
	t, ok := q.DOBTime()
	if !ok {
		return "", "", false
	}
	return t.AddDate(-dobWindowYears, 0, 0).Format("2006-01-02"),
		t.AddDate(dobWindowYears, 0, 0).Format("2006-01-02"),
		true
}

// withinDOBWindow applies the pre-filter in Go for the memory store.
// Candidates without a date of birth pass: absence cannot exclude.
func withinDOBWindow(lo, hi, candidateDOB string) bool {
	if candidateDOB == "" {
		return true
	}
	if _, err := time.Parse("2006-01-02", candidateDOB); err != nil {
		return true
	}
	return candidateDOB >= lo && candidateDOB <= hi
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultCandidateLimit
	}
	if limit > MaxCandidateLimit {
		return MaxCandidateLimit
	}
	return limit
}
