// Package edgecase flags populations that need special handling
// during matching: twins, unhoused or high-mobility individuals, and
// minors. Flags are advisory and never alter the match set; the
// ensemble applies a confidence damper when any are present.
package edgecase

import (
	"sort"
	"strings"
	"time"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/similarity"
)

// Well-known flags.
const (
	FlagPotentialTwin = "potential_twin_match"
	FlagHighMobility  = "high_address_mobility"
	FlagInfant        = "infant"
	FlagChild         = "child"
	FlagTeenager      = "teenager"
)

// twinIndicators are name tokens that mark generational suffixes or
// explicit twin annotations.
var twinIndicators = []string{"twin", "jr", "sr", "ii", "iii", "iv"}

// unhousedIndicators are textual markers scanned for in the address.
var unhousedIndicators = []string{"homeless", "transient", "no fixed address", "general delivery"}

const maxStableAddresses = 3

// Detect runs all detectors against the normalized record and the
// candidate set and returns the deduplicated, sorted flag list.
func Detect(rec model.Identity, candidates []model.StoredIdentity) []string {
	return detectAt(rec, candidates, time.Now().UTC())
}

func detectAt(rec model.Identity, candidates []model.StoredIdentity, now time.Time) []string {
	seen := map[string]bool{}
	var flags []string
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			flags = append(flags, f)
		}
	}

	for _, f := range Twins(rec, candidates) {
		add(f)
	}
	for _, f := range Mobility(rec) {
		add(f)
	}
	if f := ageFlag(rec, now); f != "" {
		add(f)
	}

	sort.Strings(flags)
	return flags
}

// Twins flags generational suffix tokens in the query name and, per
// candidate, the twin signature: identical date of birth, a similar
// address, and name similarity above 0.7.
func Twins(rec model.Identity, candidates []model.StoredIdentity) []string {
	var flags []string

	tokens := strings.Fields(strings.ToLower(rec.FullName()))
	for _, ind := range twinIndicators {
		for _, tok := range tokens {
			if strings.Trim(tok, ".") == ind {
				flags = append(flags, "twin_indicator_"+ind)
				break
			}
		}
	}

	for _, c := range candidates {
		cand := c.Normalized
		if rec.DOB == "" || rec.DOB != cand.DOB {
			continue
		}
		if !addressesSimilar(rec.Address, cand.Address) {
			continue
		}
		if similarity.Name(rec, cand) > 0.7 {
			flags = append(flags, FlagPotentialTwin)
			break
		}
	}
	return flags
}

// addressesSimilar is the loose form used for twin detection: same
// postal code and street edit ratio above 0.8.
func addressesSimilar(a, b model.Address) bool {
	if a.Empty() || b.Empty() {
		return false
	}
	if a.PostalCode == "" || a.PostalCode != b.PostalCode {
		return false
	}
	return similarity.Ratio(strings.ToLower(a.Street), strings.ToLower(b.Street)) > 0.8
}

// Mobility flags unhoused-population markers in the address text and
// high address churn in the record's history.
func Mobility(rec model.Identity) []string {
	var flags []string

	text := strings.ToLower(rec.Address.Street + " " + rec.Address.City)
	for _, ind := range unhousedIndicators {
		if strings.Contains(text, ind) {
			flags = append(flags, "homeless_indicator_"+strings.ReplaceAll(ind, " ", "_"))
		}
	}

	if countDistinctAddresses(rec.AddressHistory) > maxStableAddresses {
		flags = append(flags, FlagHighMobility)
	}
	return flags
}

func countDistinctAddresses(hist []model.Address) int {
	seen := map[string]bool{}
	for _, a := range hist {
		if a.Empty() {
			continue
		}
		key := strings.ToLower(a.Street + "|" + a.City + "|" + a.PostalCode)
		seen[key] = true
	}
	return len(seen)
}

// ageFlag classifies minors by age at the reference time.
func ageFlag(rec model.Identity, now time.Time) string {
	age, ok := rec.Age(now)
	if !ok {
		return ""
	}
	switch {
	case age < 2:
		return FlagInfant
	case age < 13:
		return FlagChild
	case age < 18:
		return FlagTeenager
	default:
		return ""
	}
}
