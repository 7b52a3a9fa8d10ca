// Package household groups identity records that share a normalized
// address into household units, assigns a head of household, and
// infers member relationships from age deltas and surname similarity.
package household

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
	"github.com/idxr-io/idxr/internal/similarity"
)

// Age thresholds and relationship bounds.
const (
	adultAge   = 18
	elderlyAge = 65

	spouseMaxGap  = 15
	parentMinGap  = 15
	siblingMaxGap = 20
	grandMinGap   = 40

	surnameSimMin = 0.8
)

// Relationship confidences.
const (
	headAdultConf     = 0.9
	headFallbackConf  = 0.7
	spouseConf        = 0.85
	childConf         = 0.9
	parentConf        = 0.8
	siblingConf       = 0.75
	grandConf         = 0.7
	otherRelativeConf = 0.6
	unrelatedConf     = 0.5
)

// Analyzer detects households. Stateless apart from the clock, safe
// for concurrent use.
type Analyzer struct {
	logger *slog.Logger
	now    func() time.Time
}

// New creates an analyzer.
func New(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{logger: logger, now: time.Now}
}

type candidate struct {
	key    string
	norm   model.Identity
	age    int
	hasAge bool
}

// Detect groups records by normalized address key and builds one
// household per group. Records without a groupable address are
// skipped; the caller sees them reflected in the returned skip count.
func (a *Analyzer) Detect(records []model.Identity) ([]model.Household, int) {
	now := a.now()
	groups := make(map[string][]candidate)
	var keys []string
	skipped := 0

	for i, rec := range records {
		norm, _ := normalize.Record(rec)
		addrKey := normalize.Key(norm.Address)
		if addrKey == "" {
			skipped++
			continue
		}
		c := candidate{key: recordKey(i, rec), norm: norm}
		c.age, c.hasAge = norm.Age(now)
		if _, seen := groups[addrKey]; !seen {
			keys = append(keys, addrKey)
		}
		groups[addrKey] = append(groups[addrKey], c)
	}
	sort.Strings(keys)

	households := make([]model.Household, 0, len(keys))
	for _, k := range keys {
		households = append(households, a.build(groups[k], now))
	}
	if skipped > 0 {
		a.logger.Debug("household: records without groupable address", "skipped", skipped)
	}
	return households, skipped
}

func (a *Analyzer) build(members []candidate, now time.Time) model.Household {
	head := headOf(members)

	hh := model.Household{
		ID:             uuid.NewString(),
		PrimaryAddress: head.norm.Address,
		FormedAt:       now,
		UpdatedAt:      now,
		Size:           len(members),
	}

	for _, c := range members {
		m := model.HouseholdMember{
			IdentityKey: c.key,
			Record:      c.norm,
		}
		if c.key == head.key {
			m.Relationship = model.RelHead
			m.Confidence = headFallbackConf
			if c.hasAge && c.age >= adultAge {
				m.Confidence = headAdultConf
			}
			m.IsPrimaryContact = true
		} else {
			m.Relationship, m.Confidence = relate(head, c)
		}
		if c.hasAge {
			if c.age < adultAge {
				hh.HasChildren = true
				if c.key != head.key {
					m.GuardianKey = head.key
					m.DependencyStatus = "minor"
				}
			}
			if c.age >= elderlyAge {
				hh.HasElderly = true
			}
		}
		hh.Members = append(hh.Members, m)
	}

	hh.Type = classify(hh.Members)
	return hh
}

// headOf picks the oldest adult, falling back to the oldest member,
// then to the first record for groups with no usable ages.
func headOf(members []candidate) candidate {
	best := -1
	bestAge := -1
	for i, c := range members {
		if !c.hasAge || c.age < adultAge {
			continue
		}
		if c.age > bestAge {
			best, bestAge = i, c.age
		}
	}
	if best < 0 {
		for i, c := range members {
			if c.hasAge && c.age > bestAge {
				best, bestAge = i, c.age
			}
		}
	}
	if best < 0 {
		best = 0
	}
	return members[best]
}

// relate infers the member's relationship to the head. Age-based rules
// are checked widest gap first so a 45-year delta reads grandchild,
// not child.
func relate(head, m candidate) (model.Relationship, float64) {
	surnameSim := similarity.Ratio(
		model.NormalizeToken(head.norm.Surname), model.NormalizeToken(m.norm.Surname))

	if head.hasAge && m.hasAge {
		delta := head.age - m.age
		switch {
		case delta >= grandMinGap:
			return model.RelGrandchild, grandConf
		case -delta >= grandMinGap:
			return model.RelGrandparent, grandConf
		case delta >= parentMinGap:
			return model.RelChild, childConf
		case -delta >= parentMinGap:
			return model.RelParent, parentConf
		case abs(delta) <= spouseMaxGap && head.age >= adultAge && m.age >= adultAge:
			return model.RelSpouse, spouseConf
		case abs(delta) <= siblingMaxGap && surnameSim >= surnameSimMin:
			return model.RelSibling, siblingConf
		}
	}
	if surnameSim >= surnameSimMin {
		return model.RelOtherRelative, otherRelativeConf
	}
	return model.RelUnrelated, unrelatedConf
}

func classify(members []model.HouseholdMember) model.HouseholdType {
	if len(members) == 1 {
		return model.HouseholdSingle
	}
	related := false
	for _, m := range members {
		switch m.Relationship {
		case model.RelSpouse, model.RelChild, model.RelParent,
			model.RelGrandparent, model.RelGrandchild:
			return model.HouseholdFamily
		case model.RelSibling, model.RelOtherRelative:
			related = true
		}
	}
	if related {
		return model.HouseholdRelated
	}
	return model.HouseholdUnrelated
}

// Merge folds the smaller household into the larger one and rebuilds
// head and relationships over the union.
func (a *Analyzer) Merge(x, y model.Household) model.Household {
	keep, other := x, y
	if len(y.Members) > len(x.Members) {
		keep, other = y, x
	}
	now := a.now()

	var members []candidate
	for _, hh := range []model.Household{keep, other} {
		for _, m := range hh.Members {
			c := candidate{key: m.IdentityKey, norm: m.Record}
			c.age, c.hasAge = m.Record.Age(now)
			members = append(members, c)
		}
	}
	merged := a.build(members, now)
	merged.ID = keep.ID
	merged.PrimaryAddress = keep.PrimaryAddress
	merged.FormedAt = keep.FormedAt
	return merged
}

// Split detaches the given member keys into a new household whose head
// is the oldest adult of the detached set. Both halves are rebuilt.
func (a *Analyzer) Split(h model.Household, detach []string) (model.Household, model.Household) {
	out := make(map[string]struct{}, len(detach))
	for _, k := range detach {
		out[k] = struct{}{}
	}
	now := a.now()

	var stay, leave []candidate
	for _, m := range h.Members {
		c := candidate{key: m.IdentityKey, norm: m.Record}
		c.age, c.hasAge = m.Record.Age(now)
		if _, ok := out[m.IdentityKey]; ok {
			leave = append(leave, c)
		} else {
			stay = append(stay, c)
		}
	}
	if len(leave) == 0 || len(stay) == 0 {
		return h, model.Household{}
	}

	remaining := a.build(stay, now)
	remaining.ID = h.ID
	remaining.FormedAt = h.FormedAt
	detached := a.build(leave, now)
	return remaining, detached
}

// Stats aggregates household counts for reporting.
func Stats(households []model.Household) model.HouseholdStats {
	stats := model.HouseholdStats{
		TotalHouseholds: len(households),
		Types:           make(map[model.HouseholdType]int),
	}
	for _, h := range households {
		stats.TotalIndividuals += h.Size
		stats.Types[h.Type]++
		if h.HasChildren {
			stats.WithChildren++
		}
		if h.HasElderly {
			stats.WithElderly++
		}
		if h.Type == model.HouseholdSingle {
			stats.SinglePerson++
		}
	}
	if len(households) > 0 {
		stats.AverageSize = float64(stats.TotalIndividuals) / float64(len(households))
	}
	return stats
}

func recordKey(i int, rec model.Identity) string {
	if v, ok := rec.Metadata["record_id"].(string); ok && v != "" {
		return v
	}
	return fmt.Sprintf("record_%04d", i+1)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
