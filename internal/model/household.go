package model

import "time"

// Relationship tags a household member's relation to the head.
type Relationship string

const (
	RelHead          Relationship = "head_of_household"
	RelSpouse        Relationship = "spouse"
	RelChild         Relationship = "child"
	RelParent        Relationship = "parent"
	RelSibling       Relationship = "sibling"
	RelGrandparent   Relationship = "grandparent"
	RelGrandchild    Relationship = "grandchild"
	RelOtherRelative Relationship = "other_relative"
	RelUnrelated     Relationship = "unrelated"
)

// HouseholdType classifies a household by its relationship mix.
type HouseholdType string

const (
	HouseholdSingle    HouseholdType = "single"
	HouseholdFamily    HouseholdType = "family"
	HouseholdRelated   HouseholdType = "related"
	HouseholdUnrelated HouseholdType = "unrelated"
)

// HouseholdMember is one identity inside a household group.
type HouseholdMember struct {
	IdentityKey      string       `json:"identity_id"`
	Relationship     Relationship `json:"relationship"`
	Confidence       float64      `json:"confidence_score"`
	Record           Identity     `json:"record"`
	IsPrimaryContact bool         `json:"is_primary_contact,omitempty"`
	DependencyStatus string       `json:"dependency_status,omitempty"`
	GuardianKey      string       `json:"guardian_id,omitempty"`
}

// Household groups identities sharing a normalized address. Exactly one
// member carries the head relationship; Size equals len(Members).
type Household struct {
	ID             string            `json:"household_id"`
	Members        []HouseholdMember `json:"members"`
	PrimaryAddress Address           `json:"primary_address"`
	FormedAt       time.Time         `json:"formation_date"`
	UpdatedAt      time.Time         `json:"last_updated"`
	Size           int               `json:"household_size"`
	HasChildren    bool              `json:"has_children"`
	HasElderly     bool              `json:"has_elderly"`
	Type           HouseholdType     `json:"household_type"`
}

// Head returns the head-of-household member, or nil if the group is
// malformed.
func (h Household) Head() *HouseholdMember {
	for i := range h.Members {
		if h.Members[i].Relationship == RelHead {
			return &h.Members[i]
		}
	}
	return nil
}

// HouseholdStats aggregates across-household counts for reporting.
type HouseholdStats struct {
	TotalHouseholds   int                   `json:"total_households"`
	TotalIndividuals  int                   `json:"total_individuals"`
	Types             map[HouseholdType]int `json:"household_types"`
	AverageSize       float64               `json:"average_household_size"`
	WithChildren      int                   `json:"households_with_children"`
	WithElderly       int                   `json:"households_with_elderly"`
	SinglePerson      int                   `json:"single_person_households"`
}
