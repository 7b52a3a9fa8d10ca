package edgecase_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/idxr-io/idxr/internal/edgecase"
	"github.com/idxr-io/idxr/internal/model"
)

func stored(id model.Identity) model.StoredIdentity {
	return model.StoredIdentity{Normalized: id}
}

func TestTwinsSuffixTokens(t *testing.T) {
	cases := []struct {
		name string
		want []string
	}{
		{"John Smith Jr", []string{"twin_indicator_jr"}},
		{"Robert Smith III", []string{"twin_indicator_iii"}},
		{"Henry Smith Sr.", []string{"twin_indicator_sr"}},
		{"Mary Wiig", nil}, // "ii" inside a word is not a token
		{"John Smith", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := model.Identity{GivenName: tc.name}
			assert.Equal(t, tc.want, edgecase.Twins(rec, nil))
		})
	}
}

func TestTwinsCandidateSignature(t *testing.T) {
	addr := model.Address{Street: "12 Oak St", City: "Dayton", State: "OH", PostalCode: "45402"}
	rec := model.Identity{GivenName: "James", Surname: "Miller", DOB: "2010-04-01", Address: addr}

	twin := stored(model.Identity{GivenName: "Jason", Surname: "Miller", DOB: "2010-04-01", Address: addr})
	assert.Contains(t, edgecase.Twins(rec, []model.StoredIdentity{twin}), edgecase.FlagPotentialTwin)

	// Different DOB breaks the signature.
	older := twin
	older.Normalized.DOB = "2008-04-01"
	assert.NotContains(t, edgecase.Twins(rec, []model.StoredIdentity{older}), edgecase.FlagPotentialTwin)

	// Different postal code breaks the signature.
	moved := stored(model.Identity{GivenName: "Jason", Surname: "Miller", DOB: "2010-04-01",
		Address: model.Address{Street: "12 Oak St", City: "Dayton", State: "OH", PostalCode: "45403"}})
	assert.NotContains(t, edgecase.Twins(rec, []model.StoredIdentity{moved}), edgecase.FlagPotentialTwin)

	// Dissimilar name breaks the signature.
	other := stored(model.Identity{GivenName: "Xavier", Surname: "Quintero", DOB: "2010-04-01", Address: addr})
	assert.NotContains(t, edgecase.Twins(rec, []model.StoredIdentity{other}), edgecase.FlagPotentialTwin)
}

func TestMobilityMarkers(t *testing.T) {
	rec := model.Identity{Address: model.Address{Street: "General Delivery", City: "Denver"}}
	assert.Contains(t, edgecase.Mobility(rec), "homeless_indicator_general_delivery")

	rec = model.Identity{Address: model.Address{Street: "no fixed address"}}
	assert.Contains(t, edgecase.Mobility(rec), "homeless_indicator_no_fixed_address")

	rec = model.Identity{Address: model.Address{Street: "12 Oak St", City: "Dayton"}}
	assert.Empty(t, edgecase.Mobility(rec))
}

func TestMobilityAddressChurn(t *testing.T) {
	var hist []model.Address
	for i := 0; i < 4; i++ {
		hist = append(hist, model.Address{Street: fmt.Sprintf("%d Elm St", i), City: "Dayton", PostalCode: "45402"})
	}
	rec := model.Identity{AddressHistory: hist}
	assert.Contains(t, edgecase.Mobility(rec), edgecase.FlagHighMobility)

	// Repeats of the same address do not count as churn.
	rec.AddressHistory = []model.Address{hist[0], hist[0], hist[0], hist[0]}
	assert.NotContains(t, edgecase.Mobility(rec), edgecase.FlagHighMobility)
}

func TestDetectAgeFlags(t *testing.T) {
	now := time.Now().UTC()
	dobAtAge := func(years int) string {
		return now.AddDate(-years, 0, -30).Format("2006-01-02")
	}

	cases := []struct {
		age  int
		want string
	}{
		{1, edgecase.FlagInfant},
		{9, edgecase.FlagChild},
		{16, edgecase.FlagTeenager},
	}
	for _, tc := range cases {
		flags := edgecase.Detect(model.Identity{DOB: dobAtAge(tc.age)}, nil)
		assert.Contains(t, flags, tc.want, "age %d", tc.age)
	}

	assert.Empty(t, edgecase.Detect(model.Identity{DOB: dobAtAge(30)}, nil))
	assert.Empty(t, edgecase.Detect(model.Identity{}, nil))
}

func TestDetectDeduplicatesAndSorts(t *testing.T) {
	addr := model.Address{Street: "12 Oak St", City: "Dayton", State: "OH", PostalCode: "45402"}
	rec := model.Identity{GivenName: "James Jr", Surname: "Miller", DOB: "2010-04-01", Address: addr}
	cands := []model.StoredIdentity{
		stored(model.Identity{GivenName: "Jason", Surname: "Miller", DOB: "2010-04-01", Address: addr}),
		stored(model.Identity{GivenName: "Jamie", Surname: "Miller", DOB: "2010-04-01", Address: addr}),
	}

	flags := edgecase.Detect(rec, cands)
	seen := map[string]int{}
	for _, f := range flags {
		seen[f]++
	}
	assert.Equal(t, 1, seen[edgecase.FlagPotentialTwin], "flag must not repeat per candidate")
	assert.Contains(t, flags, "twin_indicator_jr")
	assert.IsType(t, []string{}, flags)
}
