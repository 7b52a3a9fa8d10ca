package similarity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/similarity"
)

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, similarity.Levenshtein("smith", "smith"))
	assert.Equal(t, 1, similarity.Levenshtein("smith", "smyth"))
	assert.Equal(t, 3, similarity.Levenshtein("kitten", "sitting"))
	assert.Equal(t, 5, similarity.Levenshtein("", "hello"))
}

func TestRatio(t *testing.T) {
	assert.InDelta(t, 1.0, similarity.Ratio("smith", "smith"), 1e-9)
	assert.InDelta(t, 0.8, similarity.Ratio("smith", "smyth"), 1e-9)
	assert.InDelta(t, 0.0, similarity.Ratio("abc", "xyz"), 1e-9)
}

func TestSoundex(t *testing.T) {
	cases := map[string]string{
		"Robert":     "R163",
		"Rupert":     "R163",
		"Ashcraft":   "A261",
		"Tymczak":    "T522",
		"Pfister":    "P236",
		"Jackson":    "J250",
		"Washington": "W252",
		"Lee":        "L000",
		"":           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, similarity.Soundex(in), "Soundex(%q)", in)
	}
}

func TestName(t *testing.T) {
	q := model.Identity{GivenName: "John", Surname: "Smith"}

	assert.InDelta(t, 1.0, similarity.Name(q, model.Identity{GivenName: "john", Surname: "SMITH"}), 1e-9)
	assert.InDelta(t, 0.875, similarity.Name(q, model.Identity{GivenName: "Jon", Surname: "Smith"}), 1e-9)
	assert.InDelta(t, 0, similarity.Name(q, model.Identity{}), 1e-9)
	assert.InDelta(t, 0, similarity.Name(model.Identity{}, model.Identity{}), 1e-9)
}

func TestNamePhonetic(t *testing.T) {
	q := model.Identity{GivenName: "Robert", Surname: "Smith"}

	assert.InDelta(t, 1.0, similarity.NamePhonetic(q, model.Identity{GivenName: "Rupert", Surname: "Smyth"}), 1e-9)
	assert.InDelta(t, 0.5, similarity.NamePhonetic(q, model.Identity{GivenName: "Rupert", Surname: "Jones"}), 1e-9)
	assert.InDelta(t, 0, similarity.NamePhonetic(model.Identity{}, model.Identity{}), 1e-9)
}

func TestDOB(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"1990-01-01", "1990-01-01", 1.0},
		{"1990-01-01", "1990-01-05", 0.9},
		{"1990-01-01", "1990-01-25", 0.7},
		{"1990-01-01", "1990-06-01", 0.3},
		{"1990-01-01", "1985-01-01", 0.0},
		{"", "", 0.0},
		{"1990-01-01", "garbled", 0.0},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, similarity.DOB(tc.a, tc.b), 1e-9, "DOB(%q, %q)", tc.a, tc.b)
	}
}

func TestAddress(t *testing.T) {
	a := model.Address{Street: "123 main St", City: "Springfield", State: "IL", PostalCode: "62704"}

	assert.InDelta(t, 1.0, similarity.Address(a, a), 1e-9)

	// Same zip, slightly different street spelling, same city.
	b := model.Address{Street: "123 mair St", City: "Springfield", State: "IL", PostalCode: "62704"}
	got := similarity.Address(a, b)
	assert.Greater(t, got, 0.9)
	assert.Less(t, got, 1.0)

	// Zip mismatch is terminal regardless of everything else.
	c := a
	c.PostalCode = "62705"
	assert.InDelta(t, 0, similarity.Address(a, c), 1e-9)

	// Zip+4 must not break the match.
	d := a
	d.PostalCode = "62704-1234"
	assert.InDelta(t, 1.0, similarity.Address(a, d), 1e-9)

	assert.InDelta(t, 0, similarity.Address(model.Address{}, model.Address{}), 1e-9)
}

func TestPhone(t *testing.T) {
	assert.InDelta(t, 1.0, similarity.Phone("(555) 123-4567", "1-555-123-4567"), 1e-9)
	assert.InDelta(t, 0.8, similarity.Phone("(212) 123-4567", "(555) 123-4567"), 1e-9)
	assert.InDelta(t, 0, similarity.Phone("(212) 999-0000", "(555) 123-4567"), 1e-9)
	assert.InDelta(t, 0, similarity.Phone("", ""), 1e-9)
}

func TestEmail(t *testing.T) {
	assert.InDelta(t, 1.0, similarity.Email("John.Smith@Example.com", "john.smith@example.com"), 1e-9)
	assert.InDelta(t, 0.9, similarity.Email("john.smith@x.com", "jon.smith@y.org"), 1e-9)
	assert.InDelta(t, 0, similarity.Email("", "a@b.com"), 1e-9)
}

func TestTaxIDSuffix(t *testing.T) {
	assert.InDelta(t, 1.0, similarity.TaxIDSuffix("123456789", "6789"), 1e-9)
	assert.InDelta(t, 0, similarity.TaxIDSuffix("123456789", "1111"), 1e-9)
	assert.InDelta(t, 0, similarity.TaxIDSuffix("", "6789"), 1e-9)
	assert.InDelta(t, 0, similarity.TaxIDSuffix("789", "789"), 1e-9)
}
