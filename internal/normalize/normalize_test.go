package normalize_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
)

func TestName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  john   smith ", "John Smith"},
		{"MCDONALD", "McDonald"},
		{"o'brien", "O'Brien"},
		{"mary-jane watson", "Mary-Jane Watson"},
		{"DE LA CRUZ", "De La Cruz"},
		{"smith-o'neal", "Smith-O'Neal"},
		{"", ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, issues := normalize.Name(tc.in)
			assert.Equal(t, tc.want, got)
			assert.Empty(t, issues)
		})
	}
}

func TestNameInvalidChars(t *testing.T) {
	got, issues := normalize.Name("j0hn sm1th!")
	assert.Equal(t, "Jhn Smth", got)
	require.Len(t, issues, 1)
	assert.Equal(t, normalize.CodeInvalidChars, issues[0].Code)
}

func TestDOB(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1985-03-15", "1985-03-15"},
		{"03/15/1985", "1985-03-15"},
		{"3/5/1985", "1985-03-05"},
		{"03-15-1985", "1985-03-15"},
		{"1985/03/15", "1985-03-15"},
		{"Mar 15, 1985", "1985-03-15"},
		{"March 15, 1985", "1985-03-15"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, issues := normalize.DOB(tc.in)
			assert.Equal(t, tc.want, got)
			assert.Empty(t, issues)
		})
	}
}

func TestDOBRejections(t *testing.T) {
	_, issues := normalize.DOB("not a date")
	require.Len(t, issues, 1)
	assert.Equal(t, normalize.CodeUnparseable, issues[0].Code)

	_, issues = normalize.DOB("2099-01-01")
	require.Len(t, issues, 1)
	assert.Equal(t, normalize.CodeFutureDate, issues[0].Code)

	_, issues = normalize.DOB("1880-01-01")
	require.Len(t, issues, 1)
	assert.Equal(t, normalize.CodeAgeOverLimit, issues[0].Code)
}

func TestTaxID(t *testing.T) {
	got, issues := normalize.TaxID("123-45-6789")
	assert.Equal(t, "123456789", got)
	assert.Empty(t, issues)

	got, issues = normalize.TaxID("6789")
	assert.Equal(t, "6789", got)
	assert.Empty(t, issues)

	_, issues = normalize.TaxID("12345")
	require.Len(t, issues, 1)
	assert.Equal(t, normalize.CodeInvalidLength, issues[0].Code)

	for _, bad := range []string{"000-45-6789", "666-45-6789", "912-45-6789", "123-00-6789", "123-45-0000"} {
		t.Run(bad, func(t *testing.T) {
			_, issues := normalize.TaxID(bad)
			require.Len(t, issues, 1)
			assert.Equal(t, normalize.CodeInvalidStructure, issues[0].Code)
		})
	}
}

func TestPhone(t *testing.T) {
	for _, in := range []string{"555-123-4567", "(555) 123-4567", "5551234567", "1-555-123-4567", "+1 555 123 4567"} {
		t.Run(in, func(t *testing.T) {
			got, issues := normalize.Phone(in)
			assert.Equal(t, "(555) 123-4567", got)
			assert.Empty(t, issues)
		})
	}

	_, issues := normalize.Phone("123456")
	require.Len(t, issues, 1)
	assert.Equal(t, normalize.CodeInvalidLength, issues[0].Code)
}

func TestPhoneDigits(t *testing.T) {
	assert.Equal(t, "5551234567", normalize.PhoneDigits("(555) 123-4567"))
	assert.Equal(t, "5551234567", normalize.PhoneDigits("1-555-123-4567"))
}

func TestEmail(t *testing.T) {
	got, issues := normalize.Email("  John.Smith@Example.COM ")
	assert.Equal(t, "john.smith@example.com", got)
	assert.Empty(t, issues)

	_, issues = normalize.Email("not-an-email")
	require.Len(t, issues, 1)
	assert.Equal(t, normalize.CodeInvalidFormat, issues[0].Code)

	got, issues = normalize.Email("burner@mailinator.com")
	assert.Equal(t, "burner@mailinator.com", got)
	require.Len(t, issues, 1)
	assert.Equal(t, normalize.CodeDisposableDomain, issues[0].Code)
}

func TestAddr(t *testing.T) {
	got, issues := normalize.Addr(model.Address{
		Street:     "123  main   street",
		City:       "springfield",
		State:      "illinois",
		PostalCode: "62704",
	})
	require.Empty(t, issues)
	assert.Equal(t, "123 main St", got.Street)
	assert.Equal(t, "Springfield", got.City)
	assert.Equal(t, "IL", got.State)
	assert.Equal(t, "62704", got.PostalCode)

	got, _ = normalize.Addr(model.Address{Street: "9 Oak Avenue", State: "ny"})
	assert.Equal(t, "9 Oak Ave", got.Street)
	assert.Equal(t, "NY", got.State)

	_, issues = normalize.Addr(model.Address{Street: "1 Elm Rd", State: "Narnia"})
	require.Len(t, issues, 1)
	assert.Equal(t, normalize.CodeUnknownState, issues[0].Code)

	_, issues = normalize.Addr(model.Address{Street: "1 Elm Rd", PostalCode: "ABCDE"})
	require.Len(t, issues, 1)
	assert.Equal(t, normalize.CodeInvalidPostalCode, issues[0].Code)
}

func TestKey(t *testing.T) {
	base := model.Address{Street: "742 Evergreen Terrace", City: "Springfield", State: "IL", PostalCode: "62704"}
	withUnit := model.Address{Street: "742 Evergreen Ter Apt 4B", City: "springfield", State: "Illinois", PostalCode: "62704-1234"}

	k1 := normalize.Key(base)
	k2 := normalize.Key(withUnit)
	assert.Equal(t, k1, k2, "unit designator and zip+4 must not split households")
	assert.Equal(t, "742 evergreen ter|springfield|il|62704", k1)

	assert.Empty(t, normalize.Key(model.Address{Street: "742 Evergreen Ter"}))
}

func TestRecord(t *testing.T) {
	in := model.Identity{
		GivenName: " JOHN ",
		Surname:   "mcdonald",
		DOB:       "03/15/1985",
		TaxID:     "123-45-6789",
		Phone:     "1 (555) 123-4567",
		Email:     "J.McDonald@Example.com",
		Address: model.Address{
			Street:     "100 elm street",
			City:       "dayton",
			State:      "ohio",
			PostalCode: "45402",
		},
		Gender:       " Male ",
		SourceSystem: "crm",
	}

	out, issues := normalize.Record(in)
	assert.Empty(t, issues)
	assert.Equal(t, "John", out.GivenName)
	assert.Equal(t, "McDonald", out.Surname)
	assert.Equal(t, "1985-03-15", out.DOB)
	assert.Equal(t, "123456789", out.TaxID)
	assert.Equal(t, "6789", out.TaxIDLast4, "suffix derived from full taxpayer id")
	assert.Equal(t, "(555) 123-4567", out.Phone)
	assert.Equal(t, "j.mcdonald@example.com", out.Email)
	assert.Equal(t, "100 elm St", out.Address.Street)
	assert.Equal(t, "OH", out.Address.State)
	assert.Equal(t, "male", out.Gender)

	// Input must not be mutated.
	assert.Equal(t, " JOHN ", in.GivenName)
}

func TestRecordIdempotent(t *testing.T) {
	in := model.Identity{
		GivenName: "mary-jane",
		Surname:   "o'brien",
		DOB:       "12/01/1990",
		TaxID:     "545-12-3456",
		Phone:     "555.987.6543",
		Email:     "MJ@Example.org",
		Address:   model.Address{Street: "55 North Parkway", City: "AUSTIN", State: "texas", PostalCode: "78701"},
	}

	once, issues1 := normalize.Record(in)
	twice, issues2 := normalize.Record(once)
	assert.Equal(t, once, twice)
	assert.Empty(t, issues1)
	assert.Empty(t, issues2)
}

func TestRecordCollectsFieldIssues(t *testing.T) {
	_, issues := normalize.Record(model.Identity{
		GivenName: "j0hn",
		DOB:       "13/45/9999",
		TaxID:     "000-12-3456",
		Phone:     "12",
		Email:     "nope",
	})

	fields := make(map[string]string, len(issues))
	for _, is := range issues {
		fields[is.Field] = is.Code
	}
	assert.Equal(t, normalize.CodeInvalidChars, fields["first_name"])
	assert.Equal(t, normalize.CodeUnparseable, fields["dob"])
	assert.Equal(t, normalize.CodeInvalidStructure, fields["ssn"])
	assert.Equal(t, normalize.CodeInvalidLength, fields["phone"])
	assert.Equal(t, normalize.CodeInvalidFormat, fields["email"])
}

func TestStreetAbbreviationTable(t *testing.T) {
	cases := map[string]string{
		"10 Main Street":    "10 Main St",
		"10 Main Boulevard": "10 Main Blvd",
		"10 Main drive":     "10 Main Dr",
		"10 Main LANE":      "10 Main Ln",
		"10 Main st.":       "10 Main St",
	}
	for in, want := range cases {
		t.Run(fmt.Sprintf("%s->%s", in, want), func(t *testing.T) {
			assert.Equal(t, want, normalize.Street(in))
		})
	}
}
