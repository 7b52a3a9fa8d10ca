// Package normalize produces the canonical form of identity records.
// It is the single source of canonical field shapes: every component
// that compares, hashes, or groups identity data does so over this
// package's output.
//
// Normalization is pure. Each function returns the standardized value
// together with an issue list; fields are cleaned but never dropped,
// and normalizing an already-normalized record is a no-op.
package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/idxr-io/idxr/internal/model"
)

// Issue flags a field that failed validation or needed attention
// during normalization. Issues are advisory: the cleaned value is
// still emitted.
type Issue struct {
	Field  string `json:"field"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Issue codes.
const (
	CodeInvalidChars      = "invalid_characters"
	CodeUnparseable       = "unparseable"
	CodeFutureDate        = "future_date"
	CodeAgeOverLimit      = "age_over_limit"
	CodeInvalidLength     = "invalid_length"
	CodeInvalidStructure  = "invalid_structure"
	CodeInvalidFormat     = "invalid_format"
	CodeDisposableDomain  = "disposable_domain"
	CodeUnknownState      = "unknown_state"
	CodeInvalidPostalCode = "invalid_postal_code"
)

var (
	multiSpace   = regexp.MustCompile(`\s+`)
	nameInvalid  = regexp.MustCompile(`[^a-zA-Z\s\-'.]`)
	nonDigits    = regexp.MustCompile(`\D`)
	emailPattern = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	zipPattern   = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	unitPattern  = regexp.MustCompile(`(?i)(?:\b(?:apt|apartment|unit|suite|ste|lot|trlr)\.?|#)\s*[\w-]+\b`)
)

// dobLayouts is the bounded list of accepted date-of-birth input shapes.
var dobLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"2006/01/02",
	"Jan 2, 2006",
	"January 2, 2006",
}

const maxAgeYears = 120

// disposableDomains are flagged (not rejected) on email normalization.
var disposableDomains = map[string]bool{
	"mailinator.com":    true,
	"guerrillamail.com": true,
	"10minutemail.com":  true,
	"tempmail.com":      true,
	"throwaway.email":   true,
	"yopmail.com":       true,
}

// streetAbbrev standardizes street-type suffixes on normalization.
var streetAbbrev = map[string]string{
	"street":    "St",
	"avenue":    "Ave",
	"boulevard": "Blvd",
	"drive":     "Dr",
	"lane":      "Ln",
	"road":      "Rd",
	"circle":    "Cir",
	"court":     "Ct",
	"place":     "Pl",
	"terrace":   "Ter",
	"parkway":   "Pkwy",
	"highway":   "Hwy",
	"trail":     "Trl",
	"way":       "Way",
}

// stateAbbrev maps full state names to USPS codes. Two-letter inputs
// pass through uppercased.
var stateAbbrev = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR",
	"california": "CA", "colorado": "CO", "connecticut": "CT", "delaware": "DE",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID",
	"illinois": "IL", "indiana": "IN", "iowa": "IA", "kansas": "KS",
	"kentucky": "KY", "louisiana": "LA", "maine": "ME", "maryland": "MD",
	"massachusetts": "MA", "michigan": "MI", "minnesota": "MN", "mississippi": "MS",
	"missouri": "MO", "montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM", "new york": "NY",
	"north carolina": "NC", "north dakota": "ND", "ohio": "OH", "oklahoma": "OK",
	"oregon": "OR", "pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC",
	"south dakota": "SD", "tennessee": "TN", "texas": "TX", "utah": "UT",
	"vermont": "VT", "virginia": "VA", "washington": "WA", "west virginia": "WV",
	"wisconsin": "WI", "wyoming": "WY", "district of columbia": "DC",
}

// Record normalizes every field of an identity record. The returned
// record carries the canonical form; issues describe fields that are
// malformed or suspicious. Input is never mutated.
func Record(id model.Identity) (model.Identity, []Issue) {
	var issues []Issue
	collect := func(field string, vi []Issue) {
		for i := range vi {
			vi[i].Field = field
		}
		issues = append(issues, vi...)
	}

	out := id
	var vi []Issue

	out.GivenName, vi = Name(id.GivenName)
	collect("first_name", vi)
	out.Surname, vi = Name(id.Surname)
	collect("last_name", vi)
	out.MiddleName, vi = Name(id.MiddleName)
	collect("middle_name", vi)
	out.DOB, vi = DOB(id.DOB)
	collect("dob", vi)
	out.TaxID, vi = TaxID(id.TaxID)
	collect("ssn", vi)
	out.TaxIDLast4, vi = TaxIDLast4(id.TaxIDLast4)
	collect("ssn_last4", vi)
	out.DriverID = strings.ToUpper(strings.TrimSpace(id.DriverID))
	out.Phone, vi = Phone(id.Phone)
	collect("phone", vi)
	out.Email, vi = Email(id.Email)
	collect("email", vi)
	out.Address, vi = Addr(id.Address)
	issues = append(issues, vi...)

	if len(id.AddressHistory) > 0 {
		out.AddressHistory = make([]model.Address, len(id.AddressHistory))
		for i, a := range id.AddressHistory {
			na, _ := Addr(a)
			out.AddressHistory[i] = na
		}
	}

	out.Gender = model.NormalizeToken(id.Gender)
	out.SourceSystem = strings.TrimSpace(id.SourceSystem)

	// Derive the suffix from a full taxpayer ID when only one is given.
	if out.TaxIDLast4 == "" && len(out.TaxID) == 9 {
		out.TaxIDLast4 = out.TaxID[5:]
	}

	return out, issues
}

// Name cleans a personal name: trims, collapses whitespace, and
// title-cases with Mc*/O'*/hyphen handling. Characters outside
// letters, spaces, hyphens, apostrophes, and periods are flagged but
// the cleaned string is still emitted.
func Name(s string) (string, []Issue) {
	if s == "" {
		return "", nil
	}

	var issues []Issue
	cleaned := multiSpace.ReplaceAllString(strings.TrimSpace(s), " ")
	if nameInvalid.MatchString(cleaned) {
		issues = append(issues, Issue{Code: CodeInvalidChars, Detail: "name contains characters outside letters, space, hyphen, apostrophe, period"})
		cleaned = nameInvalid.ReplaceAllString(cleaned, "")
		cleaned = multiSpace.ReplaceAllString(strings.TrimSpace(cleaned), " ")
	}

	words := strings.Split(cleaned, " ")
	for i, w := range words {
		words[i] = titleWord(w)
	}
	return strings.Join(words, " "), issues
}

// titleWord capitalizes one name token, recursing into hyphenated
// compounds and applying the Mc / O' special cases.
func titleWord(w string) string {
	if w == "" {
		return w
	}
	if strings.Contains(w, "-") {
		parts := strings.Split(w, "-")
		for i, p := range parts {
			parts[i] = titleWord(p)
		}
		return strings.Join(parts, "-")
	}

	lower := strings.ToLower(w)
	switch {
	case strings.HasPrefix(lower, "mc") && len(lower) > 2:
		return "Mc" + upperFirst(lower[2:])
	case strings.HasPrefix(lower, "o'") && len(lower) > 2:
		return "O'" + upperFirst(lower[2:])
	default:
		return upperFirst(lower)
	}
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// DOB parses a date of birth from the accepted input shapes and emits
// ISO YYYY-MM-DD. Future dates and ages over 120 years are flagged;
// the parsed value is still emitted so callers can inspect it.
func DOB(s string) (string, []Issue) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}

	var parsed time.Time
	var ok bool
	for _, layout := range dobLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			parsed, ok = t, true
			break
		}
	}
	if !ok {
		return s, []Issue{{Code: CodeUnparseable, Detail: fmt.Sprintf("unrecognized date shape %q", s)}}
	}

	iso := parsed.Format("2006-01-02")
	now := time.Now().UTC()
	if parsed.After(now) {
		return iso, []Issue{{Code: CodeFutureDate}}
	}
	if now.Year()-parsed.Year() > maxAgeYears {
		return iso, []Issue{{Code: CodeAgeOverLimit, Detail: fmt.Sprintf("age exceeds %d years", maxAgeYears)}}
	}
	return iso, nil
}

// TaxID strips a full taxpayer number to digits and validates its
// structure. Valid lengths are 9; 9-digit values with an invalid area
// (000, 666, 900-999), group (00), or serial (0000) are flagged.
func TaxID(s string) (string, []Issue) {
	if s == "" {
		return "", nil
	}
	digits := nonDigits.ReplaceAllString(s, "")
	if digits == "" {
		return "", []Issue{{Code: CodeUnparseable}}
	}
	if len(digits) == 4 {
		// Callers sometimes put a suffix in the full-ID slot.
		return digits, nil
	}
	if len(digits) != 9 {
		return digits, []Issue{{Code: CodeInvalidLength, Detail: fmt.Sprintf("%d digits (want 9)", len(digits))}}
	}

	area, group, serial := digits[:3], digits[3:5], digits[5:]
	if area == "000" || area == "666" || area[0] == '9' || group == "00" || serial == "0000" {
		return digits, []Issue{{Code: CodeInvalidStructure, Detail: "taxpayer id sub-range is not issuable"}}
	}
	return digits, nil
}

// TaxIDLast4 strips a taxpayer-ID suffix to digits; only length 4 is valid.
func TaxIDLast4(s string) (string, []Issue) {
	if s == "" {
		return "", nil
	}
	digits := nonDigits.ReplaceAllString(s, "")
	if len(digits) != 4 {
		return digits, []Issue{{Code: CodeInvalidLength, Detail: fmt.Sprintf("%d digits (want 4)", len(digits))}}
	}
	return digits, nil
}

// Phone strips to digits, accepts 10 digits or 11 with a leading
// country code 1, and emits (NNN) NNN-NNNN.
func Phone(s string) (string, []Issue) {
	if s == "" {
		return "", nil
	}
	digits := nonDigits.ReplaceAllString(s, "")
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return digits, []Issue{{Code: CodeInvalidLength, Detail: fmt.Sprintf("%d digits (want 10)", len(digits))}}
	}
	return fmt.Sprintf("(%s) %s-%s", digits[:3], digits[3:6], digits[6:]), nil
}

// PhoneDigits reduces a normalized or raw phone value to bare digits
// without the leading country code. Comparison helpers use this form.
func PhoneDigits(s string) string {
	digits := nonDigits.ReplaceAllString(s, "")
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

// Email lowercases and validates against a strict pattern, flagging
// known disposable domains.
func Email(s string) (string, []Issue) {
	if s == "" {
		return "", nil
	}
	cleaned := strings.ToLower(strings.TrimSpace(s))
	if !emailPattern.MatchString(cleaned) {
		return cleaned, []Issue{{Code: CodeInvalidFormat}}
	}
	if at := strings.LastIndex(cleaned, "@"); at >= 0 && disposableDomains[cleaned[at+1:]] {
		return cleaned, []Issue{{Code: CodeDisposableDomain}}
	}
	return cleaned, nil
}

// Addr normalizes a structured address: street-type abbreviation,
// 2-letter state, validated postal code. The unit designator stays in
// the street line; Key strips it for household grouping.
func Addr(a model.Address) (model.Address, []Issue) {
	if a.Empty() {
		return a, nil
	}

	var issues []Issue
	out := model.Address{
		Street: Street(a.Street),
		City:   titleCity(a.City),
	}

	state := strings.TrimSpace(a.State)
	switch {
	case state == "":
	case len(state) == 2:
		out.State = strings.ToUpper(state)
	default:
		if abbr, ok := stateAbbrev[strings.ToLower(state)]; ok {
			out.State = abbr
		} else {
			out.State = strings.ToUpper(state)
			issues = append(issues, Issue{Field: "address.state", Code: CodeUnknownState, Detail: state})
		}
	}

	zip := strings.TrimSpace(a.PostalCode)
	if zip != "" && !zipPattern.MatchString(zip) {
		issues = append(issues, Issue{Field: "address.postal_code", Code: CodeInvalidPostalCode, Detail: zip})
	}
	out.PostalCode = zip

	return out, issues
}

// Street standardizes a street line: whitespace collapse and
// street-type abbreviation, preserving the rest verbatim.
func Street(s string) string {
	s = multiSpace.ReplaceAllString(strings.TrimSpace(s), " ")
	if s == "" {
		return ""
	}
	words := strings.Split(s, " ")
	for i, w := range words {
		key := strings.ToLower(strings.TrimSuffix(w, "."))
		if abbr, ok := streetAbbrev[key]; ok {
			words[i] = abbr
			continue
		}
		// Already-abbreviated suffixes get their canonical casing.
		for _, abbr := range streetAbbrev {
			if strings.EqualFold(key, abbr) {
				words[i] = abbr
				break
			}
		}
	}
	return strings.Join(words, " ")
}

func titleCity(s string) string {
	s = multiSpace.ReplaceAllString(strings.TrimSpace(s), " ")
	if s == "" {
		return ""
	}
	words := strings.Split(strings.ToLower(s), " ")
	for i, w := range words {
		words[i] = upperFirst(w)
	}
	return strings.Join(words, " ")
}

// Key builds the household-grouping key for an address: lowercased
// street with the unit designator removed, city, state, and postal
// code joined with "|". Empty when the address lacks street, city, or
// postal code.
func Key(a model.Address) string {
	na, _ := Addr(a)
	street := strings.ToLower(na.Street)
	street = unitPattern.ReplaceAllString(street, "")
	street = multiSpace.ReplaceAllString(strings.TrimSpace(street), " ")
	city := strings.ToLower(na.City)
	zip := na.PostalCode
	if i := strings.Index(zip, "-"); i > 0 {
		zip = zip[:i]
	}
	if street == "" || city == "" || zip == "" {
		return ""
	}
	return street + "|" + city + "|" + strings.ToLower(na.State) + "|" + zip
}
