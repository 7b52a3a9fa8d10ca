// Package quality scores the completeness and validity of identity
// records. The assessor is pure: one record in, one report out, with
// per-field subscores, a weighted overall score in [0, 100], and a
// coarse bucket used by the ensemble multiplier.
package quality

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
)

// Depth selects how far validation goes. Each level includes the ones
// before it: basic checks presence only, standard adds per-field
// format rules, enhanced adds cross-field checks, comprehensive adds
// advisory heuristics.
type Depth string

const (
	DepthBasic         Depth = "basic"
	DepthStandard      Depth = "standard"
	DepthEnhanced      Depth = "enhanced"
	DepthComprehensive Depth = "comprehensive"
)

// ParseDepth maps a config or request string to a Depth, defaulting
// to standard for the empty string.
func ParseDepth(s string) (Depth, error) {
	switch Depth(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DepthStandard, nil
	case DepthBasic:
		return DepthBasic, nil
	case DepthStandard:
		return DepthStandard, nil
	case DepthEnhanced:
		return DepthEnhanced, nil
	case DepthComprehensive:
		return DepthComprehensive, nil
	default:
		return "", fmt.Errorf("quality: unknown validation depth %q", s)
	}
}

// rank orders depths so feature gates read as d.atLeast(DepthEnhanced).
func (d Depth) rank() int {
	switch d {
	case DepthBasic:
		return 0
	case DepthStandard:
		return 1
	case DepthEnhanced:
		return 2
	case DepthComprehensive:
		return 3
	default:
		return 1
	}
}

func (d Depth) atLeast(min Depth) bool { return d.rank() >= min.rank() }

// Bucket labels for the overall score.
const (
	BucketExcellent = "excellent" // >= 95
	BucketGood      = "good"      // >= 85
	BucketFair      = "fair"      // >= 70
	BucketPoor      = "poor"
)

// FieldResult is the per-field verdict inside a report.
type FieldResult struct {
	Field       string   `json:"field"`
	Present     bool     `json:"present"`
	Valid       bool     `json:"valid"`
	Score       float64  `json:"score"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Report is the full quality assessment of one record.
type Report struct {
	Score           float64       `json:"score"`
	Bucket          string        `json:"bucket"`
	Fields          []FieldResult `json:"fields"`
	CriticalIssues  []string      `json:"critical_issues,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
	Depth           Depth         `json:"validation_depth"`
}

// Field weights for the overall score. Taxpayer ID dominates because
// it is the strongest discriminator; contact fields barely move the
// needle.
var fieldWeights = map[string]float64{
	"first_name": 0.15,
	"last_name":  0.15,
	"dob":        0.20,
	"ssn":        0.25,
	"address":    0.15,
	"phone":      0.05,
	"email":      0.05,
}

// Missing-field deductions applied after the weighted sum. Contact
// fields carry 0.05 weight each and deduct half the important rate,
// so a record complete in its discriminating fields still scores well.
const (
	deductMissingCritical  = 20
	deductMissingImportant = 10
	deductMissingContact   = 5
)

var (
	criticalFields  = []string{"first_name", "last_name", "dob"}
	importantFields = []string{"ssn", "address"}
	contactFields   = []string{"phone", "email"}
)

var namePattern = regexp.MustCompile(`[^a-zA-Z\s\-'.]`)

// commonTitles flags honorifics placed in a name slot (comprehensive
// depth only).
var commonTitles = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "rev": true,
}

// Assess scores one record at the given depth. The overall score is a
// weighted sum of per-field subscores over the full field set; absent
// fields count at full subscore and are charged only through the
// missing-field deductions, 20 points per missing critical field, 10
// per missing important field, and 5 per missing contact field,
// clamped to [0, 100]. Supplying an additional valid field never
// lowers the score.
func Assess(rec model.Identity, depth Depth) Report {
	rep := Report{Depth: depth}

	fields := []FieldResult{
		assessName(rec.GivenName, "first_name", depth),
		assessName(rec.Surname, "last_name", depth),
		assessDOB(rec.DOB, depth),
		assessTaxID(rec.TaxID, rec.TaxIDLast4, depth),
		assessAddress(rec.Address, depth),
		assessPhone(rec.Phone, depth),
		assessEmail(rec.Email, depth),
	}
	rep.Fields = fields

	var score float64
	missing := map[string]bool{}
	for _, fr := range fields {
		w := fieldWeights[fr.Field]
		if !fr.Present {
			missing[fr.Field] = true
			score += 100 * w
			continue
		}
		score += fr.Score * w

		if !fr.Valid {
			rep.CriticalIssues = append(rep.CriticalIssues, fr.Issues...)
		}
		rep.Warnings = append(rep.Warnings, fr.Suggestions...)
	}

	for _, f := range criticalFields {
		if missing[f] {
			score -= deductMissingCritical
			rep.CriticalIssues = append(rep.CriticalIssues, "missing_critical_"+f)
		}
	}
	for _, f := range importantFields {
		if missing[f] {
			score -= deductMissingImportant
			rep.Warnings = append(rep.Warnings, "missing_important_"+f)
		}
	}
	for _, f := range contactFields {
		if missing[f] {
			score -= deductMissingContact
			rep.Warnings = append(rep.Warnings, "missing_important_"+f)
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	rep.Score = score
	rep.Bucket = bucketFor(score)
	rep.Recommendations = recommend(rep, missing)
	return rep
}

func bucketFor(score float64) string {
	switch {
	case score >= 95:
		return BucketExcellent
	case score >= 85:
		return BucketGood
	case score >= 70:
		return BucketFair
	default:
		return BucketPoor
	}
}

// recommend builds the ordered recommendation list. Order is fixed so
// downstream consumers can rely on it.
func recommend(rep Report, missing map[string]bool) []string {
	var recs []string
	if rep.Score < 85 {
		recs = append(recs, "consider data cleansing to improve match accuracy")
	}
	if len(rep.CriticalIssues) > 0 {
		recs = append(recs, "resolve critical data issues before processing")
	}
	if missing["ssn"] {
		recs = append(recs, "taxpayer id improves match accuracy substantially")
	}
	if missing["dob"] {
		recs = append(recs, "date of birth is required for candidate blocking")
	}
	return recs
}

func assessName(name, field string, depth Depth) FieldResult {
	fr := FieldResult{Field: field, Score: 100, Valid: true}
	if strings.TrimSpace(name) == "" {
		return FieldResult{Field: field}
	}
	fr.Present = true
	if depth == DepthBasic {
		return fr
	}

	trimmed := strings.TrimSpace(name)
	if namePattern.MatchString(trimmed) {
		fr.Issues = append(fr.Issues, field+" contains invalid characters")
		fr.Score -= 20
		fr.Valid = false
	}
	if len(trimmed) < 2 {
		fr.Issues = append(fr.Issues, field+" is too short")
		fr.Score -= 15
		fr.Valid = false
	} else if len(trimmed) > 50 {
		fr.Suggestions = append(fr.Suggestions, field+" is unusually long")
		fr.Score -= 5
	}
	if len(strings.Fields(trimmed)) > 2 {
		fr.Suggestions = append(fr.Suggestions, "multiple names detected in "+field)
		fr.Score -= 5
	}
	if depth.atLeast(DepthComprehensive) && field == "first_name" && commonTitles[strings.ToLower(trimmed)] {
		fr.Suggestions = append(fr.Suggestions, "first_name appears to be a title")
		fr.Score -= 10
	}
	if fr.Score < 0 {
		fr.Score = 0
	}
	return fr
}

func assessDOB(dob string, depth Depth) FieldResult {
	fr := FieldResult{Field: "dob", Score: 100, Valid: true}
	if strings.TrimSpace(dob) == "" {
		return FieldResult{Field: "dob"}
	}
	fr.Present = true
	if depth == DepthBasic {
		return fr
	}

	_, issues := normalize.DOB(dob)
	for _, is := range issues {
		switch is.Code {
		case normalize.CodeUnparseable:
			fr.Issues = append(fr.Issues, "unable to parse date of birth")
			fr.Score -= 40
			fr.Valid = false
		case normalize.CodeFutureDate:
			fr.Issues = append(fr.Issues, "date of birth cannot be in the future")
			fr.Score -= 30
			fr.Valid = false
		case normalize.CodeAgeOverLimit:
			fr.Issues = append(fr.Issues, "date of birth indicates unrealistic age")
			fr.Score -= 20
			fr.Valid = false
		}
	}
	if fr.Score < 0 {
		fr.Score = 0
	}
	return fr
}

// assessTaxID scores the taxpayer identifier. A full structurally
// valid ID scores 100, a bare suffix 80, a structurally invalid full
// ID 70, anything else 60.
func assessTaxID(full, last4 string, depth Depth) FieldResult {
	fr := FieldResult{Field: "ssn", Score: 100, Valid: true}
	if full == "" && last4 == "" {
		return FieldResult{Field: "ssn"}
	}
	fr.Present = true
	if depth == DepthBasic {
		return fr
	}

	switch {
	case full != "":
		cleaned, issues := normalize.TaxID(full)
		switch {
		case len(issues) == 0 && len(cleaned) == 9:
		case len(issues) == 0 && len(cleaned) == 4:
			fr.Score = 80
			fr.Suggestions = append(fr.Suggestions, "partial taxpayer id provided")
		case hasCode(issues, normalize.CodeInvalidStructure):
			fr.Score = 70
			fr.Issues = append(fr.Issues, "taxpayer id matches a non-issuable pattern")
			fr.Valid = false
		default:
			fr.Score = 60
			fr.Issues = append(fr.Issues, "invalid taxpayer id length")
			fr.Valid = false
		}

		if depth.atLeast(DepthEnhanced) && last4 != "" && len(cleaned) == 9 && cleaned[5:] != last4 {
			fr.Score -= 15
			fr.Issues = append(fr.Issues, "taxpayer id suffix disagrees with full id")
			fr.Valid = false
		}
	default:
		if _, issues := normalize.TaxIDLast4(last4); len(issues) > 0 {
			fr.Score = 60
			fr.Issues = append(fr.Issues, "invalid taxpayer id suffix")
			fr.Valid = false
		} else {
			fr.Score = 80
			fr.Suggestions = append(fr.Suggestions, "partial taxpayer id provided")
		}
	}
	if fr.Score < 0 {
		fr.Score = 0
	}
	return fr
}

func assessAddress(a model.Address, depth Depth) FieldResult {
	fr := FieldResult{Field: "address", Score: 100, Valid: true}
	if a.Empty() {
		return FieldResult{Field: "address"}
	}
	fr.Present = true
	if depth == DepthBasic {
		return fr
	}

	for _, part := range []struct{ name, val string }{
		{"street", a.Street}, {"city", a.City}, {"state", a.State}, {"zip", a.PostalCode},
	} {
		if strings.TrimSpace(part.val) == "" {
			fr.Issues = append(fr.Issues, "missing "+part.name)
			fr.Score -= 15
			fr.Valid = false
		}
	}

	_, issues := normalize.Addr(a)
	for _, is := range issues {
		switch is.Code {
		case normalize.CodeUnknownState:
			fr.Issues = append(fr.Issues, "invalid state code")
			fr.Score -= 10
			fr.Valid = false
		case normalize.CodeInvalidPostalCode:
			fr.Issues = append(fr.Issues, "invalid postal code format")
			fr.Score -= 10
			fr.Valid = false
		}
	}

	if depth.atLeast(DepthEnhanced) && a.Street != "" {
		if first := strings.Fields(a.Street)[0]; !startsWithDigit(first) {
			fr.Suggestions = append(fr.Suggestions, "street address does not start with a number")
			fr.Score -= 5
		}
	}
	if fr.Score < 0 {
		fr.Score = 0
	}
	return fr
}

func assessPhone(phone string, depth Depth) FieldResult {
	fr := FieldResult{Field: "phone", Score: 100, Valid: true}
	if strings.TrimSpace(phone) == "" {
		return FieldResult{Field: "phone"}
	}
	fr.Present = true
	if depth == DepthBasic {
		return fr
	}

	if _, issues := normalize.Phone(phone); len(issues) > 0 {
		fr.Issues = append(fr.Issues, "invalid phone number")
		fr.Score -= 40
		fr.Valid = false
	} else if depth.atLeast(DepthEnhanced) {
		digits := normalize.PhoneDigits(phone)
		// 555-01XX is the reserved fictional exchange.
		if len(digits) == 10 && digits[3:6] == "555" && strings.HasPrefix(digits[6:], "01") {
			fr.Suggestions = append(fr.Suggestions, "phone number is in the fictional 555-01xx range")
			fr.Score -= 10
		}
	}
	if fr.Score < 0 {
		fr.Score = 0
	}
	return fr
}

func assessEmail(email string, depth Depth) FieldResult {
	fr := FieldResult{Field: "email", Score: 100, Valid: true}
	if strings.TrimSpace(email) == "" {
		return FieldResult{Field: "email"}
	}
	fr.Present = true
	if depth == DepthBasic {
		return fr
	}

	_, issues := normalize.Email(email)
	for _, is := range issues {
		switch is.Code {
		case normalize.CodeInvalidFormat:
			fr.Issues = append(fr.Issues, "invalid email format")
			fr.Score -= 40
			fr.Valid = false
		case normalize.CodeDisposableDomain:
			if depth.atLeast(DepthEnhanced) {
				fr.Issues = append(fr.Issues, "disposable email address detected")
				fr.Score -= 20
				fr.Valid = false
			}
		}
	}
	if fr.Score < 0 {
		fr.Score = 0
	}
	return fr
}

func hasCode(issues []normalize.Issue, code string) bool {
	for _, is := range issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

func startsWithDigit(s string) bool {
	return len(s) > 0 && s[0] >= '0' && s[0] <= '9'
}
