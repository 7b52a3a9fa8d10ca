// Package similarity holds the pairwise field comparison kernel used
// by every matcher. All functions are pure, return values in [0, 1],
// and treat unknown-vs-unknown as 0 rather than 1 so that two absent
// fields never manufacture agreement.
package similarity

import (
	"strings"
	"time"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
)

// Levenshtein returns the edit distance between two strings, by rune.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// Ratio is the normalized edit-distance similarity: 1 - dist/maxlen.
// Two equal strings score 1; the empty-vs-empty case is the caller's
// concern (field wrappers below return 0 for it).
func Ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(a, b))/float64(longest)
}

// soundexCode maps consonants to their American Soundex digit.
var soundexCode = map[byte]byte{
	'B': '1', 'F': '1', 'P': '1', 'V': '1',
	'C': '2', 'G': '2', 'J': '2', 'K': '2', 'Q': '2', 'S': '2', 'X': '2', 'Z': '2',
	'D': '3', 'T': '3',
	'L': '4',
	'M': '5', 'N': '5',
	'R': '6',
}

// Soundex computes the 4-character American Soundex code of a word.
// H and W are transparent: consonants separated only by them collapse
// to one digit, while vowels break the run. Non-letters are ignored;
// an empty or letterless input yields "".
func Soundex(s string) string {
	up := strings.ToUpper(s)
	letters := make([]byte, 0, len(up))
	for i := 0; i < len(up); i++ {
		if up[i] >= 'A' && up[i] <= 'Z' {
			letters = append(letters, up[i])
		}
	}
	if len(letters) == 0 {
		return ""
	}

	out := []byte{letters[0]}
	lastCode := soundexCode[letters[0]]
	for _, c := range letters[1:] {
		if c == 'H' || c == 'W' {
			continue
		}
		code, ok := soundexCode[c]
		if !ok {
			// Vowel: resets the adjacent-code rule.
			lastCode = 0
			continue
		}
		if code != lastCode {
			out = append(out, code)
			lastCode = code
		}
		if len(out) == 4 {
			break
		}
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return string(out)
}

// Name compares the name components of two records. The result is
// max(exact full-name equality, mean of the per-component edit
// ratios), computed over components present on both sides. Returns 0
// when no component pair is comparable.
func Name(q, c model.Identity) float64 {
	qFull := strings.ToLower(q.FullName())
	cFull := strings.ToLower(c.FullName())
	if qFull == "" || cFull == "" {
		return 0
	}
	if qFull == cFull {
		return 1
	}

	var sum float64
	var n int
	if q.GivenName != "" && c.GivenName != "" {
		sum += Ratio(strings.ToLower(q.GivenName), strings.ToLower(c.GivenName))
		n++
	}
	if q.Surname != "" && c.Surname != "" {
		sum += Ratio(strings.ToLower(q.Surname), strings.ToLower(c.Surname))
		n++
	}
	if n == 0 {
		return Ratio(qFull, cFull)
	}
	return sum / float64(n)
}

// NamePhonetic compares names by Soundex equality per component,
// averaged over the component pairs present on both sides.
func NamePhonetic(q, c model.Identity) float64 {
	var sum float64
	var n int
	if q.GivenName != "" && c.GivenName != "" {
		if Soundex(q.GivenName) == Soundex(c.GivenName) {
			sum++
		}
		n++
	}
	if q.Surname != "" && c.Surname != "" {
		if Soundex(q.Surname) == Soundex(c.Surname) {
			sum++
		}
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// DOB compares two ISO dates with a step decay on the day difference:
// 1.0 at 0 days, 0.9 within a week, 0.7 within a month, 0.3 within a
// year, 0 beyond. Unparseable or absent dates score 0.
func DOB(a, b string) float64 {
	ta, err := time.Parse("2006-01-02", a)
	if err != nil {
		return 0
	}
	tb, err := time.Parse("2006-01-02", b)
	if err != nil {
		return 0
	}

	days := int(ta.Sub(tb).Hours() / 24)
	if days < 0 {
		days = -days
	}
	switch {
	case days == 0:
		return 1.0
	case days <= 7:
		return 0.9
	case days <= 30:
		return 0.7
	case days <= 365:
		return 0.3
	default:
		return 0
	}
}

// Address compares two structured addresses. Differing postal codes
// (5-digit comparison) zero the score outright; otherwise the shared
// postal code contributes 0.5, the street edit ratio 0.4, and city
// equality 0.1.
func Address(a, b model.Address) float64 {
	if a.Empty() || b.Empty() {
		return 0
	}
	if zip5(a.PostalCode) != zip5(b.PostalCode) {
		return 0
	}

	score := 0.5
	sa, sb := strings.ToLower(a.Street), strings.ToLower(b.Street)
	if sa != "" && sb != "" {
		score += 0.4 * Ratio(sa, sb)
	}
	if a.City != "" && strings.EqualFold(a.City, b.City) {
		score += 0.1
	}
	return score
}

func zip5(z string) string {
	if i := strings.Index(z, "-"); i > 0 {
		return z[:i]
	}
	return z
}

// Phone compares phone numbers over their bare digits: full equality
// scores 1.0, matching seven-digit suffixes (same line, different or
// missing area code) 0.8, anything else 0.
func Phone(a, b string) float64 {
	da, db := normalize.PhoneDigits(a), normalize.PhoneDigits(b)
	if da == "" || db == "" {
		return 0
	}
	if da == db {
		return 1.0
	}
	if len(da) >= 7 && len(db) >= 7 && da[len(da)-7:] == db[len(db)-7:] {
		return 0.8
	}
	return 0
}

// Email compares addresses case-insensitively: equality scores 1.0,
// otherwise the edit ratio of the local parts.
func Email(a, b string) float64 {
	ea, eb := strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if ea == "" || eb == "" {
		return 0
	}
	if ea == eb {
		return 1.0
	}
	return Ratio(localPart(ea), localPart(eb))
}

func localPart(e string) string {
	if i := strings.Index(e, "@"); i > 0 {
		return e[:i]
	}
	return e
}

// TaxIDSuffix compares taxpayer-ID suffixes; exact match or nothing.
func TaxIDSuffix(a, b string) float64 {
	sa, sb := suffix4(a), suffix4(b)
	if sa == "" || sb == "" {
		return 0
	}
	if sa == sb {
		return 1
	}
	return 0
}

func suffix4(s string) string {
	if len(s) >= 4 {
		return s[len(s)-4:]
	}
	return ""
}
