package prefilter

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Nestlé" -> "Nestle").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizeText lowercases, strips diacritics and punctuation and collapses whitespace.
// "Ben & Jerry's" -> "ben jerrys", "Coca-Cola" -> "coca cola".
func NormalizeText(s string) string {
	s = strings.ToLower(RemoveDiacritics(s))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' || r == '’' || r == '.':
			// dropped without splitting: "jerry's" -> "jerrys", "st." -> "st"
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// tokens returns the distinct normalized words of s.
func tokens(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(NormalizeText(s)) {
		set[f] = struct{}{}
	}
	return set
}
