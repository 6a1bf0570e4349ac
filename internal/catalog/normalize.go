package catalog

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// confusables maps OCR-prone characters to their normalized ASCII form,
// applied before the NFKD strip so that e.g. Pokemon set numbers and
// names hashed from noisy OCR still collide with the canonical key.
var confusables = map[rune]rune{
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e',
	'ō': 'o', 'ô': 'o', 'ö': 'o',
	'♀': 'f', '♂': 'm',
	// OCR commonly swaps these digit/letter pairs (spec §4.5); folding
	// '0' onto 'o' and '1' onto 'l' makes both spellings collide on the
	// same canonical key.
	'0': 'o', '1': 'l',
}

var collapseWhitespace = regexp.MustCompile(`\s+`)
var stripDisallowed = regexp.MustCompile(`[^a-z0-9\-\s]`)

// NormalizeName lowercases, strips diacritics (NFKD), maps known OCR
// confusables, strips everything outside [a-z0-9-\s], and collapses
// whitespace. It is the single normalization path used for both catalog
// keys and incoming extracted names so that "Pokémon", "Nidoran♀", and
// "Mr. Mime" all resolve to the same bucket.
func NormalizeName(s string) string {
	s = strings.ToLower(s)

	var b strings.Builder
	for _, r := range s {
		if repl, ok := confusables[r]; ok {
			if r == '♀' || r == '♂' {
				// Gender symbols become their own word: "nidoran♀" -> "nidoran f".
				b.WriteRune(' ')
			}
			b.WriteRune(repl)
		} else {
			b.WriteRune(r)
		}
	}
	s = b.String()

	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFKD)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}

	s = stripDisallowed.ReplaceAllString(s, "")
	s = collapseWhitespace.ReplaceAllString(strings.TrimSpace(s), " ")
	return s
}

// NormalizeSet normalizes a set id/alias/name the same way as a card name.
func NormalizeSet(s string) string {
	return NormalizeName(s)
}

var collectorPattern = regexp.MustCompile(`^(\d+)(?:/(\d+))?$`)

// NormalizeCollectorNumber extracts the collector portion of a set
// number such as "63/102", returning "63". The original string on the
// record is left untouched by callers — this is purely for matching.
func NormalizeCollectorNumber(setNumber string) string {
	setNumber = strings.TrimSpace(setNumber)
	m := collectorPattern.FindStringSubmatch(setNumber)
	if m == nil {
		return strings.TrimLeft(setNumber, "0")
	}
	return strings.TrimLeft(m[1], "0")
}

// CanonicalKey builds the deterministic `(normalized-set|normalized-number|normalized-name)`
// identifier used for exact catalog lookup (spec §4.5 step 1).
func CanonicalKey(setID, setNumber, name string) string {
	return NormalizeSet(setID) + "|" + NormalizeCollectorNumber(setNumber) + "|" + NormalizeName(name)
}
