// Package filename builds filesystem- and upload-safe names.
package filename

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var umlauts = strings.NewReplacer(
	"ä", "ae", "ö", "oe", "ü", "ue",
	"Ä", "Ae", "Ö", "Oe", "Ü", "Ue",
	"ß", "ss",
)

// Transliterate spells out German umlauts and strips remaining diacritics.
func Transliterate(s string) string {
	s = norm.NFC.String(s)
	s = umlauts.Replace(s)

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Safe returns a single path element: transliterated, with separators,
// whitespace and control characters replaced by '_'.
func Safe(s string) string {
	s = Transliterate(s)
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '/' || r == '\\':
			sb.WriteByte('_')
		case unicode.IsSpace(r) || unicode.IsControl(r):
			sb.WriteByte('_')
		case r == '<' || r == '>' || r == '"' || r == '|' || r == '?' || r == '*':
			sb.WriteByte('_')
		default:
			sb.WriteRune(r)
		}
	}
	out := sb.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}
