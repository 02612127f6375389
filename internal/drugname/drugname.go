// Package drugname turns raw brand and generic drug name text into canonical
// matching keys.
//
// Both cleaners fold accented letters to their base letter, drop punctuation
// and symbol characters (including marks such as ® that survive
// compatibility decomposition), lowercase, and remove all whitespace. The
// generic cleaner additionally strips one trailing administration-route token
// ("y po", "po", "iv", "im", "subq") before whitespace removal. The results
// are idempotent.
package drugname

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"openpayments/internal/table"
)

// RouteSuffixes are the trailing administration-route tokens removed by
// Generic, in match order. Only the first matching suffix is removed.
var RouteSuffixes = []string{" y po", " po", " iv", " im", " subq"}

func stripMarks(s string) string {
	t := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})),
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		// transform only fails on invalid input state; fall back to the raw text
		return s
	}
	return out
}

// prepare runs the steps shared by both cleaners and returns the lowercase
// text with single-space separated words.
func prepare(s string) string {
	s = stripMarks(s)
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}

func removeSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// Brand returns the canonical key for a brand name.
func Brand(s string) string {
	return removeSpace(prepare(s))
}

// Generic returns the canonical key for a generic name.
func Generic(s string) string {
	s = prepare(s)
	for _, suffix := range RouteSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			break
		}
	}
	return removeSpace(s)
}

// BrandValue is Brand for a table cell. A missing cell yields "".
func BrandValue(v table.Value) string {
	s, ok := v.Get()
	if !ok {
		return ""
	}
	return Brand(s)
}

// GenericValue is Generic for a table cell. A missing cell yields "".
func GenericValue(v table.Value) string {
	s, ok := v.Get()
	if !ok {
		return ""
	}
	return Generic(s)
}

// TrimRoute removes a single trailing route token from a human readable
// generic name without otherwise changing it ("Radium 223 IV" -> "Radium 223").
// Matching is case-insensitive.
func TrimRoute(s string) string {
	s = strings.TrimSpace(s)
	for _, suffix := range RouteSuffixes {
		n := len(s) - len(suffix)
		if n >= 0 && strings.EqualFold(s[n:], suffix) {
			return strings.TrimSpace(s[:n])
		}
	}
	return s
}
