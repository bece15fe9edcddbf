// Package util provides common utility functions.
package util

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// Matches spaces, underscores, dots and slashes (for replacement with dashes).
	wordSeparatorRe = regexp.MustCompile(`[\s_./]+`)
	// Matches non-alphanumeric characters (except dashes).
	nonAlphanumericRe = regexp.MustCompile(`[^a-z0-9-]`)
	// Matches multiple consecutive dashes.
	multipleDashRe = regexp.MustCompile(`-+`)
)

// Slugify converts a tree name to the slug used in URLs and site settings.
// Accents are folded to their base letter so "Educación" and "Educacion"
// share a slug.
//
//	"Plan de Gobierno 2024" → "plan-de-gobierno-2024"
//	"Educación / Cultura"   → "educacion-cultura"
//	"  --Ejes--  "          → "ejes"
func Slugify(input string) string {
	s := norm.NFKD.String(strings.TrimSpace(input))
	s = strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) {
			return -1
		}
		return r
	}, s)
	s = strings.ToLower(s)

	s = wordSeparatorRe.ReplaceAllString(s, "-")
	s = nonAlphanumericRe.ReplaceAllString(s, "")
	s = multipleDashRe.ReplaceAllString(s, "-")

	return strings.Trim(s, "-")
}
