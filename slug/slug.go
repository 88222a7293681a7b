// Package slug turns free-text labels (account names, shop names) into
// filesystem-safe path segments.
//
// The output alphabet is [a-z0-9._-]. The result is never empty: inputs
// that normalise to nothing become "unknown".
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Unknown is returned for inputs that contain no representable characters.
const Unknown = "unknown"

// Make returns the slug of s.
//
// Steps: NFKD, drop combining marks, NFKC, lowercase, replace every rune
// outside [a-z0-9._-] with '_', collapse '_' runs, trim '.' and '_' at both
// ends.
func Make(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFKC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	lastUnderscore := false
	for _, r := range folded {
		if !allowed(r) {
			r = '_'
		}
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteRune(r)
	}

	out := strings.Trim(b.String(), "._")
	if out == "" {
		return Unknown
	}
	return out
}

// Valid reports whether s is already a slug (non-empty, allowed alphabet).
func Valid(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !allowed(r) {
			return false
		}
	}
	return true
}

func allowed(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') ||
		r == '.' || r == '_' || r == '-'
}
