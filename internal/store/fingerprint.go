package store

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// Fingerprint normalizes claim text into the dedup key: lowercase, punctuation
// stripped, whitespace collapsed. Exact fingerprint equality is the dedup
// floor; the fuzzy upgrade compares fingerprints by Levenshtein similarity.
func Fingerprint(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Similarity is the normalized Levenshtein ratio between two fingerprints:
// 1 - distance/maxLen, in [0,1]. Deterministic by construction.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
