// Package textnorm normalises free text for cache key derivation and pattern
// matching. Both consumers must see the exact same token stream, so all
// normalisation lives here.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"github.com/scrypster/gergy/pkg/types"
)

// KeyPrefix namespaces every cache key written by the engine.
const KeyPrefix = "gergy"

// Normalize case-folds text, replaces punctuation and symbols with spaces and
// collapses runs of whitespace. "Family  Vacation!" and "family vacation"
// normalise to the same string, as do "STRASSE" and "straße".
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	space := true // suppress leading whitespace
	// a Caser carries state, so each call gets its own
	for _, r := range cases.Fold().String(text) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			// whitespace, punctuation, symbols and control characters all
			// act as token separators
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}

	return strings.TrimRight(b.String(), " ")
}

// Tokens splits normalised text into its tokens.
func Tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, " ")
}

// Keywords returns the distinct tokens of text in first-seen order.
func Keywords(text string) []string {
	tokens := Tokens(Normalize(text))
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// CacheKey derives the deterministic cache key for text submitted from domain:
// gergy:<domain>:<first 32 hex chars of sha256(Normalize(text))>.
func CacheKey(domain types.Domain, text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return DomainPrefix(domain) + hex.EncodeToString(sum[:16])
}

// DomainPrefix returns the key prefix shared by all entries of one domain.
func DomainPrefix(domain types.Domain) string {
	return KeyPrefix + ":" + string(domain) + ":"
}
