// Package identity normalizes user identities (emails) and derives the
// canonical key shared by both sides of a two-party conversation or call.
package identity

import (
	"sort"
	"strings"
)

// Normalize trims surrounding whitespace and lower-cases an identity. Every
// identity string must pass through Normalize before it is used as a map key.
func Normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Equal reports whether a and b name the same identity.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// PairKey returns the order-independent key for the pair {a, b}:
// the two normalized identities sorted and joined with "_".
func PairKey(a, b string) string {
	pair := []string{Normalize(a), Normalize(b)}
	sort.Strings(pair)
	return pair[0] + "_" + pair[1]
}
