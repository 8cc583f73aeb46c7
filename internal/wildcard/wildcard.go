// Package wildcard implements the `*`-glob matching rules used by import
// filters and collection tracking patterns (spec §4.9). Matching is
// case-sensitive, anchored at both ends, and `*` matches zero or more
// characters of any value, including `/` and `_`.
package wildcard

import (
	"strings"

	"github.com/ryanuber/go-glob"
)

// PatternType classifies the shape of a pattern for diagnostics and UI.
type PatternType string

const (
	TypeExact   PatternType = "exact"
	TypePrefix  PatternType = "prefix"
	TypeSuffix  PatternType = "suffix"
	TypeContains PatternType = "contains"
	TypeComplex PatternType = "complex"
	TypeEmpty   PatternType = "empty"
)

// HasWildcard reports whether p contains a `*` glob character.
func HasWildcard(p string) bool {
	return strings.Contains(p, "*")
}

// Match reports whether value matches pattern under the glob rules
// above. Empty values never match any pattern, including "*" — the
// empty string is not a non-empty string.
func Match(pattern, value string) bool {
	if value == "" {
		return false
	}
	if !HasWildcard(pattern) {
		return pattern == value
	}
	return glob.Glob(pattern, value)
}

// AnyMatch reports whether pattern matches at least one of values.
func AnyMatch(pattern string, values []string) bool {
	for _, v := range values {
		if Match(pattern, v) {
			return true
		}
	}
	return false
}

// FilterByPattern returns the subset of values matching pattern,
// preserving input order.
func FilterByPattern(pattern string, values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if Match(pattern, v) {
			out = append(out, v)
		}
	}
	return out
}

// FilterByPatterns returns the union (deduplicated, order-preserving) of
// values matching any of patterns.
func FilterByPatterns(patterns []string, values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, p := range patterns {
		for _, v := range FilterByPattern(p, values) {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// GetPatternType classifies a pattern for reporting purposes. It is a
// cosmetic helper only: matching itself always goes through Match.
func GetPatternType(p string) PatternType {
	if p == "" {
		return TypeEmpty
	}
	if !HasWildcard(p) {
		return TypeExact
	}

	if p == "*" {
		return TypeContains
	}

	stars := strings.Count(p, "*")
	bothEnds := strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*")

	switch {
	case stars == 2 && bothEnds:
		return TypeContains
	case stars > 1:
		return TypeComplex
	case strings.HasSuffix(p, "*"):
		return TypePrefix
	case strings.HasPrefix(p, "*"):
		return TypeSuffix
	default:
		// a single '*' embedded mid-string, e.g. "a*c"
		return TypeComplex
	}
}
