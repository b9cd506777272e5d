package resolver

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

// matchThreshold is the minimum (inclusive) similarity for accepting a
// search candidate as the same recording.
const matchThreshold = 0.5

var (
	bracketedPattern = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)
	nonAlnumPattern  = regexp.MustCompile(`[^a-z0-9]+`)
)

// normalizeTitle reduces a title to comparable form: lowercase, bracketed
// and parenthesized tags dropped (live markers, "(Official Video)" and
// friends), punctuation flattened to spaces, whitespace collapsed.
func normalizeTitle(s string) string {
	s = strings.ToLower(s)
	s = bracketedPattern.ReplaceAllString(s, " ")
	s = nonAlnumPattern.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// similarity returns an edit-distance ratio in [0,1] between the normalized
// forms of a and b. Two empty strings are identical.
func similarity(a, b string) float64 {
	na, nb := normalizeTitle(a), normalizeTitle(b)
	longest := len(na)
	if len(nb) > longest {
		longest = len(nb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(na, nb))/float64(longest)
}

// matches reports whether candidate is close enough to want. Exactly at the
// threshold counts as a match.
func matches(candidate, want string) bool {
	return similarity(candidate, want) >= matchThreshold
}
