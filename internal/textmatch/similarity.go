// Package textmatch scores how well remote catalog candidates match a source
// book, combining edit-distance and token-set similarity with weighted
// metadata signals.
package textmatch

import "strings"

// Levenshtein computes the edit distance between two strings, rune-wise.
func Levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// LevenshteinSimilarity maps edit distance onto [0,1], normalized by the
// longer string.
func LevenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	return 1.0 - float64(Levenshtein(a, b))/float64(maxLen)
}

// JaccardTokens computes set overlap over whitespace-separated tokens.
func JaccardTokens(a, b string) float64 {
	ta := strings.Fields(a)
	tb := strings.Fields(b)

	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	setA := make(map[string]struct{}, len(ta))
	for _, tok := range ta {
		setA[tok] = struct{}{}
	}
	setB := make(map[string]struct{}, len(tb))
	for _, tok := range tb {
		setB[tok] = struct{}{}
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection

	return float64(intersection) / float64(union)
}

// Similarity blends edit-distance and token-set similarity into [0,1].
// Equal strings short-circuit to 1.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	return 0.4*LevenshteinSimilarity(a, b) + 0.6*JaccardTokens(a, b)
}
