package textmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"book", "book", 0},
		{"héllo", "hello", 1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Levenshtein(tt.a, tt.b), "Levenshtein(%q, %q)", tt.a, tt.b)
	}
}

func TestLevenshteinSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, LevenshteinSimilarity("same", "same"))
	assert.Equal(t, 1.0, LevenshteinSimilarity("", ""))
	assert.Equal(t, 0.0, LevenshteinSimilarity("", "abc"))
	assert.Equal(t, 0.0, LevenshteinSimilarity("abc", ""))

	// kitten/sitting: 1 - 3/7
	assert.InDelta(t, 0.5714, LevenshteinSimilarity("kitten", "sitting"), 0.001)
}

func TestJaccardTokens(t *testing.T) {
	assert.Equal(t, 1.0, JaccardTokens("", ""))
	assert.Equal(t, 0.0, JaccardTokens("a b", ""))
	assert.Equal(t, 0.0, JaccardTokens("", "a b"))
	assert.Equal(t, 1.0, JaccardTokens("quick brown fox", "fox quick brown"))
	assert.Equal(t, 0.0, JaccardTokens("alpha beta", "gamma delta"))
	assert.InDelta(t, 0.5, JaccardTokens("the quick fox", "the slow fox"), 0.0001)
}

func TestSimilarityBlend(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("exact match", "exact match"))

	// 0.4*levSim + 0.6*jaccard
	lev := LevenshteinSimilarity("laws of sky", "laws of skies")
	jac := JaccardTokens("laws of sky", "laws of skies")
	assert.InDelta(t, 0.4*lev+0.6*jac, Similarity("laws of sky", "laws of skies"), 0.0001)

	// Token overlap dominates the blend.
	reordered := Similarity("brandon sanderson", "sanderson brandon")
	assert.Greater(t, reordered, 0.6)
}
