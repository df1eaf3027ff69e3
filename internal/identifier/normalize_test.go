package identifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeISBN(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"isbn13 plain", "9781234567890", "9781234567890"},
		{"isbn13 with dashes", "978-1-2345-6789-0", "9781234567890"},
		{"isbn13 with spaces", "978 1 2345 6789 0", "9781234567890"},
		{"isbn10 plain", "0306406152", "0306406152"},
		{"isbn10 check digit X", "080442957x", "080442957X"},
		{"too short", "12345", ""},
		{"too long", "97812345678901", ""},
		{"letters inside", "97812E4567890", ""},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeISBN(tt.input))
		})
	}
}

func TestNormalizeASIN(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"valid", "B01ABCDEFG", "B01ABCDEFG"},
		{"lowercase input", "b01abcdefg", "B01ABCDEFG"},
		{"padded", "  B01ABCDEFG ", "B01ABCDEFG"},
		{"purely numeric rejected", "0123456789", ""},
		{"leading digit rejected", "1B2C3D4E5F", ""},
		{"too short", "B01ABC", ""},
		{"too long", "B01ABCDEFGH", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeASIN(tt.input))
		})
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercase", "Project Hail Mary", "project hail mary"},
		{"articles removed everywhere", "The Laws of the Skies", "laws of skies"},
		{"leading a", "A Man Called Ove", "man called ove"},
		{"diacritics stripped", "Café Européen", "cafe europeen"},
		{"format parenthetical", "Dune (Unabridged)", "dune"},
		{"bracketed format", "Dune [Audiobook Edition]", "dune"},
		{"non-format parenthetical kept", "Endurance (Expedition)", "endurance expedition"},
		{"number words folded", "Book Three", "book 3"},
		{"roman numeral folded", "Rocky II", "rocky 2"},
		{"single letter roman kept", "Madame X", "madame x"},
		{"punctuation stripped", "Hello, World!: A Story?", "hello world story"},
		{"whitespace collapsed", "  Deep   Work  ", "deep work"},
		{"only punctuation falls back", "!!!", "!!!"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTitle(tt.input))
		})
	}
}

func TestNormalizeAuthorKeepsArticles(t *testing.T) {
	assert.Equal(t, "gregoire courtois", NormalizeAuthor("Grégoire Courtois"))
	assert.Equal(t, "a lee martinez", NormalizeAuthor("A. Lee Martinez"))
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"two digit prefix", "06 The Gathering Storm", "The Gathering Storm"},
		{"dotted prefix", "2. Golden Son", "Golden Son"},
		{"book n prefix", "Book 2 - Golden Son", "Golden Son"},
		{"book n colon", "Book 12: The Last Stand", "The Last Stand"},
		{"no prefix", "Golden Son", "Golden Son"},
		{"numeric title survives", "1984", "1984"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanTitle(tt.input))
		})
	}
}

func TestTitleAuthorKey(t *testing.T) {
	key := TitleAuthorKey("The Laws of the Skies", "Grégoire Courtois")
	assert.Equal(t, "laws of skies|gregoire courtois", key)
}
