// Package identifier extracts and normalizes book identifiers and matching
// fields from source library records. All functions are pure and
// deterministic; callers decide what to log.
package identifier

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	isbnStrip    = regexp.MustCompile(`[-\s]`)
	isbn10Shape  = regexp.MustCompile(`^[0-9]{9}[0-9X]$`)
	isbn13Shape  = regexp.MustCompile(`^[0-9]{13}$`)
	asinShape    = regexp.MustCompile(`^[A-Z][A-Z0-9]{9}$`)
	nonAlnum     = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	parenGroups  = regexp.MustCompile(`[(\[][^)\]]*[)\]]`)
	leadingSeq   = regexp.MustCompile(`^\s*\d{1,3}\s*[-_.:\s]\s*`)
	leadingBookN = regexp.MustCompile(`(?i)^\s*book\s+\d+\s*[-_.:\s]*\s*`)
)

// formatMarkers flag parentheticals that describe the edition or format
// rather than the title itself.
var formatMarkers = []string{
	"unabridged", "abridged", "audiobook", "audio book", "audio",
	"dramatized", "dramatization", "edition", "annotated", "illustrated",
	"narrated", "version", "box set", "boxed set", "collector",
	"anniversary", "special",
}

// numberWords folds spelled-out numbers onto digits during normalization.
var numberWords = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"ten": "10", "eleven": "11", "twelve": "12", "thirteen": "13",
	"fourteen": "14", "fifteen": "15", "sixteen": "16", "seventeen": "17",
	"eighteen": "18", "nineteen": "19", "twenty": "20",
}

// romanNumerals folds multi-letter roman numerals onto digits. Single-letter
// numerals (i, v, x) stay as-is because they are usually words or initials.
var romanNumerals = map[string]string{
	"ii": "2", "iii": "3", "iv": "4", "vi": "6", "vii": "7", "viii": "8",
	"ix": "9", "xi": "11", "xii": "12", "xiii": "13", "xiv": "14",
	"xv": "15", "xvi": "16", "xvii": "17", "xviii": "18", "xix": "19",
	"xx": "20",
}

// stripDiacritics is the NFD-decompose, drop-combining-marks, recompose chain.
var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeISBN strips separators and validates the shape. Returns the
// uppercased 10- or 13-character ISBN, or "" when the input is not one.
func NormalizeISBN(s string) string {
	cleaned := strings.ToUpper(isbnStrip.ReplaceAllString(strings.TrimSpace(s), ""))
	if isbn10Shape.MatchString(cleaned) || isbn13Shape.MatchString(cleaned) {
		return cleaned
	}
	return ""
}

// NormalizeASIN uppercases and validates a 10-character ASIN. Purely numeric
// values are rejected: those are ISBN-10s, not ASINs.
func NormalizeASIN(s string) string {
	cleaned := strings.ToUpper(strings.TrimSpace(s))
	if asinShape.MatchString(cleaned) {
		return cleaned
	}
	return ""
}

// ISBNVariants returns the normalized ISBN plus its 10/13-digit counterpart
// when one can be derived. Only 978-prefixed ISBN-13s have an ISBN-10 form.
func ISBNVariants(s string) []string {
	isbn := NormalizeISBN(s)
	if isbn == "" {
		return nil
	}
	switch len(isbn) {
	case 10:
		return []string{isbn, isbn10To13(isbn)}
	case 13:
		if strings.HasPrefix(isbn, "978") {
			return []string{isbn, isbn13To10(isbn)}
		}
	}
	return []string{isbn}
}

func isbn10To13(isbn10 string) string {
	body := "978" + isbn10[:9]
	sum := 0
	for i, r := range body {
		d := int(r - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	check := (10 - sum%10) % 10
	return body + string(rune('0'+check))
}

func isbn13To10(isbn13 string) string {
	body := isbn13[3:12]
	sum := 0
	for i, r := range body {
		sum += int(r-'0') * (10 - i)
	}
	check := (11 - sum%11) % 11
	switch check {
	case 10:
		return body + "X"
	default:
		return body + string(rune('0'+check))
	}
}

// NormalizeTitle canonicalizes a title for matching and cache keys:
// lowercase, diacritics stripped, articles removed, spelled-out numbers and
// roman numerals folded to digits, format parentheticals and punctuation
// dropped, whitespace collapsed. A result that normalizes to nothing falls
// back to the lowercased original.
func NormalizeTitle(s string) string {
	return normalizeText(s, true)
}

// NormalizeAuthor canonicalizes an author name with the same pipeline as
// NormalizeTitle, minus article stripping.
func NormalizeAuthor(s string) string {
	return normalizeText(s, false)
}

// NormalizeNarrator canonicalizes a narrator name.
func NormalizeNarrator(s string) string {
	return normalizeText(s, false)
}

func normalizeText(s string, dropArticles bool) string {
	original := strings.TrimSpace(s)
	if original == "" {
		return ""
	}

	out := strings.ToLower(original)

	if folded, _, err := transform.String(stripDiacritics, out); err == nil {
		out = folded
	}

	// Drop parentheticals that describe the format or edition, e.g.
	// "(Unabridged)" or "[Audiobook Edition]".
	out = parenGroups.ReplaceAllStringFunc(out, func(group string) string {
		if hasFormatMarker(group) {
			return " "
		}
		return group
	})

	out = nonAlnum.ReplaceAllString(out, " ")

	tokens := strings.Fields(out)
	kept := tokens[:0]
	for _, tok := range tokens {
		if dropArticles {
			switch tok {
			case "the", "a", "an":
				continue
			}
		}
		if digits, ok := numberWords[tok]; ok {
			tok = digits
		} else if digits, ok := romanNumerals[tok]; ok {
			tok = digits
		}
		kept = append(kept, tok)
	}

	result := strings.Join(kept, " ")
	if result == "" {
		return strings.ToLower(original)
	}
	return result
}

// hasFormatMarker reports whether a parenthetical group names a format or
// edition. Markers match on word boundaries so "(Expedition)" survives.
func hasFormatMarker(group string) bool {
	words := strings.FieldsFunc(group, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	joined := strings.Join(words, " ")
	for _, marker := range formatMarkers {
		if strings.Contains(marker, " ") {
			if strings.Contains(joined, marker) {
				return true
			}
			continue
		}
		for _, w := range words {
			if w == marker {
				return true
			}
		}
	}
	return false
}

// CleanTitle strips leading sequence prefixes such as "06 " or "Book 2 - "
// that library folder naming leaves on titles.
func CleanTitle(s string) string {
	out := strings.TrimSpace(s)
	out = leadingBookN.ReplaceAllString(out, "")
	out = leadingSeq.ReplaceAllString(out, "")
	out = strings.TrimSpace(out)
	if out == "" {
		return strings.TrimSpace(s)
	}
	return out
}

// TitleAuthorKey builds the canonical composite identifier value for the
// title_author fallback: "normalize(title)|normalize(author)".
func TitleAuthorKey(title, author string) string {
	return NormalizeTitle(title) + "|" + NormalizeAuthor(author)
}
