package identifier

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

var yearShape = regexp.MustCompile(`\b(\d{4})\b`)

// ExtractTitle probes a record for its title: direct field, then media, then
// media.metadata.
func ExtractTitle(rec *models.LibraryRecord) string {
	if rec == nil {
		return ""
	}
	if rec.Title != "" {
		return rec.Title
	}
	if rec.Media != nil {
		if rec.Media.Title != "" {
			return rec.Media.Title
		}
		if rec.Media.Metadata != nil && rec.Media.Metadata.Title != "" {
			return rec.Media.Metadata.Title
		}
	}
	return ""
}

// ExtractAuthor probes for the author display name, preferring the flat
// authorName field and falling back to the first entry of the authors array.
func ExtractAuthor(rec *models.LibraryRecord) string {
	md := metadataOf(rec)
	if md == nil {
		return ""
	}
	if md.AuthorName != "" {
		return md.AuthorName
	}
	if len(md.Authors) > 0 {
		return md.Authors[0].Name
	}
	return ""
}

// ExtractNarrator probes for the narrator display name.
func ExtractNarrator(rec *models.LibraryRecord) string {
	md := metadataOf(rec)
	if md == nil {
		return ""
	}
	if md.NarratorName != "" {
		return md.NarratorName
	}
	if len(md.Narrators) > 0 {
		return md.Narrators[0].Name
	}
	return ""
}

// ExtractSeries probes for series membership. The structured series array
// wins; the flat seriesName is parsed for a trailing "#sequence" marker.
func ExtractSeries(rec *models.LibraryRecord) *models.Series {
	md := metadataOf(rec)
	if md == nil {
		return nil
	}
	if len(md.Series) > 0 {
		return &models.Series{Name: md.Series[0].Name, Sequence: md.Series[0].Sequence}
	}
	if md.SeriesName == "" {
		return nil
	}
	name := md.SeriesName
	seq := ""
	if idx := strings.LastIndex(name, "#"); idx > 0 {
		seq = strings.TrimSpace(name[idx+1:])
		name = strings.TrimSpace(strings.TrimSuffix(name[:idx], ","))
	}
	return &models.Series{Name: name, Sequence: seq}
}

// ExtractASIN probes for a valid ASIN.
func ExtractASIN(rec *models.LibraryRecord) string {
	if md := metadataOf(rec); md != nil {
		return NormalizeASIN(md.ASIN)
	}
	return ""
}

// ExtractISBN probes for a valid ISBN.
func ExtractISBN(rec *models.LibraryRecord) string {
	if md := metadataOf(rec); md != nil {
		return NormalizeISBN(md.ISBN)
	}
	return ""
}

// ExtractPublishedYear parses a 4-digit year out of the published-year field,
// which sources report as "1999", "1999-05-01" or similar.
func ExtractPublishedYear(rec *models.LibraryRecord) int {
	md := metadataOf(rec)
	if md == nil {
		return 0
	}
	m := yearShape.FindString(md.PublishedYear)
	if m == "" {
		return 0
	}
	year, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return year
}

// ExtractDuration probes for the audio duration in seconds.
func ExtractDuration(rec *models.LibraryRecord) float64 {
	if rec == nil || rec.Media == nil {
		return 0
	}
	if rec.Media.Duration > 0 {
		return rec.Media.Duration
	}
	if rec.Media.Metadata != nil && rec.Media.Metadata.Duration > 0 {
		return rec.Media.Metadata.Duration
	}
	return 0
}

// ExtractPages probes for the page count.
func ExtractPages(rec *models.LibraryRecord) int {
	if rec == nil || rec.Media == nil {
		return 0
	}
	if rec.Media.NumPages > 0 {
		return rec.Media.NumPages
	}
	if rec.Media.Metadata != nil && rec.Media.Metadata.NumPages > 0 {
		return rec.Media.Metadata.NumPages
	}
	return 0
}

func metadataOf(rec *models.LibraryRecord) *models.RecordMetadata {
	if rec == nil || rec.Media == nil {
		return nil
	}
	return rec.Media.Metadata
}

// BuildSourceBook flattens a raw library record into the immutable SourceBook
// the engine consumes. Progress fractions are converted to percentages and
// unix-millisecond timestamps to time.Time.
func BuildSourceBook(rec *models.LibraryRecord) models.SourceBook {
	book := models.SourceBook{
		ID:              rec.ID,
		Title:           ExtractTitle(rec),
		Author:          ExtractAuthor(rec),
		Narrator:        ExtractNarrator(rec),
		Series:          ExtractSeries(rec),
		PublishedYear:   ExtractPublishedYear(rec),
		ASIN:            ExtractASIN(rec),
		ISBN:            ExtractISBN(rec),
		DurationSeconds: ExtractDuration(rec),
		Pages:           ExtractPages(rec),
		FormatHint:      formatHint(rec),
	}

	if p := rec.Progress; p != nil {
		book.CurrentTimeSeconds = p.CurrentTime
		book.ProgressPercent = p.Progress * 100
		book.IsFinished = p.IsFinished
		if p.StartedAt > 0 {
			t := time.UnixMilli(p.StartedAt).UTC()
			book.StartedAt = &t
		}
		if p.LastUpdate > 0 {
			t := time.UnixMilli(p.LastUpdate).UTC()
			book.LastListenedAt = &t
		}
	}

	return book
}

// formatHint guesses the media format from the record shape: audio duration
// means audiobook, a page count without audio means ebook.
func formatHint(rec *models.LibraryRecord) models.Format {
	if rec == nil {
		return models.FormatUnknown
	}
	if ExtractDuration(rec) > 0 {
		return models.FormatAudiobook
	}
	if rec.MediaType == "ebook" || ExtractPages(rec) > 0 {
		return models.FormatEbook
	}
	return models.FormatUnknown
}

// Candidates builds the candidate identifiers for a source book in resolver
// precedence order: ASIN, ISBN, then the title/author composite.
func Candidates(book models.SourceBook) []models.Identifier {
	var out []models.Identifier
	if asin := NormalizeASIN(book.ASIN); asin != "" {
		out = append(out, models.Identifier{Kind: models.IdentifierASIN, Value: asin})
	}
	if isbn := NormalizeISBN(book.ISBN); isbn != "" {
		out = append(out, models.Identifier{Kind: models.IdentifierISBN, Value: isbn})
	}
	if book.Title != "" && book.Author != "" {
		out = append(out, models.Identifier{
			Kind:  models.IdentifierTitleAuthor,
			Value: TitleAuthorKey(book.Title, book.Author),
		})
	}
	return out
}

// Best returns the strongest identifier for cache writes: ASIN over ISBN over
// title_author. The boolean is false when none is usable.
func Best(ids []models.Identifier) (models.Identifier, bool) {
	rank := func(k models.IdentifierKind) int {
		switch k {
		case models.IdentifierASIN:
			return 0
		case models.IdentifierISBN:
			return 1
		default:
			return 2
		}
	}
	if len(ids) == 0 {
		return models.Identifier{}, false
	}
	best := ids[0]
	for _, id := range ids[1:] {
		if rank(id.Kind) < rank(best.Kind) {
			best = id
		}
	}
	return best, true
}

// Metadata assembles the extracted fields reported alongside match results.
func Metadata(book models.SourceBook) models.ExtractedMetadata {
	md := models.ExtractedMetadata{
		Title:           book.Title,
		Author:          book.Author,
		Narrator:        book.Narrator,
		PublishedYear:   book.PublishedYear,
		ASIN:            NormalizeASIN(book.ASIN),
		ISBN:            NormalizeISBN(book.ISBN),
		DurationSeconds: book.DurationSeconds,
		Format:          book.FormatHint,
	}
	if book.Series != nil {
		md.SeriesName = book.Series.Name
		md.SeriesSequence = book.Series.Sequence
	}
	return md
}
