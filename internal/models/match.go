package models

// MatchType records which resolver tier produced a match.
type MatchType string

const (
	MatchCache       MatchType = "cache"
	MatchASIN        MatchType = "asin"
	MatchISBN        MatchType = "isbn"
	MatchTitleAuthor MatchType = "title_author"
)

// Confidence buckets a composite match score.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Match is the resolver output for one source book. UserBookID is empty when
// the match came from a catalog search rather than the user's shelf;
// NeedsBookIDLookup marks direct ASIN/ISBN hits whose book id is still
// unknown.
type Match struct {
	UserBookID        string             `json:"user_book_id,omitempty"`
	Edition           *Edition           `json:"edition"`
	BookID            string             `json:"book_id"`
	Type              MatchType          `json:"match_type"`
	Confidence        Confidence         `json:"confidence"`
	Score             float64            `json:"score"`
	Breakdown         map[string]float64 `json:"breakdown,omitempty"`
	NeedsBookIDLookup bool               `json:"needs_book_id_lookup,omitempty"`
}

// ExtractedMetadata carries the normalized fields pulled out of a source
// book, reported alongside a match (or a no-match) for logging.
type ExtractedMetadata struct {
	Title           string  `json:"title"`
	Author          string  `json:"author"`
	Narrator        string  `json:"narrator,omitempty"`
	SeriesName      string  `json:"series_name,omitempty"`
	SeriesSequence  string  `json:"series_sequence,omitempty"`
	PublishedYear   int     `json:"published_year,omitempty"`
	ASIN            string  `json:"asin,omitempty"`
	ISBN            string  `json:"isbn,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Format          Format  `json:"format,omitempty"`
}
