package models

import "time"

// Edition is a remote catalog reference for a specific publication.
type Edition struct {
	EditionID     string         `json:"edition_id"`
	BookID        string         `json:"book_id"`
	Title         string         `json:"title,omitempty"`
	Format        Format         `json:"format"`
	AudioSeconds  float64        `json:"audio_seconds,omitempty"`
	Pages         int            `json:"pages,omitempty"`
	ReleaseYear   int            `json:"release_year,omitempty"`
	ReadingFormat string         `json:"reading_format,omitempty"`
	Contributions []Contribution `json:"contributions,omitempty"`
	ISBN10        string         `json:"isbn_10,omitempty"`
	ISBN13        string         `json:"isbn_13,omitempty"`
	ASIN          string         `json:"asin,omitempty"`
	UsersCount    int            `json:"users_count,omitempty"`
	RatingsCount  int            `json:"ratings_count,omitempty"`
}

// Contribution links a person to an edition in a given role.
type Contribution struct {
	Role string `json:"role,omitempty"` // author, narrator, ...
	Name string `json:"name"`
}

// Authors returns the names contributed in the author role. An empty role is
// treated as author, matching how the remote catalog omits the default role.
func (e *Edition) Authors() []string {
	var out []string
	for _, c := range e.Contributions {
		if c.Role == "" || c.Role == "author" || c.Role == "Author" {
			out = append(out, c.Name)
		}
	}
	return out
}

// Narrators returns the names contributed in the narrator role.
func (e *Edition) Narrators() []string {
	var out []string
	for _, c := range e.Contributions {
		if c.Role == "narrator" || c.Role == "Narrator" {
			out = append(out, c.Name)
		}
	}
	return out
}

// UserBook is the remote record tying a user to a book on their shelf.
type UserBook struct {
	ID             string  `json:"id"`
	BookID         string  `json:"book_id"`
	EditionID      string  `json:"edition_id,omitempty"`
	StatusID       int     `json:"status_id,omitempty"`
	ProgressPct    float64 `json:"progress_percent,omitempty"`
	IsCompleted    bool    `json:"is_completed,omitempty"`
	Title          string  `json:"title,omitempty"`
	AuthorName     string  `json:"author_name,omitempty"`
}

// SearchCandidate is one result from a title/author catalog search, carrying
// enough signals for composite scoring. UserBook is nil for catalog-only
// results.
type SearchCandidate struct {
	BookID       string   `json:"book_id"`
	Title        string   `json:"title"`
	Authors      []string `json:"authors,omitempty"`
	Narrators    []string `json:"narrators,omitempty"`
	SeriesName   string   `json:"series_name,omitempty"`
	SeriesSeq    string   `json:"series_sequence,omitempty"`
	ReleaseYear  int      `json:"release_year,omitempty"`
	Format       Format   `json:"format,omitempty"`
	AudioSeconds float64  `json:"audio_seconds,omitempty"`
	UsersCount   int      `json:"users_count,omitempty"`
	RatingsCount int      `json:"ratings_count,omitempty"`
	ListsCount   int      `json:"lists_count,omitempty"`
	Edition      *Edition `json:"edition,omitempty"`
	UserBook     *UserBook `json:"user_book,omitempty"`
}

// MutationResult reports the outcome of a remote write.
type MutationResult struct {
	OK         bool          `json:"ok"`
	Status     int           `json:"status"`
	UserBookID string        `json:"user_book_id,omitempty"`
	Duration   time.Duration `json:"duration"`
}
