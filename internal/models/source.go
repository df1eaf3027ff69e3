package models

import "time"

// Format classifies the media format of a book or edition.
type Format string

const (
	FormatAudiobook Format = "audiobook"
	FormatEbook     Format = "ebook"
	FormatPhysical  Format = "physical"
	FormatUnknown   Format = "unknown"
)

// ParseFormat maps loose format strings from either service onto a Format.
func ParseFormat(s string) Format {
	switch s {
	case "audiobook", "audio", "listened":
		return FormatAudiobook
	case "ebook", "digital", "book":
		return FormatEbook
	case "physical", "paperback", "hardcover", "read":
		return FormatPhysical
	default:
		return FormatUnknown
	}
}

// Series identifies a book's series membership in the source library.
type Series struct {
	Name     string `json:"name"`
	Sequence string `json:"sequence,omitempty"`
}

// SourceBook is the flattened input record the reconciler works on. It is
// built once from a LibraryRecord and never mutated during a run.
type SourceBook struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Author             string     `json:"author"`
	Narrator           string     `json:"narrator,omitempty"`
	Series             *Series    `json:"series,omitempty"`
	PublishedYear      int        `json:"published_year,omitempty"`
	ASIN               string     `json:"asin,omitempty"`
	ISBN               string     `json:"isbn,omitempty"`
	DurationSeconds    float64    `json:"duration_seconds,omitempty"`
	Pages              int        `json:"pages,omitempty"`
	CurrentTimeSeconds float64    `json:"current_time_seconds,omitempty"`
	ProgressPercent    float64    `json:"progress_percentage"`
	IsFinished         bool       `json:"is_finished"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	LastListenedAt     *time.Time `json:"last_listened_at,omitempty"`
	FormatHint         Format     `json:"format_hint,omitempty"`
}

// LibraryRecord is the raw nested item shape returned by the source library
// API. Identifier extraction probes it in precedence order: direct field,
// then media, then media.metadata.
type LibraryRecord struct {
	ID        string        `json:"id"`
	LibraryID string        `json:"libraryId,omitempty"`
	Title     string        `json:"title,omitempty"`
	MediaType string        `json:"mediaType,omitempty"`
	Media     *RecordMedia  `json:"media,omitempty"`
	Progress  *MediaSession `json:"progress,omitempty"`
}

// RecordMedia is the media block of a LibraryRecord.
type RecordMedia struct {
	ID       string          `json:"id,omitempty"`
	Title    string          `json:"title,omitempty"`
	Duration float64         `json:"duration,omitempty"`
	NumPages int             `json:"numPages,omitempty"`
	Metadata *RecordMetadata `json:"metadata,omitempty"`
}

// RecordMetadata is the media.metadata block of a LibraryRecord. Author,
// narrator and series appear either as display strings or as arrays of
// named objects depending on the endpoint.
type RecordMetadata struct {
	Title         string       `json:"title,omitempty"`
	Subtitle      string       `json:"subtitle,omitempty"`
	AuthorName    string       `json:"authorName,omitempty"`
	Authors       []NamedEntry `json:"authors,omitempty"`
	NarratorName  string       `json:"narratorName,omitempty"`
	Narrators     []NamedEntry `json:"narrators,omitempty"`
	SeriesName    string       `json:"seriesName,omitempty"`
	Series        []SeriesRef  `json:"series,omitempty"`
	PublishedYear string       `json:"publishedYear,omitempty"`
	ISBN          string       `json:"isbn,omitempty"`
	ASIN          string       `json:"asin,omitempty"`
	Duration      float64      `json:"duration,omitempty"`
	NumPages      int          `json:"numPages,omitempty"`
}

// NamedEntry is an {id, name} pair used for authors and narrators.
type NamedEntry struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// SeriesRef is a series entry carrying the position within the series.
type SeriesRef struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Sequence string `json:"sequence,omitempty"`
}

// MediaSession is the listening state attached to a LibraryRecord.
type MediaSession struct {
	CurrentTime float64 `json:"currentTime,omitempty"`
	Progress    float64 `json:"progress,omitempty"` // 0.0 to 1.0
	IsFinished  bool    `json:"isFinished"`
	StartedAt   int64   `json:"startedAt,omitempty"`  // unix millis
	FinishedAt  int64   `json:"finishedAt,omitempty"` // unix millis
	LastUpdate  int64   `json:"lastUpdate,omitempty"` // unix millis
}

// LibraryStats is the optional aggregate the source library reports.
type LibraryStats struct {
	Total      int `json:"total"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
}
