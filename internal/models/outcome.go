package models

import "time"

// DecisionAction is what the session gate decided for a progress update.
type DecisionAction string

const (
	ActionSyncNow DecisionAction = "sync_now"
	ActionDelay   DecisionAction = "delay"
	ActionSkip    DecisionAction = "skip"
)

// PositionKind selects the unit of a reading position.
type PositionKind string

const (
	PositionPages   PositionKind = "pages"
	PositionSeconds PositionKind = "seconds"
)

// Position is a concrete reading position in pages (1-based) or seconds
// (0-based).
type Position struct {
	Kind  PositionKind `json:"kind"`
	Value float64      `json:"value"`
}

// ProgressDecision is the per-update verdict from the session gate.
type ProgressDecision struct {
	Action        DecisionAction `json:"action"`
	Reason        string         `json:"reason"`
	IsCompletion  bool           `json:"is_completion"`
	TargetPercent float64        `json:"target_percent"`
	Position      *Position      `json:"target_position,omitempty"`
}

// BookStatus is the terminal status of one book in a sync run.
type BookStatus string

const (
	StatusSynced    BookStatus = "synced"
	StatusCompleted BookStatus = "completed"
	StatusAutoAdded BookStatus = "auto_added"
	StatusSkipped   BookStatus = "skipped"
	StatusError     BookStatus = "error"
)

// ProgressChange summarizes the before/after progress of one book.
type ProgressChange struct {
	Before  float64 `json:"before"`
	After   float64 `json:"after"`
	Changed bool    `json:"changed"`
}

// RemoteBookInfo records which remote edition a book was reconciled against.
type RemoteBookInfo struct {
	EditionID       string  `json:"edition_id"`
	BookID          string  `json:"book_id"`
	Format          Format  `json:"format"`
	Pages           int     `json:"pages,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// APIResponse summarizes the remote mutation call for an outcome.
type APIResponse struct {
	Success  bool          `json:"success"`
	Status   int           `json:"status"`
	Duration time.Duration `json:"duration_s"`
}

// OutcomeTimestamps carries optional source timestamps into the outcome.
type OutcomeTimestamps struct {
	LastListenedAt *time.Time `json:"last_listened_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// SyncSummary is the counter block for one finished run.
type SyncSummary struct {
	RunID           string        `json:"run_id"`
	UserID          string        `json:"user_id,omitempty"`
	BooksProcessed  int           `json:"books_processed"`
	BooksSynced     int           `json:"books_synced"`
	BooksCompleted  int           `json:"books_completed"`
	BooksAutoAdded  int           `json:"books_auto_added"`
	BooksSkipped    int           `json:"books_skipped"`
	BooksWithErrors int           `json:"books_with_errors"`
	Errors          []string      `json:"errors,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Duration        time.Duration `json:"duration_s"`
}

// BookOutcome is the per-book result record accumulated by the run collector.
type BookOutcome struct {
	BookRef     string             `json:"book_ref"`
	Title       string             `json:"title"`
	Author      string             `json:"author,omitempty"`
	Status      BookStatus         `json:"status"`
	Progress    ProgressChange     `json:"progress"`
	Identifiers []Identifier       `json:"identifiers,omitempty"`
	Hardcover   *RemoteBookInfo    `json:"hardcover,omitempty"`
	ActionText  string             `json:"action_text,omitempty"`
	APIResponse *APIResponse       `json:"api_response,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Errors      []string           `json:"errors,omitempty"`
	CacheStatus string             `json:"cache_status,omitempty"`
	Timing      time.Duration      `json:"timing_ms"`
	Timestamps  *OutcomeTimestamps `json:"timestamps,omitempty"`
}
