// Package result accumulates per-book outcomes for one sync run and writes
// the failed-sync report file.
package result

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

// Collector gathers BookOutcome records from worker tasks. One instance per
// run; never shared across runs.
type Collector struct {
	mu        sync.Mutex
	runID     string
	userID    string
	startedAt time.Time

	processed  int
	synced     int
	completed  int
	autoAdded  int
	skipped    int
	withErrors int

	errors  []string
	details []models.BookOutcome
}

// New starts a collector for one run.
func New(userID string) *Collector {
	return &Collector{
		runID:     uuid.NewString(),
		userID:    userID,
		startedAt: time.Now(),
	}
}

// RunID returns the run's identifier, usable in logs and report files.
func (c *Collector) RunID() string {
	return c.runID
}

// Record appends one book's outcome and bumps the matching counter.
func (c *Collector) Record(outcome models.BookOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.processed++
	c.details = append(c.details, outcome)

	switch outcome.Status {
	case models.StatusSynced:
		c.synced++
	case models.StatusCompleted:
		c.completed++
	case models.StatusAutoAdded:
		c.autoAdded++
	case models.StatusSkipped:
		c.skipped++
	case models.StatusError:
		c.withErrors++
		if len(outcome.Errors) == 0 {
			c.errors = append(c.errors, fmt.Sprintf("%s: %s", outcome.Title, outcome.Reason))
		}
		for _, e := range outcome.Errors {
			c.errors = append(c.errors, fmt.Sprintf("%s: %s", outcome.Title, e))
		}
	}
}

// RecordError appends a run-level error that is not tied to a single book,
// such as a failed library fetch.
func (c *Collector) RecordError(context string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, fmt.Sprintf("%s: %s", context, err.Error()))
}

// Details returns a copy of all recorded outcomes in arrival order.
func (c *Collector) Details() []models.BookOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.BookOutcome, len(c.details))
	copy(out, c.details)
	return out
}

// FailedBooks returns the outcomes that ended in an error status.
func (c *Collector) FailedBooks() []models.BookOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.BookOutcome
	for _, d := range c.details {
		if d.Status == models.StatusError {
			out = append(out, d)
		}
	}
	return out
}

// HasErrors reports whether any book failed or a run-level error was
// recorded.
func (c *Collector) HasErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.withErrors > 0 || len(c.errors) > 0
}

// Summary snapshots the counters. FinishedAt is the call time, so take the
// summary once at the end of the run.
func (c *Collector) Summary() models.SyncSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	errs := make([]string, len(c.errors))
	copy(errs, c.errors)

	return models.SyncSummary{
		RunID:           c.runID,
		UserID:          c.userID,
		BooksProcessed:  c.processed,
		BooksSynced:     c.synced,
		BooksCompleted:  c.completed,
		BooksAutoAdded:  c.autoAdded,
		BooksSkipped:    c.skipped,
		BooksWithErrors: c.withErrors,
		Errors:          errs,
		StartedAt:       c.startedAt,
		FinishedAt:      now,
		Duration:        now.Sub(c.startedAt),
	}
}
