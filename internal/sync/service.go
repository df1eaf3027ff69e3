// Package sync drives a reconciliation run: it pulls the user's books from
// the source library, walks each one through the per-book pipeline with
// bounded concurrency, flushes expired delayed-update sessions, and reports
// the run's outcome counters.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shelfbridge/shelfbridge/internal/api/audiobookshelf"
	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/matching"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/progress"
	"github.com/shelfbridge/shelfbridge/internal/result"
	"github.com/shelfbridge/shelfbridge/internal/session"
	"github.com/shelfbridge/shelfbridge/internal/sync/state"
	"github.com/shelfbridge/shelfbridge/internal/worker"
)

// DefaultUserID keys cache rows when no user is configured.
const DefaultUserID = "default"

const runBanner = "========================================"

// Service reconciles the source library against the remote book service.
type Service struct {
	source    audiobookshelf.AudiobookshelfClientInterface
	remote    hardcover.HardcoverClientInterface
	matcher   *matching.Matcher
	engine    *progress.Engine
	sessions  *session.Manager
	bookCache *cache.BookCache
	retry     *worker.RetryManager
	cfg       *config.Config
	state     *state.State
	statePath string
	userID    string
	log       *logger.Logger
}

// NewService wires the reconciliation engine from its two clients, the
// persistent book cache, and the configuration. The incremental-run state
// file is migrated and loaded here so a broken data dir fails at startup.
func NewService(source audiobookshelf.AudiobookshelfClientInterface, remote hardcover.HardcoverClientInterface, bookCache *cache.BookCache, cfg *config.Config, userID string) (*Service, error) {
	log := logger.Get()
	if userID == "" {
		userID = DefaultUserID
	}

	statePath := cfg.StateFile()
	if _, err := state.MigrateLegacyState("", statePath); err != nil {
		return nil, fmt.Errorf("failed to migrate legacy state: %w", err)
	}
	st, err := state.Load(statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	engine := progress.NewEngine(progress.Config{
		CompletionThreshold:    cfg.Progress.CompletionThreshold,
		AudiobookFinishSeconds: cfg.Progress.AudiobookFinishSeconds,
		PagesRemainingFinish:   cfg.Progress.PagesRemainingFinish,
		SignificantChange:      cfg.Progress.SignificantChange,
		RegressionBlock:        cfg.Progress.RegressionBlock,
		RegressionWarn:         cfg.Progress.RegressionWarn,
		RegressionHigh:         cfg.Progress.RegressionHigh,
		RereadThreshold:        cfg.Progress.RereadThreshold,
	}, log)

	sessions := session.New(session.Config{
		Enabled:             cfg.Session.Enabled,
		Timeout:             time.Duration(cfg.Session.TimeoutSeconds) * time.Second,
		MaxDelay:            time.Duration(cfg.Session.MaxDelaySeconds) * time.Second,
		ImmediateCompletion: cfg.Session.ImmediateCompletion,
	}, bookCache, engine, log)

	return &Service{
		source:    source,
		remote:    remote,
		matcher:   matching.New(remote, bookCache, matching.Config{}, log),
		engine:    engine,
		sessions:  sessions,
		bookCache: bookCache,
		retry:     worker.NewRetryManager(cfg.Retry.MaxRetries, worker.Schedule(cfg.Retry.Schedule), log),
		cfg:       cfg,
		state:     st,
		statePath: statePath,
		userID:    userID,
		log:       log,
	}, nil
}

// RunOptions tune a single run.
type RunOptions struct {
	// Force walks the whole library even when the incremental state says
	// most books are unchanged.
	Force bool
}

// Run executes one reconciliation pass. Per-book failures are folded into
// the summary; only initialization-level problems (unreachable services,
// failed library fetch) return an error.
func (s *Service) Run(ctx context.Context, opts RunOptions) (*models.SyncSummary, error) {
	collector := result.New(s.userID)
	runLog := s.log.With(map[string]interface{}{
		"run_id": collector.RunID(),
		"user":   s.userID,
	})

	runLog.Info(runBanner, nil)
	runLog.Info("Starting synchronization run", map[string]interface{}{
		"dry_run":     s.cfg.Sync.DryRun,
		"incremental": s.cfg.Sync.Incremental,
		"workers":     s.cfg.Sync.Workers,
		"filter":      s.cfg.Sync.TestBookFilter,
		"limit":       s.cfg.Sync.TestBookLimit,
	})
	runLog.Info(runBanner, nil)

	// Both services must answer before any book is touched; a dead service
	// aborts the run, not the process.
	checks, checkCtx := errgroup.WithContext(ctx)
	checks.Go(func() error {
		if err := s.source.TestConnection(checkCtx); err != nil {
			return fmt.Errorf("source library connection check failed: %w", err)
		}
		return nil
	})
	checks.Go(func() error {
		if err := s.remote.TestConnection(checkCtx); err != nil {
			return fmt.Errorf("remote service connection check failed: %w", err)
		}
		return nil
	})
	if err := checks.Wait(); err != nil {
		return nil, err
	}

	var (
		books []models.SourceBook
		stats *models.LibraryStats
	)
	fetch, fetchCtx := errgroup.WithContext(ctx)
	fetch.Go(func() error {
		var err error
		books, err = s.source.GetUserLibraryBooks(fetchCtx)
		if err != nil {
			return fmt.Errorf("failed to fetch library books: %w", err)
		}
		return nil
	})
	fetch.Go(func() error {
		// Stats are informational; a broken stats endpoint must not cost
		// the run.
		st, err := s.source.GetLibraryStats(fetchCtx)
		if err != nil {
			runLog.Warn("Library stats unavailable", map[string]interface{}{
				"error": err.Error(),
			})
			return nil
		}
		stats = st
		return nil
	})
	if err := fetch.Wait(); err != nil {
		return nil, err
	}

	runLog.Info("Fetched library books", map[string]interface{}{
		"count": len(books),
	})
	if stats != nil {
		runLog.Info("Library stats", map[string]interface{}{
			"total":       stats.Total,
			"in_progress": stats.InProgress,
			"completed":   stats.Completed,
		})
	}

	books = s.applyFilters(books, runLog)

	full := opts.Force || !s.cfg.Sync.Incremental || s.state.NeedsFullSync(state.DefaultFullSyncEvery)
	since := s.state.LastSyncTime()
	if !full {
		runLog.Info("Incremental run, skipping books unchanged since last sync", map[string]interface{}{
			"last_sync": since.Format(time.RFC3339),
		})
	}

	queue := worker.NewTaskQueue(s.cfg.Sync.Workers, nil, s.log)

	type pendingBook struct {
		book models.SourceBook
		done <-chan error
	}
	var pending []pendingBook

	for _, book := range books {
		if !full && s.unchangedSinceLastRun(book, since) {
			collector.Record(models.BookOutcome{
				BookRef: book.ID,
				Title:   book.Title,
				Author:  book.Author,
				Status:  models.StatusSkipped,
				Reason:  "unchanged since last run",
			})
			continue
		}

		book := book
		done := queue.Enqueue(ctx, func(taskCtx context.Context) error {
			collector.Record(s.syncBook(taskCtx, book))
			return nil
		})
		pending = append(pending, pendingBook{book: book, done: done})
	}

	if err := queue.OnIdle(ctx); err != nil {
		runLog.Warn("Run cancelled with tasks outstanding", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Every enqueued task delivers exactly one result; books rejected by a
	// cancelled queue still get an outcome.
	for _, p := range pending {
		if err := <-p.done; errors.Is(err, worker.ErrTaskAborted) {
			collector.Record(models.BookOutcome{
				BookRef: p.book.ID,
				Title:   p.book.Title,
				Author:  p.book.Author,
				Status:  models.StatusError,
				Reason:  "cancelled",
				Errors:  []string{"run cancelled before the book was processed"},
			})
		}
	}

	if s.sessions.Enabled() && !s.cfg.Sync.DryRun {
		flushed, err := s.sessions.ProcessExpired(ctx, s.userID, s.expiredSessionFunc(collector))
		if err != nil {
			runLog.Warn("Expired session scan failed", map[string]interface{}{
				"error": err.Error(),
			})
			collector.RecordError("expired session scan", err)
		} else if flushed > 0 {
			runLog.Info("Expired sessions flushed", map[string]interface{}{
				"count": flushed,
			})
		}
	}

	s.state.MarkRun(full)
	if err := s.state.Save(s.statePath); err != nil {
		// The run itself succeeded; a stale state file only costs the next
		// run some extra work.
		runLog.Error("Failed to save sync state", map[string]interface{}{
			"error": err.Error(),
		})
	}

	summary := collector.Summary()
	s.logSummary(runLog, summary, full)

	if collector.HasErrors() {
		if path, err := collector.WriteFailedSyncReport(s.cfg.FailedSyncDir()); err != nil {
			runLog.Error("Failed to write failed-sync report", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			runLog.Info("Wrote failed-sync report", map[string]interface{}{
				"path": path,
			})
		}
	}

	return &summary, nil
}

// applyFilters narrows the book list to the configured test filter and
// limit. Both default to off.
func (s *Service) applyFilters(books []models.SourceBook, log *logger.Logger) []models.SourceBook {
	if filter := strings.ToLower(strings.TrimSpace(s.cfg.Sync.TestBookFilter)); filter != "" {
		var kept []models.SourceBook
		for _, b := range books {
			if strings.Contains(strings.ToLower(b.Title), filter) ||
				strings.Contains(strings.ToLower(b.Author), filter) {
				kept = append(kept, b)
			}
		}
		log.Info("Applied book filter", map[string]interface{}{
			"filter":  s.cfg.Sync.TestBookFilter,
			"matched": len(kept),
		})
		books = kept
	}

	if limit := s.cfg.Sync.TestBookLimit; limit > 0 && len(books) > limit {
		log.Info("Applied book limit", map[string]interface{}{
			"limit": limit,
		})
		books = books[:limit]
	}
	return books
}

// unchangedSinceLastRun reports whether an incremental run may skip the book
// without touching the pipeline. Finished books always go through so a
// completion is never lost, and books without a listen timestamp carry no
// evidence either way.
func (s *Service) unchangedSinceLastRun(book models.SourceBook, since time.Time) bool {
	if since.IsZero() || book.IsFinished {
		return false
	}
	return book.LastListenedAt != nil && book.LastListenedAt.Before(since)
}

// expiredSessionFunc adapts the collector into the session manager's flush
// callback. A nil return tells the manager to finalize the session row.
func (s *Service) expiredSessionFunc(collector *result.Collector) session.SyncFunc {
	return func(ctx context.Context, mapping *cache.CachedMapping, decision models.ProgressDecision) error {
		outcome, err := s.flushSession(ctx, mapping, decision)
		collector.Record(outcome)
		return err
	}
}

// flushSession pushes one expired session's pending progress to the remote
// service. The mapping row carries the edition and book ids from the run
// that delayed the update.
func (s *Service) flushSession(ctx context.Context, mapping *cache.CachedMapping, decision models.ProgressDecision) (models.BookOutcome, error) {
	started := time.Now()
	id := mapping.Identifier()

	out := models.BookOutcome{
		BookRef:     mapping.BookID,
		Title:       mapping.TitleNorm,
		Author:      mapping.AuthorNorm,
		Identifiers: []models.Identifier{id},
		Reason:      decision.Reason,
		Progress: models.ProgressChange{
			After:   decision.TargetPercent,
			Changed: true,
		},
	}
	if mapping.LastProgressPercent != nil {
		out.Progress.Before = *mapping.LastProgressPercent
	}

	if mapping.BookID == "" {
		err := fmt.Errorf("cached mapping %s has no remote book id", id)
		out.Status = models.StatusError
		out.Errors = append(out.Errors, err.Error())
		out.Timing = time.Since(started)
		return out, err
	}

	userBook, err := s.remote.GetUserBook(ctx, mapping.BookID)
	if err != nil {
		out.Status = models.StatusError
		out.Errors = append(out.Errors, err.Error())
		out.Timing = time.Since(started)
		return out, err
	}
	if userBook == nil {
		// The book left the shelf while the update was pending; there is
		// nothing to deliver it to.
		s.log.Warn("Dropping expired session, book no longer on remote shelf", map[string]interface{}{
			"identifier": id.String(),
			"book_id":    mapping.BookID,
		})
		out.Status = models.StatusSkipped
		out.Reason = "book no longer on remote shelf"
		out.Timing = time.Since(started)
		return out, nil
	}

	var position *models.Position
	if mapping.EditionID != "" {
		if edition, err := s.remote.GetEdition(ctx, mapping.EditionID); err == nil && edition != nil {
			data := &progress.BookData{
				DurationSeconds: edition.AudioSeconds,
				Pages:           edition.Pages,
			}
			position = s.position(decision.TargetPercent, formatFor(models.SourceBook{}, edition), data)
		}
	}

	var mutation *models.MutationResult
	err = s.retry.Do(ctx, "flush session progress", func() error {
		var callErr error
		mutation, callErr = s.remote.UpdateProgress(ctx, userBook.ID, mapping.EditionID, decision.TargetPercent, position, nil)
		return callErr
	})
	if err != nil {
		out.Status = models.StatusError
		out.Errors = append(out.Errors, err.Error())
		out.Timing = time.Since(started)
		return out, err
	}

	out.Status = models.StatusSynced
	out.ActionText = fmt.Sprintf("flushed delayed progress to %.1f%%", decision.TargetPercent)
	out.APIResponse = &models.APIResponse{
		Success:  mutation.OK,
		Status:   mutation.Status,
		Duration: mutation.Duration,
	}
	out.Timing = time.Since(started)
	return out, nil
}

// logSummary prints the end-of-run banner with the collector counters.
func (s *Service) logSummary(log *logger.Logger, summary models.SyncSummary, full bool) {
	log.Info(runBanner, nil)
	log.Info("Synchronization finished", map[string]interface{}{
		"books_processed":   summary.BooksProcessed,
		"books_synced":      summary.BooksSynced,
		"books_completed":   summary.BooksCompleted,
		"books_auto_added":  summary.BooksAutoAdded,
		"books_skipped":     summary.BooksSkipped,
		"books_with_errors": summary.BooksWithErrors,
		"errors":            len(summary.Errors),
		"duration":          summary.Duration.String(),
		"full_pass":         full,
		"dry_run":           s.cfg.Sync.DryRun,
	})
	log.Info(runBanner, nil)
}
