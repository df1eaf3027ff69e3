package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/identifier"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/progress"
	"github.com/shelfbridge/shelfbridge/internal/transaction"
)

// earlySkipReason marks books dropped by the cache short-circuit before any
// remote call.
const earlySkipReason = "Progress unchanged (optimized early check)"

// Cache status strings reported on outcomes.
const (
	cacheUpdated        = "updated"
	cacheWriteFailed    = "write failed"
	cacheDryRun         = "skipped (dry run)"
	cacheUnchanged      = "unchanged"
	cacheNotWritten     = "not written"
	cacheSessionPending = "session pending"
)

// syncBook walks one source book through the reconciliation pipeline. All
// failures are folded into the returned outcome; a book can never abort the
// run.
func (s *Service) syncBook(ctx context.Context, book models.SourceBook) models.BookOutcome {
	started := time.Now()

	out := models.BookOutcome{
		BookRef: book.ID,
		Title:   book.Title,
		Author:  book.Author,
	}
	if book.LastListenedAt != nil {
		out.Timestamps = &models.OutcomeTimestamps{LastListenedAt: book.LastListenedAt}
	}

	finish := func(status models.BookStatus, reason string) models.BookOutcome {
		out.Status = status
		if reason != "" {
			out.Reason = reason
		}
		out.Timing = time.Since(started)
		return out
	}
	fail := func(reason string, err error) models.BookOutcome {
		if err != nil {
			out.Errors = append(out.Errors, err.Error())
		}
		return finish(models.StatusError, reason)
	}

	if err := ctx.Err(); err != nil {
		return fail("cancelled", err)
	}

	bookLog := s.log.With(map[string]interface{}{
		"book_ref": book.ID,
		"title":    book.Title,
	})

	ids := identifier.Candidates(book)
	out.Identifiers = ids

	finished := finishedFlag(book)
	sourceData := &progress.BookData{
		CurrentTimeSeconds: book.CurrentTimeSeconds,
		DurationSeconds:    book.DurationSeconds,
		Pages:              book.Pages,
	}

	target, ok := s.engine.Validate(book.ProgressPercent, progress.ValidateOptions{
		IsFinished: finished,
		Format:     book.FormatHint,
		Book:       sourceData,
	})
	if !ok {
		return finish(models.StatusSkipped, "no usable progress value")
	}
	complete := s.engine.IsComplete(target, s.completionOpts(finished, book.FormatHint, sourceData))
	if complete {
		target = progress.MaxProgress
	}
	out.Progress = models.ProgressChange{After: target}

	if !complete && target < s.cfg.Sync.MinimumProgress {
		return finish(models.StatusSkipped,
			fmt.Sprintf("progress %.1f%% below minimum %.1f%%", target, s.cfg.Sync.MinimumProgress))
	}

	// Early skip: when a cached identifier already recorded this progress
	// the book is done, with zero remote calls.
	for _, id := range ids {
		changed, err := s.bookCache.HasProgressChanged(ctx, s.userID, id, book.Title, target, s.cfg.Progress.SignificantChange)
		if err != nil {
			bookLog.Warn("Cache progress check failed, continuing with full pipeline", map[string]interface{}{
				"identifier": id.String(),
				"error":      err.Error(),
			})
			break
		}
		if !changed {
			out.Progress.Before = target
			out.CacheStatus = cacheUnchanged
			return finish(models.StatusSkipped, earlySkipReason)
		}
	}

	matched, err := s.matcher.FindMatch(ctx, s.userID, book)
	if err != nil {
		return fail("match lookup failed", err)
	}
	if matched.Match == nil {
		reason := matched.NoMatchReason
		if reason == "" {
			reason = "no match found"
		}
		return finish(models.StatusSkipped, reason)
	}
	match := matched.Match

	writeID, haveID := identifier.Best(ids)
	if !haveID && book.Title != "" {
		// A mapping is about to be written, so fall back to the composite
		// key rather than leaving the row unkeyed.
		writeID = models.Identifier{
			Kind:  models.IdentifierTitleAuthor,
			Value: identifier.TitleAuthorKey(book.Title, book.Author),
		}
		haveID = true
	}

	// Regression gate runs off the cached baseline, before any remote
	// lookup, so a blocked book costs no remote traffic.
	var prior *float64
	for _, id := range ids {
		mapping, err := s.bookCache.Get(ctx, s.userID, id, book.Title)
		if err != nil || mapping == nil {
			continue
		}
		if mapping.LastProgressPercent != nil {
			prior = mapping.LastProgressPercent
		}
		break
	}
	if prior != nil {
		out.Progress.Before = *prior
	}

	if !complete {
		regression := s.engine.AnalyzeRegression(prior, target)
		if regression.ShouldBlock {
			bookLog.Error("Blocking progress regression", map[string]interface{}{
				"prior":  floatOrZero(prior),
				"target": target,
				"drop":   regression.DropPercent,
			})
			return fail("regression blocked: "+regression.Reason, nil)
		}
		if regression.ShouldWarn {
			bookLog.Warn("Tolerating progress regression", map[string]interface{}{
				"prior":  floatOrZero(prior),
				"target": target,
				"drop":   regression.DropPercent,
			})
		}
		if regression.IsPotentialReread {
			bookLog.Info("Potential re-read detected, baseline resets after this sync", map[string]interface{}{
				"prior":  floatOrZero(prior),
				"target": target,
			})
		}
	}

	edition, err := s.resolveEdition(ctx, match)
	if err != nil {
		return fail("edition resolution failed", err)
	}
	if edition == nil || edition.EditionID == "" {
		return finish(models.StatusSkipped, "match carries no usable edition")
	}

	bookID := match.BookID
	if bookID == "" {
		bookID = edition.BookID
	}

	format := formatFor(book, edition)
	out.Hardcover = &models.RemoteBookInfo{
		EditionID:       edition.EditionID,
		BookID:          bookID,
		Format:          format,
		Pages:           edition.Pages,
		DurationSeconds: edition.AudioSeconds,
	}

	userBookID := match.UserBookID
	var userBook *models.UserBook
	if bookID != "" {
		userBook, err = s.remote.GetUserBook(ctx, bookID)
		if err != nil {
			return fail("user book lookup failed", err)
		}
		if userBook != nil {
			userBookID = userBook.ID
		}
	}

	// Edition data can prove completion the source alone could not, e.g.
	// when only the remote edition knows the audio length.
	bookData := bookDataFor(book, edition)
	if !complete {
		complete = s.engine.IsComplete(target, s.completionOpts(finished, format, bookData))
		if complete {
			target = progress.MaxProgress
			out.Progress.After = target
		}
	}
	position := s.position(target, format, bookData)

	if prior == nil && userBook != nil {
		out.Progress.Before = userBook.ProgressPct
	}
	out.Progress.Changed = math.Abs(out.Progress.Before-target) > 1e-9

	if userBook != nil && userBook.IsCompleted {
		if !complete {
			// Completion never rolls back on its own; a re-read needs an
			// explicit new read on the remote side.
			return finish(models.StatusSkipped, "already completed on remote; not reverting completion")
		}
		s.recordCache(ctx, &out, writeID, haveID, book, edition.EditionID, bookID, target, bookLog)
		return finish(models.StatusSkipped, "already completed on remote")
	}

	if userBook != nil && !complete && math.Abs(userBook.ProgressPct-target) < s.significantChange() {
		s.recordCache(ctx, &out, writeID, haveID, book, edition.EditionID, bookID, target, bookLog)
		return finish(models.StatusSkipped, "remote progress already current")
	}

	if s.sessions.Enabled() && haveID && !s.cfg.Sync.DryRun {
		decision := s.sessions.ShouldDelay(ctx, s.userID, writeID, book.Title, target, s.completionOpts(finished, format, bookData))
		if decision.Action == models.ActionDelay {
			out.CacheStatus = cacheSessionPending
			return finish(models.StatusSkipped, decision.Reason)
		}
	}

	status, action, mutation, err := s.mutateRemote(ctx, book, bookLog, mutationInput{
		userBookID: userBookID,
		bookID:     bookID,
		editionID:  edition.EditionID,
		target:     target,
		complete:   complete,
		position:   position,
		prior:      prior,
	})
	if err != nil {
		if errors.Is(err, errAutoAddDisabled) {
			return finish(models.StatusSkipped, "not in remote library and auto-add is disabled")
		}
		return fail(action, err)
	}

	if mutation != nil {
		out.APIResponse = &models.APIResponse{
			Success:  mutation.OK,
			Status:   mutation.Status,
			Duration: mutation.Duration,
		}
	}
	if complete {
		completedAt := completedAtFor(book)
		if out.Timestamps == nil {
			out.Timestamps = &models.OutcomeTimestamps{}
		}
		out.Timestamps.CompletedAt = &completedAt
	}

	if s.cfg.Sync.DryRun {
		out.ActionText = "[DRY-RUN] " + action
		out.CacheStatus = cacheDryRun
		return finish(status, "")
	}

	out.ActionText = action
	s.recordCache(ctx, &out, writeID, haveID, book, edition.EditionID, bookID, target, bookLog)
	return finish(status, "")
}

// errAutoAddDisabled aborts the mutation step for books missing from the
// remote shelf when auto-add is off.
var errAutoAddDisabled = errors.New("auto-add disabled")

// mutationInput bundles the resolved facts the remote mutation step needs.
type mutationInput struct {
	userBookID string
	bookID     string
	editionID  string
	target     float64
	complete   bool
	position   *models.Position
	prior      *float64
}

// mutateRemote issues the remote writes for one book under a per-book
// transaction. It returns the outcome status, the action text describing
// what happened, and the final mutation result. The action text doubles as
// the failure context when err is non-nil.
func (s *Service) mutateRemote(ctx context.Context, book models.SourceBook, bookLog *logger.Logger, in mutationInput) (models.BookStatus, string, *models.MutationResult, error) {
	txn := transaction.New(s.log)
	var mutation *models.MutationResult

	if in.userBookID == "" {
		if !s.cfg.Sync.AutoAddBooks {
			return models.StatusSkipped, "", nil, errAutoAddDisabled
		}
		if in.bookID == "" {
			return models.StatusError, "library add failed", nil, errors.New("no remote book id to add")
		}

		err := s.retry.Do(ctx, "add book to library", func() error {
			var callErr error
			mutation, callErr = s.remote.AddBookToLibrary(ctx, in.bookID, in.editionID, in.target, in.position)
			return callErr
		})
		if err != nil {
			rollbackQuietly(ctx, txn, bookLog)
			return models.StatusError, "library add failed", nil, err
		}
		txn.Add("auto-added shelf entry", func(ctx context.Context) error {
			// The remote API has no removal operation, so the entry stays;
			// flag it for manual cleanup.
			bookLog.Warn("Cannot remove auto-added book remotely, leaving shelf entry in place", map[string]interface{}{
				"book_id":      in.bookID,
				"user_book_id": mutation.UserBookID,
			})
			return nil
		})

		action := fmt.Sprintf("added to library at %.1f%% progress", in.target)
		if in.complete {
			if s.cfg.Sync.DryRun {
				txn.Commit()
				return models.StatusAutoAdded, "added to library and marked complete", mutation, nil
			}
			completedAt := completedAtFor(book)
			err := s.retry.Do(ctx, "mark complete", func() error {
				finished, callErr := s.remote.MarkComplete(ctx, mutation.UserBookID, in.editionID, completedAt)
				if callErr == nil {
					mutation = finished
				}
				return callErr
			})
			if err != nil {
				rollbackQuietly(ctx, txn, bookLog)
				return models.StatusError, "completion after library add failed", nil, err
			}
			txn.Commit()
			return models.StatusAutoAdded, "added to library and marked complete", mutation, nil
		}
		txn.Commit()
		return models.StatusAutoAdded, action, mutation, nil
	}

	if in.complete {
		completedAt := completedAtFor(book)
		err := s.retry.Do(ctx, "mark complete", func() error {
			var callErr error
			mutation, callErr = s.remote.MarkComplete(ctx, in.userBookID, in.editionID, completedAt)
			return callErr
		})
		if err != nil {
			rollbackQuietly(ctx, txn, bookLog)
			return models.StatusError, "completion update failed", nil, err
		}
		txn.Commit()
		return models.StatusCompleted, "marked complete", mutation, nil
	}

	err := s.retry.Do(ctx, "update progress", func() error {
		var callErr error
		mutation, callErr = s.remote.UpdateProgress(ctx, in.userBookID, in.editionID, in.target, in.position, timestampsFor(book))
		return callErr
	})
	if err != nil {
		rollbackQuietly(ctx, txn, bookLog)
		return models.StatusError, "progress update failed", nil, err
	}
	if in.prior != nil {
		priorPercent := *in.prior
		txn.Add("revert progress update", func(ctx context.Context) error {
			_, revertErr := s.remote.UpdateProgress(ctx, in.userBookID, in.editionID, priorPercent, nil, nil)
			return revertErr
		})
	}
	txn.Commit()
	return models.StatusSynced, fmt.Sprintf("updated progress to %.1f%%", in.target), mutation, nil
}

// rollbackQuietly unwinds a per-book transaction, logging instead of
// propagating compensation failures; the original error stays the story.
func rollbackQuietly(ctx context.Context, txn *transaction.Transaction, bookLog *logger.Logger) {
	if err := txn.Rollback(ctx); err != nil {
		bookLog.Error("Transaction rollback failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// resolveEdition turns a match into a fully hydrated catalog edition. Cache
// hits carry only ids and need a catalog read; direct identifier and search
// hits usually arrive complete.
func (s *Service) resolveEdition(ctx context.Context, match *models.Match) (*models.Edition, error) {
	edition := match.Edition

	if edition == nil {
		if match.BookID == "" {
			return nil, nil
		}
		return s.pickBookEdition(ctx, match.BookID)
	}

	if editionHydrated(edition) && !match.NeedsBookIDLookup {
		return edition, nil
	}

	if edition.EditionID != "" {
		full, err := s.remote.GetEdition(ctx, edition.EditionID)
		if err == nil {
			return full, nil
		}
		if !errors.Is(err, hardcover.ErrEditionNotFound) {
			return nil, err
		}
		// A cached edition can disappear from the catalog; fall back to
		// the book's current editions before giving up.
		if match.BookID != "" {
			return s.pickBookEdition(ctx, match.BookID)
		}
		return nil, err
	}

	return edition, nil
}

// pickBookEdition returns the most used edition of a book, the catalog's
// own popularity order.
func (s *Service) pickBookEdition(ctx context.Context, bookID string) (*models.Edition, error) {
	editions, err := s.remote.GetBookEditions(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if len(editions) == 0 {
		return nil, nil
	}
	edition := editions[0]
	return &edition, nil
}

// editionHydrated reports whether the edition carries the position fields
// the progress engine needs, not just ids.
func editionHydrated(edition *models.Edition) bool {
	return edition.Format != "" && edition.Format != models.FormatUnknown ||
		edition.AudioSeconds > 0 || edition.Pages > 0 || edition.ReadingFormat != ""
}

// recordCache persists the mapping and sync baseline. Cache failures after
// a successful remote write are logged but never undo the sync; the remote
// is the source of truth and the next run converges idempotently.
func (s *Service) recordCache(ctx context.Context, out *models.BookOutcome, id models.Identifier, haveID bool, book models.SourceBook, editionID, bookID string, target float64, bookLog *logger.Logger) {
	if !haveID {
		bookLog.Warn("No usable identifier, mapping not cached", nil)
		out.CacheStatus = cacheNotWritten
		return
	}

	if err := s.bookCache.StoreMapping(ctx, s.userID, id, book.Title, editionID, bookID, book.Author); err != nil {
		bookLog.Error("Cache mapping write failed after successful sync", map[string]interface{}{
			"identifier": id.String(),
			"error":      err.Error(),
		})
		out.CacheStatus = cacheWriteFailed
		return
	}
	if err := s.bookCache.RecordSync(ctx, s.userID, id, book.Title, target, time.Now()); err != nil {
		bookLog.Error("Cache baseline write failed after successful sync", map[string]interface{}{
			"identifier": id.String(),
			"error":      err.Error(),
		})
		out.CacheStatus = cacheWriteFailed
		return
	}
	out.CacheStatus = cacheUpdated
}

// completionOpts builds the completion options shared by the pipeline and
// the session gate.
func (s *Service) completionOpts(finished *bool, format models.Format, data *progress.BookData) progress.CompletionOptions {
	return progress.CompletionOptions{
		IsFinished: finished,
		Threshold:  s.cfg.Progress.CompletionThreshold,
		Format:     format,
		Book:       data,
	}
}

// position converts a percentage into the remote position for the edition's
// format: seconds for audiobooks, pages for text formats, nil when the
// totals are unknown.
func (s *Service) position(pct float64, format models.Format, data *progress.BookData) *models.Position {
	if data == nil {
		return nil
	}
	switch format {
	case models.FormatAudiobook:
		if data.DurationSeconds > 0 {
			return &models.Position{
				Kind:  models.PositionSeconds,
				Value: progress.CurrentPosition(pct, data.DurationSeconds, models.PositionSeconds),
			}
		}
	case models.FormatEbook, models.FormatPhysical:
		if data.Pages > 0 {
			return &models.Position{
				Kind:  models.PositionPages,
				Value: progress.CurrentPosition(pct, float64(data.Pages), models.PositionPages),
			}
		}
	}
	return nil
}

// bookDataFor merges source listening data with edition totals; the edition
// wins on totals because the remote positions are written against it.
func bookDataFor(book models.SourceBook, edition *models.Edition) *progress.BookData {
	data := &progress.BookData{
		CurrentTimeSeconds: book.CurrentTimeSeconds,
		DurationSeconds:    book.DurationSeconds,
		Pages:              book.Pages,
	}
	if edition != nil {
		if edition.AudioSeconds > 0 {
			data.DurationSeconds = edition.AudioSeconds
		}
		if edition.Pages > 0 {
			data.Pages = edition.Pages
		}
	}
	return data
}

// formatFor picks the format to reconcile under: the edition's own format
// first, then the source hint, then whatever the position data implies.
func formatFor(book models.SourceBook, edition *models.Edition) models.Format {
	if edition != nil {
		if edition.Format != "" && edition.Format != models.FormatUnknown {
			return edition.Format
		}
		if f := models.ParseFormat(edition.ReadingFormat); f != models.FormatUnknown {
			return f
		}
	}
	if book.FormatHint != "" && book.FormatHint != models.FormatUnknown {
		return book.FormatHint
	}
	if book.DurationSeconds > 0 || (edition != nil && edition.AudioSeconds > 0) {
		return models.FormatAudiobook
	}
	if book.Pages > 0 || (edition != nil && edition.Pages > 0) {
		return models.FormatEbook
	}
	return models.FormatUnknown
}

// finishedFlag returns a pointer only when the source asserts completion;
// an unasserted flag must stay nil so format-based completion rules apply.
func finishedFlag(book models.SourceBook) *bool {
	if !book.IsFinished {
		return nil
	}
	finished := true
	return &finished
}

// completedAtFor picks the completion timestamp: the last listen time when
// the source kept one, otherwise now.
func completedAtFor(book models.SourceBook) time.Time {
	if book.LastListenedAt != nil {
		return *book.LastListenedAt
	}
	return time.Now()
}

// timestampsFor carries source timestamps into remote mutations.
func timestampsFor(book models.SourceBook) *models.OutcomeTimestamps {
	if book.LastListenedAt == nil {
		return nil
	}
	return &models.OutcomeTimestamps{LastListenedAt: book.LastListenedAt}
}

// significantChange mirrors the progress engine's change threshold for the
// guards that compare against live remote progress.
func (s *Service) significantChange() float64 {
	if s.cfg.Progress.SignificantChange > 0 {
		return s.cfg.Progress.SignificantChange
	}
	return progress.DefaultSignificantChange
}

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
