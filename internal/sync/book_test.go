package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfbridge/shelfbridge/internal/api/audiobookshelf"
	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/identifier"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

func TestMain(m *testing.M) {
	logger.Setup(logger.Config{Level: "error", Format: "json"})
	os.Exit(m.Run())
}

// fakeSource serves a fixed library snapshot.
type fakeSource struct {
	books    []models.SourceBook
	stats    *models.LibraryStats
	connErr  error
	fetchErr error
}

func (f *fakeSource) GetUserLibraryBooks(ctx context.Context) ([]models.SourceBook, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.books, nil
}

func (f *fakeSource) GetLibraryStats(ctx context.Context) (*models.LibraryStats, error) {
	if f.stats == nil {
		return nil, errors.New("stats endpoint unavailable")
	}
	return f.stats, nil
}

func (f *fakeSource) TestConnection(ctx context.Context) error { return f.connErr }

// remoteCall records one remote invocation, reads and writes alike.
type remoteCall struct {
	op         string
	userBookID string
	bookID     string
	editionID  string
	percent    float64
	position   *models.Position
}

// fakeRemote is an in-memory catalog and shelf that records every call, so
// tests can assert on remote traffic precisely. Mutations are applied to the
// shelf map, which makes repeated runs behave like the real service.
type fakeRemote struct {
	mu sync.Mutex

	editionsByASIN map[string][]models.Edition
	editionsByISBN map[string][]models.Edition
	candidates     []models.SearchCandidate
	editions       map[string]models.Edition
	bookEditions   map[string][]models.Edition
	userBooks      map[string]models.UserBook // keyed by book id

	connErr     error
	updateErr   error
	completeErr error
	addErr      error

	nextUserBook int
	calls        []remoteCall
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		editionsByASIN: map[string][]models.Edition{},
		editionsByISBN: map[string][]models.Edition{},
		editions:       map[string]models.Edition{},
		bookEditions:   map[string][]models.Edition{},
		userBooks:      map[string]models.UserBook{},
	}
}

func (f *fakeRemote) record(c remoteCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeRemote) callsOf(ops ...string) []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[string]bool{}
	for _, op := range ops {
		want[op] = true
	}
	var out []remoteCall
	for _, c := range f.calls {
		if want[c.op] {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) mutations() []remoteCall {
	return f.callsOf("update_progress", "mark_complete", "add_book")
}

func (f *fakeRemote) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRemote) SearchEditionsByASIN(ctx context.Context, asin string) ([]models.Edition, error) {
	f.record(remoteCall{op: "search_asin"})
	return f.editionsByASIN[asin], nil
}

func (f *fakeRemote) SearchEditionsByISBN(ctx context.Context, isbn string) ([]models.Edition, error) {
	f.record(remoteCall{op: "search_isbn"})
	return f.editionsByISBN[isbn], nil
}

func (f *fakeRemote) SearchByTitleAuthor(ctx context.Context, title, author string, limit int) ([]models.SearchCandidate, error) {
	f.record(remoteCall{op: "search_title"})
	return f.candidates, nil
}

func (f *fakeRemote) GetEdition(ctx context.Context, editionID string) (*models.Edition, error) {
	f.record(remoteCall{op: "get_edition", editionID: editionID})
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.editions[editionID]; ok {
		return &e, nil
	}
	return nil, fmt.Errorf("%w: edition %s", hardcover.ErrEditionNotFound, editionID)
}

func (f *fakeRemote) GetBookEditions(ctx context.Context, bookID string) ([]models.Edition, error) {
	f.record(remoteCall{op: "get_book_editions", bookID: bookID})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bookEditions[bookID], nil
}

func (f *fakeRemote) GetUserBook(ctx context.Context, bookID string) (*models.UserBook, error) {
	f.record(remoteCall{op: "get_user_book", bookID: bookID})
	f.mu.Lock()
	defer f.mu.Unlock()
	if ub, ok := f.userBooks[bookID]; ok {
		return &ub, nil
	}
	return nil, nil
}

func (f *fakeRemote) UpdateProgress(ctx context.Context, userBookID, editionID string, progressPercent float64, position *models.Position, timestamps *models.OutcomeTimestamps) (*models.MutationResult, error) {
	f.record(remoteCall{op: "update_progress", userBookID: userBookID, editionID: editionID, percent: progressPercent, position: position})
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for bookID, ub := range f.userBooks {
		if ub.ID == userBookID {
			ub.ProgressPct = progressPercent
			f.userBooks[bookID] = ub
		}
	}
	return &models.MutationResult{OK: true, Status: 200, UserBookID: userBookID, Duration: time.Millisecond}, nil
}

func (f *fakeRemote) MarkComplete(ctx context.Context, userBookID, editionID string, completedAt time.Time) (*models.MutationResult, error) {
	f.record(remoteCall{op: "mark_complete", userBookID: userBookID, editionID: editionID})
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for bookID, ub := range f.userBooks {
		if ub.ID == userBookID {
			ub.IsCompleted = true
			ub.ProgressPct = 100
			f.userBooks[bookID] = ub
		}
	}
	return &models.MutationResult{OK: true, Status: 200, UserBookID: userBookID, Duration: time.Millisecond}, nil
}

func (f *fakeRemote) AddBookToLibrary(ctx context.Context, bookID, editionID string, initialProgress float64, position *models.Position) (*models.MutationResult, error) {
	f.record(remoteCall{op: "add_book", bookID: bookID, editionID: editionID, percent: initialProgress, position: position})
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUserBook++
	id := fmt.Sprintf("ub-new-%d", f.nextUserBook)
	f.userBooks[bookID] = models.UserBook{ID: id, BookID: bookID, EditionID: editionID, ProgressPct: initialProgress}
	return &models.MutationResult{OK: true, Status: 201, UserBookID: id, Duration: time.Millisecond}, nil
}

func (f *fakeRemote) GetCurrentUserID(ctx context.Context) (int, error) { return 1, nil }

func (f *fakeRemote) TestConnection(ctx context.Context) error { return f.connErr }

var (
	_ audiobookshelf.AudiobookshelfClientInterface = (*fakeSource)(nil)
	_ hardcover.HardcoverClientInterface           = (*fakeRemote)(nil)
)

func newTestCache(t *testing.T) *cache.BookCache {
	t.Helper()

	c, err := cache.Open(&cache.Config{
		Type: cache.BackendSQLite,
		Path: filepath.Join(t.TempDir(), "cache.db"),
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestService(t *testing.T, source *fakeSource, remote *fakeRemote, mutate func(*config.Config)) (*Service, *cache.BookCache) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Paths.DataDir = t.TempDir()
	cfg.Sync.Workers = 2
	cfg.Sync.MinimumProgress = 1.0
	if mutate != nil {
		mutate(cfg)
	}

	bookCache := newTestCache(t)
	svc, err := NewService(source, remote, bookCache, cfg, "alice")
	require.NoError(t, err)
	return svc, bookCache
}

func asinID(v string) models.Identifier {
	return models.Identifier{Kind: models.IdentifierASIN, Value: v}
}

func isbnID(v string) models.Identifier {
	return models.Identifier{Kind: models.IdentifierISBN, Value: v}
}

func TestSyncBookEarlySkipWhenProgressUnchanged(t *testing.T) {
	remote := newFakeRemote()
	svc, bookCache := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	id := asinID("B01ABCDEFG")
	require.NoError(t, bookCache.StoreMapping(ctx, "alice", id, "X", "ed-1", "bk-1", "A"))
	require.NoError(t, bookCache.RecordSync(ctx, "alice", id, "X", 75, time.Now()))

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b1",
		Title:           "X",
		Author:          "A",
		ASIN:            "B01ABCDEFG",
		ProgressPercent: 75,
	})

	assert.Equal(t, models.StatusSkipped, out.Status)
	assert.Equal(t, "Progress unchanged (optimized early check)", out.Reason)
	assert.Equal(t, "unchanged", out.CacheStatus)
	assert.Equal(t, 75.0, out.Progress.Before)
	assert.Equal(t, 75.0, out.Progress.After)
	assert.Zero(t, remote.totalCalls(), "early skip must not touch the remote service")
}

func TestSyncBookNewBookViaISBN(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}
	remote.userBooks["42"] = models.UserBook{ID: "ub-7", BookID: "42", ProgressPct: 5}

	svc, bookCache := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 12.5,
	})

	assert.Equal(t, models.StatusSynced, out.Status)
	assert.Equal(t, "updated progress to 12.5%", out.ActionText)
	assert.Equal(t, "updated", out.CacheStatus)
	assert.Equal(t, 5.0, out.Progress.Before)
	assert.Equal(t, 12.5, out.Progress.After)
	assert.True(t, out.Progress.Changed)
	require.NotNil(t, out.Hardcover)
	assert.Equal(t, "99", out.Hardcover.EditionID)
	assert.Equal(t, "42", out.Hardcover.BookID)
	require.NotNil(t, out.APIResponse)
	assert.True(t, out.APIResponse.Success)

	updates := remote.callsOf("update_progress")
	require.Len(t, updates, 1)
	assert.Equal(t, "ub-7", updates[0].userBookID)
	assert.Equal(t, "99", updates[0].editionID)
	assert.Equal(t, 12.5, updates[0].percent)
	require.NotNil(t, updates[0].position)
	assert.Equal(t, models.PositionSeconds, updates[0].position.Kind)
	assert.Equal(t, 450.0, updates[0].position.Value)

	mapping, err := bookCache.Get(ctx, "alice", isbnID("9781234567890"), "Foo")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "99", mapping.EditionID)
	assert.Equal(t, "42", mapping.BookID)
	require.NotNil(t, mapping.LastProgressPercent)
	assert.InDelta(t, 12.5, *mapping.LastProgressPercent, 1e-9)
}

func TestSyncBookTitleAuthorFallback(t *testing.T) {
	audiobook := &models.Edition{
		EditionID:    "501",
		BookID:       "77",
		Format:       models.FormatAudiobook,
		AudioSeconds: 18000,
	}
	remote := newFakeRemote()
	remote.candidates = []models.SearchCandidate{
		{
			BookID:       "77",
			Title:        "The Laws of the Skies",
			Authors:      []string{"Gregoire Courtois"},
			Format:       models.FormatAudiobook,
			AudioSeconds: 18000,
			UsersCount:   1200,
			Edition:      audiobook,
		},
		{
			BookID:     "78",
			Title:      "Laws of the Sky Kingdom",
			Authors:    []string{"Someone Else"},
			UsersCount: 40,
			Edition:    &models.Edition{EditionID: "502", BookID: "78", Format: models.FormatEbook, Pages: 300},
		},
	}
	remote.userBooks["77"] = models.UserBook{ID: "ub-3", BookID: "77", ProgressPct: 10}

	svc, bookCache := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	book := models.SourceBook{
		ID:                 "b3",
		Title:              "The Laws of the Skies",
		Author:             "Gregoire Courtois",
		Narrator:           "X",
		DurationSeconds:    18000,
		CurrentTimeSeconds: 5400,
		FormatHint:         models.FormatAudiobook,
		ProgressPercent:    30,
	}
	out := svc.syncBook(ctx, book)

	assert.Equal(t, models.StatusSynced, out.Status)
	require.NotNil(t, out.Hardcover)
	assert.Equal(t, "501", out.Hardcover.EditionID)

	key := identifier.TitleAuthorKey(book.Title, book.Author)
	assert.Equal(t, "laws of skies|gregoire courtois", key)

	mapping, err := bookCache.Get(ctx, "alice",
		models.Identifier{Kind: models.IdentifierTitleAuthor, Value: key}, book.Title)
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "77", mapping.BookID)
}

func TestSyncBookBlocksMajorRegression(t *testing.T) {
	remote := newFakeRemote()
	svc, bookCache := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	id := asinID("B01ABCDEFG")
	require.NoError(t, bookCache.StoreMapping(ctx, "alice", id, "X", "ed-1", "bk-1", "A"))
	require.NoError(t, bookCache.RecordSync(ctx, "alice", id, "X", 92, time.Now()))

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b1",
		Title:           "X",
		Author:          "A",
		ASIN:            "B01ABCDEFG",
		ProgressPercent: 22,
	})

	assert.Equal(t, models.StatusError, out.Status)
	assert.Contains(t, out.Reason, "Major regression: 70.0% drop")
	assert.Equal(t, 92.0, out.Progress.Before)
	assert.Zero(t, remote.totalCalls(), "blocked regression must not touch the remote service")

	mapping, err := bookCache.Get(ctx, "alice", id, "X")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	require.NotNil(t, mapping.LastProgressPercent)
	assert.Equal(t, 92.0, *mapping.LastProgressPercent, "blocked regression must not move the baseline")
}

func TestSyncBookModerateRegressionWarnsButSyncs(t *testing.T) {
	remote := newFakeRemote()
	remote.editions["ed-1"] = models.Edition{
		EditionID:    "ed-1",
		BookID:       "bk-1",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}
	remote.userBooks["bk-1"] = models.UserBook{ID: "ub-1", BookID: "bk-1", ProgressPct: 60}

	svc, bookCache := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	id := asinID("B01ABCDEFG")
	require.NoError(t, bookCache.StoreMapping(ctx, "alice", id, "X", "ed-1", "bk-1", "A"))
	require.NoError(t, bookCache.RecordSync(ctx, "alice", id, "X", 60, time.Now()))

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b1",
		Title:           "X",
		Author:          "A",
		ASIN:            "B01ABCDEFG",
		ProgressPercent: 40,
	})

	assert.Equal(t, models.StatusSynced, out.Status)
	updates := remote.callsOf("update_progress")
	require.Len(t, updates, 1)
	assert.Equal(t, 40.0, updates[0].percent)
}

func TestSyncBookRereadDetectedButSynced(t *testing.T) {
	remote := newFakeRemote()
	remote.editions["ed-1"] = models.Edition{
		EditionID:    "ed-1",
		BookID:       "bk-1",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}
	remote.userBooks["bk-1"] = models.UserBook{ID: "ub-1", BookID: "bk-1", ProgressPct: 90}

	svc, bookCache := newTestService(t, &fakeSource{}, remote, func(cfg *config.Config) {
		// Raise the block threshold so a high-to-low drop is flagged as a
		// re-read instead of refused.
		cfg.Progress.RegressionBlock = 80
	})
	ctx := context.Background()

	id := asinID("B01ABCDEFG")
	require.NoError(t, bookCache.StoreMapping(ctx, "alice", id, "X", "ed-1", "bk-1", "A"))
	require.NoError(t, bookCache.RecordSync(ctx, "alice", id, "X", 90, time.Now()))

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b1",
		Title:           "X",
		Author:          "A",
		ASIN:            "B01ABCDEFG",
		ProgressPercent: 25,
	})

	assert.Equal(t, models.StatusSynced, out.Status)
	updates := remote.callsOf("update_progress")
	require.Len(t, updates, 1)
	assert.Equal(t, 25.0, updates[0].percent)

	mapping, err := bookCache.Get(ctx, "alice", id, "X")
	require.NoError(t, err)
	require.NotNil(t, mapping.LastProgressPercent)
	assert.Equal(t, 25.0, *mapping.LastProgressPercent, "baseline resets to the re-read position")
}

func TestSyncBookSessionDelaysSmallChange(t *testing.T) {
	remote := newFakeRemote()
	remote.editions["ed-1"] = models.Edition{
		EditionID:    "ed-1",
		BookID:       "bk-1",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}
	remote.userBooks["bk-1"] = models.UserBook{ID: "ub-1", BookID: "bk-1", ProgressPct: 40}

	svc, bookCache := newTestService(t, &fakeSource{}, remote, func(cfg *config.Config) {
		cfg.Session.Enabled = true
		cfg.Session.TimeoutSeconds = 900
		cfg.Session.MaxDelaySeconds = 3600
		cfg.Session.ImmediateCompletion = true
	})
	ctx := context.Background()

	id := asinID("B01ABCDEFG")
	require.NoError(t, bookCache.StoreMapping(ctx, "alice", id, "X", "ed-1", "bk-1", "A"))
	require.NoError(t, bookCache.RecordSync(ctx, "alice", id, "X", 40, time.Now()))

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b1",
		Title:           "X",
		Author:          "A",
		ASIN:            "B01ABCDEFG",
		ProgressPercent: 42,
	})

	assert.Equal(t, models.StatusSkipped, out.Status)
	assert.Equal(t, "delayed_until_session_expiry", out.Reason)
	assert.Equal(t, "session pending", out.CacheStatus)
	assert.Empty(t, remote.mutations(), "a delayed update must not write to the remote service")

	mapping, err := bookCache.Get(ctx, "alice", id, "X")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	require.NotNil(t, mapping.SessionPendingProgress)
	assert.Equal(t, 42.0, *mapping.SessionPendingProgress)
	require.NotNil(t, mapping.LastProgressPercent)
	assert.Equal(t, 40.0, *mapping.LastProgressPercent, "the synced baseline stays until the session flushes")
}

func TestSyncBookCompletesAudiobookByTimeRemaining(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByASIN["B0AUDIO123"] = []models.Edition{{
		EditionID:    "ed-2",
		BookID:       "bk-2",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}
	remote.userBooks["bk-2"] = models.UserBook{ID: "ub-2", BookID: "bk-2", ProgressPct: 90}

	svc, bookCache := newTestService(t, &fakeSource{}, remote, func(cfg *config.Config) {
		// Keep the percentage threshold above the reported progress so only
		// the time-remaining rule can complete the book.
		cfg.Progress.CompletionThreshold = 99
	})
	ctx := context.Background()

	out := svc.syncBook(ctx, models.SourceBook{
		ID:                 "b6",
		Title:              "Almost Done",
		Author:             "N. Arrator",
		ASIN:               "B0AUDIO123",
		FormatHint:         models.FormatAudiobook,
		CurrentTimeSeconds: 3500,
		ProgressPercent:    97,
	})

	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, "marked complete", out.ActionText)
	assert.Equal(t, 100.0, out.Progress.After)
	require.NotNil(t, out.Timestamps)
	require.NotNil(t, out.Timestamps.CompletedAt)

	completes := remote.callsOf("mark_complete")
	require.Len(t, completes, 1)
	assert.Equal(t, "ub-2", completes[0].userBookID)
	assert.Empty(t, remote.callsOf("update_progress"))

	mapping, err := bookCache.Get(ctx, "alice", asinID("B0AUDIO123"), "Almost Done")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	require.NotNil(t, mapping.LastProgressPercent)
	assert.Equal(t, 100.0, *mapping.LastProgressPercent)
}

func TestSyncBookSecondRunIsIdempotent(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}
	remote.userBooks["42"] = models.UserBook{ID: "ub-7", BookID: "42", ProgressPct: 5}

	svc, _ := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	book := models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 12.5,
	}

	first := svc.syncBook(ctx, book)
	require.Equal(t, models.StatusSynced, first.Status)
	require.Len(t, remote.mutations(), 1)

	second := svc.syncBook(ctx, book)
	assert.Equal(t, models.StatusSkipped, second.Status)
	assert.Equal(t, "Progress unchanged (optimized early check)", second.Reason)
	assert.Len(t, remote.mutations(), 1, "second run must not mutate the remote service again")
}

func TestSyncBookCompletionIdempotentAgainstRemoteState(t *testing.T) {
	remote := newFakeRemote()
	edition := models.Edition{
		EditionID:    "ed-2",
		BookID:       "bk-2",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}
	remote.editionsByASIN["B0AUDIO123"] = []models.Edition{edition}
	remote.editions["ed-2"] = edition
	remote.userBooks["bk-2"] = models.UserBook{ID: "ub-2", BookID: "bk-2", ProgressPct: 90}

	svc, _ := newTestService(t, &fakeSource{}, remote, func(cfg *config.Config) {
		cfg.Progress.CompletionThreshold = 99
	})
	ctx := context.Background()

	book := models.SourceBook{
		ID:                 "b6",
		Title:              "Almost Done",
		Author:             "N. Arrator",
		ASIN:               "B0AUDIO123",
		FormatHint:         models.FormatAudiobook,
		CurrentTimeSeconds: 3500,
		ProgressPercent:    97,
	}

	first := svc.syncBook(ctx, book)
	require.Equal(t, models.StatusCompleted, first.Status)
	require.Len(t, remote.mutations(), 1)

	// The source still reports 97%, but the remote shelf is now completed;
	// the second pass must leave it alone.
	second := svc.syncBook(ctx, book)
	assert.Equal(t, models.StatusSkipped, second.Status)
	assert.Equal(t, "already completed on remote", second.Reason)
	assert.Len(t, remote.mutations(), 1)
}

func TestSyncBookNeverRevertsRemoteCompletion(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}
	remote.userBooks["42"] = models.UserBook{ID: "ub-7", BookID: "42", ProgressPct: 100, IsCompleted: true}

	svc, _ := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 50,
	})

	assert.Equal(t, models.StatusSkipped, out.Status)
	assert.Equal(t, "already completed on remote; not reverting completion", out.Reason)
	assert.Empty(t, remote.mutations())
}

func TestSyncBookSkipsWhenRemoteAlreadyCurrent(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}
	remote.userBooks["42"] = models.UserBook{ID: "ub-7", BookID: "42", ProgressPct: 12.5}

	svc, bookCache := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 12.5,
	})

	assert.Equal(t, models.StatusSkipped, out.Status)
	assert.Equal(t, "remote progress already current", out.Reason)
	assert.Equal(t, "updated", out.CacheStatus, "the baseline is cached so the next run early-skips")
	assert.Empty(t, remote.mutations())

	mapping, err := bookCache.Get(ctx, "alice", isbnID("9781234567890"), "Foo")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	require.NotNil(t, mapping.LastProgressPercent)
	assert.InDelta(t, 12.5, *mapping.LastProgressPercent, 1e-9)
}

func TestSyncBookAutoAddWhenMissingFromShelf(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}

	svc, bookCache := newTestService(t, &fakeSource{}, remote, func(cfg *config.Config) {
		cfg.Sync.AutoAddBooks = true
	})
	ctx := context.Background()

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 12.5,
	})

	assert.Equal(t, models.StatusAutoAdded, out.Status)
	assert.Equal(t, "added to library at 12.5% progress", out.ActionText)

	adds := remote.callsOf("add_book")
	require.Len(t, adds, 1)
	assert.Equal(t, "42", adds[0].bookID)
	assert.Equal(t, "99", adds[0].editionID)
	assert.Equal(t, 12.5, adds[0].percent)
	assert.Empty(t, remote.callsOf("update_progress"))

	mapping, err := bookCache.Get(ctx, "alice", isbnID("9781234567890"), "Foo")
	require.NoError(t, err)
	require.NotNil(t, mapping)
}

func TestSyncBookAutoAddDisabledSkips(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}

	svc, _ := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 12.5,
	})

	assert.Equal(t, models.StatusSkipped, out.Status)
	assert.Equal(t, "not in remote library and auto-add is disabled", out.Reason)
	assert.Empty(t, remote.mutations())
}

func TestSyncBookAutoAddOfFinishedBookMarksComplete(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}

	svc, _ := newTestService(t, &fakeSource{}, remote, func(cfg *config.Config) {
		cfg.Sync.AutoAddBooks = true
	})
	ctx := context.Background()

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 100,
		IsFinished:      true,
	})

	assert.Equal(t, models.StatusAutoAdded, out.Status)
	assert.Equal(t, "added to library and marked complete", out.ActionText)

	adds := remote.callsOf("add_book")
	require.Len(t, adds, 1)
	completes := remote.callsOf("mark_complete")
	require.Len(t, completes, 1)
	assert.Equal(t, "42", adds[0].bookID)
	assert.Equal(t, "ub-new-1", completes[0].userBookID,
		"completion must target the shelf entry created by the add")
}

func TestSyncBookCompletionRollsBackAutoAdd(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}
	remote.completeErr = errors.New("completion rejected")

	svc, _ := newTestService(t, &fakeSource{}, remote, func(cfg *config.Config) {
		cfg.Sync.AutoAddBooks = true
	})
	ctx := context.Background()

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 100,
		IsFinished:      true,
	})

	assert.Equal(t, models.StatusError, out.Status)
	assert.Equal(t, "completion after library add failed", out.Reason)
	require.NotEmpty(t, out.Errors)
	assert.Contains(t, out.Errors[0], "completion rejected")
}

func TestSyncBookDryRunMakesNoCacheWrites(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}
	remote.userBooks["42"] = models.UserBook{ID: "ub-7", BookID: "42", ProgressPct: 5}

	svc, bookCache := newTestService(t, &fakeSource{}, remote, func(cfg *config.Config) {
		cfg.Sync.DryRun = true
	})
	ctx := context.Background()

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 12.5,
	})

	assert.Equal(t, models.StatusSynced, out.Status)
	assert.Equal(t, "[DRY-RUN] updated progress to 12.5%", out.ActionText)
	assert.Equal(t, "skipped (dry run)", out.CacheStatus)

	mapping, err := bookCache.Get(ctx, "alice", isbnID("9781234567890"), "Foo")
	require.NoError(t, err)
	assert.Nil(t, mapping, "a dry run must not change what the next real run does")
}

func TestSyncBookBelowMinimumProgress(t *testing.T) {
	remote := newFakeRemote()
	svc, _ := newTestService(t, &fakeSource{}, remote, nil)

	out := svc.syncBook(context.Background(), models.SourceBook{
		ID:              "b9",
		Title:           "Barely Started",
		Author:          "A",
		ASIN:            "B01ABCDEFG",
		ProgressPercent: 0.5,
	})

	assert.Equal(t, models.StatusSkipped, out.Status)
	assert.Equal(t, "progress 0.5% below minimum 1.0%", out.Reason)
	assert.Zero(t, remote.totalCalls())
}

func TestSyncBookFinishedFlagBypassesMinimum(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}
	remote.userBooks["42"] = models.UserBook{ID: "ub-7", BookID: "42", ProgressPct: 0}

	svc, _ := newTestService(t, &fakeSource{}, remote, nil)

	// A finished book with a reset position still completes.
	out := svc.syncBook(context.Background(), models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 0,
		IsFinished:      true,
	})

	assert.Equal(t, models.StatusCompleted, out.Status)
	require.Len(t, remote.callsOf("mark_complete"), 1)
}

func TestSyncBookNoUsableProgress(t *testing.T) {
	remote := newFakeRemote()
	svc, _ := newTestService(t, &fakeSource{}, remote, nil)

	out := svc.syncBook(context.Background(), models.SourceBook{
		ID:              "b9",
		Title:           "Broken",
		Author:          "A",
		ASIN:            "B01ABCDEFG",
		ProgressPercent: math.NaN(),
	})

	assert.Equal(t, models.StatusSkipped, out.Status)
	assert.Equal(t, "no usable progress value", out.Reason)
	assert.Zero(t, remote.totalCalls())
}

func TestSyncBookNoMatchWritesNothing(t *testing.T) {
	remote := newFakeRemote()
	svc, bookCache := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	book := models.SourceBook{
		ID:              "b4",
		Title:           "Obscure Title",
		Author:          "Unknown Author",
		ProgressPercent: 55,
	}
	out := svc.syncBook(ctx, book)

	assert.Equal(t, models.StatusSkipped, out.Status)
	assert.Equal(t, "no match found", out.Reason)
	assert.Empty(t, remote.mutations())

	key := identifier.TitleAuthorKey(book.Title, book.Author)
	mapping, err := bookCache.Get(ctx, "alice",
		models.Identifier{Kind: models.IdentifierTitleAuthor, Value: key}, book.Title)
	require.NoError(t, err)
	assert.Nil(t, mapping, "unmatched books must leave no cache row")
}

func TestSyncBookFallsBackWhenCachedEditionGone(t *testing.T) {
	remote := newFakeRemote()
	// ed-old is not in the catalog anymore; the book's edition list is.
	remote.bookEditions["bk-1"] = []models.Edition{{
		EditionID:    "ed-new",
		BookID:       "bk-1",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}
	remote.userBooks["bk-1"] = models.UserBook{ID: "ub-1", BookID: "bk-1", ProgressPct: 10}

	svc, bookCache := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	id := asinID("B01ABCDEFG")
	require.NoError(t, bookCache.StoreMapping(ctx, "alice", id, "X", "ed-old", "bk-1", "A"))
	require.NoError(t, bookCache.RecordSync(ctx, "alice", id, "X", 10, time.Now()))

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b1",
		Title:           "X",
		Author:          "A",
		ASIN:            "B01ABCDEFG",
		ProgressPercent: 35,
	})

	assert.Equal(t, models.StatusSynced, out.Status)
	require.NotNil(t, out.Hardcover)
	assert.Equal(t, "ed-new", out.Hardcover.EditionID)

	updates := remote.callsOf("update_progress")
	require.Len(t, updates, 1)
	assert.Equal(t, "ed-new", updates[0].editionID)
}

func TestSyncBookCacheWriteFailureKeepsSyncedStatus(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}
	remote.userBooks["42"] = models.UserBook{ID: "ub-7", BookID: "42", ProgressPct: 5}

	svc, bookCache := newTestService(t, &fakeSource{}, remote, nil)

	// A closed cache fails every read and write; the pipeline must still
	// reach the remote and report the sync.
	require.NoError(t, bookCache.Close())

	out := svc.syncBook(context.Background(), models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 12.5,
	})

	assert.Equal(t, models.StatusSynced, out.Status)
	assert.Equal(t, "write failed", out.CacheStatus)
	require.Len(t, remote.callsOf("update_progress"), 1)
}

func TestSyncBookCancelledContext(t *testing.T) {
	remote := newFakeRemote()
	svc, _ := newTestService(t, &fakeSource{}, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b1",
		Title:           "X",
		Author:          "A",
		ProgressPercent: 50,
	})

	assert.Equal(t, models.StatusError, out.Status)
	assert.Equal(t, "cancelled", out.Reason)
	assert.Zero(t, remote.totalCalls())
}

func TestSyncBookMutationFailureReportsError(t *testing.T) {
	remote := newFakeRemote()
	remote.editionsByISBN["9781234567890"] = []models.Edition{{
		EditionID:    "99",
		BookID:       "42",
		Format:       models.FormatAudiobook,
		AudioSeconds: 3600,
	}}
	remote.userBooks["42"] = models.UserBook{ID: "ub-7", BookID: "42", ProgressPct: 5}
	remote.updateErr = errors.New("unprocessable entity")

	svc, bookCache := newTestService(t, &fakeSource{}, remote, nil)
	ctx := context.Background()

	out := svc.syncBook(ctx, models.SourceBook{
		ID:              "b2",
		Title:           "Foo",
		Author:          "Bar",
		ISBN:            "9781234567890",
		ProgressPercent: 12.5,
	})

	assert.Equal(t, models.StatusError, out.Status)
	assert.Equal(t, "progress update failed", out.Reason)
	require.NotEmpty(t, out.Errors)
	assert.Contains(t, out.Errors[0], "unprocessable entity")

	mapping, err := bookCache.Get(ctx, "alice", isbnID("9781234567890"), "Foo")
	require.NoError(t, err)
	assert.Nil(t, mapping, "a failed sync must not advance the cached baseline")
}
