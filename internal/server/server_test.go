package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	syncer "github.com/shelfbridge/shelfbridge/internal/sync"
)

func TestMain(m *testing.M) {
	logger.Setup(logger.Config{Level: "error", Format: "json"})
	os.Exit(m.Run())
}

// fakeRunner records run invocations. When release is set, Run blocks until
// the channel is closed, keeping a run "in flight" for concurrency tests.
type fakeRunner struct {
	mu    sync.Mutex
	calls []syncer.RunOptions
	ctxs  []context.Context

	started chan struct{}
	release chan struct{}
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, opts syncer.RunOptions) (*models.SyncSummary, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.ctxs = append(f.ctxs, ctx)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.SyncSummary{BooksProcessed: 1}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) lastCall() syncer.RunOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

var _ Runner = (*fakeRunner)(nil)

func doRequest(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	s := New(context.Background(), "127.0.0.1:0", &fakeRunner{}, logger.Get())

	rec := doRequest(s, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealthCheckRejectsNonGET(t *testing.T) {
	s := New(context.Background(), "127.0.0.1:0", &fakeRunner{}, logger.Get())

	rec := doRequest(s, http.MethodPost, "/healthz")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSyncTriggerStartsBackgroundRun(t *testing.T) {
	runner := &fakeRunner{}
	s := New(context.Background(), "127.0.0.1:0", runner, logger.Get())

	rec := doRequest(s, http.MethodPost, "/sync")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"status": "sync started"}`, rec.Body.String())

	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, runner.lastCall().Force)
}

func TestSyncTriggerHonorsForceParam(t *testing.T) {
	runner := &fakeRunner{}
	s := New(context.Background(), "127.0.0.1:0", runner, logger.Get())

	rec := doRequest(s, http.MethodPost, "/sync?force=true")

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, runner.lastCall().Force)
}

func TestSyncTriggerRejectsConcurrentRuns(t *testing.T) {
	runner := &fakeRunner{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	s := New(context.Background(), "127.0.0.1:0", runner, logger.Get())

	first := doRequest(s, http.MethodPost, "/sync")
	require.Equal(t, http.StatusOK, first.Code)

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("background run never started")
	}

	second := doRequest(s, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, `{"status": "sync already running"}`, second.Body.String())
	assert.Equal(t, 1, runner.callCount())

	close(runner.release)
	runner.release = nil

	// Once the first run drains, the trigger accepts again.
	assert.Eventually(t, func() bool {
		rec := doRequest(s, http.MethodPost, "/sync")
		return rec.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncTriggerRejectsNonPOST(t *testing.T) {
	runner := &fakeRunner{}
	s := New(context.Background(), "127.0.0.1:0", runner, logger.Get())

	rec := doRequest(s, http.MethodGet, "/sync")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 0, runner.callCount())
}

func TestSyncTriggerSurvivesRunFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("source library unreachable")}
	s := New(context.Background(), "127.0.0.1:0", runner, logger.Get())

	rec := doRequest(s, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusOK, rec.Code)

	// A failed run releases the single-flight guard.
	assert.Eventually(t, func() bool {
		rec := doRequest(s, http.MethodPost, "/sync")
		return rec.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncRunBoundByServerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{}
	s := New(ctx, "127.0.0.1:0", runner, logger.Get())

	doRequest(s, http.MethodPost, "/sync")
	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	runner.mu.Lock()
	runCtx := runner.ctxs[0]
	runner.mu.Unlock()
	assert.Error(t, runCtx.Err())
}
