// Package server exposes the health check and a manual sync trigger over
// HTTP for the long-running serve mode.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	syncer "github.com/shelfbridge/shelfbridge/internal/sync"
)

// Runner starts one reconciliation pass. *sync.Service satisfies it; tests
// substitute doubles.
type Runner interface {
	Run(ctx context.Context, opts syncer.RunOptions) (*models.SyncSummary, error)
}

// Server is the HTTP face of the sync engine. At most one HTTP-triggered
// run is in flight at a time; concurrent triggers are refused with 409.
type Server struct {
	server  *http.Server
	runner  Runner
	log     *logger.Logger
	syncing atomic.Bool

	// baseCtx bounds background runs started by POST /sync, so shutting
	// the process down also cancels an in-flight triggered run.
	baseCtx context.Context
}

// New creates the HTTP server on addr. Runs triggered over HTTP detach from
// the request and live until baseCtx is cancelled.
func New(baseCtx context.Context, addr string, runner Runner, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Get()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	s := &Server{
		runner:  runner,
		log:     log,
		baseCtx: baseCtx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthCheck)
	mux.HandleFunc("/sync", s.handleSync)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      logger.HTTPMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("Starting HTTP server", map[string]interface{}{
		"addr": s.server.Addr,
	})

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server", nil)
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleSync kicks a background run. The request returns immediately; run
// results land in the logs, not the response.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if !s.syncing.CompareAndSwap(false, true) {
		w.WriteHeader(http.StatusConflict)
		if _, err := w.Write([]byte(`{"status": "sync already running"}`)); err != nil {
			s.log.Error("Failed to write sync response", map[string]interface{}{
				"error": err,
			})
		}
		return
	}

	force := r.URL.Query().Get("force") == "true"
	go func() {
		defer s.syncing.Store(false)

		summary, err := s.runner.Run(s.baseCtx, syncer.RunOptions{Force: force})
		if err != nil {
			s.log.Error("HTTP-triggered sync failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		s.log.Info("HTTP-triggered sync finished", map[string]interface{}{
			"books_processed":   summary.BooksProcessed,
			"books_with_errors": summary.BooksWithErrors,
		})
	}()

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status": "sync started"}`)); err != nil {
		s.log.Error("Failed to write sync response", map[string]interface{}{
			"error": err,
		})
	}
}
