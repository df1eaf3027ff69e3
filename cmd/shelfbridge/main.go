// shelfbridge syncs reading progress from an Audiobookshelf-compatible
// library to a Hardcover-compatible tracker. It runs one-shot syncs, a
// long-running service with a periodic sync loop and an HTTP trigger, and
// cache maintenance commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/api/audiobookshelf"
	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/server"
	syncer "github.com/shelfbridge/shelfbridge/internal/sync"
	"github.com/shelfbridge/shelfbridge/internal/worker"
	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "shelfbridge",
		Usage:   "Sync reading progress from your source library to your book tracker",
		Version: fmt.Sprintf("%s (%s) %s", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "Run one synchronization pass and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "user",
						Usage: "User ID the cached mappings are stored under",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Walk the full pipeline but do not write to the tracker or the cache",
					},
					&cli.StringFlag{
						Name:  "filter",
						Usage: "Only process books whose title or author contains `SUBSTR`",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Stop after `N` books",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Process every book even when the incremental state says it is unchanged",
					},
				},
				Action: runSync,
			},
			{
				Name:  "serve",
				Usage: "Run the sync service with a periodic schedule and an HTTP trigger",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "user",
						Usage: "User ID the cached mappings are stored under",
					},
				},
				Action: runServe,
			},
			{
				Name:  "cache",
				Usage: "Inspect or reset the persistent book mapping cache",
				Subcommands: []*cli.Command{
					{
						Name:  "stats",
						Usage: "Print mapping counts, synced rows and pending sessions",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "user",
								Usage: "Limit the counts to one user",
							},
						},
						Action: runCacheStats,
					},
					{
						Name:  "clear",
						Usage: "Delete cached mappings",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "user",
								Usage: "Only delete this user's mappings",
							},
							&cli.BoolFlag{
								Name:  "yes",
								Usage: "Confirm the deletion",
							},
						},
						Action: runCacheClear,
					},
				},
			},
			{
				Name:  "config",
				Usage: "Configuration helpers",
				Subcommands: []*cli.Command{
					{
						Name:   "validate",
						Usage:  "Load the configuration and check that required settings are present",
						Action: runConfigValidate,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Get().Error("Error running application", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

// loadConfig reads the configuration named by the --config flag (or the
// SHELFBRIDGE_CONFIG environment variable) and brings the logger up with
// the configured level and format.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	return cfg, nil
}

// cacheConfig maps the application cache settings onto the store's own
// config type.
func cacheConfig(cfg *config.Config) *cache.Config {
	return &cache.Config{
		Type:     cache.ParseBackendType(cfg.Cache.Type),
		Host:     cfg.Cache.Host,
		Port:     cfg.Cache.Port,
		Database: cfg.Cache.Name,
		Username: cfg.Cache.User,
		Password: cfg.Cache.Password,
		Path:     cfg.CachePath(),
	}
}

// buildService wires both API clients, the persistent cache and the
// reconciler. The caller owns the returned cache handle.
func buildService(cfg *config.Config, userID string) (*syncer.Service, *cache.BookCache, error) {
	log := logger.Get()

	bookCache, err := cache.Open(cacheConfig(cfg), nil, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open book cache: %w", err)
	}

	source := audiobookshelf.NewClient(cfg.Source.URL, cfg.Source.Token, log)
	limiter := worker.NewRateLimiter("hardcover", cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, log)
	remote := hardcover.NewClient(&hardcover.ClientConfig{
		BaseURL: cfg.Remote.URL,
		DryRun:  cfg.Sync.DryRun,
	}, cfg.Remote.Token, limiter, log)

	svc, err := syncer.NewService(source, remote, bookCache, cfg, userID)
	if err != nil {
		_ = bookCache.Close()
		return nil, nil, err
	}
	return svc, bookCache, nil
}

func runSync(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if c.Bool("dry-run") {
		cfg.Sync.DryRun = true
	}
	if filter := c.String("filter"); filter != "" {
		cfg.Sync.TestBookFilter = filter
	}
	if limit := c.Int("limit"); limit > 0 {
		cfg.Sync.TestBookLimit = limit
	}

	svc, bookCache, err := buildService(cfg, c.String("user"))
	if err != nil {
		return err
	}
	defer bookCache.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Per-book failures are reported in the summary and the logs; only an
	// initialization-level failure changes the exit code.
	if _, err := svc.Run(ctx, syncer.RunOptions{Force: c.Bool("force")}); err != nil {
		return err
	}
	return nil
}

// serialRunner serializes sync passes so a scheduled run and an
// HTTP-triggered run never interleave on the shared incremental state.
type serialRunner struct {
	mu  sync.Mutex
	svc *syncer.Service
}

func (r *serialRunner) Run(ctx context.Context, opts syncer.RunOptions) (*models.SyncSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.svc.Run(ctx, opts)
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.Get()

	svc, bookCache, err := buildService(cfg, c.String("user"))
	if err != nil {
		return err
	}
	defer bookCache.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := &serialRunner{svc: svc}
	srv := server.New(ctx, ":"+cfg.Server.Port, runner, log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	go runPeriodicSync(ctx, runner, cfg.Sync.Interval, log)

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received", nil)
	case err := <-errCh:
		log.Error("HTTP server failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Shutdown completed", nil)
	return nil
}

// runPeriodicSync runs one pass immediately and then repeats on a ticker.
// A zero interval disables the loop after the initial pass. Failed runs are
// logged and the schedule keeps going.
func runPeriodicSync(ctx context.Context, runner *serialRunner, interval time.Duration, log *logger.Logger) {
	runOnce := func() {
		if _, err := runner.Run(ctx, syncer.RunOptions{}); err != nil && ctx.Err() == nil {
			log.Error("Scheduled sync failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	runOnce()

	if interval <= 0 {
		log.Info("Periodic sync is disabled (set sync.interval to enable)", nil)
		return
	}

	log.Info("Periodic sync scheduled", map[string]interface{}{
		"interval": interval.String(),
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

func openCache(c *cli.Context) (*cache.BookCache, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	bookCache, err := cache.Open(cacheConfig(cfg), nil, logger.Get())
	if err != nil {
		return nil, fmt.Errorf("failed to open book cache: %w", err)
	}
	return bookCache, nil
}

func runCacheStats(c *cli.Context) error {
	bookCache, err := openCache(c)
	if err != nil {
		return err
	}
	defer bookCache.Close()

	stats, err := bookCache.LibraryStats(c.Context, c.String("user"))
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render stats: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runCacheClear(c *cli.Context) error {
	if !c.Bool("yes") {
		return fmt.Errorf("refusing to clear the cache without --yes")
	}

	bookCache, err := openCache(c)
	if err != nil {
		return err
	}
	defer bookCache.Close()

	if user := c.String("user"); user != "" {
		removed, err := bookCache.ClearUser(c.Context, user)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d cached mappings for %s\n", removed, user)
		return nil
	}

	if err := bookCache.ClearAll(c.Context); err != nil {
		return err
	}
	fmt.Println("Cache cleared")
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Println("Configuration OK")
	fmt.Printf("  source url:    %s\n", cfg.Source.URL)
	fmt.Printf("  cache backend: %s\n", cfg.Cache.Type)
	fmt.Printf("  workers:       %d\n", cfg.Sync.Workers)
	fmt.Printf("  incremental:   %t\n", cfg.Sync.Incremental)
	fmt.Printf("  dry run:       %t\n", cfg.Sync.DryRun)
	return nil
}
