package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/shelfbridge/shelfbridge/internal/identifier"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/progress"
)

// BookCache is the persistent mapping store. All writes go through
// single-row transactions so a mapping is either fully updated or not at
// all; the engine only reports an outcome after the write returns.
type BookCache struct {
	db     *gorm.DB
	engine *progress.Engine
	log    *logger.Logger
}

// New wraps an open gorm handle and migrates the mapping table.
func New(db *gorm.DB, engine *progress.Engine, log *logger.Logger) (*BookCache, error) {
	if log == nil {
		log = logger.Get()
	}
	if engine == nil {
		engine = progress.NewEngine(progress.Config{}, log)
	}

	if err := db.AutoMigrate(&CachedMapping{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache schema: %w", err)
	}

	return &BookCache{db: db, engine: engine, log: log}, nil
}

// Open connects to the configured backend (falling back to SQLite) and
// returns a ready cache.
func Open(cfg *Config, engine *progress.Engine, log *logger.Logger) (*BookCache, error) {
	db, _, err := ConnectWithFallback(cfg, log)
	if err != nil {
		return nil, err
	}
	return New(db, engine, log)
}

// Close releases the underlying database handle.
func (c *BookCache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle for tests and maintenance commands.
func (c *BookCache) DB() *gorm.DB {
	return c.db
}

// keyQuery scopes a query to one composite mapping key.
func keyQuery(tx *gorm.DB, userID string, id models.Identifier, titleNorm string) *gorm.DB {
	return tx.Where(
		"user_id = ? AND identifier_kind = ? AND identifier_value = ? AND title_norm = ?",
		userID, string(id.Kind), id.Value, titleNorm,
	)
}

// Get returns the mapping for (user, identifier, title), or nil when the
// book has never been cached.
func (c *BookCache) Get(ctx context.Context, userID string, id models.Identifier, title string) (*CachedMapping, error) {
	titleNorm := identifier.NormalizeTitle(title)

	var mapping CachedMapping
	err := keyQuery(c.db.WithContext(ctx), userID, id, titleNorm).First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached mapping: %w", err)
	}
	return &mapping, nil
}

// HasProgressChanged reports whether newPct differs from the cached
// progress beyond threshold. Unknown books and never-synced mappings
// always count as changed.
func (c *BookCache) HasProgressChanged(ctx context.Context, userID string, id models.Identifier, title string, newPct, threshold float64) (bool, error) {
	mapping, err := c.Get(ctx, userID, id, title)
	if err != nil {
		return true, err
	}
	if mapping == nil || mapping.LastProgressPercent == nil {
		return true, nil
	}

	change := c.engine.DetectChange(*mapping.LastProgressPercent, newPct, threshold)
	return change.HasChange, nil
}

// StoreMapping creates or refreshes the identifier-to-edition mapping.
// Progress and session fields are preserved on update.
func (c *BookCache) StoreMapping(ctx context.Context, userID string, id models.Identifier, title, editionID, bookID, author string) error {
	titleNorm := identifier.NormalizeTitle(title)
	authorNorm := identifier.NormalizeAuthor(author)

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing CachedMapping
		err := keyQuery(tx, userID, id, titleNorm).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&CachedMapping{
				UserID:          userID,
				IdentifierKind:  string(id.Kind),
				IdentifierValue: id.Value,
				TitleNorm:       titleNorm,
				AuthorNorm:      authorNorm,
				EditionID:       editionID,
				BookID:          bookID,
			}).Error
		}
		if err != nil {
			return err
		}

		return tx.Model(&existing).Updates(map[string]interface{}{
			"author_norm": authorNorm,
			"edition_id":  editionID,
			"book_id":     bookID,
			"updated_at":  time.Now(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to store mapping: %w", err)
	}
	return nil
}

// RecordSync stores the progress written to the remote service and clears
// any pending session, marking the mapping freshly synced.
func (c *BookCache) RecordSync(ctx context.Context, userID string, id models.Identifier, title string, progressPct float64, ts time.Time) error {
	titleNorm := identifier.NormalizeTitle(title)

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mapping, err := findOrCreate(tx, userID, id, titleNorm)
		if err != nil {
			return err
		}

		return tx.Model(mapping).Updates(map[string]interface{}{
			"last_progress_percent":    progressPct,
			"last_synced_at":           ts,
			"session_pending_progress": nil,
			"session_last_updated_at":  nil,
			"updated_at":               time.Now(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record sync: %w", err)
	}
	return nil
}

// UpdateSession stores a delayed progress update without touching the
// last synced progress.
func (c *BookCache) UpdateSession(ctx context.Context, userID string, id models.Identifier, title string, progressPct float64) error {
	titleNorm := identifier.NormalizeTitle(title)

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mapping, err := findOrCreate(tx, userID, id, titleNorm)
		if err != nil {
			return err
		}

		return tx.Model(mapping).Updates(map[string]interface{}{
			"session_pending_progress": progressPct,
			"session_last_updated_at":  time.Now(),
			"updated_at":               time.Now(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// CompleteSession flushes a delayed update: records finalProgress as
// synced and clears the session fields.
func (c *BookCache) CompleteSession(ctx context.Context, userID string, id models.Identifier, title string, finalProgress float64) error {
	return c.RecordSync(ctx, userID, id, title, finalProgress, time.Now())
}

// ExpiredSessions returns the mappings whose pending session has been
// idle for at least timeout.
func (c *BookCache) ExpiredSessions(ctx context.Context, userID string, timeout time.Duration) ([]CachedMapping, error) {
	cutoff := time.Now().Add(-timeout)

	var rows []CachedMapping
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND session_pending_progress IS NOT NULL AND session_last_updated_at <= ?", userID, cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired sessions: %w", err)
	}
	return rows, nil
}

// findOrCreate loads the row for the key, creating a bare mapping if the
// book was never cached. Runs inside the caller's transaction.
func findOrCreate(tx *gorm.DB, userID string, id models.Identifier, titleNorm string) (*CachedMapping, error) {
	var mapping CachedMapping
	err := keyQuery(tx, userID, id, titleNorm).First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		mapping = CachedMapping{
			UserID:          userID,
			IdentifierKind:  string(id.Kind),
			IdentifierValue: id.Value,
			TitleNorm:       titleNorm,
		}
		if err := tx.Create(&mapping).Error; err != nil {
			return nil, err
		}
		return &mapping, nil
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// Stats summarizes cache contents, optionally scoped to one user.
type Stats struct {
	TotalMappings   int64            `json:"total_mappings"`
	SyncedMappings  int64            `json:"synced_mappings"`
	PendingSessions int64            `json:"pending_sessions"`
	ByKind          map[string]int64 `json:"by_kind"`
}

// LibraryStats counts mappings, synced rows and pending sessions. An
// empty userID covers every user.
func (c *BookCache) LibraryStats(ctx context.Context, userID string) (*Stats, error) {
	// scoped starts a fresh query for each counter.
	scoped := func() *gorm.DB {
		db := c.db.WithContext(ctx).Model(&CachedMapping{})
		if userID != "" {
			db = db.Where("user_id = ?", userID)
		}
		return db
	}

	stats := &Stats{ByKind: make(map[string]int64)}

	if err := scoped().Count(&stats.TotalMappings).Error; err != nil {
		return nil, fmt.Errorf("failed to count mappings: %w", err)
	}
	if err := scoped().Where("last_synced_at IS NOT NULL").Count(&stats.SyncedMappings).Error; err != nil {
		return nil, fmt.Errorf("failed to count synced mappings: %w", err)
	}
	if err := scoped().Where("session_pending_progress IS NOT NULL").Count(&stats.PendingSessions).Error; err != nil {
		return nil, fmt.Errorf("failed to count pending sessions: %w", err)
	}

	type kindCount struct {
		IdentifierKind string
		N              int64
	}
	var kinds []kindCount
	if err := scoped().Select("identifier_kind, count(*) as n").Group("identifier_kind").Scan(&kinds).Error; err != nil {
		return nil, fmt.Errorf("failed to count mappings by kind: %w", err)
	}
	for _, k := range kinds {
		stats.ByKind[k.IdentifierKind] = k.N
	}

	return stats, nil
}

// ClearAll deletes every mapping. Maintenance command only; the engine
// itself never deletes rows.
func (c *BookCache) ClearAll(ctx context.Context) error {
	err := c.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&CachedMapping{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// ClearUser deletes every mapping for one user and reports how many rows
// went away.
func (c *BookCache) ClearUser(ctx context.Context, userID string) (int64, error) {
	res := c.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&CachedMapping{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear cache for user %s: %w", userID, res.Error)
	}
	return res.RowsAffected, nil
}
