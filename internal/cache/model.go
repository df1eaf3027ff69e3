package cache

import (
	"time"

	"gorm.io/gorm"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

// CachedMapping ties a source-library identifier to a remote edition for
// one user, together with the progress last written to the remote service.
// Rows are created on first successful match, updated on every successful
// sync, and never deleted by the engine.
type CachedMapping struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	// Composite key: one row per (user, identifier, normalized title).
	UserID          string `gorm:"size:191;not null;uniqueIndex:idx_mapping_key" json:"user_id"`
	IdentifierKind  string `gorm:"size:32;not null;uniqueIndex:idx_mapping_key" json:"identifier_kind"`
	IdentifierValue string `gorm:"size:191;not null;uniqueIndex:idx_mapping_key" json:"identifier_value"`
	TitleNorm       string `gorm:"size:191;not null;uniqueIndex:idx_mapping_key" json:"title_norm"`

	AuthorNorm string `gorm:"size:255" json:"author_norm"`
	EditionID  string `gorm:"size:64" json:"edition_id"`
	BookID     string `gorm:"size:64" json:"book_id"`

	// Progress state. Nil means the book was mapped but never synced.
	LastProgressPercent *float64   `json:"last_progress_percent"`
	LastSyncedAt        *time.Time `json:"last_synced_at"`

	// Delayed-update session state, cleared on every successful sync.
	SessionPendingProgress *float64   `json:"session_pending_progress"`
	SessionLastUpdatedAt   *time.Time `json:"session_last_updated_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable across gorm versions.
func (CachedMapping) TableName() string {
	return "cached_mappings"
}

// BeforeCreate hook for CachedMapping
func (m *CachedMapping) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate hook for CachedMapping
func (m *CachedMapping) BeforeUpdate(tx *gorm.DB) error {
	m.UpdatedAt = time.Now()
	return nil
}

// HasSession reports whether a delayed update is pending on the row.
func (m *CachedMapping) HasSession() bool {
	return m.SessionPendingProgress != nil
}

// Identifier rebuilds the tagged identifier the row is keyed on.
func (m *CachedMapping) Identifier() models.Identifier {
	return models.Identifier{
		Kind:  models.IdentifierKind(m.IdentifierKind),
		Value: m.IdentifierValue,
	}
}
