package audiobookshelf

import (
	"context"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

// AudiobookshelfClientInterface is the narrow surface the sync engine
// consumes, kept small so tests can substitute doubles.
type AudiobookshelfClientInterface interface {
	GetUserLibraryBooks(ctx context.Context) ([]models.SourceBook, error)
	GetLibraryStats(ctx context.Context) (*models.LibraryStats, error)
	TestConnection(ctx context.Context) error
}

// Ensure that the Client implements AudiobookshelfClientInterface
var _ AudiobookshelfClientInterface = (*Client)(nil)
