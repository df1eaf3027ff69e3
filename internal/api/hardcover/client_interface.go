package hardcover

import (
	"context"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

// HardcoverClientInterface is the full surface the reconciler consumes. It
// strictly contains matching.Catalog, so one client serves both the match
// tiers and the mutation phase.
type HardcoverClientInterface interface {
	// SearchEditionsByASIN returns the editions carrying an ASIN.
	SearchEditionsByASIN(ctx context.Context, asin string) ([]models.Edition, error)

	// SearchEditionsByISBN returns the editions carrying an ISBN-13 or
	// ISBN-10 digit string.
	SearchEditionsByISBN(ctx context.Context, isbn string) ([]models.Edition, error)

	// SearchByTitleAuthor returns scored-search raw material for a title
	// and optional author.
	SearchByTitleAuthor(ctx context.Context, title, author string, limit int) ([]models.SearchCandidate, error)

	// GetEdition fetches a single edition by id.
	GetEdition(ctx context.Context, editionID string) (*models.Edition, error)

	// GetBookEditions lists a book's editions, most used first.
	GetBookEditions(ctx context.Context, bookID string) ([]models.Edition, error)

	// GetUserBook fetches the current user's shelf entry for a book, or
	// nil when the book is not shelved.
	GetUserBook(ctx context.Context, bookID string) (*models.UserBook, error)

	// UpdateProgress writes a progress value to an existing shelf entry.
	UpdateProgress(ctx context.Context, userBookID, editionID string, progressPercent float64, position *models.Position, timestamps *models.OutcomeTimestamps) (*models.MutationResult, error)

	// MarkComplete finishes a shelf entry and flips its status to read.
	MarkComplete(ctx context.Context, userBookID, editionID string, completedAt time.Time) (*models.MutationResult, error)

	// AddBookToLibrary shelves a book as currently reading, seeding the
	// initial progress when the source already has some.
	AddBookToLibrary(ctx context.Context, bookID, editionID string, initialProgress float64, position *models.Position) (*models.MutationResult, error)

	// GetCurrentUserID resolves the numeric user id behind the token.
	GetCurrentUserID(ctx context.Context) (int, error)

	// TestConnection verifies the token resolves to a user.
	TestConnection(ctx context.Context) error
}

// Client must satisfy the consumer-facing interface.
var _ HardcoverClientInterface = (*Client)(nil)
