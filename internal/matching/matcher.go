// Package matching resolves a source book to a remote edition through
// tiered lookups: cached mappings first, then direct ASIN and ISBN catalog
// hits, then a scored title/author search.
package matching

import (
	"context"
	"fmt"

	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/identifier"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/textmatch"
)

// Defaults for the title/author tier.
const (
	DefaultSearchLimit = 5
	DefaultMinScore    = 70.0
)

// Catalog is the remote lookup surface the matcher consumes. Edition
// searches return every edition carrying the identifier; the title/author
// search returns scored-candidate raw material.
type Catalog interface {
	SearchEditionsByASIN(ctx context.Context, asin string) ([]models.Edition, error)
	SearchEditionsByISBN(ctx context.Context, isbn string) ([]models.Edition, error)
	SearchByTitleAuthor(ctx context.Context, title, author string, limit int) ([]models.SearchCandidate, error)
}

// Config tunes the title/author tier. Zero values use the defaults.
type Config struct {
	SearchLimit int
	MinScore    float64
}

func (c Config) withDefaults() Config {
	if c.SearchLimit <= 0 {
		c.SearchLimit = DefaultSearchLimit
	}
	if c.MinScore <= 0 {
		c.MinScore = DefaultMinScore
	}
	return c
}

// Matcher runs the resolution tiers. The cache may be nil, which skips the
// cache tier.
type Matcher struct {
	catalog Catalog
	cache   *cache.BookCache
	cfg     Config
	log     *logger.Logger
}

// New builds a matcher over a catalog and an optional mapping cache.
func New(catalog Catalog, bookCache *cache.BookCache, cfg Config, log *logger.Logger) *Matcher {
	if log == nil {
		log = logger.Get()
	}
	return &Matcher{catalog: catalog, cache: bookCache, cfg: cfg.withDefaults(), log: log}
}

// Outcome is the resolver verdict for one source book. A nil Match with an
// empty error means no tier produced a usable edition; NoMatchReason then
// says why in outcome-record form.
type Outcome struct {
	Match         *models.Match
	Metadata      models.ExtractedMetadata
	NoMatchReason string
}

// FindMatch resolves a source book. Tiers run in order and the first hit
// wins: cached mapping, ASIN edition lookup, ISBN edition lookup (both
// digit forms), then scored title/author search. Transport failures abort
// the book rather than falling through with partial information.
func (m *Matcher) FindMatch(ctx context.Context, userID string, book models.SourceBook) (Outcome, error) {
	md := identifier.Metadata(book)
	out := Outcome{Metadata: md}

	ids := identifier.Candidates(book)
	if len(ids) == 0 {
		out.NoMatchReason = "no usable identifiers"
		return out, nil
	}

	if match := m.fromCache(ctx, userID, book, ids); match != nil {
		out.Match = match
		return out, nil
	}

	if asin := identifier.NormalizeASIN(book.ASIN); asin != "" {
		match, err := m.byEditionLookup(ctx, models.MatchASIN, asin, func(ctx context.Context) ([]models.Edition, error) {
			return m.catalog.SearchEditionsByASIN(ctx, asin)
		})
		if err != nil {
			return out, err
		}
		if match != nil {
			out.Match = match
			return out, nil
		}
	}

	for _, isbn := range identifier.ISBNVariants(book.ISBN) {
		match, err := m.byEditionLookup(ctx, models.MatchISBN, isbn, func(ctx context.Context) ([]models.Edition, error) {
			return m.catalog.SearchEditionsByISBN(ctx, isbn)
		})
		if err != nil {
			return out, err
		}
		if match != nil {
			out.Match = match
			return out, nil
		}
	}

	match, reason, err := m.byTitleAuthor(ctx, book, md)
	if err != nil {
		return out, err
	}
	out.Match = match
	out.NoMatchReason = reason
	return out, nil
}

// fromCache returns a match for the first candidate identifier with a
// cached mapping. Cache failures only skip the tier; the catalog tiers can
// still resolve the book.
func (m *Matcher) fromCache(ctx context.Context, userID string, book models.SourceBook, ids []models.Identifier) *models.Match {
	if m.cache == nil {
		return nil
	}

	for _, id := range ids {
		mapping, err := m.cache.Get(ctx, userID, id, book.Title)
		if err != nil {
			m.log.Warn("Cache lookup failed, falling through to catalog tiers", map[string]interface{}{
				"identifier": id.String(),
				"error":      err.Error(),
			})
			return nil
		}
		if mapping == nil || mapping.EditionID == "" {
			continue
		}

		m.log.Debug("Resolved from cache", map[string]interface{}{
			"identifier": id.String(),
			"edition_id": mapping.EditionID,
			"book_id":    mapping.BookID,
		})
		return &models.Match{
			Edition: &models.Edition{
				EditionID: mapping.EditionID,
				BookID:    mapping.BookID,
			},
			BookID:     mapping.BookID,
			Type:       models.MatchCache,
			Confidence: models.ConfidenceHigh,
		}
	}
	return nil
}

// byEditionLookup runs one direct-identifier tier. Only an unambiguous
// single-edition result counts as a match.
func (m *Matcher) byEditionLookup(ctx context.Context, matchType models.MatchType, value string, search func(context.Context) ([]models.Edition, error)) (*models.Match, error) {
	editions, err := search(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s lookup for %q failed: %w", matchType, value, err)
	}

	switch len(editions) {
	case 0:
		return nil, nil
	case 1:
		edition := editions[0]
		return &models.Match{
			Edition:           &edition,
			BookID:            edition.BookID,
			Type:              matchType,
			Confidence:        models.ConfidenceHigh,
			NeedsBookIDLookup: edition.BookID == "",
		}, nil
	default:
		m.log.Debug("Ambiguous identifier, trying next tier", map[string]interface{}{
			"type":     string(matchType),
			"value":    value,
			"editions": len(editions),
		})
		return nil, nil
	}
}

// byTitleAuthor scores the catalog search results and accepts the best
// candidate when it clears both the confidence and score floors.
func (m *Matcher) byTitleAuthor(ctx context.Context, book models.SourceBook, md models.ExtractedMetadata) (*models.Match, string, error) {
	if book.Title == "" {
		return nil, "no title to search by", nil
	}

	candidates, err := m.catalog.SearchByTitleAuthor(ctx, book.Title, book.Author, m.cfg.SearchLimit)
	if err != nil {
		return nil, "", fmt.Errorf("title/author search for %q failed: %w", book.Title, err)
	}
	if len(candidates) == 0 {
		return nil, "no match found", nil
	}

	target := textmatch.TargetFromMetadata(md)

	best := candidates[0]
	bestResult := textmatch.Score(best, target)
	for _, c := range candidates[1:] {
		r := textmatch.Score(c, target)
		if m.better(c, r, best, bestResult, md) {
			best, bestResult = c, r
		}
	}

	if bestResult.Confidence == models.ConfidenceLow || bestResult.Total < m.cfg.MinScore {
		m.log.Debug("Best candidate below acceptance floor", map[string]interface{}{
			"title":      book.Title,
			"candidate":  best.Title,
			"score":      bestResult.Total,
			"confidence": string(bestResult.Confidence),
		})
		return nil, fmt.Sprintf("low confidence, score=%.1f", bestResult.Total), nil
	}

	match := &models.Match{
		Edition:    best.Edition,
		BookID:     best.BookID,
		Type:       models.MatchTitleAuthor,
		Confidence: bestResult.Confidence,
		Score:      bestResult.Total,
		Breakdown:  bestResult.Breakdown,
	}
	if best.UserBook != nil {
		match.UserBookID = best.UserBook.ID
	}
	if match.Edition != nil && match.BookID == "" {
		match.BookID = match.Edition.BookID
	}

	m.log.Debug("Accepted title/author match", map[string]interface{}{
		"title":      book.Title,
		"candidate":  best.Title,
		"book_id":    match.BookID,
		"score":      bestResult.Total,
		"confidence": string(bestResult.Confidence),
	})
	return match, "", nil
}

// better orders candidates: score first, then activity, then year
// proximity, then a format matching the source book's.
func (m *Matcher) better(c models.SearchCandidate, r textmatch.Result, cur models.SearchCandidate, curResult textmatch.Result, md models.ExtractedMetadata) bool {
	if r.Total != curResult.Total {
		return r.Total > curResult.Total
	}
	if a, b := activityOf(c), activityOf(cur); a != b {
		return a > b
	}
	if md.PublishedYear > 0 {
		da, db := yearDiff(c.ReleaseYear, md.PublishedYear), yearDiff(cur.ReleaseYear, md.PublishedYear)
		if da != db {
			return da < db
		}
	}
	return c.Format == md.Format && cur.Format != md.Format
}

func activityOf(c models.SearchCandidate) int {
	n := c.UsersCount
	if c.RatingsCount > n {
		n = c.RatingsCount
	}
	if c.ListsCount > n {
		n = c.ListsCount
	}
	return n
}

func yearDiff(candidate, target int) int {
	if candidate <= 0 {
		// Unknown years sort behind any known one.
		return 1 << 30
	}
	d := candidate - target
	if d < 0 {
		return -d
	}
	return d
}
