// Package audiobookshelf talks to the source library's REST API. The engine
// needs three things from it: the user's flattened library with progress,
// optional aggregate stats, and a connectivity check.
package audiobookshelf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/identifier"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

const (
	apiPath = "/api"

	// DefaultTimeout is the per-call ceiling for source requests.
	DefaultTimeout = 60 * time.Second

	// idleConnTimeout closes keep-alive sockets that sat unused.
	idleConnTimeout = 30 * time.Second
)

// Library is one library shelf on the source server.
type Library struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType,omitempty"`
}

// User is the authenticated user payload from /api/me, carrying the
// authoritative progress rows keyed by library item.
type User struct {
	ID            string          `json:"id"`
	Username      string          `json:"username"`
	MediaProgress []MediaProgress `json:"mediaProgress"`
}

// MediaProgress is one per-item progress row from /api/me.
type MediaProgress struct {
	ID            string  `json:"id"`
	LibraryItemID string  `json:"libraryItemId"`
	Progress      float64 `json:"progress"` // 0.0 to 1.0
	CurrentTime   float64 `json:"currentTime"`
	Duration      float64 `json:"duration"`
	IsFinished    bool    `json:"isFinished"`
	StartedAt     int64   `json:"startedAt"`  // unix millis
	FinishedAt    int64   `json:"finishedAt"` // unix millis
	LastUpdate    int64   `json:"lastUpdate"` // unix millis
}

// HTTPError is a non-2xx response from the source server. It keeps the
// status code so retry classification can tell 5xx from 4xx.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, string(e.Body))
}

// HTTPStatus returns the response status code.
func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

// Client is a client for the source library API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logger.Logger
}

// NewClient creates a new source library client. The token is stored bare;
// a stray "Bearer " scheme is stripped with a warning.
func NewClient(baseURL, token string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Get()
	}
	log = log.With(map[string]interface{}{
		"component": "audiobookshelf_client",
	})

	if cleaned, stripped := config.StripBearerPrefix(token); stripped {
		log.Warn("Source token contained a Bearer prefix, stripped", nil)
		token = cleaned
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  newHTTPClient(baseURL),
		logger:  log,
	}
}

// newHTTPClient builds the keep-alive pool for the source service: ten
// sockets for plain HTTP, five for HTTPS, idle sockets reclaimed after
// thirty seconds.
func newHTTPClient(baseURL string) *http.Client {
	maxConns, maxIdle := 10, 5
	if strings.HasPrefix(strings.ToLower(baseURL), "https://") {
		maxConns, maxIdle = 5, 2
	}
	return &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxConnsPerHost:     maxConns,
			MaxIdleConnsPerHost: maxIdle,
			IdleConnTimeout:     idleConnTimeout,
		},
	}
}

// getJSON performs an authenticated GET against an /api endpoint and decodes
// the response into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPath+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Unexpected status code", map[string]interface{}{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
			"response": string(body),
		})
		return &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetLibraries fetches all libraries visible to the token.
func (c *Client) GetLibraries(ctx context.Context) ([]Library, error) {
	var result struct {
		Libraries []Library `json:"libraries"`
	}
	if err := c.getJSON(ctx, "/libraries", &result); err != nil {
		return nil, fmt.Errorf("fetching libraries: %w", err)
	}

	c.logger.Debug("Fetched libraries", map[string]interface{}{
		"count": len(result.Libraries),
	})
	return result.Libraries, nil
}

// GetLibraryItems returns the raw records of one library, with per-item
// progress included.
func (c *Client) GetLibraryItems(ctx context.Context, libraryID string) ([]models.LibraryRecord, error) {
	if libraryID == "" {
		return nil, fmt.Errorf("library ID is required")
	}

	endpoint := fmt.Sprintf("/libraries/%s/items?include=progress&minified=0", libraryID)
	var result struct {
		Results []models.LibraryRecord `json:"results"`
		Total   int                    `json:"total"`
	}
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		return nil, fmt.Errorf("fetching library items: %w", err)
	}

	c.logger.Debug("Fetched library items", map[string]interface{}{
		"library_id": libraryID,
		"count":      len(result.Results),
	})
	return result.Results, nil
}

// GetUser fetches the authenticated user with their progress rows.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.getJSON(ctx, "/me", &user); err != nil {
		return nil, fmt.Errorf("fetching user: %w", err)
	}
	return &user, nil
}

// GetUserLibraryBooks walks every book library and returns the flattened
// records the engine consumes. Progress embedded in the items is merged
// with the /me rows; whichever was updated last wins. Podcast libraries
// are skipped.
func (c *Client) GetUserLibraryBooks(ctx context.Context) ([]models.SourceBook, error) {
	libraries, err := c.GetLibraries(ctx)
	if err != nil {
		return nil, err
	}

	// The /me progress rows are authoritative for listening state but the
	// endpoint is optional on older servers; a failure only loses freshness.
	progressByItem := make(map[string]MediaProgress)
	if user, err := c.GetUser(ctx); err != nil {
		c.logger.Warn("Could not fetch user progress, relying on item-embedded progress", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		for _, mp := range user.MediaProgress {
			progressByItem[mp.LibraryItemID] = mp
		}
	}

	var books []models.SourceBook
	for _, lib := range libraries {
		if lib.MediaType != "" && lib.MediaType != "book" {
			c.logger.Debug("Skipping non-book library", map[string]interface{}{
				"library_id": lib.ID,
				"media_type": lib.MediaType,
			})
			continue
		}

		items, err := c.GetLibraryItems(ctx, lib.ID)
		if err != nil {
			return nil, fmt.Errorf("library %s: %w", lib.ID, err)
		}

		for i := range items {
			rec := items[i]
			if rec.MediaType != "" && rec.MediaType != "book" && rec.MediaType != "ebook" {
				continue
			}
			mergeProgress(&rec, progressByItem)
			books = append(books, identifier.BuildSourceBook(&rec))
		}
	}

	c.logger.Info("Fetched user library", map[string]interface{}{
		"libraries": len(libraries),
		"books":     len(books),
	})
	return books, nil
}

// mergeProgress overlays the /me progress row for a record when it is newer
// than (or missing from) the item-embedded state.
func mergeProgress(rec *models.LibraryRecord, byItem map[string]MediaProgress) {
	mp, ok := byItem[rec.ID]
	if !ok {
		return
	}
	if rec.Progress != nil && rec.Progress.LastUpdate >= mp.LastUpdate {
		return
	}
	rec.Progress = &models.MediaSession{
		CurrentTime: mp.CurrentTime,
		Progress:    mp.Progress,
		IsFinished:  mp.IsFinished,
		StartedAt:   mp.StartedAt,
		FinishedAt:  mp.FinishedAt,
		LastUpdate:  mp.LastUpdate,
	}
}

// GetLibraryStats aggregates simple library counters. Callers treat a
// failure here as cosmetic; the sync itself never depends on it.
func (c *Client) GetLibraryStats(ctx context.Context) (*models.LibraryStats, error) {
	books, err := c.GetUserLibraryBooks(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.LibraryStats{Total: len(books)}
	for _, b := range books {
		switch {
		case b.IsFinished:
			stats.Completed++
		case b.ProgressPercent > 0:
			stats.InProgress++
		}
	}
	return stats, nil
}

// TestConnection verifies the server is reachable and the token works.
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.GetUser(ctx); err != nil {
		return fmt.Errorf("source connection test failed: %w", err)
	}
	return nil
}
