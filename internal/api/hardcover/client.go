// Package hardcover talks to the Hardcover GraphQL API. It exposes the
// catalog lookups the matcher consumes and the shelf mutations the
// reconciler applies, with per-service rate limiting, in-process
// memoization of read queries, and a dry-run mode that logs mutations
// instead of sending them.
package hardcover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hasura/go-graphql-client"

	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/worker"
	"github.com/shelfbridge/shelfbridge/pkg/cache"
)

const (
	// DefaultBaseURL is the default Hardcover GraphQL endpoint.
	DefaultBaseURL = "https://api.hardcover.app/v1/graphql"
	// DefaultTimeout bounds one GraphQL round trip.
	DefaultTimeout = 60 * time.Second

	// idleConnTimeout is the keep-alive window of the connection pool.
	idleConnTimeout = 30 * time.Second

	// limiterKey is the rate-limiter bucket shared by every call.
	limiterKey = "hardcover"

	// editionCacheTTL bounds identifier-lookup memoization.
	editionCacheTTL = 1 * time.Hour
	// searchCacheTTL bounds title/author search memoization.
	searchCacheTTL = 10 * time.Minute

	// editionSearchLimit caps editions returned per identifier lookup.
	editionSearchLimit = 5
)

// Shelf status ids used by the tracker.
const (
	StatusWantToRead = 1
	StatusReading    = 2
	StatusRead       = 3
)

// Reading format ids used by the tracker's editions.
const (
	readingFormatPhysical  = 1
	readingFormatAudiobook = 2
	readingFormatEbook     = 4
)

// graphqlOperation tags an executed operation for error messages.
type graphqlOperation string

const (
	queryOperation    graphqlOperation = "query"
	mutationOperation graphqlOperation = "mutation"
)

// ClientConfig holds construction options for the Hardcover client.
type ClientConfig struct {
	// BaseURL is the GraphQL endpoint (default: DefaultBaseURL).
	BaseURL string
	// Timeout bounds each HTTP round trip (default: DefaultTimeout).
	Timeout time.Duration
	// DryRun makes every mutation log and report success without
	// calling the API.
	DryRun bool
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
}

// headerAddingTransport is an http.RoundTripper that adds the headers
// required for authenticating with the Hardcover API.
type headerAddingTransport struct {
	token string
	rt    http.RoundTripper
}

// RoundTrip implements the http.RoundTripper interface.
func (t *headerAddingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")
	return t.rt.RoundTrip(req)
}

// Client is a Hardcover API client. All methods are safe for concurrent
// use; identifier lookups and searches are memoized so repeated probes
// within one run do not refetch.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	gqlClient  *graphql.Client
	logger     *logger.Logger
	limiter    *worker.RateLimiter
	dryRun     bool

	currentUserID    int
	currentUserMutex sync.RWMutex

	editionCache *cache.Cache[string, []models.Edition]
	searchCache  *cache.Cache[string, []models.SearchCandidate]
}

// NewClient builds a Hardcover client. The limiter may be nil, which
// disables client-side rate limiting; a nil logger uses the process
// logger.
func NewClient(cfg *ClientConfig, token string, limiter *worker.RateLimiter, log *logger.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Get()
	}
	log = log.With(map[string]interface{}{
		"component": "hardcover_client",
	})

	// Tokens are sent raw; the transport adds the Bearer prefix.
	if cleaned, stripped := config.StripBearerPrefix(token); stripped {
		log.Warn("Tracker token carried a Bearer prefix; stripping it", nil)
		token = cleaned
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &headerAddingTransport{
			token: token,
			rt:    newPooledTransport(cfg.BaseURL),
		},
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		authToken:    token,
		httpClient:   httpClient,
		gqlClient:    graphql.NewClient(cfg.BaseURL, httpClient),
		logger:       log,
		limiter:      limiter,
		dryRun:       cfg.DryRun,
		editionCache: cache.New[string, []models.Edition](),
		searchCache:  cache.New[string, []models.SearchCandidate](),
	}
}

// newPooledTransport builds the keep-alive pool for the endpoint: ten
// sockets with five idle for plain HTTP, five sockets with two idle for
// HTTPS.
func newPooledTransport(baseURL string) *http.Transport {
	maxSockets, maxFreeSockets := 10, 5
	if strings.HasPrefix(baseURL, "https://") {
		maxSockets, maxFreeSockets = 5, 2
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     maxSockets,
		MaxIdleConnsPerHost: maxFreeSockets,
		IdleConnTimeout:     idleConnTimeout,
	}
}

// GetAuthHeader returns the Authorization header value sent with every
// request.
func (c *Client) GetAuthHeader() string {
	return "Bearer " + c.authToken
}

// GraphQLQuery executes a GraphQL query and unmarshals the data payload
// into result.
func (c *Client) GraphQLQuery(ctx context.Context, query string, variables map[string]interface{}, result interface{}) error {
	return c.executeGraphQLOperation(ctx, queryOperation, query, variables, result)
}

// GraphQLMutation executes a GraphQL mutation and unmarshals the data
// payload into result.
func (c *Client) GraphQLMutation(ctx context.Context, mutation string, variables map[string]interface{}, result interface{}) error {
	return c.executeGraphQLOperation(ctx, mutationOperation, mutation, variables, result)
}

// executeGraphQLOperation posts one operation and decodes the standard
// {data, errors} envelope. HTTP failures surface as *HTTPError so callers
// can classify them by status; GraphQL-level errors surface as plain
// errors. Retrying is the caller's concern.
func (c *Client) executeGraphQLOperation(ctx context.Context, opType graphqlOperation, operation string, variables map[string]interface{}, result interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, limiterKey); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}
	if variables == nil {
		variables = make(map[string]interface{})
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"query":     operation,
		"variables": variables,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", opType, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", opType, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", opType, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", opType, err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Error("GraphQL request failed", map[string]interface{}{
			"status": resp.StatusCode,
			"body":   truncateForLog(body),
		})
		return &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	var gqlResp struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", opType, err)
	}
	if len(gqlResp.Errors) > 0 {
		return fmt.Errorf("GraphQL error: %s", gqlResp.Errors[0].Message)
	}
	if result != nil && len(gqlResp.Data) > 0 {
		if err := json.Unmarshal(gqlResp.Data, result); err != nil {
			return fmt.Errorf("failed to decode %s data: %w", opType, err)
		}
	}
	return nil
}

// GetCurrentUserID resolves and caches the numeric user id behind the
// token. Every shelf query is scoped by it.
func (c *Client) GetCurrentUserID(ctx context.Context) (int, error) {
	c.currentUserMutex.RLock()
	cached := c.currentUserID
	c.currentUserMutex.RUnlock()
	if cached != 0 {
		return cached, nil
	}

	c.currentUserMutex.Lock()
	defer c.currentUserMutex.Unlock()
	if c.currentUserID != 0 {
		return c.currentUserID, nil
	}

	const query = `
	query GetCurrentUserID {
	  me {
		id
	  }
	}`

	var response struct {
		Me []struct {
			ID int `json:"id"`
		} `json:"me"`
	}
	if err := c.GraphQLQuery(ctx, query, nil, &response); err != nil {
		return 0, fmt.Errorf("failed to get current user: %w", err)
	}
	if len(response.Me) == 0 || response.Me[0].ID == 0 {
		return 0, fmt.Errorf("no user found for the provided token")
	}

	c.currentUserID = response.Me[0].ID
	c.logger.Debug("Resolved current user", map[string]interface{}{
		"user_id": c.currentUserID,
	})
	return c.currentUserID, nil
}

// TestConnection verifies the token resolves to a user. It goes through
// the typed client so the check stays independent of the hand-built
// query path.
func (c *Client) TestConnection(ctx context.Context) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, limiterKey); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	var q struct {
		Me []struct {
			ID int `graphql:"id"`
		} `graphql:"me"`
	}
	if err := c.gqlClient.Query(ctx, &q, nil); err != nil {
		return fmt.Errorf("tracker connection test failed: %w", err)
	}
	if len(q.Me) == 0 || q.Me[0].ID == 0 {
		return fmt.Errorf("tracker connection test failed: token resolved no user")
	}

	c.currentUserMutex.Lock()
	c.currentUserID = q.Me[0].ID
	c.currentUserMutex.Unlock()

	c.logger.Debug("Tracker connection verified", map[string]interface{}{
		"user_id": q.Me[0].ID,
	})
	return nil
}

// editionFields is the selection shared by every edition lookup.
const editionFields = `
		id
		book_id
		title
		asin
		isbn_13
		isbn_10
		pages
		audio_seconds
		release_date
		users_count
		reading_format_id
		contributions {
		  contribution
		  author {
			name
		  }
		}`

// editionRow is the wire shape of one edition row.
type editionRow struct {
	ID              int64             `json:"id"`
	BookID          int64             `json:"book_id"`
	Title           string            `json:"title"`
	ASIN            *string           `json:"asin"`
	ISBN13          *string           `json:"isbn_13"`
	ISBN10          *string           `json:"isbn_10"`
	Pages           *int              `json:"pages"`
	AudioSeconds    *int              `json:"audio_seconds"`
	ReleaseDate     *string           `json:"release_date"`
	UsersCount      *int              `json:"users_count"`
	ReadingFormatID *int              `json:"reading_format_id"`
	Contributions   []contributionRow `json:"contributions"`
}

// contributionRow is the wire shape of one contribution entry.
type contributionRow struct {
	Contribution *string `json:"contribution"`
	Author       *struct {
		Name string `json:"name"`
	} `json:"author"`
}

func (r editionRow) toEdition() models.Edition {
	ed := models.Edition{
		EditionID:     strconv.FormatInt(r.ID, 10),
		BookID:        strconv.FormatInt(r.BookID, 10),
		Title:         r.Title,
		ASIN:          stringValue(r.ASIN),
		ISBN13:        stringValue(r.ISBN13),
		ISBN10:        stringValue(r.ISBN10),
		Contributions: contributionsOf(r.Contributions),
	}
	ed.Format, ed.ReadingFormat = readingFormatOf(r.ReadingFormatID)
	if r.Pages != nil {
		ed.Pages = *r.Pages
	}
	if r.AudioSeconds != nil {
		ed.AudioSeconds = float64(*r.AudioSeconds)
	}
	if r.UsersCount != nil {
		ed.UsersCount = *r.UsersCount
	}
	if r.ReleaseDate != nil {
		ed.ReleaseYear = releaseYearOf(*r.ReleaseDate)
	}
	return ed
}

func editionsOf(rows []editionRow) []models.Edition {
	editions := make([]models.Edition, 0, len(rows))
	for _, row := range rows {
		editions = append(editions, row.toEdition())
	}
	return editions
}

// readingFormatOf maps the tracker's reading_format_id onto a Format and
// its wire name.
func readingFormatOf(id *int) (models.Format, string) {
	if id == nil {
		return models.FormatUnknown, ""
	}
	switch *id {
	case readingFormatPhysical:
		return models.FormatPhysical, "physical"
	case readingFormatAudiobook:
		return models.FormatAudiobook, "audiobook"
	case readingFormatEbook:
		return models.FormatEbook, "ebook"
	default:
		return models.FormatUnknown, ""
	}
}

func releaseYearOf(releaseDate string) int {
	if len(releaseDate) < 4 {
		return 0
	}
	year, err := strconv.Atoi(releaseDate[:4])
	if err != nil {
		return 0
	}
	return year
}

func contributionsOf(rows []contributionRow) []models.Contribution {
	var out []models.Contribution
	for _, row := range rows {
		if row.Author == nil || row.Author.Name == "" {
			continue
		}
		out = append(out, models.Contribution{
			Role: strings.ToLower(stringValue(row.Contribution)),
			Name: row.Author.Name,
		})
	}
	return out
}

// stringValue dereferences an optional wire string.
func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// SearchEditionsByASIN returns the editions carrying the given ASIN, most
// used first. Results are memoized for editionCacheTTL.
func (c *Client) SearchEditionsByASIN(ctx context.Context, asin string) ([]models.Edition, error) {
	asin = strings.TrimSpace(asin)
	if asin == "" {
		return nil, fmt.Errorf("%w: asin is required", ErrInvalidInput)
	}

	return c.editionCache.GetOrLoad("asin:"+strings.ToUpper(asin), editionCacheTTL, func() ([]models.Edition, error) {
		query := `
		query EditionsByASIN($asin: String!, $limit: Int!) {
		  editions(
			where: { asin: { _eq: $asin } }
			order_by: { users_count: desc_nulls_last }
			limit: $limit
		  ) {` + editionFields + `
		  }
		}`

		var response struct {
			Editions []editionRow `json:"editions"`
		}
		err := c.GraphQLQuery(ctx, query, map[string]interface{}{
			"asin":  asin,
			"limit": editionSearchLimit,
		}, &response)
		if err != nil {
			return nil, fmt.Errorf("failed to search editions by ASIN: %w", err)
		}

		c.logger.Debug("Edition lookup by ASIN finished", map[string]interface{}{
			"asin": asin,
			"hits": len(response.Editions),
		})
		return editionsOf(response.Editions), nil
	})
}

// SearchEditionsByISBN returns the editions whose ISBN-13 or ISBN-10
// equals the given digit string, most used first. Callers normalize
// hyphens; both digit forms of a book land on the same editions.
func (c *Client) SearchEditionsByISBN(ctx context.Context, isbn string) ([]models.Edition, error) {
	isbn = strings.TrimSpace(isbn)
	if isbn == "" {
		return nil, fmt.Errorf("%w: isbn is required", ErrInvalidInput)
	}

	return c.editionCache.GetOrLoad("isbn:"+isbn, editionCacheTTL, func() ([]models.Edition, error) {
		query := `
		query EditionsByISBN($isbn: String!, $limit: Int!) {
		  editions(
			where: { _or: [{ isbn_13: { _eq: $isbn } }, { isbn_10: { _eq: $isbn } }] }
			order_by: { users_count: desc_nulls_last }
			limit: $limit
		  ) {` + editionFields + `
		  }
		}`

		var response struct {
			Editions []editionRow `json:"editions"`
		}
		err := c.GraphQLQuery(ctx, query, map[string]interface{}{
			"isbn":  isbn,
			"limit": editionSearchLimit,
		}, &response)
		if err != nil {
			return nil, fmt.Errorf("failed to search editions by ISBN: %w", err)
		}

		c.logger.Debug("Edition lookup by ISBN finished", map[string]interface{}{
			"isbn": isbn,
			"hits": len(response.Editions),
		})
		return editionsOf(response.Editions), nil
	})
}

// GetEdition fetches a single edition by id. A missing id yields
// ErrEditionNotFound.
func (c *Client) GetEdition(ctx context.Context, editionID string) (*models.Edition, error) {
	id, err := parseID("edition_id", editionID)
	if err != nil {
		return nil, err
	}

	editions, err := c.editionCache.GetOrLoad("edition:"+editionID, editionCacheTTL, func() ([]models.Edition, error) {
		query := `
		query EditionByID($id: Int!) {
		  editions(where: { id: { _eq: $id } }, limit: 1) {` + editionFields + `
		  }
		}`

		var response struct {
			Editions []editionRow `json:"editions"`
		}
		if err := c.GraphQLQuery(ctx, query, map[string]interface{}{"id": id}, &response); err != nil {
			return nil, fmt.Errorf("failed to get edition: %w", err)
		}
		return editionsOf(response.Editions), nil
	})
	if err != nil {
		return nil, err
	}
	if len(editions) == 0 {
		return nil, fmt.Errorf("%w: edition %s", ErrEditionNotFound, editionID)
	}
	return &editions[0], nil
}

// GetBookEditions lists a book's editions, most used first. The
// reconciler uses it to pick a concrete edition when a match carries only
// a book id.
func (c *Client) GetBookEditions(ctx context.Context, bookID string) ([]models.Edition, error) {
	id, err := parseID("book_id", bookID)
	if err != nil {
		return nil, err
	}

	return c.editionCache.GetOrLoad("book:"+bookID, editionCacheTTL, func() ([]models.Edition, error) {
		query := `
		query EditionsByBook($bookId: Int!, $limit: Int!) {
		  editions(
			where: { book_id: { _eq: $bookId } }
			order_by: { users_count: desc_nulls_last }
			limit: $limit
		  ) {` + editionFields + `
		  }
		}`

		var response struct {
			Editions []editionRow `json:"editions"`
		}
		err := c.GraphQLQuery(ctx, query, map[string]interface{}{
			"bookId": id,
			"limit":  editionSearchLimit,
		}, &response)
		if err != nil {
			return nil, fmt.Errorf("failed to list book editions: %w", err)
		}
		return editionsOf(response.Editions), nil
	})
}

// bookRow is the wire shape of one title/author search hit.
type bookRow struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	ReleaseYear  *int   `json:"release_year"`
	UsersCount   *int `json:"users_count"`
	RatingsCount *int `json:"ratings_count"`
	ListsCount   *int `json:"lists_count"`
	BookSeries   []struct {
		Position *float64 `json:"position"`
		Series   *struct {
			Name string `json:"name"`
		} `json:"series"`
	} `json:"book_series"`
	Contributions []contributionRow `json:"contributions"`
	Editions      []editionRow      `json:"editions"`
	UserBooks     []struct {
		ID        int64  `json:"id"`
		BookID    int64  `json:"book_id"`
		EditionID *int64 `json:"edition_id"`
		StatusID  *int   `json:"status_id"`
	} `json:"user_books"`
}

func (r bookRow) toCandidate() models.SearchCandidate {
	cand := models.SearchCandidate{
		BookID: strconv.FormatInt(r.ID, 10),
		Title:  r.Title,
		Format: models.FormatUnknown,
	}
	if r.ReleaseYear != nil {
		cand.ReleaseYear = *r.ReleaseYear
	}
	if r.UsersCount != nil {
		cand.UsersCount = *r.UsersCount
	}
	if r.RatingsCount != nil {
		cand.RatingsCount = *r.RatingsCount
	}
	if r.ListsCount != nil {
		cand.ListsCount = *r.ListsCount
	}
	for _, entry := range r.BookSeries {
		if entry.Series == nil || entry.Series.Name == "" {
			continue
		}
		cand.SeriesName = entry.Series.Name
		if entry.Position != nil {
			cand.SeriesSeq = strconv.FormatFloat(*entry.Position, 'f', -1, 64)
		}
		break
	}
	for _, contribution := range contributionsOf(r.Contributions) {
		if contribution.Role == "" || contribution.Role == "author" {
			cand.Authors = append(cand.Authors, contribution.Name)
		}
	}
	if len(r.Editions) > 0 {
		edition := r.Editions[0].toEdition()
		cand.Edition = &edition
		cand.Format = edition.Format
		cand.AudioSeconds = edition.AudioSeconds
		cand.Narrators = edition.Narrators()
	}
	if len(r.UserBooks) > 0 {
		entry := r.UserBooks[0]
		userBook := &models.UserBook{
			ID:     strconv.FormatInt(entry.ID, 10),
			BookID: strconv.FormatInt(entry.BookID, 10),
		}
		if entry.EditionID != nil {
			userBook.EditionID = strconv.FormatInt(*entry.EditionID, 10)
		}
		if entry.StatusID != nil {
			userBook.StatusID = *entry.StatusID
			userBook.IsCompleted = *entry.StatusID == StatusRead
		}
		cand.UserBook = userBook
	}
	return cand
}

// SearchByTitleAuthor returns raw material for the scored search tier:
// books matching the title (and author, when given), each with its
// most-used edition and the current user's shelf entry so the matcher can
// reuse both. Results are memoized for searchCacheTTL.
func (c *Client) SearchByTitleAuthor(ctx context.Context, title, author string, limit int) ([]models.SearchCandidate, error) {
	cleanTitle := strings.Trim(strings.TrimSpace(title), "%")
	cleanAuthor := strings.Trim(strings.TrimSpace(author), "%")
	if cleanTitle == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = editionSearchLimit
	}

	key := fmt.Sprintf("%s|%s|%d", strings.ToLower(cleanTitle), strings.ToLower(cleanAuthor), limit)
	return c.searchCache.GetOrLoad(key, searchCacheTTL, func() ([]models.SearchCandidate, error) {
		// Shelf entries are scoped to the token's user. A failed user
		// lookup degrades to a catalog-only search.
		userID, err := c.GetCurrentUserID(ctx)
		if err != nil {
			c.logger.Warn("Could not resolve current user for search, shelf entries will be missing", map[string]interface{}{
				"error": err.Error(),
			})
			userID = 0
		}

		// The author clause is only added when an author is known.
		query := `
		query SearchBooks($title: String!` + func() string {
			if cleanAuthor != "" {
				return `, $author: String!`
			}
			return ""
		}() + `, $userId: Int!, $limit: Int!) {
		  books(
			where: { _and: [
			  { title: { _ilike: $title } }` + func() string {
			if cleanAuthor != "" {
				return `,
			  { contributions: { author: { name: { _ilike: $author } } } }`
			}
			return ""
		}() + `
			] }
			order_by: { users_count: desc_nulls_last }
			limit: $limit
		  ) {
			id
			title
			release_year
			users_count
			ratings_count
			lists_count
			book_series {
			  position
			  series {
				name
			  }
			}
			contributions {
			  contribution
			  author {
				name
			  }
			}
			editions(order_by: { users_count: desc_nulls_last }, limit: 1) {` + editionFields + `
			}
			user_books(where: { user_id: { _eq: $userId } }, limit: 1) {
			  id
			  book_id
			  edition_id
			  status_id
			}
		  }
		}`

		variables := map[string]interface{}{
			"title":  "%" + cleanTitle + "%",
			"userId": userID,
			"limit":  limit,
		}
		if cleanAuthor != "" {
			variables["author"] = "%" + cleanAuthor + "%"
		}

		var response struct {
			Books []bookRow `json:"books"`
		}
		if err := c.GraphQLQuery(ctx, query, variables, &response); err != nil {
			return nil, fmt.Errorf("failed to search books by title/author: %w", err)
		}

		candidates := make([]models.SearchCandidate, 0, len(response.Books))
		for _, row := range response.Books {
			candidates = append(candidates, row.toCandidate())
		}
		c.logger.Debug("Title/author search finished", map[string]interface{}{
			"title":  cleanTitle,
			"author": cleanAuthor,
			"hits":   len(candidates),
		})
		return candidates, nil
	})
}

// GetUserBook fetches the current user's shelf entry for a book, or nil
// when the book is not on their shelf. Progress comes from the newest
// read entry, scaled against that entry's edition.
func (c *Client) GetUserBook(ctx context.Context, bookID string) (*models.UserBook, error) {
	id, err := parseID("book_id", bookID)
	if err != nil {
		return nil, err
	}
	userID, err := c.GetCurrentUserID(ctx)
	if err != nil {
		return nil, err
	}

	const query = `
	query UserBookByBook($userId: Int!, $bookId: Int!) {
	  user_books(
		where: { user_id: { _eq: $userId }, book_id: { _eq: $bookId } }
		order_by: { id: desc }
		limit: 1
	  ) {
		id
		book_id
		edition_id
		status_id
		book {
		  title
		  contributions {
			contribution
			author {
			  name
			}
		  }
		}
		user_book_reads(order_by: { id: desc }, limit: 1) {
		  progress_seconds
		  progress_pages
		  finished_at
		  edition {
			audio_seconds
			pages
		  }
		}
	  }
	}`

	var response struct {
		UserBooks []struct {
			ID        int64  `json:"id"`
			BookID    int64  `json:"book_id"`
			EditionID *int64 `json:"edition_id"`
			StatusID  *int   `json:"status_id"`
			Book      *struct {
				Title         string            `json:"title"`
				Contributions []contributionRow `json:"contributions"`
			} `json:"book"`
			UserBookReads []struct {
				ProgressSeconds *int    `json:"progress_seconds"`
				ProgressPages   *int    `json:"progress_pages"`
				FinishedAt      *string `json:"finished_at"`
				Edition         *struct {
					AudioSeconds *int `json:"audio_seconds"`
					Pages        *int `json:"pages"`
				} `json:"edition"`
			} `json:"user_book_reads"`
		} `json:"user_books"`
	}

	err = c.GraphQLQuery(ctx, query, map[string]interface{}{
		"userId": userID,
		"bookId": id,
	}, &response)
	if err != nil {
		return nil, fmt.Errorf("failed to get user book: %w", err)
	}
	if len(response.UserBooks) == 0 {
		return nil, nil
	}

	row := response.UserBooks[0]
	userBook := &models.UserBook{
		ID:     strconv.FormatInt(row.ID, 10),
		BookID: strconv.FormatInt(row.BookID, 10),
	}
	if row.EditionID != nil {
		userBook.EditionID = strconv.FormatInt(*row.EditionID, 10)
	}
	if row.StatusID != nil {
		userBook.StatusID = *row.StatusID
		userBook.IsCompleted = *row.StatusID == StatusRead
	}
	if row.Book != nil {
		userBook.Title = row.Book.Title
		for _, contribution := range contributionsOf(row.Book.Contributions) {
			if contribution.Role == "" || contribution.Role == "author" {
				userBook.AuthorName = contribution.Name
				break
			}
		}
	}
	if len(row.UserBookReads) > 0 {
		read := row.UserBookReads[0]
		switch {
		case read.FinishedAt != nil:
			userBook.IsCompleted = true
		case read.Edition != nil && read.ProgressSeconds != nil && read.Edition.AudioSeconds != nil && *read.Edition.AudioSeconds > 0:
			userBook.ProgressPct = float64(*read.ProgressSeconds) / float64(*read.Edition.AudioSeconds) * 100
		case read.Edition != nil && read.ProgressPages != nil && read.Edition.Pages != nil && *read.Edition.Pages > 0:
			userBook.ProgressPct = float64(*read.ProgressPages) / float64(*read.Edition.Pages) * 100
		}
	}
	if userBook.IsCompleted {
		userBook.ProgressPct = 100
	}
	return userBook, nil
}

// datesReadInput mirrors the tracker's DatesReadInput mutation object.
// Only set fields go over the wire.
type datesReadInput struct {
	Action          *string `json:"action,omitempty"`
	ID              *int64  `json:"id,omitempty"`
	EditionID       *int64  `json:"edition_id,omitempty"`
	StartedAt       *string `json:"started_at,omitempty"`
	FinishedAt      *string `json:"finished_at,omitempty"`
	ProgressSeconds *int    `json:"progress_seconds,omitempty"`
	ProgressPages   *int    `json:"progress_pages,omitempty"`
}

// withPosition fills the progress field matching the position's unit.
func (d *datesReadInput) withPosition(pos *models.Position) {
	if pos == nil {
		return
	}
	value := int(pos.Value)
	switch pos.Kind {
	case models.PositionSeconds:
		d.ProgressSeconds = &value
	case models.PositionPages:
		d.ProgressPages = &value
	}
}

// wireDate formats a timestamp the way the tracker stores read dates.
func wireDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// findOpenRead returns the id of the newest unfinished read entry of a
// user book, if any.
func (c *Client) findOpenRead(ctx context.Context, userBookID int64) (int64, bool, error) {
	const query = `
	query UnfinishedReads($userBookId: Int!) {
	  user_book_reads(
		where: { user_book_id: { _eq: $userBookId }, finished_at: { _is_null: true } }
		order_by: { id: desc }
		limit: 1
	  ) {
		id
	  }
	}`

	var response struct {
		UserBookReads []struct {
			ID int64 `json:"id"`
		} `json:"user_book_reads"`
	}
	err := c.GraphQLQuery(ctx, query, map[string]interface{}{"userBookId": userBookID}, &response)
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up unfinished reads: %w", err)
	}
	if len(response.UserBookReads) == 0 {
		return 0, false, nil
	}
	return response.UserBookReads[0].ID, true, nil
}

func (c *Client) insertRead(ctx context.Context, userBookID int64, read datesReadInput) error {
	const mutation = `
	mutation InsertUserBookRead($user_book_id: Int!, $user_book_read: DatesReadInput!) {
	  insert_user_book_read(
		user_book_id: $user_book_id,
		user_book_read: $user_book_read
	  ) {
		id
		error
	  }
	}`

	var result struct {
		InsertUserBookRead struct {
			ID    int64   `json:"id"`
			Error *string `json:"error"`
		} `json:"insert_user_book_read"`
	}
	err := c.GraphQLMutation(ctx, mutation, map[string]interface{}{
		"user_book_id":   userBookID,
		"user_book_read": read,
	}, &result)
	if err != nil {
		return fmt.Errorf("failed to insert read entry: %w", err)
	}
	if result.InsertUserBookRead.Error != nil {
		return fmt.Errorf("failed to insert read entry: %s", *result.InsertUserBookRead.Error)
	}
	return nil
}

func (c *Client) updateRead(ctx context.Context, readID int64, read datesReadInput) error {
	const mutation = `
	mutation UpdateUserBookRead($id: Int!, $object: DatesReadInput!) {
	  update_user_book_read(id: $id, object: $object) {
		id
		error
	  }
	}`

	var result struct {
		UpdateUserBookRead struct {
			ID    int64   `json:"id"`
			Error *string `json:"error"`
		} `json:"update_user_book_read"`
	}
	err := c.GraphQLMutation(ctx, mutation, map[string]interface{}{
		"id":     readID,
		"object": read,
	}, &result)
	if err != nil {
		return fmt.Errorf("failed to update read entry: %w", err)
	}
	if result.UpdateUserBookRead.Error != nil {
		return fmt.Errorf("failed to update read entry: %s", *result.UpdateUserBookRead.Error)
	}
	return nil
}

func (c *Client) setUserBookStatus(ctx context.Context, userBookID int64, statusID int) error {
	const mutation = `
	mutation UpdateUserBookStatus($id: Int!, $status_id: Int!) {
	  update_user_book(id: $id, object: { status_id: $status_id }) {
		id
		error
	  }
	}`

	var result struct {
		UpdateUserBook struct {
			ID    int64   `json:"id"`
			Error *string `json:"error"`
		} `json:"update_user_book"`
	}
	err := c.GraphQLMutation(ctx, mutation, map[string]interface{}{
		"id":        userBookID,
		"status_id": statusID,
	}, &result)
	if err != nil {
		return fmt.Errorf("failed to update shelf status: %w", err)
	}
	if result.UpdateUserBook.Error != nil {
		return fmt.Errorf("failed to update shelf status: %s", *result.UpdateUserBook.Error)
	}
	if result.UpdateUserBook.ID == 0 {
		return fmt.Errorf("%w: user book %d", ErrUserBookNotFound, userBookID)
	}
	return nil
}

// UpdateProgress writes a progress value to the user's shelf: the newest
// unfinished read entry is updated in place, otherwise a fresh entry is
// started. The position carries the wire unit (seconds or pages); the
// percentage is kept for logging since the tracker derives it.
func (c *Client) UpdateProgress(ctx context.Context, userBookID, editionID string, progressPercent float64, position *models.Position, timestamps *models.OutcomeTimestamps) (*models.MutationResult, error) {
	start := time.Now()

	id, err := parseID("user_book_id", userBookID)
	if err != nil {
		return nil, err
	}
	editionRef, err := optionalID("edition_id", editionID)
	if err != nil {
		return nil, err
	}

	read := datesReadInput{EditionID: editionRef}
	read.withPosition(position)

	if c.dryRun {
		c.logger.Info("Dry run: skipping progress update", map[string]interface{}{
			"user_book_id":     userBookID,
			"edition_id":       editionID,
			"progress_percent": progressPercent,
		})
		return &models.MutationResult{OK: true, Status: http.StatusOK, UserBookID: userBookID, Duration: time.Since(start)}, nil
	}

	readID, found, err := c.findOpenRead(ctx, id)
	if err != nil {
		return nil, err
	}
	if found {
		if err := c.updateRead(ctx, readID, read); err != nil {
			return nil, err
		}
	} else {
		startedAt := wireDate(time.Now())
		if timestamps != nil && timestamps.LastListenedAt != nil {
			startedAt = wireDate(*timestamps.LastListenedAt)
		}
		read.StartedAt = &startedAt
		if err := c.insertRead(ctx, id, read); err != nil {
			return nil, err
		}
	}

	c.logger.Info("Progress update applied", map[string]interface{}{
		"user_book_id":     userBookID,
		"progress_percent": progressPercent,
		"new_read_entry":   !found,
	})
	return &models.MutationResult{OK: true, Status: http.StatusOK, UserBookID: userBookID, Duration: time.Since(start)}, nil
}

// MarkComplete marks the user book finished: the open read entry (or a
// fresh one) gets finished_at, then the shelf status flips to read.
func (c *Client) MarkComplete(ctx context.Context, userBookID, editionID string, completedAt time.Time) (*models.MutationResult, error) {
	start := time.Now()

	id, err := parseID("user_book_id", userBookID)
	if err != nil {
		return nil, err
	}
	editionRef, err := optionalID("edition_id", editionID)
	if err != nil {
		return nil, err
	}

	finishedAt := wireDate(completedAt)
	read := datesReadInput{EditionID: editionRef, FinishedAt: &finishedAt}

	if c.dryRun {
		c.logger.Info("Dry run: skipping completion", map[string]interface{}{
			"user_book_id": userBookID,
			"edition_id":   editionID,
			"finished_at":  finishedAt,
		})
		return &models.MutationResult{OK: true, Status: http.StatusOK, UserBookID: userBookID, Duration: time.Since(start)}, nil
	}

	readID, found, err := c.findOpenRead(ctx, id)
	if err != nil {
		return nil, err
	}
	if found {
		if err := c.updateRead(ctx, readID, read); err != nil {
			return nil, err
		}
	} else {
		if err := c.insertRead(ctx, id, read); err != nil {
			return nil, err
		}
	}

	if err := c.setUserBookStatus(ctx, id, StatusRead); err != nil {
		return nil, err
	}

	c.logger.Info("Marked book finished", map[string]interface{}{
		"user_book_id": userBookID,
		"finished_at":  finishedAt,
	})
	return &models.MutationResult{OK: true, Status: http.StatusOK, UserBookID: userBookID, Duration: time.Since(start)}, nil
}

// AddBookToLibrary puts a book on the user's shelf as currently reading
// and, when the source already has progress, records the initial read
// entry in the same call. Returns the new shelf entry's id.
func (c *Client) AddBookToLibrary(ctx context.Context, bookID, editionID string, initialProgress float64, position *models.Position) (*models.MutationResult, error) {
	start := time.Now()

	id, err := parseID("book_id", bookID)
	if err != nil {
		return nil, err
	}
	editionRef, err := optionalID("edition_id", editionID)
	if err != nil {
		return nil, err
	}

	if c.dryRun {
		c.logger.Info("Dry run: skipping library add", map[string]interface{}{
			"book_id":          bookID,
			"edition_id":       editionID,
			"initial_progress": initialProgress,
		})
		return &models.MutationResult{OK: true, Status: http.StatusOK, Duration: time.Since(start)}, nil
	}

	object := map[string]interface{}{
		"book_id":   id,
		"status_id": StatusReading,
	}
	if editionRef != nil {
		object["edition_id"] = *editionRef
	}

	const mutation = `
	mutation InsertUserBook($object: UserBookCreateInput!) {
	  insert_user_book(object: $object) {
		id
		user_book {
		  id
		  status_id
		}
		error
	  }
	}`

	var result struct {
		InsertUserBook struct {
			ID       int64 `json:"id"`
			UserBook *struct {
				ID       int64 `json:"id"`
				StatusID int   `json:"status_id"`
			} `json:"user_book"`
			Error *string `json:"error"`
		} `json:"insert_user_book"`
	}
	if err := c.GraphQLMutation(ctx, mutation, map[string]interface{}{"object": object}, &result); err != nil {
		return nil, fmt.Errorf("failed to add book to library: %w", err)
	}
	if result.InsertUserBook.Error != nil {
		return nil, fmt.Errorf("failed to add book to library: %s", *result.InsertUserBook.Error)
	}

	userBookID := result.InsertUserBook.ID
	if result.InsertUserBook.UserBook != nil && result.InsertUserBook.UserBook.ID != 0 {
		userBookID = result.InsertUserBook.UserBook.ID
	}
	if userBookID == 0 {
		return nil, fmt.Errorf("library add returned no user book id")
	}

	if initialProgress > 0 {
		read := datesReadInput{EditionID: editionRef}
		read.withPosition(position)
		startedAt := wireDate(time.Now())
		read.StartedAt = &startedAt
		if err := c.insertRead(ctx, userBookID, read); err != nil {
			// The shelf entry exists at this point; surface the
			// partial failure instead of pretending it synced.
			return nil, fmt.Errorf("book added but initial progress failed: %w", err)
		}
	}

	c.logger.Info("Added book to library", map[string]interface{}{
		"book_id":      bookID,
		"user_book_id": userBookID,
	})
	return &models.MutationResult{OK: true, Status: http.StatusOK, UserBookID: strconv.FormatInt(userBookID, 10), Duration: time.Since(start)}, nil
}

// parseID converts a wire id string to the numeric form the GraphQL API
// expects.
func parseID(field, value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s %q is not a valid id", ErrInvalidInput, field, value)
	}
	return id, nil
}

// optionalID parses an id that may legitimately be absent.
func optionalID(field, value string) (*int64, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	id, err := parseID(field, value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// truncateForLog caps response bodies embedded in log fields.
func truncateForLog(body []byte) string {
	const max = 512
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
