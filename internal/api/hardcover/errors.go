package hardcover

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrEditionNotFound  = errors.New("edition not found")
	ErrUserBookNotFound = errors.New("user book not found")
	ErrInvalidInput     = errors.New("invalid input")
)

// HTTPError represents an HTTP error response from the remote service. It
// keeps the status code so retry classification can tell 429 and 5xx from
// plain client errors.
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
