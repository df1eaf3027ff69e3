// Package errs defines the error kinds the engine reports and helpers for
// classifying failures and carrying book references through error chains.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind labels a failure for outcomes, logs and retry decisions. Kinds are
// plain strings, never exported error types.
type Kind string

const (
	KindConfigInvalid        Kind = "config_invalid"
	KindConnectivity         Kind = "connectivity"
	KindRateLimited          Kind = "rate_limited"
	KindNotFound             Kind = "not_found"
	KindAmbiguousMatch       Kind = "ambiguous_match"
	KindRegressionBlocked    Kind = "regression_blocked"
	KindRemoteMutationFailed Kind = "remote_mutation_failed"
	KindCacheWriteFailed     Kind = "cache_write_failed"
	KindInvalidProgressInput Kind = "invalid_progress_input"
	KindCancelled            Kind = "cancelled"
	KindUnknown              Kind = "unknown"
)

// kindError attaches a Kind to an error without changing its message.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// WithKind tags an error with a Kind. A nil error stays nil.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// New creates a tagged error from a format string.
func New(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// KindOf returns the Kind tagged on err, classifying untagged errors by
// shape: context cancellation, HTTP status, then network error heuristics.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == 429:
			return KindRateLimited
		case status == 404:
			return KindNotFound
		case status >= 500:
			return KindConnectivity
		case status >= 400:
			return KindRemoteMutationFailed
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectivity
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection refused", "connection reset", "no such host", "timeout", "timed out", "eof", "broken pipe"} {
		if strings.Contains(msg, needle) {
			return KindConnectivity
		}
	}

	return KindUnknown
}

// IsFatal reports whether err must abort the run rather than a single book.
func IsFatal(err error) bool {
	return KindOf(err) == KindConfigInvalid
}

// BookError carries the source book reference through an error chain so the
// reconciler can attribute failures without string parsing.
type BookError struct {
	Err     error
	BookRef string
}

// Error implements the error interface.
func (e *BookError) Error() string {
	if e.BookRef != "" {
		return fmt.Sprintf("%s (book: %s)", e.Err.Error(), e.BookRef)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *BookError) Unwrap() error {
	return e.Err
}

// WithBookRef wraps an error with a source book reference.
func WithBookRef(err error, bookRef string) error {
	if err == nil {
		return nil
	}
	return &BookError{Err: err, BookRef: bookRef}
}

// GetBookRef returns the book reference from an error chain, if present.
func GetBookRef(err error) (string, bool) {
	var be *BookError
	if errors.As(err, &be) {
		return be.BookRef, be.BookRef != ""
	}
	return "", false
}
