package worker

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/shelfbridge/shelfbridge/internal/errs"
	"github.com/shelfbridge/shelfbridge/internal/logger"
)

// Category buckets a failure for retry scheduling.
type Category string

const (
	CategoryNetwork     Category = "network"
	CategoryServerError Category = "server_error"
	CategoryRateLimit   Category = "rate_limit"
	CategoryClientError Category = "client_error"
	CategoryUnknown     Category = "unknown"
)

// Schedule names an exponential backoff base delay.
type Schedule string

const (
	ScheduleConservative Schedule = "conservative" // 500ms, 1s, 2s
	ScheduleStandard     Schedule = "standard"     // 1s, 2s, 4s
	ScheduleAggressive   Schedule = "aggressive"   // 2s, 4s, 8s
	ScheduleNone         Schedule = "none"         // no retry
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 2

// baseDelay returns the first backoff step for a schedule; subsequent
// attempts double it.
func baseDelay(s Schedule) time.Duration {
	switch s {
	case ScheduleConservative:
		return 500 * time.Millisecond
	case ScheduleAggressive:
		return 2000 * time.Millisecond
	default:
		return 1000 * time.Millisecond
	}
}

// Classify buckets an error into a retry category: connection-level
// failures are network, 5xx responses are server_error, 429 is
// rate_limit and any other 4xx is client_error.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var sc errs.StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == 429:
			return CategoryRateLimit
		case status >= 500:
			return CategoryServerError
		case status >= 400:
			return CategoryClientError
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection refused", "connection reset", "no such host", "timeout", "timed out", "eof", "broken pipe", "dns"} {
		if strings.Contains(msg, needle) {
			return CategoryNetwork
		}
	}

	return CategoryUnknown
}

// retryable reports whether a category is worth another attempt.
// Client errors and cancellations never are.
func retryable(c Category) bool {
	switch c {
	case CategoryNetwork, CategoryServerError, CategoryRateLimit:
		return true
	default:
		return false
	}
}

// RetryManager retries transient failures with exponential backoff.
// The schedule is chosen per error category: rate-limit errors back off
// aggressively, other retryable errors use the configured default.
type RetryManager struct {
	maxRetries      int
	defaultSchedule Schedule
	log             *logger.Logger
}

// NewRetryManager creates a retry manager. maxRetries counts retries
// after the first attempt; negative values fall back to the default.
func NewRetryManager(maxRetries int, schedule Schedule, log *logger.Logger) *RetryManager {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	switch schedule {
	case ScheduleConservative, ScheduleStandard, ScheduleAggressive, ScheduleNone:
	default:
		schedule = ScheduleStandard
	}
	if log == nil {
		log = logger.Get()
	}
	return &RetryManager{
		maxRetries:      maxRetries,
		defaultSchedule: schedule,
		log:             log,
	}
}

// Do runs fn, retrying retryable failures with the category-appropriate
// schedule. The last error is returned once attempts are exhausted.
func (m *RetryManager) Do(ctx context.Context, operation string, fn func() error) error {
	return m.do(ctx, operation, "", fn)
}

// DoWithSchedule runs fn with a caller-forced schedule, overriding the
// per-category choice.
func (m *RetryManager) DoWithSchedule(ctx context.Context, operation string, schedule Schedule, fn func() error) error {
	return m.do(ctx, operation, schedule, fn)
}

func (m *RetryManager) do(ctx context.Context, operation string, override Schedule, fn func() error) error {
	schedule := m.defaultSchedule
	if override != "" {
		schedule = override
	}

	if schedule == ScheduleNone || m.maxRetries == 0 {
		return fn()
	}

	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(uint(m.maxRetries)+1),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			return retryable(Classify(err))
		}),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			s := schedule
			if override == "" && Classify(err) == CategoryRateLimit {
				s = ScheduleAggressive
			}
			return baseDelay(s) << n
		}),
		retry.OnRetry(func(n uint, err error) {
			m.log.Warn("Retrying operation", map[string]interface{}{
				"operation": operation,
				"attempt":   n + 1,
				"category":  string(Classify(err)),
				"error":     err.Error(),
			})
		}),
	)
}
