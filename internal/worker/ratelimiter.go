package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shelfbridge/shelfbridge/internal/logger"
)

// utilizationWarnRatio is the share of the per-minute budget at which a
// warning is logged, once per window.
const utilizationWarnRatio = 0.8

// RateLimiter hands out tokens from per-key buckets that refill evenly
// over a 60-second window. Each remote service gets its own instance;
// budgets are never shared across services.
type RateLimiter struct {
	name      string
	perMinute int
	burst     int
	log       *logger.Logger

	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	windowStart time.Time
	used        int
	warned      bool
}

// NewRateLimiter creates a keyed rate limiter. name appears in log
// messages so pauses can be attributed to a service.
func NewRateLimiter(name string, perMinute, burst int, log *logger.Logger) *RateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	if log == nil {
		log = logger.Get()
	}
	return &RateLimiter{
		name:      name,
		perMinute: perMinute,
		burst:     burst,
		log:       log,
		buckets:   make(map[string]*bucket),
	}
}

// Wait consumes one token for key, blocking until the bucket refills or
// ctx is done. Crossing 80% of the minute budget logs a warning; an
// exhausted bucket logs a visible pause message before sleeping.
func (r *RateLimiter) Wait(ctx context.Context, key string) error {
	b := r.getBucket(key)

	b.mu.Lock()
	now := time.Now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= time.Minute {
		b.windowStart = now
		b.used = 0
		b.warned = false
	}
	b.used++
	used := b.used
	shouldWarn := !b.warned && float64(used) >= utilizationWarnRatio*float64(r.perMinute)
	if shouldWarn {
		b.warned = true
	}
	b.mu.Unlock()

	if shouldWarn {
		r.log.Warn("Approaching rate limit", map[string]interface{}{
			"service":     r.name,
			"key":         key,
			"used":        used,
			"per_minute":  r.perMinute,
			"utilization": fmt.Sprintf("%.0f%%", 100*float64(used)/float64(r.perMinute)),
		})
	}

	res := b.limiter.Reserve()
	if !res.OK() {
		return fmt.Errorf("rate limiter %s: cannot reserve token for %q", r.name, key)
	}

	delay := res.Delay()
	if delay <= 0 {
		return nil
	}

	r.log.Info("Rate limit reached, pausing", map[string]interface{}{
		"service": r.name,
		"key":     key,
		"wait":    delay.Round(time.Millisecond).String(),
	})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	}
}

// Allow consumes a token for key without blocking, reporting whether the
// request fits the budget.
func (r *RateLimiter) Allow(key string) bool {
	return r.getBucket(key).limiter.Allow()
}

// Utilization returns the share of the current window's budget consumed
// for key, in [0, 1+].
func (r *RateLimiter) Utilization(key string) float64 {
	b := r.getBucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.windowStart.IsZero() || time.Since(b.windowStart) >= time.Minute {
		return 0
	}
	return float64(b.used) / float64(r.perMinute)
}

// getBucket returns the bucket for key, creating it if needed.
func (r *RateLimiter) getBucket(key string) *bucket {
	r.mu.RLock()
	b, ok := r.buckets[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.buckets[key]; ok {
		return b
	}

	// Tokens refill evenly across the minute rather than all at once.
	b = &bucket{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.perMinute)), r.burst),
	}
	r.buckets[key] = b
	return b
}
