// Package worker provides the concurrency primitives the sync engine
// schedules remote work with: a FIFO counting semaphore, keyed token-bucket
// rate limiters, a pausable task queue and a category-aware retry manager.
package worker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore is a FIFO-fair counting semaphore. Waiters are queued in
// arrival order, so no goroutine starves behind later arrivals.
type Semaphore struct {
	sem      *semaphore.Weighted
	capacity int64
}

// NewSemaphore creates a semaphore admitting up to n concurrent holders.
// A non-positive n is treated as 1.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{
		sem:      semaphore.NewWeighted(int64(n)),
		capacity: int64(n),
	}
}

// Acquire blocks until a slot is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// TryAcquire takes a slot without blocking, reporting success.
func (s *Semaphore) TryAcquire() bool {
	return s.sem.TryAcquire(1)
}

// Release returns a slot. Releasing more than was acquired panics.
func (s *Semaphore) Release() {
	s.sem.Release(1)
}

// Capacity returns the configured concurrency bound.
func (s *Semaphore) Capacity() int {
	return int(s.capacity)
}
