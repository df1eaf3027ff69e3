package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/shelfbridge/shelfbridge/internal/logger"
)

// ErrTaskAborted is delivered to tasks rejected before they start, either
// because their cancel signal fired or because the queue was cleared.
var ErrTaskAborted = errors.New("task aborted before execution")

// Task is a unit of work dispatched by the queue.
type Task func(ctx context.Context) error

// rateLimiterKey is the bucket key the queue draws its tokens from.
const rateLimiterKey = "task-queue"

// TaskQueue dispatches tasks with bounded concurrency. Admission order is
// FIFO via the semaphore; each task additionally waits for a rate-limiter
// token before it runs. In-flight tasks always finish; Pause and Clear
// only affect tasks that have not started.
type TaskQueue struct {
	sem     *Semaphore
	limiter *RateLimiter
	log     *logger.Logger

	mu       sync.Mutex
	gen      uint64        // bumped by Clear; tasks from older generations abort
	paused   bool
	resumeCh chan struct{} // non-nil while paused, closed on Resume
	clearCh  chan struct{} // closed on Clear, then replaced
	active   int           // enqueued tasks not yet finished or rejected
	idleCh   chan struct{} // closed when active drops to zero
}

// NewTaskQueue creates a queue running up to workers tasks concurrently.
// limiter may be nil, in which case tasks start as soon as a worker slot
// frees up.
func NewTaskQueue(workers int, limiter *RateLimiter, log *logger.Logger) *TaskQueue {
	if log == nil {
		log = logger.Get()
	}
	return &TaskQueue{
		sem:     NewSemaphore(workers),
		limiter: limiter,
		log:     log,
		clearCh: make(chan struct{}),
	}
}

// Enqueue schedules task and returns a one-shot channel delivering its
// result. If ctx is cancelled or the queue is cleared before the task
// starts, the channel receives ErrTaskAborted; a task already running is
// allowed to finish.
func (q *TaskQueue) Enqueue(ctx context.Context, task Task) <-chan error {
	done := make(chan error, 1)

	q.mu.Lock()
	gen := q.gen
	q.active++
	q.mu.Unlock()

	go func() {
		err := q.run(ctx, gen, task)
		q.finish()
		done <- err
	}()

	return done
}

// run walks one task through pause, rate-limit and semaphore admission.
func (q *TaskQueue) run(ctx context.Context, gen uint64, task Task) error {
	for {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return ErrTaskAborted
		}
		if !q.paused {
			q.mu.Unlock()
			break
		}
		resumeCh := q.resumeCh
		clearCh := q.clearCh
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ErrTaskAborted
		case <-clearCh:
			return ErrTaskAborted
		case <-resumeCh:
		}
	}

	if err := ctx.Err(); err != nil {
		return ErrTaskAborted
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx, rateLimiterKey); err != nil {
			return ErrTaskAborted
		}
	}

	if q.aborted(gen) {
		return ErrTaskAborted
	}

	if err := q.sem.Acquire(ctx); err != nil {
		return ErrTaskAborted
	}
	defer q.sem.Release()

	if q.aborted(gen) {
		return ErrTaskAborted
	}

	// Admitted: from here the task runs to completion even if the queue
	// is cleared underneath it.
	return task(ctx)
}

// aborted reports whether Clear ran since the task was enqueued.
func (q *TaskQueue) aborted(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen != gen
}

// finish marks one task done and wakes idle waiters when the queue drains.
func (q *TaskQueue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	if q.active == 0 && q.idleCh != nil {
		close(q.idleCh)
		q.idleCh = nil
	}
}

// Pause stops new tasks from starting. Running tasks are unaffected.
func (q *TaskQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return
	}
	q.paused = true
	q.resumeCh = make(chan struct{})
}

// Resume lets paused tasks proceed.
func (q *TaskQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		return
	}
	q.paused = false
	close(q.resumeCh)
	q.resumeCh = nil
}

// Clear rejects every task that has not started yet with ErrTaskAborted.
// In-flight tasks finish normally.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gen++
	close(q.clearCh)
	q.clearCh = make(chan struct{})
}

// OnIdle blocks until every enqueued task has finished or been rejected,
// or until ctx is done.
func (q *TaskQueue) OnIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.active == 0 {
			q.mu.Unlock()
			return nil
		}
		if q.idleCh == nil {
			q.idleCh = make(chan struct{})
		}
		ch := q.idleCh
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Active returns the number of tasks enqueued but not yet finished.
func (q *TaskQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}
