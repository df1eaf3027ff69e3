// Package transaction provides a LIFO rollback registry for multi-step
// remote operations. Each mutating step registers a compensating action
// before it runs; on failure the registered actions are executed in
// reverse order so the remote service is left as it was found.
package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/shelfbridge/shelfbridge/internal/logger"
)

// ErrSealed is returned when a rollback action is added after commit.
var ErrSealed = errors.New("transaction already committed")

// RollbackFunc undoes a single step of a multi-step operation.
type RollbackFunc func(ctx context.Context) error

type step struct {
	name string
	fn   RollbackFunc
}

// Transaction accumulates compensating actions for one logical remote
// operation. It is safe for use from a single goroutine per book task;
// the internal lock only guards against misuse across goroutines.
type Transaction struct {
	steps  []step
	sealed bool
	log    *logger.Logger
}

// New creates an empty transaction.
func New(log *logger.Logger) *Transaction {
	if log == nil {
		log = logger.Get()
	}
	return &Transaction{log: log}
}

// Add registers a compensating action for a step that is about to run.
// Actions execute in reverse registration order on rollback. Adding
// after Commit is a programming error and is rejected.
func (t *Transaction) Add(name string, fn RollbackFunc) error {
	if t.sealed {
		return ErrSealed
	}
	if fn == nil {
		return fmt.Errorf("rollback action %q is nil", name)
	}
	t.steps = append(t.steps, step{name: name, fn: fn})
	return nil
}

// Len returns the number of pending rollback actions.
func (t *Transaction) Len() int {
	return len(t.steps)
}

// Committed reports whether the transaction has been sealed.
func (t *Transaction) Committed() bool {
	return t.sealed
}

// Commit seals the transaction and discards the registered actions.
// The operation succeeded; there is nothing left to undo.
func (t *Transaction) Commit() {
	t.sealed = true
	t.steps = nil
}

// Rollback executes the registered actions in LIFO order. Every action
// runs even when earlier ones fail; the first error is returned after
// all actions have completed. Rolling back a committed or empty
// transaction is a no-op.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.sealed || len(t.steps) == 0 {
		return nil
	}

	var firstErr error
	for i := len(t.steps) - 1; i >= 0; i-- {
		s := t.steps[i]
		t.log.Debug("Rolling back step", map[string]interface{}{
			"step": s.name,
		})
		if err := s.fn(ctx); err != nil {
			t.log.Error("Rollback step failed", map[string]interface{}{
				"step":  s.name,
				"error": err.Error(),
			})
			if firstErr == nil {
				firstErr = fmt.Errorf("rollback %s: %w", s.name, err)
			}
		}
	}

	// Drain so a second Rollback is a no-op.
	t.steps = nil
	return firstErr
}
