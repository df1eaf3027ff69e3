package transaction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollbackRunsInReverseOrder(t *testing.T) {
	tx := New(nil)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		require.NoError(t, tx.Add(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}))
	}

	require.NoError(t, tx.Rollback(context.Background()))
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestRollbackRunsAllDespiteErrors(t *testing.T) {
	tx := New(nil)

	var order []string
	errBoom := errors.New("boom")

	require.NoError(t, tx.Add("a", func(ctx context.Context) error {
		order = append(order, "a")
		return nil
	}))
	require.NoError(t, tx.Add("b", func(ctx context.Context) error {
		order = append(order, "b")
		return errBoom
	}))
	require.NoError(t, tx.Add("c", func(ctx context.Context) error {
		order = append(order, "c")
		return errors.New("later error")
	}))

	err := tx.Rollback(context.Background())
	require.Error(t, err)
	// All three ran, in LIFO order.
	assert.Equal(t, []string{"c", "b", "a"}, order)
	// The first error encountered (from "c", which runs first) wins.
	assert.Contains(t, err.Error(), "rollback c")
}

func TestAddAfterCommitRejected(t *testing.T) {
	tx := New(nil)
	require.NoError(t, tx.Add("step", func(ctx context.Context) error { return nil }))

	tx.Commit()
	assert.True(t, tx.Committed())

	err := tx.Add("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrSealed)
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	tx := New(nil)

	ran := false
	require.NoError(t, tx.Add("step", func(ctx context.Context) error {
		ran = true
		return nil
	}))

	tx.Commit()
	require.NoError(t, tx.Rollback(context.Background()))
	assert.False(t, ran)
}

func TestRollbackTwiceRunsOnce(t *testing.T) {
	tx := New(nil)

	count := 0
	require.NoError(t, tx.Add("step", func(ctx context.Context) error {
		count++
		return nil
	}))

	require.NoError(t, tx.Rollback(context.Background()))
	require.NoError(t, tx.Rollback(context.Background()))
	assert.Equal(t, 1, count)
}

func TestAddNilRejected(t *testing.T) {
	tx := New(nil)
	assert.Error(t, tx.Add("nil", nil))
	assert.Zero(t, tx.Len())
}
