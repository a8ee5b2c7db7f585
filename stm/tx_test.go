package stm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadRef_NoActiveTransactionReturnsCurrentValue(t *testing.T) {
	w := NewWorld()
	r := NewRef(w, 7)

	v, err := ReadRef(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestReadRef_ReadYourOwnWrites(t *testing.T) {
	w := NewWorld()
	r := NewRef(w, 0)

	v, err := Atomically(w, context.Background(), func(ctx context.Context) (int, error) {
		if _, err := WriteRef(ctx, r, 42); err != nil {
			return 0, err
		}
		return ReadRef(ctx, r)
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 42, r.Value())
}

func TestWriteRef_NoActiveTransactionFails(t *testing.T) {
	w := NewWorld()
	r := NewRef(w, 0)

	_, err := WriteRef(context.Background(), r, 1)
	require.ErrorIs(t, err, ErrNotInTransaction)
}

func TestEnsureRef_NoActiveTransactionFails(t *testing.T) {
	w := NewWorld()
	r := NewRef(w, 0)

	err := EnsureRef(context.Background(), r)
	require.ErrorIs(t, err, ErrNotInTransaction)
}

func TestCommuteRef_NoActiveTransactionFails(t *testing.T) {
	w := NewWorld()
	r := NewRef(w, 0)

	_, err := CommuteRef(context.Background(), r, func(v int) int { return v + 1 })
	require.ErrorIs(t, err, ErrNotInTransaction)
}

func TestWriteRef_AfterCommuteFailsAndTransactionDoesNotPublish(t *testing.T) {
	w := NewWorld()
	r := NewRef(w, 0)

	_, err := Atomically(w, context.Background(), func(ctx context.Context) (int, error) {
		if _, err := CommuteRef(ctx, r, func(v int) int { return v + 1 }); err != nil {
			return 0, err
		}
		return WriteRef(ctx, r, 5)
	})

	require.ErrorIs(t, err, ErrSetAfterCommute)
	require.Equal(t, 0, r.Value(), "a transaction that fails SetAfterCommute must not publish anything")
}

func TestAlterRef_EquivalentToWriteOfFnOfRead(t *testing.T) {
	w := NewWorld()
	r := NewRef(w, 10)

	_, err := Atomically(w, context.Background(), func(ctx context.Context) (int, error) {
		return AlterRef(ctx, r, func(v int) int { return v * 2 })
	})
	require.NoError(t, err)
	require.Equal(t, 20, r.Value())
}

func TestCommuteRef_ComposesWithEarlierCommuteInSameTransaction(t *testing.T) {
	ctx := context.Background()
	w := NewWorld()
	r := NewRef(w, 0)

	// Two commutes composed in the same transaction must see each other's
	// provisional effect, per spec.md §4.2's commute rationale.
	_, err := Atomically(w, ctx, func(ctx context.Context) (int, error) {
		if _, err := CommuteRef(ctx, r, func(v int) int { return v + 1 }); err != nil {
			return 0, err
		}
		return CommuteRef(ctx, r, func(v int) int { return v + 1 })
	})
	require.NoError(t, err)
	require.Equal(t, 2, r.Value())
}

func TestCommuteRef_ComposesOldestFirstAtCommit(t *testing.T) {
	ctx := context.Background()
	w := NewWorld()
	r := NewRef(w, 10)

	_, err := Atomically(w, ctx, func(ctx context.Context) (int, error) {
		if _, err := CommuteRef(ctx, r, func(v int) int { return v * 2 }); err != nil {
			return 0, err
		}
		return CommuteRef(ctx, r, func(v int) int { return v - 1 })
	})
	require.NoError(t, err)
	// oldest-first: (10*2)-1 = 19, not (10-1)*2 = 18.
	require.Equal(t, 19, r.Value())
}

func TestAtomically_NestedInlinesIntoEnclosingTransaction(t *testing.T) {
	ctx := context.Background()
	w := NewWorld()
	r := NewRef(w, 0)

	v, err := Atomically(w, ctx, func(ctx context.Context) (int, error) {
		if _, err := WriteRef(ctx, r, 1); err != nil {
			return 0, err
		}
		// Nested Atomically must see the outer write (read-your-writes
		// through the shared Tx) and must not sub-commit.
		return Atomically(w, ctx, func(ctx context.Context) (int, error) {
			return ReadRef(ctx, r)
		})
	})
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.Equal(t, 1, r.Value())
	require.Equal(t, uint64(1), w.Stats().Commits, "only the outer transaction commits")
}

func TestCheckSameWorld_PanicsOnCrossWorldRef(t *testing.T) {
	w1 := NewWorld()
	w2 := NewWorld()
	r := NewRef(w1, 0)

	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic when a ref from one world is used in another world's transaction")
	}()

	_, _ = Atomically(w2, context.Background(), func(ctx context.Context) (int, error) {
		return ReadRef(ctx, r)
	})
}

func TestReadRef_RetryNeededNeverEscapesAtomically(t *testing.T) {
	ctx := context.Background()
	w := NewWorld(WithMaxHistory(1))
	r := NewRef(w, "v0")

	attempts := 0
	reader := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		<-reader
		_, err := Atomically(w, ctx, func(ctx context.Context) (string, error) {
			return WriteRef(ctx, r, "v1")
		})
		require.NoError(t, err)
		close(writerDone)
	}()

	_, err := Atomically(w, ctx, func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			close(reader)
			<-writerDone
		}
		return ReadRef(ctx, r)
	})

	require.NoError(t, err)
	require.False(t, errors.Is(err, errRetryNeeded))
	require.Equal(t, 2, attempts, "the first attempt should have hit RetryNeeded and been retried transparently")
}
