package stm

import (
	"context"
	"fmt"
)

// checkSameWorld panics if r was constructed on a different World than the
// one running tx. Mixing refs across worlds is a programmer error (there is
// no shared GWP or commit lock to validate against), not a data race or a
// condition a caller could usefully recover from, so it panics rather than
// returning an error — the same treatment Go's own sync primitives give to
// analogous misuse.
func checkSameWorld(tx *Tx, core *coreRef) {
	if tx.world != core.world {
		panic(fmt.Sprintf("stm: ref belongs to world %s, transaction belongs to world %s", core.world.id, tx.world.id))
	}
}

// Tx is the per-attempt transaction context of spec.md §3: a snapshot
// read-point, the in-transaction value cache, the written- and
// ensured-ref sets, and the pending commute closures. A Tx is created
// exclusively by World.Atomically, is mutated only from the goroutine
// running the transaction body (see context.go), and is discarded on
// commit or retry — it is never reused across attempts.
//
// Closures for commute are modeled as spec.md §9 suggests for statically
// typed targets: a boxed func(any) any per pending commute, keyed by the
// same *coreRef used for in-tx-values and written-refs.
type Tx struct {
	world     *World
	readPoint uint64

	values   map[*coreRef]any
	written  map[*coreRef]struct{}
	ensured  map[*coreRef]struct{}
	commutes map[*coreRef][]func(any) any // newest-first
}

func newTx(w *World, readPoint uint64) *Tx {
	return &Tx{
		world:     w,
		readPoint: readPoint,
		values:    make(map[*coreRef]any),
		written:   make(map[*coreRef]struct{}),
		ensured:   make(map[*coreRef]struct{}),
		commutes:  make(map[*coreRef][]func(any) any),
	}
}

// ReadRef reads r. With no active transaction in ctx it returns the
// current globally-visible value (equivalent to r.Value()). Inside a
// transaction it implements spec.md §4.2's read: read-your-writes first,
// then the newest history entry at or before the transaction's read-point,
// caching the result; if no such entry exists the snapshot has aged past
// the ref's bounded history and ReadRef reports the internal RetryNeeded
// signal, which the caller must propagate unchanged so World.Atomically
// can catch it and retry with a fresh snapshot.
func ReadRef[V any](ctx context.Context, r *Ref[V]) (V, error) {
	tx, ok := txFromContext(ctx)
	if !ok {
		return r.Value(), nil
	}

	checkSameWorld(tx, r.core)

	if v, ok := tx.values[r.core]; ok {
		return v.(V), nil
	}

	e, ok := r.core.historyBeforeOrOn(tx.readPoint)
	if !ok {
		var zero V
		return zero, errRetryNeeded
	}
	tx.values[r.core] = e.value
	return e.value.(V), nil
}

// WriteRef stages newValue for r, to be published at commit. It requires
// an active transaction and fails ErrNotInTransaction otherwise, and fails
// ErrSetAfterCommute if r was already commuted earlier in this same
// transaction (spec.md §4.2, §7) — that failure is fatal to the
// transaction and is not retried.
func WriteRef[V any](ctx context.Context, r *Ref[V], newValue V) (V, error) {
	tx, ok := txFromContext(ctx)
	if !ok {
		var zero V
		return zero, ErrNotInTransaction
	}
	checkSameWorld(tx, r.core)
	if _, ok := tx.commutes[r.core]; ok {
		var zero V
		return zero, ErrSetAfterCommute
	}

	tx.values[r.core] = newValue
	tx.written[r.core] = struct{}{}
	return newValue, nil
}

// AlterRef is equivalent to WriteRef(ctx, r, fn(ReadRef(ctx, r))) —
// spec.md §4.2's alter.
func AlterRef[V any](ctx context.Context, r *Ref[V], fn func(V) V) (V, error) {
	cur, err := ReadRef(ctx, r)
	if err != nil {
		var zero V
		return zero, err
	}
	return WriteRef(ctx, r, fn(cur))
}

// EnsureRef adds r to the transaction's ensured set: no write is staged,
// but commit will fail RetryNeeded if r's head has advanced past the
// transaction's read-point, the same validation a write gets. This is the
// write-skew guard of spec.md §4.2/§5/§8.
func EnsureRef[V any](ctx context.Context, r *Ref[V]) error {
	tx, ok := txFromContext(ctx)
	if !ok {
		return ErrNotInTransaction
	}
	checkSameWorld(tx, r.core)
	tx.ensured[r.core] = struct{}{}
	return nil
}

// CommuteRef stages a commutative update: fn is applied now to produce the
// provisional in-transaction value (composing correctly with earlier
// commutes or reads of r in this same transaction), and is re-applied at
// commit time against whatever the ref's head value is then, after being
// composed with any other commutes staged on r in this transaction. If r
// was also written earlier in this transaction, commit does not re-apply
// fn and publishes the provisional value as it stands.
//
// Per spec.md §9's documented ambiguity: the base value fn sees is
// most-recent(r), not filtered by the transaction's read-point. This means
// the value CommuteRef returns can be newer than the transaction's
// snapshot — intentional, so that nested commutes within one transaction
// compose, but it does mean a commute's in-transaction return value alone
// does not satisfy snapshot consistency the way ReadRef's does.
func CommuteRef[V any](ctx context.Context, r *Ref[V], fn func(V) V) (V, error) {
	tx, ok := txFromContext(ctx)
	if !ok {
		var zero V
		return zero, ErrNotInTransaction
	}

	checkSameWorld(tx, r.core)

	var base V
	if v, ok := tx.values[r.core]; ok {
		base = v.(V)
	} else {
		base = r.core.mostRecent().value.(V)
	}

	provisional := fn(base)
	tx.values[r.core] = provisional
	tx.commutes[r.core] = append([]func(any) any{func(v any) any {
		return fn(v.(V))
	}}, tx.commutes[r.core]...)

	return provisional, nil
}
