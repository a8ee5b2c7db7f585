// Package stm implements a software transactional memory core modeled on
// multi-version concurrency control: versioned refs, a per-transaction
// working set, and a validate-and-commit protocol under a single global
// commit lock, with automatic retry on conflict.
//
// A World owns the global write-point counter and commit lock for one STM
// universe; refs are created on a World and transactions run against it via
// Atomically. Multiple independent Worlds may coexist in one process.
package stm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// World is the runtime driver of spec.md §4.3: it owns the global
// write-point counter (GWP) and the single commit mutex that makes every
// commit's validate→re-commute→publish sequence atomic with respect to
// every other commit.
//
// Deliberately absent, relative to the teacher's MVCCMap: no background GC
// goroutine and no deadlock detector. spec.md's per-ref history is a fixed
// capacity evicted synchronously on publish, so there is nothing for a GC
// sweep to do; and a single lock acquired in one place and released before
// user code resumes is deadlock-free by construction (spec.md §5), so
// there is no wait-for graph to detect cycles in. See DESIGN.md.
type World struct {
	gwp      atomic.Uint64
	commitMu sync.Mutex

	maxHistory int
	logger     *slog.Logger
	id         uuid.UUID

	commits atomic.Uint64
	retries atomic.Uint64
}

// NewWorld constructs a World with GWP initialized to 0, per spec.md §3.
func NewWorld(opts ...Option) *World {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxHistory <= 0 {
		panic("stm: max history must be positive")
	}

	return &World{
		maxHistory: cfg.maxHistory,
		logger:     cfg.logger,
		id:         cfg.id,
	}
}

// ID returns the world's UUID, included as a log attribute on every line
// this world emits.
func (w *World) ID() uuid.UUID { return w.id }

// Stats is a point-in-time snapshot of runtime counters, observability of
// the control flow spec.md already specifies rather than a new feature
// (see SPEC_FULL.md §4).
type Stats struct {
	Commits uint64
	Retries uint64
}

// Stats reports how many transactions have committed (including read-only
// fast-path commits) and how many attempts have been retried.
func (w *World) Stats() Stats {
	return Stats{Commits: w.commits.Load(), Retries: w.retries.Load()}
}

// NewRef constructs a ref on w, per spec.md §4.1's construct and §6's
// make-ref.
func NewRef[V any](w *World, initial V) *Ref[V] {
	return newRef(w, initial)
}

// Atomically runs fn as, or within, a transaction on w and returns its
// result, per spec.md §4.3's run and §4.4's nested-transaction rule.
//
// If ctx already carries an active transaction (i.e. Atomically was called
// re-entrantly from inside another Atomically's fn), fn runs directly
// against that outer transaction — no new snapshot, no sub-commit. Any
// RetryNeeded signal fn raises in that case propagates to the enclosing
// Atomically call, which is the one that owns the retry loop.
//
// Otherwise Atomically loops: it creates a fresh Tx snapshotted at the
// current GWP, runs fn, and on success calls commit. A RetryNeeded error
// from either fn or commit discards the attempt and starts a new one with
// a fresh snapshot; the loop has no bounded retry count (spec.md §4.3 step
// 5). Any other error returned by fn propagates unchanged once the active
// transaction is cleared — no partial effects are ever published.
func Atomically[T any](w *World, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	if _, ok := txFromContext(ctx); ok {
		return fn(ctx)
	}

	for {
		tx := newTx(w, w.gwp.Load())
		txCtx := withTx(ctx, tx)

		result, err := fn(txCtx)
		if err != nil {
			if errors.Is(err, errRetryNeeded) {
				w.retries.Add(1)
				w.logger.Debug("transaction retrying", "world_id", w.id, "reason", "read past snapshot")
				continue
			}
			var zero T
			return zero, err
		}

		if err := w.commit(tx); err != nil {
			if errors.Is(err, errRetryNeeded) {
				w.retries.Add(1)
				w.logger.Debug("transaction retrying", "world_id", w.id, "reason", "commit validation failed")
				continue
			}
			var zero T
			return zero, err
		}

		return result, nil
	}
}

// commit implements spec.md §4.3 steps 1-8.
func (w *World) commit(tx *Tx) error {
	if len(tx.written) == 0 && len(tx.ensured) == 0 && len(tx.commutes) == 0 {
		// Read-only fast path: no lock, no GWP bump, never retries.
		w.commits.Add(1)
		return nil
	}

	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	// Step 3: validate writes and ensures. Commuted-but-not-written refs
	// are deliberately excluded from validation.
	for core := range tx.written {
		if core.mostRecent().writePoint > tx.readPoint {
			return errRetryNeeded
		}
	}
	for core := range tx.ensured {
		if core.mostRecent().writePoint > tx.readPoint {
			return errRetryNeeded
		}
	}

	// Step 4: re-apply commutes for refs not also written, composing
	// oldest-first (commutes[core] is stored newest-first, so walk it
	// backwards) against the then-latest head value.
	for core, fns := range tx.commutes {
		if _, isWritten := tx.written[core]; isWritten {
			continue
		}
		val := core.mostRecent().value
		for i := len(fns) - 1; i >= 0; i-- {
			val = fns[i](val)
		}
		tx.values[core] = val
	}

	// An ensure-only commit (no writes, no commutes) took the lock purely
	// to validate its ensured set against concurrent commits; having
	// passed validation above, it publishes nothing and must not advance
	// the GWP (spec.md §3, §9).
	if len(tx.written) == 0 && len(tx.commutes) == 0 {
		w.commits.Add(1)
		return nil
	}

	// Step 5: assign the commit's write-point.
	newWritePoint := w.gwp.Load() + 1

	// Step 6: publish. Every written ref and every commuted ref (whether
	// or not it was also written — a written ref's commute was already
	// folded into tx.values by WriteRef/CommuteRef's ordering, since
	// WriteRef rejects refs already present in tx.commutes) gets a new
	// head entry at newWritePoint.
	for core := range tx.written {
		core.appendVersion(tx.values[core], newWritePoint, w.maxHistory)
	}
	for core := range tx.commutes {
		if _, isWritten := tx.written[core]; isWritten {
			continue
		}
		core.appendVersion(tx.values[core], newWritePoint, w.maxHistory)
	}

	// Step 7: bump the GWP. Publishing every ref before this point means a
	// new transactional reader using the post-bump GWP as its read-point
	// always sees heads whose write-point is <= that read-point.
	w.gwp.Store(newWritePoint)

	w.commits.Add(1)
	w.logger.Debug("committed transaction",
		"world_id", w.id,
		"write_point", newWritePoint,
		"written", len(tx.written),
		"commuted", len(tx.commutes),
	)

	return nil
}
