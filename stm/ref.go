package stm

import "sync/atomic"

// entry is one history record: a value published at a given write-point.
// Entries within a ref's history are kept newest-first with strictly
// decreasing write-points (spec.md §3).
type entry struct {
	value      any
	writePoint uint64
}

// coreRef is the untyped half of a ref. Transaction working sets key on
// *coreRef directly (Go map keys compare by pointer identity for pointer
// types), which is why spec.md §9's integer-id fallback for "languages that
// forbid heterogeneous containers keyed by ref" is unneeded here — see
// DESIGN.md's Open Question resolutions.
//
// head is swapped with a single atomic.Pointer store under the world's
// commit lock on every publish; non-transactional reads load it without
// taking any lock. A reader observes either the fully-built old slice or
// the fully-built new one, never a partially written one, because the
// slice itself is never mutated after being published (copy-on-write).
type coreRef struct {
	world *World
	head  atomic.Pointer[[]entry]
}

// mostRecent returns the head entry. Total: a coreRef's history is never
// empty after construct (spec.md §4.1).
func (c *coreRef) mostRecent() entry {
	hist := *c.head.Load()
	return hist[0]
}

// historyBeforeOrOn scans newest-to-oldest for the newest entry whose
// write-point is <= readPoint. Returns ok=false if every stored entry is
// newer than readPoint, i.e. the snapshot has fallen off the back of the
// bounded history window (spec.md §4.1).
func (c *coreRef) historyBeforeOrOn(readPoint uint64) (entry, bool) {
	hist := *c.head.Load()
	for _, e := range hist {
		if e.writePoint <= readPoint {
			return e, true
		}
	}
	return entry{}, false
}

// appendVersion prepends a new entry and drops the oldest once history
// exceeds maxHistory, preserving capacity H. Must only be called while
// holding the owning World's commit lock (spec.md §4.1: "Called only under
// the commit lock").
func (c *coreRef) appendVersion(value any, writePoint uint64, maxHistory int) {
	old := *c.head.Load()
	keep := maxHistory - 1
	if len(old) > keep {
		old = old[:keep]
	}
	next := make([]entry, 0, maxHistory)
	next = append(next, entry{value: value, writePoint: writePoint})
	next = append(next, old...)
	c.head.Store(&next)
}

// historyLen reports the number of live history entries. Used only by
// tests asserting the history-bound invariant of spec.md §8; grounded in
// the teacher's VersionCount, which it keeps "for tests and metrics".
func (c *coreRef) historyLen() int {
	return len(*c.head.Load())
}

// Ref is a versioned cell of type V (spec.md's "ref"). Refs are created by
// World.NewRef and are safe for concurrent use from any number of
// goroutines, transactional or not.
type Ref[V any] struct {
	core *coreRef
}

// newRef constructs a ref on w with history = [{initial, currentGWP}] and
// H-1 remaining empty slots, per spec.md §4.1's construct operation.
func newRef[V any](w *World, initial V) *Ref[V] {
	c := &coreRef{world: w}
	hist := []entry{{value: initial, writePoint: w.gwp.Load()}}
	c.head.Store(&hist)
	return &Ref[V]{core: c}
}

// Value returns the ref's current globally-visible value with no
// transactional semantics: the public ref-operation dispatch of spec.md
// §4.4 for a read performed with no active transaction.
func (r *Ref[V]) Value() V {
	return r.core.mostRecent().value.(V)
}
