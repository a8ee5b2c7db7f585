package stm

import "errors"

// Sentinel errors for typed handling on the caller side, same taxonomy as
// spec.md §7 and the same naming convention the teacher used for its own
// sentinel var block in tx.go.
var (
	// ErrNotInTransaction is returned by WriteRef, AlterRef, CommuteRef and
	// EnsureRef when called with no active transaction in ctx.
	ErrNotInTransaction = errors.New("stm: ref operation requires an active transaction")

	// ErrSetAfterCommute is returned by WriteRef/AlterRef when the ref has
	// already been commuted within the same transaction. It is fatal to the
	// transaction: Atomically propagates it to its caller without retrying
	// and without committing anything.
	ErrSetAfterCommute = errors.New("stm: write after commute on the same ref in one transaction")

	// errRetryNeeded is the internal RetryNeeded signal of spec.md §7. It is
	// never exported and must never be observed by a caller of Atomically:
	// every return path that can produce it is intercepted inside
	// Atomically's retry loop.
	errRetryNeeded = errors.New("stm: snapshot too old, retry needed")
)
