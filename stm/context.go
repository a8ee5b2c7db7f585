package stm

import "context"

// txKey is the context.Context key under which the active transaction is
// carried. spec.md §9 allows either a thread-local with a scope guard, or
// "pass[ing] the context explicitly through the public ref API via a
// polymorphic dispatch over {no-tx, in-tx(context)}" — this module takes
// the latter, using Go's own context.Context as the carrier instead of
// simulating goroutine-local storage. A transaction's Tx is confined to the
// goroutine that called Atomically and to whatever goroutines that
// goroutine explicitly hands the same ctx to, which is exactly the thread
// affinity spec.md §5 requires.
type txKey struct{}

func withTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok
}
