// Package bridge implements the Bridge: the async entry points an embedder calls into,
// taking and returning wire-encoded bytes plus a context.Context. Go has no global
// interpreter lock to release across awaited I/O the way the embedder's own concurrency
// primitive would need released; instead every entry point spawns its actual database/txn
// call on its own goroutine and hands the result back over a channel, so no package-level
// lock is ever held while a statement is in flight - the same goroutine+channel idiom
// com.WaitAsync and database.(*Pool).YieldAll already use elsewhere in this module.
package bridge

import "context"

// result carries a Future's outcome through its channel in one send.
type result[T any] struct {
	value T
	err   error
}

// Future is a single-value, single-receive asynchronous result, run on its own goroutine from
// the moment it's created. It is intentionally not reusable: Await may only be called once.
type Future[T any] struct {
	done chan result[T]
}

// Go starts fn on a new goroutine and returns a Future for its result. fn receives ctx so it
// can observe cancellation of the call that spawned it independent of whatever context Await
// is later called with.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan result[T], 1)}

	go func() {
		v, err := fn(ctx)
		f.done <- result[T]{value: v, err: err}
		close(f.done)
	}()

	return f
}

// Await blocks until fn's result is available or ctx is canceled, whichever comes first. A
// cancellation observed here does not stop fn itself, mirroring the core's cancellation
// model: cancellation between operations is immediate, but a statement already in flight runs
// to completion and the handle transitions to POISONED if it was a transaction.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case r := <-f.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
