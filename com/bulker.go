package com

import (
	"context"
	"time"
)

// bulkFlushTimeout is the maximum amount of time Bulk waits for a new item before flushing
// whatever it has already accumulated, even if count hasn't been reached yet.
const bulkFlushTimeout = 200 * time.Millisecond

// BulkChunkSplitPolicy decides, for a freshly received item, whether the current chunk must
// be flushed before this item is appended to a (new) chunk.
type BulkChunkSplitPolicy[T any] func(T) bool

// BulkChunkSplitPolicyFactory creates a new, stateful BulkChunkSplitPolicy for one Bulk call.
type BulkChunkSplitPolicyFactory[T any] func() BulkChunkSplitPolicy[T]

// NeverSplit is a BulkChunkSplitPolicyFactory whose policy never forces a split.
func NeverSplit[T any]() BulkChunkSplitPolicy[T] {
	return func(T) bool { return false }
}

// Bulk reads values from ch and streams them back in chunks of up to count values each.
//
// A chunk is flushed early when splitPolicyFactory's policy requests a split before the next
// item, or when no new item arrives within a short idle window, so that slow producers don't
// starve consumers waiting on a full chunk. ch being closed, or ctx being canceled, flushes
// any remaining partial chunk and closes the returned channel. count <= 0 means "unbounded":
// chunks are only split by the split policy, the idle window, or channel closure/cancellation.
func Bulk[T any](ctx context.Context, ch <-chan T, count int, splitPolicyFactory BulkChunkSplitPolicyFactory[T]) <-chan []T {
	out := make(chan []T)
	splitPolicy := splitPolicyFactory()

	go func() {
		defer close(out)

		var buf []T

		flush := func() bool {
			if len(buf) == 0 {
				return true
			}

			chunk := buf
			buf = nil

			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		timer := time.NewTimer(bulkFlushTimeout)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				flush()
				return

			case v, ok := <-ch:
				if !ok {
					flush()
					return
				}

				if len(buf) > 0 && splitPolicy(v) {
					if !flush() {
						return
					}
				}

				buf = append(buf, v)

				if count > 0 && len(buf) >= count {
					if !flush() {
						return
					}
				}

				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(bulkFlushTimeout)

			case <-timer.C:
				if !flush() {
					return
				}
				timer.Reset(bulkFlushTimeout)
			}
		}
	}()

	return out
}
