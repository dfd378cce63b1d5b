package com

import (
	"context"
	"sync"
)

// Cond is a broadcast-only, channel-based condition variable that additionally ties its
// lifetime to a context.Context.
//
// Unlike sync.Cond, waiters never need to hold a lock: Wait returns a channel that closes
// the next time Broadcast is called. Done returns a channel that closes once the Cond is
// Close'd or its context is canceled, whichever comes first.
type Cond struct {
	mu     sync.Mutex
	waitCh chan struct{}
	doneCh chan struct{}
	closed bool
}

// NewCond returns a new Cond tied to ctx. Once ctx is canceled, the Cond is closed automatically.
func NewCond(ctx context.Context) *Cond {
	c := &Cond{
		waitCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.doneCh:
		}
	}()

	return c
}

// Wait returns a channel that is closed the next time Broadcast is called, or immediately if
// the Cond is already closed.
func (c *Cond) Wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.waitCh
}

// Done returns a channel that is closed once the Cond is closed.
func (c *Cond) Done() <-chan struct{} {
	return c.doneCh
}

// Broadcast wakes all current waiters and arms a fresh channel for the next round.
// Broadcast on a closed Cond is a no-op.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	close(c.waitCh)
	c.waitCh = make(chan struct{})
}

// Close closes the Cond permanently, waking all current and future waiters. Close is
// idempotent and concurrency-safe.
func (c *Cond) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.waitCh)
	close(c.doneCh)

	return nil
}
