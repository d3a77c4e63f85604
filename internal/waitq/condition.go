// ============================================================================
// Stagepool WaitQueue - One-Shot Condition
// ============================================================================
//
// Package: internal/waitq
// File: condition.go
// Purpose: Latched condition preserving "signal-before-wait still wakes"
//
// The condition latches on the first SignalAll; present and future waiters
// then return immediately. The waiter queue is created lazily on first
// await; duplicate allocations lost in the CAS are discarded harmlessly.
//
// The latch re-check after registration is load-bearing: it closes the race
// where SignalAll runs between the first latch check and Register, which
// would otherwise strand the waiter on a queue the broadcaster never saw.
//
// ============================================================================

package waitq

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrSignalUnsupported is returned by Condition.Signal: a latched condition
// only supports broadcast.
var ErrSignalUnsupported = errors.New("waitq: one-shot condition supports SignalAll only")

// Condition is a one-shot latched condition. The zero value is ready to use.
type Condition struct {
	signalled atomic.Bool
	queue     atomic.Pointer[WaitQueue]
}

// NewCondition creates an unsignalled condition.
func NewCondition() *Condition {
	return &Condition{}
}

// IsSignalled reports whether the latch is set.
func (c *Condition) IsSignalled() bool {
	return c.signalled.Load()
}

// Signal is unsupported; use SignalAll.
func (c *Condition) Signal() error {
	return ErrSignalUnsupported
}

// SignalAll sets the latch and wakes every registered waiter. Repeated
// calls are indistinguishable from a single one.
func (c *Condition) SignalAll() {
	c.signalled.Store(true)
	if q := c.queue.Load(); q != nil {
		q.SignalAll()
	}
}

// ensureQueue returns the waiter queue, creating it on first use.
func (c *Condition) ensureQueue() *WaitQueue {
	if q := c.queue.Load(); q != nil {
		return q
	}
	fresh := NewWaitQueue()
	if c.queue.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return c.queue.Load()
}

// register enrols the caller as a waiter, or returns nil if the latch is
// already set (including the set-during-registration race).
func (c *Condition) register() *Signal {
	if c.signalled.Load() {
		return nil
	}
	s := c.ensureQueue().Register()
	if c.signalled.Load() {
		// SignalAll ran between the latch check and Register.
		s.Cancel()
		return nil
	}
	return s
}

// Await blocks until the condition is signalled or ctx is done.
func (c *Condition) Await(ctx context.Context) error {
	s := c.register()
	if s == nil {
		return nil
	}
	return s.Await(ctx)
}

// AwaitUntil blocks until the condition is signalled or the deadline
// passes. Returns true if signalled.
func (c *Condition) AwaitUntil(deadline time.Time) bool {
	s := c.register()
	if s == nil {
		return true
	}
	if s.AwaitUntil(deadline) {
		return true
	}
	return c.signalled.Load()
}

// AwaitUninterruptibly blocks until the condition is signalled.
func (c *Condition) AwaitUninterruptibly() {
	s := c.register()
	if s == nil {
		return
	}
	s.AwaitUninterruptibly()
}
