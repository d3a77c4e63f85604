// ============================================================================
// Stagepool WaitQueue - Lock-Free Waiter Queue
// ============================================================================
//
// Package: internal/waitq
// File: waitqueue.go
// Purpose: Ordered, lock-free queue of one-shot signals with single and
//          broadcast wake
//
// Structure:
//   A Michael-Scott style singly linked queue with a stub head node.
//   Register appends at the tail (CAS on next, then swing tail).
//   Signal detaches nodes at the head (CAS on head) until it finds a
//   wakeable entry. Cancelled entries become tombstones that are either
//   skipped by dequeuers or unlinked by sweep.
//
// Broadcast Bound:
//   SignalAll must wake the waiters registered at call time without
//   chasing waiters that re-register during the walk. Every node carries a
//   sequence number one above its predecessor's, assigned as it is linked,
//   so sequence order is list order; the walk records the tail's
//   sequence on entry and stops once it dequeues past it.
//
// Progress:
//   Signal and SignalAll never block; they are wait-free with respect to
//   other signallers apart from bounded CAS retries. Only Await* parks.
//
// ============================================================================

package waitq

import (
	"sync/atomic"
)

// node is a queue entry. sig is cleared once the node is detached, both to
// hand the dequeuer exclusive delivery rights and so the signal becomes
// collectible even if the node lingers as the stub.
type node struct {
	sig  atomic.Pointer[Signal]
	seq  uint64
	next atomic.Pointer[node]
}

// WaitQueue is an ordered collection of one-shot signals supporting
// concurrent append, single wake, and broadcast wake.
//
// Use NewWaitQueue; the zero value is not usable.
type WaitQueue struct {
	head atomic.Pointer[node]
	tail atomic.Pointer[node]
}

// NewWaitQueue creates an empty wait queue.
func NewWaitQueue() *WaitQueue {
	q := &WaitQueue{}
	stub := &node{}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

// Register appends a fresh signal owned by the calling goroutine.
// Must be called by the goroutine that will wait on the returned signal.
func (q *WaitQueue) Register() *Signal {
	s := newSignal(q)
	n := &node{}
	n.sig.Store(s)
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// Tail is lagging; help it along.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		// Number the node after its predecessor so sequence order is list order.
		n.seq = tail.seq + 1
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			return s
		}
	}
}

// Signal wakes at most one waiter, discarding terminal entries it passes.
// Returns true if a waiter was woken, false if the queue drained without
// finding a wakeable entry.
func (q *WaitQueue) Signal() bool {
	for {
		head := q.head.Load()
		first := head.next.Load()
		if first == nil {
			return false
		}
		if !q.head.CompareAndSwap(head, first) {
			continue
		}
		if sig := first.sig.Swap(nil); sig != nil && sig.trySignal() {
			return true
		}
	}
}

// SignalAll wakes every waiter registered at call time. Waiters that
// register during the walk are left for future signallers.
func (q *WaitQueue) SignalAll() {
	endSeq := q.tail.Load().seq
	for {
		head := q.head.Load()
		first := head.next.Load()
		if first == nil || first.seq > endSeq {
			return
		}
		if !q.head.CompareAndSwap(head, first) {
			continue
		}
		if sig := first.sig.Swap(nil); sig != nil {
			sig.trySignal()
		}
	}
}

// HasWaiters reports whether any non-cancelled waiter is registered.
func (q *WaitQueue) HasWaiters() bool {
	for n := q.head.Load().next.Load(); n != nil; n = n.next.Load() {
		if s := n.sig.Load(); s != nil && !s.IsCancelled() {
			return true
		}
	}
	return false
}

// WaiterCount returns the number of registered, non-cancelled waiters.
func (q *WaitQueue) WaiterCount() int {
	count := 0
	for n := q.head.Load().next.Load(); n != nil; n = n.next.Load() {
		if s := n.sig.Load(); s != nil && !s.IsCancelled() {
			count++
		}
	}
	return count
}

// sweep opportunistically unlinks interior tombstones so a quiescent queue
// is eventually garbage-free. The tail node is never unlinked, preserving
// append correctness; dequeuers skip any tombstone sweep misses.
func (q *WaitQueue) sweep() {
	prev := q.head.Load()
	for {
		cur := prev.next.Load()
		if cur == nil {
			return
		}
		next := cur.next.Load()
		if next == nil {
			// Never unlink the tail.
			return
		}
		if s := cur.sig.Load(); s == nil || s.IsSet() {
			if prev.next.CompareAndSwap(cur, next) {
				continue
			}
			// Lost a race with a dequeuer; restart from the head.
			prev = q.head.Load()
			continue
		}
		prev = cur
	}
}
