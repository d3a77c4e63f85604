// ============================================================================
// Stagepool WaitQueue - One-Shot Signal
// ============================================================================
//
// Package: internal/waitq
// File: signal.go
// Purpose: Single-owner, one-shot wait slot used for goroutine park/unpark
//
// State Machine:
//   NotSet ──trySignal──> Signalled ──Cancel (owner only)──> Cancelled
//      └────Cancel/CheckAndClear────> Cancelled
//
//   Transitions are monotonic: once a signal leaves NotSet it is terminal
//   from the point of view of every goroutine except the owner, which may
//   downgrade Signalled to Cancelled while forwarding the wake to another
//   waiter (see Cancel).
//
// Park Mechanism:
//   Each signal owns a one-slot buffered channel acting as a binary
//   semaphore. An unpark delivered before the park makes the next park
//   return immediately, so the signal-then-wait race cannot lose a wakeup.
//
// Ownership:
//   A signal is created by WaitQueue.Register and owned by the registering
//   goroutine. Only the owner may call Await*, Cancel, or CheckAndClear.
//   Any goroutine may deliver the wake through WaitQueue.Signal/SignalAll.
//
// ============================================================================

package waitq

import (
	"context"
	"sync/atomic"
	"time"
)

// Signal states
const (
	stateNotSet int32 = iota
	stateSignalled
	stateCancelled
)

// parker is a binary semaphore built on a one-slot channel.
// A pending unpark permits the next park to return immediately.
type parker struct {
	ch chan struct{}
}

func newParker() *parker {
	return &parker{ch: make(chan struct{}, 1)}
}

// unpark releases a waiting goroutine, or arms the slot if none waits yet.
func (p *parker) unpark() {
	select {
	case p.ch <- struct{}{}:
	default:
	}
}

// Signal is a one-shot wait slot registered on a WaitQueue.
//
// The zero value is not usable; signals are created by WaitQueue.Register.
type Signal struct {
	state int32
	queue *WaitQueue

	// wake is the park target. It normally points at the signal's own
	// parker; composites redirect it so that a child wake reaches the
	// composing goroutine (see composite.go).
	wake atomic.Pointer[parker]
	own  *parker
}

func newSignal(q *WaitQueue) *Signal {
	s := &Signal{queue: q, own: newParker()}
	s.wake.Store(s.own)
	return s
}

// IsSignalled reports whether the signal fired.
func (s *Signal) IsSignalled() bool {
	return atomic.LoadInt32(&s.state) == stateSignalled
}

// IsCancelled reports whether the signal was retired without firing.
func (s *Signal) IsCancelled() bool {
	return atomic.LoadInt32(&s.state) == stateCancelled
}

// IsSet reports whether the signal reached a terminal state.
func (s *Signal) IsSet() bool {
	return atomic.LoadInt32(&s.state) != stateNotSet
}

// trySignal attempts the NotSet -> Signalled transition and unparks the
// owner on success. Called by WaitQueue.Signal/SignalAll.
func (s *Signal) trySignal() bool {
	if atomic.CompareAndSwapInt32(&s.state, stateNotSet, stateSignalled) {
		s.wake.Load().unpark()
		return true
	}
	return false
}

// redirect retargets the wake at p. If the signal already fired, the wake
// is re-delivered to p so a concurrent transition cannot be lost: trySignal
// stores the state before loading the wake target, and redirect stores the
// target before re-checking the state.
func (s *Signal) redirect(p *parker) {
	s.wake.Store(p)
	if s.IsSet() {
		p.unpark()
	}
}

// CheckAndClear retires the signal, reporting whether it had fired.
// A NotSet signal is cancelled; racing with a concurrent Signal, the loser
// of the CAS observes Signalled and returns true.
func (s *Signal) CheckAndClear() bool {
	if atomic.CompareAndSwapInt32(&s.state, stateNotSet, stateCancelled) {
		return false
	}
	return atomic.LoadInt32(&s.state) == stateSignalled
}

// Cancel retires the signal. If the owner already received a wake, the wake
// is forwarded to another waiter on the queue so it is never lost. Cancel
// after Cancel is a no-op.
func (s *Signal) Cancel() {
	if atomic.CompareAndSwapInt32(&s.state, stateNotSet, stateCancelled) {
		s.queue.sweep()
		return
	}
	if atomic.CompareAndSwapInt32(&s.state, stateSignalled, stateCancelled) {
		// The wake we consumed belongs to someone: pass it on.
		s.queue.Signal()
		s.queue.sweep()
	}
}

// Await parks the owner until the signal fires or ctx is done.
// On ctx expiry the signal is cancelled and the context error returned, so
// the owner always exits with the signal in a terminal state.
func (s *Signal) Await(ctx context.Context) error {
	for !s.IsSignalled() {
		select {
		case <-s.own.ch:
		case <-ctx.Done():
			s.Cancel()
			return ctx.Err()
		}
	}
	s.CheckAndClear()
	return nil
}

// AwaitUninterruptibly parks the owner until the signal fires, ignoring
// context cancellation entirely.
func (s *Signal) AwaitUninterruptibly() {
	for !s.IsSignalled() {
		<-s.own.ch
	}
	s.CheckAndClear()
}

// AwaitUntil parks the owner until the signal fires or the monotonic clock
// reaches deadline. Returns true if the signal fired. A deadline at or
// before now reports the current state without parking.
func (s *Signal) AwaitUntil(deadline time.Time) bool {
	for !s.IsSignalled() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return s.CheckAndClear()
		}
		timer := time.NewTimer(remaining)
		select {
		case <-s.own.ch:
			timer.Stop()
		case <-timer.C:
		}
	}
	s.CheckAndClear()
	return true
}
