// ============================================================================
// Stagepool Executor - Stage Executor
// ============================================================================
//
// Package: internal/executor
// File: stage.go
// Purpose: Per-stage submission endpoint with its own concurrency cap,
//          FIFO queue, backpressure policy, and metrics
//
// Queue:
//   A buffered channel of capacity maxQueued. Capacity zero degenerates to
//   a rendezvous: every submission blocks until a worker takes the task.
//   pending is tracked by an explicit counter, incremented before the offer
//   so that a blocked rendezvous submitter is visible to the worker scan,
//   and decremented by the dequeuer (or by the submitter on give-up).
//
// Backpressure:
//   A submission that finds the queue full enters a bounded-offer loop:
//   repeated one-second offers until the task is queued or the stage is
//   shut down (ErrStageShutdown). Blocked submissions are never silently
//   dropped. The onInitialRejection / onFinalAccept / onFinalRejection
//   hooks drive the blocked-task metrics around this sequence.
//
// Concurrency Cap:
//   activeCount <= maxWorkers at all times. A task may only be picked up
//   after a CAS increments activeCount under the cap; if the dequeue then
//   fails, the permit is released.
//
// ============================================================================

package executor

import (
	"errors"
	"time"

	"go.uber.org/atomic"

	"github.com/baojie5642/cassandrabaojie/internal/metrics"
	"github.com/baojie5642/cassandrabaojie/internal/waitq"
	"github.com/baojie5642/cassandrabaojie/pkg/types"
)

// ============================================================================
// Error Definitions
// ============================================================================

var (
	// ErrStageShutdown indicates a submission was refused because the stage
	// no longer accepts work
	ErrStageShutdown = errors.New("executor: stage is shut down")
	// ErrDuplicateStage indicates the stage name is already registered with
	// the pool; drained stages stay registered and keep their names
	ErrDuplicateStage = errors.New("executor: stage name already registered")
)

// offerSlice bounds one iteration of the backpressure loop so a blocked
// submitter re-checks the shutdown flag at least once a second.
const offerSlice = time.Second

// ============================================================================
// Data Structure Definitions
// ============================================================================

// StageExecutor is a named task submission endpoint multiplexed onto a
// shared pool of workers. Create via SharedPool.NewExecutor.
type StageExecutor struct {
	name       string
	pool       *SharedPool
	maxWorkers int32
	maxQueued  int

	queue chan *taskRef

	shutdown  atomic.Bool
	active    atomic.Int32
	pending   atomic.Int32
	completed atomic.Int64

	totalBlocked     atomic.Int64
	currentlyBlocked atomic.Int64

	drained   *waitq.Condition
	collector *metrics.StageCollector
	retired   atomic.Bool
}

func newStageExecutor(pool *SharedPool, maxWorkers, maxQueued int, name string) *StageExecutor {
	return &StageExecutor{
		name:       name,
		pool:       pool,
		maxWorkers: int32(maxWorkers),
		maxQueued:  maxQueued,
		queue:      make(chan *taskRef, maxQueued),
		drained:    waitq.NewCondition(),
	}
}

// ============================================================================
// Submission
// ============================================================================

// Submit enqueues fn and returns a future reporting its completion.
// Blocks under backpressure when the stage queue is full.
func (e *StageExecutor) Submit(fn Task) (*Future, error) {
	f := newFuture()
	if err := e.enqueue(&taskRef{run: fn, future: f}); err != nil {
		return nil, err
	}
	return f, nil
}

// Execute enqueues fn fire-and-forget. Failures are routed to the pool's
// failure handler. Blocks under backpressure when the stage queue is full.
func (e *StageExecutor) Execute(fn Task) error {
	return e.enqueue(&taskRef{run: fn})
}

// MaybeExecuteImmediately runs fn inline on the calling goroutine when a
// permit is available, counting it against the stage cap like any worker
// execution. With no permit free it falls back to a normal enqueue rather
// than overshooting maxWorkers.
func (e *StageExecutor) MaybeExecuteImmediately(fn Task) error {
	if e.shutdown.Load() {
		return ErrStageShutdown
	}
	if e.takePermit() {
		e.runTask(&taskRef{run: fn})
		return nil
	}
	return e.enqueue(&taskRef{run: fn})
}

// enqueue places t on the stage queue, blocking under backpressure.
// The pending counter is incremented before the offer so rendezvous
// submitters are visible to the worker scan while still blocked.
func (e *StageExecutor) enqueue(t *taskRef) error {
	if e.shutdown.Load() {
		return ErrStageShutdown
	}

	e.pending.Inc()

	// Fast path: queue has room (pairs with a waiting worker when
	// maxQueued is zero).
	select {
	case e.queue <- t:
		e.pool.maybeSchedule()
		return nil
	default:
	}

	e.onInitialRejection()
	e.pool.maybeSchedule()

	for {
		timer := time.NewTimer(offerSlice)
		select {
		case e.queue <- t:
			timer.Stop()
			e.onFinalAccept()
			e.pool.maybeSchedule()
			return nil
		case <-timer.C:
			if e.shutdown.Load() {
				e.pending.Dec()
				e.onFinalRejection()
				e.maybeLatchDrained()
				return ErrStageShutdown
			}
		}
	}
}

// ============================================================================
// Backpressure Hooks
// ============================================================================

// onInitialRejection records a submission entering the blocked state.
func (e *StageExecutor) onInitialRejection() {
	e.totalBlocked.Inc()
	e.currentlyBlocked.Inc()
	e.collector.SubmitterBlocked()
}

// onFinalAccept records a blocked submission getting queued.
func (e *StageExecutor) onFinalAccept() {
	e.currentlyBlocked.Dec()
	e.collector.SubmitterUnblocked()
}

// onFinalRejection records a blocked submission failing on shutdown.
func (e *StageExecutor) onFinalRejection() {
	e.currentlyBlocked.Dec()
	e.collector.SubmitterUnblocked()
}

// ============================================================================
// Permits & Dispatch
// ============================================================================

// takePermit CAS-increments activeCount if it is below the cap.
func (e *StageExecutor) takePermit() bool {
	for {
		n := e.active.Load()
		if n >= e.maxWorkers {
			return false
		}
		if e.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (e *StageExecutor) releasePermit() {
	e.active.Dec()
}

// eligible reports whether a worker could make progress on this stage.
func (e *StageExecutor) eligible() bool {
	return e.pending.Load() > 0 && e.active.Load() < e.maxWorkers
}

// tryAcquire reserves a permit and dequeues one task. Returns nil when the
// stage has nothing runnable; a reserved permit is released if the dequeue
// comes up empty.
func (e *StageExecutor) tryAcquire() *taskRef {
	if e.pending.Load() <= 0 {
		return nil
	}
	if !e.takePermit() {
		return nil
	}
	select {
	case t := <-e.queue:
		e.pending.Dec()
		return t
	default:
		e.releasePermit()
		return nil
	}
}

// runTask executes t under the failure wrapper. The caller must hold a
// permit; it is released here along with the completion bookkeeping.
func (e *StageExecutor) runTask(t *taskRef) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = recoverAsError(r)
			}
		}()
		err = t.run()
	}()

	e.completed.Inc()
	e.active.Dec()

	if t.future != nil {
		t.future.complete(err)
	}
	if err != nil {
		if isFatal(err) {
			e.pool.log.Error("fatal task failure",
				"pool", e.pool.name, "stage", e.name, "error", err)
			die()
		} else if t.future == nil {
			e.pool.routeFailure(e.name, err)
		}
	}

	if e.pending.Load() > 0 {
		e.pool.maybeSchedule()
	}
	if e.shutdown.Load() {
		e.maybeLatchDrained()
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Shutdown marks the stage as not accepting new work. Queued tasks drain;
// a blocked submitter is still accepted if room frees up during its current
// offer slice, else it fails with ErrStageShutdown when that slice ends.
func (e *StageExecutor) Shutdown() {
	if e.shutdown.Swap(true) {
		return
	}
	e.maybeLatchDrained()
	e.pool.maybeSchedule()
}

// AwaitTermination blocks until the stage has fully drained or the timeout
// passes. Returns true when drained.
func (e *StageExecutor) AwaitTermination(timeout time.Duration) bool {
	return e.drained.AwaitUntil(time.Now().Add(timeout))
}

// maybeLatchDrained latches the drained condition once the stage is shut
// down with nothing queued or running, and releases the metric series.
// The stage stays on the pool's scan list so a submission that raced the
// shutdown check is still drained rather than stranded.
func (e *StageExecutor) maybeLatchDrained() {
	if !e.shutdown.Load() || e.pending.Load() != 0 || e.active.Load() != 0 {
		return
	}
	e.drained.SignalAll()
	if e.retired.CompareAndSwap(false, true) {
		e.collector.Unregister()
	}
}

// ============================================================================
// Observation
// ============================================================================

// Name returns the stage name.
func (e *StageExecutor) Name() string { return e.name }

// ActiveCount returns the number of tasks executing right now.
func (e *StageExecutor) ActiveCount() int { return int(e.active.Load()) }

// PendingTasks returns the number of queued tasks not yet picked up.
func (e *StageExecutor) PendingTasks() int { return int(e.pending.Load()) }

// CompletedCount returns the number of finished tasks.
func (e *StageExecutor) CompletedCount() int64 { return e.completed.Load() }

// MaxPoolSize returns the stage concurrency cap.
func (e *StageExecutor) MaxPoolSize() int { return int(e.maxWorkers) }

// TotalBlocked returns the cumulative number of submitter blocks.
func (e *StageExecutor) TotalBlocked() int64 { return e.totalBlocked.Load() }

// CurrentlyBlocked returns the number of submitters blocked right now.
func (e *StageExecutor) CurrentlyBlocked() int64 { return e.currentlyBlocked.Load() }

// IsShutdown reports whether the stage stopped accepting work.
func (e *StageExecutor) IsShutdown() bool { return e.shutdown.Load() }

// Stats returns a point-in-time snapshot of the stage counters.
func (e *StageExecutor) Stats() types.StageStats {
	return types.StageStats{
		Name:             e.name,
		MaxWorkers:       int(e.maxWorkers),
		MaxQueued:        e.maxQueued,
		Active:           e.ActiveCount(),
		Pending:          e.PendingTasks(),
		Completed:        e.CompletedCount(),
		TotalBlocked:     e.TotalBlocked(),
		CurrentlyBlocked: e.CurrentlyBlocked(),
		ShutDown:         e.shutdown.Load(),
	}
}
