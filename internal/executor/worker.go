// ============================================================================
// Stagepool Executor - Worker
// ============================================================================
//
// Package: internal/executor
// File: worker.go
// Purpose: The long-running goroutine servicing every stage of a pool
//
// Loop Discipline:
//   1. Acquire: prefer the stage just serviced (locality), else round-robin
//      scan; a successful acquire holds a stage permit for the task's run.
//   2. Spin: a bounded busy-check before parking, re-checking for work and
//      yielding the processor each iteration.
//   3. Park: register on the pool's descheduled queue, re-check for work
//      to close the race with a concurrent nudge, then wait for a signal
//      or the idle timeout.
//   4. Retire: a worker whose idle timeout expires with no work leaves the
//      pool; the nudge protocol respawns workers on demand.
//
// A parked worker holds a cancelled-or-consumed signal by the time it
// leaves the park; a signal delivered between registration and the
// re-check is picked up by the wait, never lost.
//
// ============================================================================

package executor

import (
	"runtime"
	"time"
)

// worker services stages until the pool shuts down or it idles out.
type worker struct {
	pool *SharedPool
	id   int
	last *StageExecutor // locality hint: stage of the previous task
}

// run is the worker main loop.
func (w *worker) run() {
	p := w.pool
	defer p.workerExit(w)

	for {
		// Working: drain tasks while any stage is eligible.
		if t, stage := p.poll(w.last); t != nil {
			w.last = stage
			stage.runTask(t)
			continue
		}
		w.last = nil

		if p.shutdown.Load() {
			if !p.hasBacklog() {
				return // Stopping
			}
			// Backlog remains but every pending stage is at its cap;
			// yield and re-scan until it drains.
			runtime.Gosched()
			continue
		}

		// Spinning: bounded busy-check before parking.
		if w.spin() {
			continue
		}

		// Parked.
		s := p.descheduled.Register()
		if p.hasWork() || p.shutdown.Load() {
			// Work or shutdown raced in after the scan; do not park.
			s.Cancel()
			continue
		}
		if s.AwaitUntil(time.Now().Add(p.idleTimeout)) {
			continue
		}

		// Idle timeout: retire unless work appeared at the last moment.
		if p.hasWork() || p.shutdown.Load() {
			continue
		}
		return // Stopping
	}
}

// spin yields the processor for the pool's spin budget, reporting whether
// work or shutdown was observed.
func (w *worker) spin() bool {
	p := w.pool
	for i := 0; i < p.spinIters; i++ {
		runtime.Gosched()
		if p.hasWork() || p.shutdown.Load() {
			return true
		}
	}
	return false
}
