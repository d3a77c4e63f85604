// ============================================================================
// Stagepool Executor - Task & Future
// ============================================================================
//
// Package: internal/executor
// File: task.go
// Purpose: The unit of work, its optional completion future, and the
//          failure classification applied at the worker boundary
//
// Failure Routing:
//   - Task returned an error or panicked, future attached:
//       the error is delivered through the future; the worker continues.
//   - No future attached:
//       the error goes to the pool's failure handler, else the logger.
//   - Fatal condition (out of memory, file handles, disk exhaustion):
//       heap diagnostic, shutdown hooks dropped, process exit 100.
//
// ============================================================================

package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/baojie5642/cassandrabaojie/internal/hooks"
	"github.com/baojie5642/cassandrabaojie/internal/waitq"
)

// Task is an opaque unit of work. A nil error means success.
type Task func() error

// taskRef carries a task through the stage queue together with its
// optional completion future.
type taskRef struct {
	run    Task
	future *Future
}

// Future reports the completion of a submitted task.
type Future struct {
	done *waitq.Condition
	err  error
}

func newFuture() *Future {
	return &Future{done: waitq.NewCondition()}
}

// complete records the outcome and releases all waiters. The error write
// happens-before the latch store, so Err is safe after any successful wait.
func (f *Future) complete(err error) {
	f.err = err
	f.done.SignalAll()
}

// Done reports whether the task finished.
func (f *Future) Done() bool {
	return f.done.IsSignalled()
}

// Err returns the task outcome. Only valid once Done reports true.
func (f *Future) Err() error {
	return f.err
}

// Wait blocks until the task finishes or ctx is done, returning the task's
// error on completion.
func (f *Future) Wait(ctx context.Context) error {
	if err := f.done.Await(ctx); err != nil {
		return err
	}
	return f.err
}

// WaitUntil blocks until the task finishes or the deadline passes.
// Returns true on completion; the outcome is then available via Err.
func (f *Future) WaitUntil(deadline time.Time) bool {
	return f.done.AwaitUntil(deadline)
}

// fatalSubstrings identify failures that leave the process in a state not
// worth continuing from: allocation failure and resource exhaustion.
var fatalSubstrings = []string{
	"out of memory",
	"cannot allocate memory",
	"too many open files",
	"no space left on device",
}

// isFatal reports whether err describes a process-fatal condition.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range fatalSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// recoverAsError converts a recovered panic value into an error.
func recoverAsError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("task panicked: %w", err)
	}
	return fmt.Errorf("task panicked: %v", r)
}

// die runs the fatal-condition collaborators: diagnostic capture, hook
// removal, process exit. Does not return under the real exit function.
func die() {
	hooks.TriggerHeapDiagnostic()
	hooks.RemoveAll()
	hooks.Exit(hooks.FatalExitCode)
}

// RecurringTask wraps fn so that failures are swallowed and logged instead
// of propagating, keeping a recurrence (ticker loop, retry driver) alive.
func RecurringTask(stage *StageExecutor, fn Task) Task {
	return func() error {
		defer func() {
			if r := recover(); r != nil {
				stage.pool.log.Error("recurring task panicked",
					"pool", stage.pool.name, "stage", stage.name, "panic", r)
			}
		}()
		if err := fn(); err != nil {
			stage.pool.log.Error("recurring task failed",
				"pool", stage.pool.name, "stage", stage.name, "error", err)
		}
		return nil
	}
}

// Repeat submits fn to stage every interval until ctx is done or the stage
// shuts down. Failures never stop the recurrence.
func Repeat(ctx context.Context, stage *StageExecutor, interval time.Duration, fn Task) {
	wrapped := RecurringTask(stage, fn)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := stage.Execute(wrapped); err != nil {
					return
				}
			}
		}
	}()
}
