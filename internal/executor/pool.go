// ============================================================================
// Stagepool Executor - Shared Pool
// ============================================================================
//
// Package: internal/executor
// File: pool.go
// Purpose: Shared worker set servicing every registered stage, with worker
//          lifecycle, cross-stage scanning, and shutdown ordering
//
// Worker State Machine:
//
//   Spinning ──acquire──> Working(stage) ──complete──> Spinning
//      │                                                  │
//      │ spin budget exhausted                            │ locality: retry
//      ▼                                                  │ the same stage
//   Parked ──signal/idle-timeout──> Spinning <────────────┘
//      │
//      └──idle timeout, no work──> Stopping (worker retires)
//
// Nudge Protocol:
//   maybeSchedule wakes one parked worker if any, else spawns a worker if
//   the pool is below its ceiling, else does nothing: live workers will
//   observe the new work during their scan.
//
// Shutdown Ordering:
//   Shutdown marks the pool, shuts down every stage, and broadcasts to the
//   parked workers. Workers drain remaining backlog (every task whose
//   enqueue completed before shutdown began is executed), then stop. The
//   last worker out latches the termination condition.
//
// ============================================================================

package executor

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/baojie5642/cassandrabaojie/internal/metrics"
	"github.com/baojie5642/cassandrabaojie/internal/waitq"
	"github.com/baojie5642/cassandrabaojie/pkg/types"
)

// Defaults for pool construction, overridable via options.
const (
	defaultIdleTimeout = 30 * time.Second
	defaultSpinIters   = 64
)

// FailureHandler receives failures from tasks submitted without a future.
type FailureHandler func(stage string, err error)

// ============================================================================
// Options
// ============================================================================

// Option configures a SharedPool.
type Option func(*SharedPool)

// WithWorkerCeiling caps the number of workers the pool may spawn.
func WithWorkerCeiling(n int) Option {
	return func(p *SharedPool) { p.ceiling = n }
}

// WithIdleTimeout sets how long a parked worker waits before retiring.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *SharedPool) { p.idleTimeout = d }
}

// WithSpinBudget sets the bounded busy-check iterations before a worker
// parks. Trades a little CPU for latency in bursty workloads.
func WithSpinBudget(iters int) Option {
	return func(p *SharedPool) { p.spinIters = iters }
}

// WithLogger sets the pool logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *SharedPool) { p.log = log }
}

// WithRegisterer sets the Prometheus registerer for stage metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *SharedPool) { p.reg = reg }
}

// WithoutMetrics disables stage metric registration.
func WithoutMetrics() Option {
	return func(p *SharedPool) { p.reg = nil }
}

// WithFailureHandler installs the handler for uncaught task failures.
func WithFailureHandler(fn FailureHandler) Option {
	return func(p *SharedPool) { p.onFailure = fn }
}

// ============================================================================
// Data Structure Definitions
// ============================================================================

// SharedPool multiplexes many stage executors over one shared worker set.
type SharedPool struct {
	name string
	log  *slog.Logger
	reg  prometheus.Registerer

	ceiling     int
	idleTimeout time.Duration
	spinIters   int
	onFailure   FailureHandler

	mu          sync.Mutex // guards worker membership and the stage list writers
	liveWorkers int
	workerSeq   int

	stages atomic.Pointer[[]*StageExecutor] // copy-on-write, read lock-free by the scan

	descheduled *waitq.WaitQueue // signals of parked workers
	shutdown    atomic.Bool
	terminated  *waitq.Condition
	cursor      atomic.Uint32 // round-robin scan origin
}

// NewSharedPool creates a pool with no stages and no workers; workers are
// spawned lazily as work arrives.
func NewSharedPool(name string, opts ...Option) *SharedPool {
	p := &SharedPool{
		name:        name,
		log:         slog.Default(),
		reg:         prometheus.DefaultRegisterer,
		ceiling:     4 * runtime.GOMAXPROCS(0),
		idleTimeout: defaultIdleTimeout,
		spinIters:   defaultSpinIters,
		descheduled: waitq.NewWaitQueue(),
		terminated:  waitq.NewCondition(),
	}
	for _, opt := range opts {
		opt(p)
	}
	empty := make([]*StageExecutor, 0)
	p.stages.Store(&empty)
	return p
}

// Name returns the pool name.
func (p *SharedPool) Name() string { return p.name }

// ============================================================================
// Stage Registry
// ============================================================================

// NewExecutor registers a stage with its own concurrency cap and queue
// bound. maxQueued zero forces a rendezvous on every submission.
func (p *SharedPool) NewExecutor(maxWorkers, maxQueued int, stageName string) (*StageExecutor, error) {
	if maxWorkers <= 0 {
		return nil, fmt.Errorf("executor: stage %q: maxWorkers must be positive, got %d", stageName, maxWorkers)
	}
	if maxQueued < 0 {
		return nil, fmt.Errorf("executor: stage %q: maxQueued must be non-negative, got %d", stageName, maxQueued)
	}
	if p.shutdown.Load() {
		return nil, ErrPoolShutdown
	}

	e := newStageExecutor(p, maxWorkers, maxQueued, stageName)

	p.mu.Lock()
	current := *p.stages.Load()
	for _, st := range current {
		if st.name == stageName {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStage, stageName)
		}
	}
	next := make([]*StageExecutor, len(current)+1)
	copy(next, current)
	next[len(current)] = e
	p.stages.Store(&next)
	p.mu.Unlock()

	if p.reg != nil {
		collector, err := metrics.NewStageCollector(p.reg, p.name, stageName, e)
		if err != nil {
			p.log.Warn("stage metrics disabled", "pool", p.name, "stage", stageName, "error", err)
		} else {
			e.collector = collector
		}
	}
	return e, nil
}

// Stages returns the registered stages, drained ones included.
func (p *SharedPool) Stages() []*StageExecutor {
	return *p.stages.Load()
}

// ============================================================================
// Scheduling
// ============================================================================

// maybeSchedule is the submission nudge: wake one parked worker, else
// spawn below the ceiling, else rely on live workers observing the work.
func (p *SharedPool) maybeSchedule() {
	if p.descheduled.Signal() {
		return
	}
	if !p.hasWork() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.liveWorkers >= p.ceiling {
		return
	}
	p.liveWorkers++
	p.workerSeq++
	w := &worker{pool: p, id: p.workerSeq}
	go w.run()
}

// hasWork reports whether any stage is eligible: backlog under its cap.
func (p *SharedPool) hasWork() bool {
	for _, st := range *p.stages.Load() {
		if st.eligible() {
			return true
		}
	}
	return false
}

// hasBacklog reports whether any stage still has queued tasks.
func (p *SharedPool) hasBacklog() bool {
	for _, st := range *p.stages.Load() {
		if st.pending.Load() > 0 {
			return true
		}
	}
	return false
}

// poll acquires one task, preferring the stage the worker just serviced,
// then scanning the live stages round-robin from an advancing cursor so
// every eligible stage is chosen infinitely often under steady load.
func (p *SharedPool) poll(preferred *StageExecutor) (*taskRef, *StageExecutor) {
	if preferred != nil {
		if t := preferred.tryAcquire(); t != nil {
			return t, preferred
		}
	}
	stages := *p.stages.Load()
	n := len(stages)
	if n == 0 {
		return nil, nil
	}
	start := int(p.cursor.Add(1) % uint32(n))
	for i := 0; i < n; i++ {
		st := stages[(start+i)%n]
		if t := st.tryAcquire(); t != nil {
			return t, st
		}
	}
	return nil, nil
}

// routeFailure forwards an uncaught task failure to the installed handler,
// else logs it. The worker carries on either way.
func (p *SharedPool) routeFailure(stage string, err error) {
	if p.onFailure != nil {
		p.onFailure(stage, err)
		return
	}
	p.log.Error("task failed", "pool", p.name, "stage", stage, "error", err)
}

// ============================================================================
// Lifecycle
// ============================================================================

// ErrPoolShutdown indicates the pool no longer accepts stages.
var ErrPoolShutdown = errors.New("executor: pool is shut down")

// Shutdown marks the pool, shuts down every stage, and wakes all parked
// workers so they can drain the backlog and stop.
func (p *SharedPool) Shutdown() {
	if p.shutdown.Swap(true) {
		return
	}
	p.log.Info("pool shutting down", "pool", p.name)
	for _, st := range *p.stages.Load() {
		st.Shutdown()
	}
	p.descheduled.SignalAll()

	p.mu.Lock()
	idle := p.liveWorkers == 0
	p.mu.Unlock()
	if idle && !p.hasBacklog() {
		p.terminated.SignalAll()
	} else if idle {
		// Backlog with no live workers: spawn so the drain can proceed.
		p.maybeSchedule()
	}
}

// AwaitTermination blocks until every worker has stopped after Shutdown,
// or the timeout passes. Returns true on termination.
func (p *SharedPool) AwaitTermination(timeout time.Duration) bool {
	return p.terminated.AwaitUntil(time.Now().Add(timeout))
}

// IsShutdown reports whether Shutdown has begun.
func (p *SharedPool) IsShutdown() bool { return p.shutdown.Load() }

// LiveWorkers returns the current worker count.
func (p *SharedPool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveWorkers
}

// Stats returns an aggregate snapshot of the pool and its stages.
func (p *SharedPool) Stats() types.PoolStats {
	stages := *p.stages.Load()
	stats := types.PoolStats{
		Name:        p.name,
		LiveWorkers: p.LiveWorkers(),
		ShutDown:    p.shutdown.Load(),
		Stages:      make([]types.StageStats, 0, len(stages)),
	}
	for _, st := range stages {
		stats.Stages = append(stats.Stages, st.Stats())
	}
	return stats
}

// workerExit removes a stopping worker from the set, respawning if work
// remains, and latches termination when the last worker leaves a shut-down
// pool.
func (p *SharedPool) workerExit(w *worker) {
	p.mu.Lock()
	p.liveWorkers--
	last := p.liveWorkers == 0
	p.mu.Unlock()

	if p.shutdown.Load() {
		if last && !p.hasBacklog() {
			p.terminated.SignalAll()
		} else if p.hasBacklog() {
			p.maybeSchedule()
		}
		return
	}
	if p.hasWork() {
		p.maybeSchedule()
	}
}
