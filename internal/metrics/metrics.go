// ============================================================================
// Stagepool Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Per-stage executor metrics exposed for Prometheus scraping
//
// Metric Catalogue (all labelled pool=<poolName>, stage=<stageName>):
//
//   Gauges (read live from the stage counters via GaugeFunc):
//     - stagepool_active_tasks    : tasks executing right now
//     - stagepool_pending_tasks   : tasks queued, not yet picked up
//     - stagepool_completed_tasks : tasks finished (success or failure)
//     - stagepool_max_pool_size   : the stage concurrency cap
//
//   Submitter backpressure:
//     - stagepool_blocked_tasks_total   : cumulative submitter blocks
//     - stagepool_blocked_tasks_current : submitters blocked right now
//
// Lifecycle:
//   A StageCollector is created when a stage registers with its pool and
//   unregistered when the stage shuts down, so a recycled stage name can
//   register cleanly.
//
// Prometheus Query Examples:
//
//   # Saturation: how close each stage runs to its cap
//   stagepool_active_tasks / stagepool_max_pool_size
//
//   # Backpressure rate per stage
//   rate(stagepool_blocked_tasks_total[5m])
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace prefixes every metric exported by the executor subsystem.
const namespace = "stagepool"

// StageSource is the read surface a collector samples. Implemented by the
// stage executor; methods must be safe for concurrent use.
type StageSource interface {
	ActiveCount() int
	PendingTasks() int
	CompletedCount() int64
	MaxPoolSize() int
}

// StageCollector owns the Prometheus series for one stage.
type StageCollector struct {
	reg        prometheus.Registerer
	collectors []prometheus.Collector

	blockedTotal   prometheus.Counter
	blockedCurrent prometheus.Gauge
}

// NewStageCollector registers the per-stage series against reg.
// Returns an error if any series collides with an existing registration.
func NewStageCollector(reg prometheus.Registerer, poolName, stageName string, src StageSource) (*StageCollector, error) {
	labels := prometheus.Labels{"pool": poolName, "stage": stageName}

	c := &StageCollector{reg: reg}

	gauge := func(name, help string, fn func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, fn)
	}

	c.collectors = append(c.collectors,
		gauge("active_tasks", "Tasks currently executing in this stage",
			func() float64 { return float64(src.ActiveCount()) }),
		gauge("pending_tasks", "Tasks queued in this stage awaiting a worker",
			func() float64 { return float64(src.PendingTasks()) }),
		gauge("completed_tasks", "Tasks this stage has finished executing",
			func() float64 { return float64(src.CompletedCount()) }),
		gauge("max_pool_size", "Concurrency cap for this stage",
			func() float64 { return float64(src.MaxPoolSize()) }),
	)

	c.blockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "blocked_tasks_total",
		Help:        "Cumulative submissions that blocked on a full stage queue",
		ConstLabels: labels,
	})
	c.blockedCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "blocked_tasks_current",
		Help:        "Submitters currently blocked on a full stage queue",
		ConstLabels: labels,
	})
	c.collectors = append(c.collectors, c.blockedTotal, c.blockedCurrent)

	for i, col := range c.collectors {
		if err := reg.Register(col); err != nil {
			for _, registered := range c.collectors[:i] {
				reg.Unregister(registered)
			}
			return nil, fmt.Errorf("register stage metrics for %q: %w", stageName, err)
		}
	}
	return c, nil
}

// SubmitterBlocked records a submission entering the backpressure loop.
// Safe on a nil collector (metrics disabled).
func (c *StageCollector) SubmitterBlocked() {
	if c == nil {
		return
	}
	c.blockedTotal.Inc()
	c.blockedCurrent.Inc()
}

// SubmitterUnblocked records a blocked submission resolving either way.
// Safe on a nil collector.
func (c *StageCollector) SubmitterUnblocked() {
	if c == nil {
		return
	}
	c.blockedCurrent.Dec()
}

// Unregister releases every series owned by the collector. Called on stage
// shutdown. Safe on a nil collector.
func (c *StageCollector) Unregister() {
	if c == nil {
		return
	}
	for _, col := range c.collectors {
		c.reg.Unregister(col)
	}
}

// StartServer starts the Prometheus metrics HTTP server on port.
//
// Parameters:
//   - port: HTTP server port
//
// Returns:
//   - error: Error on startup failure
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
