package integration

// ============================================================================
// End-to-End Integration Tests
// Purpose: Exercise the full stack — pool, stages, backpressure, metrics —
//          the way the CLI wires it together
// ============================================================================

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baojie5642/cassandrabaojie/internal/executor"
	"github.com/baojie5642/cassandrabaojie/internal/metrics"
)

// TestBackpressureEndToEnd runs the squeeze scenario (one worker, one queue
// slot) with metrics attached and verifies counters through a Prometheus
// gather
func TestBackpressureEndToEnd(t *testing.T) {
	reg := prometheus.NewRegistry()
	pool := executor.NewSharedPool("e2e", executor.WithRegisterer(reg))
	defer func() {
		pool.Shutdown()
		require.True(t, pool.AwaitTermination(10*time.Second))
	}()

	stage, err := pool.NewExecutor(1, 1, "squeezed")
	require.NoError(t, err)

	const tasks = 5
	futures := make([]*executor.Future, 0, tasks)
	for i := 0; i < tasks; i++ {
		f, err := stage.Submit(func() error {
			time.Sleep(50 * time.Millisecond)
			return nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		require.NoError(t, f.Wait(context.Background()))
	}

	assert.GreaterOrEqual(t, stage.TotalBlocked(), int64(1))
	assert.Equal(t, int64(tasks), stage.CompletedCount())

	families, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetGauge() != nil {
				found[mf.GetName()] = m.GetGauge().GetValue()
			} else if m.GetCounter() != nil {
				found[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(tasks), found["stagepool_completed_tasks"])
	assert.GreaterOrEqual(t, found["stagepool_blocked_tasks_total"], 1.0)
	assert.Equal(t, 0.0, found["stagepool_blocked_tasks_current"])
}

// TestMetricsReleasedOnStageShutdown tests that a drained stage leaves no
// series behind
func TestMetricsReleasedOnStageShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	pool := executor.NewSharedPool("e2e-release", executor.WithRegisterer(reg))
	defer func() {
		pool.Shutdown()
		pool.AwaitTermination(10 * time.Second)
	}()

	stage, err := pool.NewExecutor(2, 8, "ephemeral")
	require.NoError(t, err)

	f, err := stage.Submit(func() error { return nil })
	require.NoError(t, err)
	require.NoError(t, f.Wait(context.Background()))

	stage.Shutdown()
	require.True(t, stage.AwaitTermination(10*time.Second))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families, "stage series must be unregistered after drain")
}

// TestManyStagesSharedWorkers floods several capped stages over a small
// worker set and verifies conservation plus full completion
func TestManyStagesSharedWorkers(t *testing.T) {
	pool := executor.NewSharedPool("e2e-many",
		executor.WithoutMetrics(),
		executor.WithWorkerCeiling(6),
	)
	defer func() {
		pool.Shutdown()
		require.True(t, pool.AwaitTermination(30*time.Second))
	}()

	const stageCount = 5
	const perStage = 400

	stages := make([]*executor.StageExecutor, 0, stageCount)
	names := []string{"mutation", "read", "view-flush", "hint", "repair"}
	for _, name := range names {
		stage, err := pool.NewExecutor(2, 64, name)
		require.NoError(t, err)
		stages = append(stages, stage)
	}

	var wg sync.WaitGroup
	wg.Add(stageCount * perStage)
	for _, stage := range stages {
		go func(stage *executor.StageExecutor) {
			for i := 0; i < perStage; i++ {
				assert.NoError(t, stage.Execute(func() error {
					wg.Done()
					return nil
				}))
			}
		}(stage)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(60 * time.Second):
		t.Fatal("stages did not complete their workloads")
	}

	for _, stage := range stages {
		assert.Equal(t, int64(perStage), stage.CompletedCount(), "stage %s", stage.Name())
		assert.Equal(t, 0, stage.ActiveCount())
		assert.Equal(t, 0, stage.PendingTasks())
	}
}

// TestPoolShutdownUnderLoad submits up to the moment of shutdown and
// verifies nothing accepted is ever dropped
func TestPoolShutdownUnderLoad(t *testing.T) {
	pool := executor.NewSharedPool("e2e-shutdown", executor.WithoutMetrics())
	stage, err := pool.NewExecutor(4, 512, "loaded")
	require.NoError(t, err)

	var accepted, executed sync.Map
	var count int

	stop := make(chan struct{})
	go func() {
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			i := i
			if err := stage.Execute(func() error {
				executed.Store(i, true)
				return nil
			}); err != nil {
				return
			}
			accepted.Store(i, true)
			count++
		}
	}()

	time.Sleep(50 * time.Millisecond)
	pool.Shutdown()
	close(stop)
	require.True(t, pool.AwaitTermination(30*time.Second))

	// Every accepted submission must have executed.
	accepted.Range(func(k, _ interface{}) bool {
		_, ok := executed.Load(k)
		assert.True(t, ok, "accepted task %v was dropped", k)
		return true
	})
	t.Logf("accepted %d submissions before shutdown", count)
}

// TestStageSatisfiesMetricsSource sanity-checks that the collector package
// and executor agree on the source interface
func TestStageSatisfiesMetricsSource(t *testing.T) {
	reg := prometheus.NewRegistry()
	pool := executor.NewSharedPool("e2e-iface", executor.WithRegisterer(reg))
	defer func() {
		pool.Shutdown()
		pool.AwaitTermination(10 * time.Second)
	}()

	stage, err := pool.NewExecutor(2, 8, "wired")
	require.NoError(t, err)

	// The stage itself satisfies the metrics source contract.
	var src metrics.StageSource = stage
	assert.Equal(t, 2, src.MaxPoolSize())
}
