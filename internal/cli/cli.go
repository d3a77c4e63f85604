// ============================================================================
// Stagepool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line interface for the shared-pool executor
//
// Command Structure:
//   stagepool                      # Root command
//   ├── run                        # Start the pool and drive the workload
//   │   └── --config, -c          # Specify config file
//   ├── bench                      # Measure submission throughput
//   │   ├── --config, -c
//   │   └── --tasks, -n           # Override task count
//   ├── status                     # Print the effective configuration
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   YAML config file (default: configs/default.yaml) with sections:
//   - pool: name, worker ceiling, idle timeout
//   - stages: per-stage name, max_workers, max_queued
//   - metrics: Prometheus endpoint enable/port
//   - workload: demo workload shape for run/bench
//
// Signal Handling:
//   run captures SIGINT/SIGTERM and shuts down through the shutdown-hook
//   registry: stop accepting work, drain the stages, stop the workers.
//
// ============================================================================

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/baojie5642/cassandrabaojie/internal/executor"
	"github.com/baojie5642/cassandrabaojie/internal/hooks"
	"github.com/baojie5642/cassandrabaojie/internal/metrics"
	"github.com/baojie5642/cassandrabaojie/pkg/types"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

// ============================================================================
// Configuration
// ============================================================================

// StageConfig describes one stage of the pool.
type StageConfig struct {
	Name       string `yaml:"name"`
	MaxWorkers int    `yaml:"max_workers"`
	MaxQueued  int    `yaml:"max_queued"`
}

// Config maps the YAML configuration file.
type Config struct {
	Pool struct {
		Name          string `yaml:"name"`
		WorkerCeiling int    `yaml:"worker_ceiling"`
		IdleTimeoutMs int    `yaml:"idle_timeout_ms"`
	} `yaml:"pool"`

	Stages []StageConfig `yaml:"stages"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Workload struct {
		Tasks      int `yaml:"tasks"`        // Tasks per stage for bench
		TaskTimeMs int `yaml:"task_time_ms"` // Simulated work per task
		Submitters int `yaml:"submitters"`   // Concurrent submitters per stage
	} `yaml:"workload"`
}

// LoadConfig reads path and applies defaults for absent fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Pool.Name == "" {
		cfg.Pool.Name = "shared"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = []StageConfig{{Name: "default", MaxWorkers: 4, MaxQueued: 128}}
	}
	if cfg.Workload.Tasks == 0 {
		cfg.Workload.Tasks = 1000
	}
	if cfg.Workload.Submitters == 0 {
		cfg.Workload.Submitters = 4
	}
}

// poolOptions translates the config into pool construction options.
func poolOptions(cfg *Config) []executor.Option {
	opts := []executor.Option{}
	if cfg.Pool.WorkerCeiling > 0 {
		opts = append(opts, executor.WithWorkerCeiling(cfg.Pool.WorkerCeiling))
	}
	if cfg.Pool.IdleTimeoutMs > 0 {
		opts = append(opts, executor.WithIdleTimeout(time.Duration(cfg.Pool.IdleTimeoutMs)*time.Millisecond))
	}
	if !cfg.Metrics.Enabled {
		opts = append(opts, executor.WithoutMetrics())
	}
	return opts
}

// buildPool creates the pool and its configured stages.
func buildPool(cfg *Config) (*executor.SharedPool, []*executor.StageExecutor, error) {
	pool := executor.NewSharedPool(cfg.Pool.Name, poolOptions(cfg)...)
	stages := make([]*executor.StageExecutor, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		stage, err := pool.NewExecutor(sc.MaxWorkers, sc.MaxQueued, sc.Name)
		if err != nil {
			pool.Shutdown()
			return nil, nil, fmt.Errorf("create stage %q: %w", sc.Name, err)
		}
		stages = append(stages, stage)
	}
	return pool, stages, nil
}

// ============================================================================
// Command Tree
// ============================================================================

// BuildCLI constructs the root command with all subcommands attached.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stagepool",
		Short: "Shared-pool stage executor",
		Long:  "Multiplexes many named stages, each with its own concurrency cap and queue bound, over one shared pool of workers.",
	}
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newBenchCmd())
	rootCmd.AddCommand(newStatusCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pool and drive the configured workload until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			return runPool(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", DefaultConfigPath, "config file path")
	return cmd
}

func newBenchCmd() *cobra.Command {
	var configPath string
	var tasks int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure end-to-end submission throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if tasks > 0 {
				cfg.Workload.Tasks = tasks
			}
			return runBench(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", DefaultConfigPath, "config file path")
	cmd.Flags().IntVarP(&tasks, "tasks", "n", 0, "override tasks per stage")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pool: %s (ceiling %d)\n", cfg.Pool.Name, cfg.Pool.WorkerCeiling)
			for _, sc := range cfg.Stages {
				fmt.Fprintf(out, "stage: %-16s max_workers=%-3d max_queued=%d\n",
					sc.Name, sc.MaxWorkers, sc.MaxQueued)
			}
			fmt.Fprintf(out, "metrics: enabled=%v port=%d\n", cfg.Metrics.Enabled, cfg.Metrics.Port)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", DefaultConfigPath, "config file path")
	return cmd
}

// ============================================================================
// run Command
// ============================================================================

func runPool(cfg *Config) error {
	log := slog.Default()

	pool, stages, err := buildPool(cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Info("metrics server starting", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	if err := hooks.Add("pool-drain", func() {
		pool.Shutdown()
		if !pool.AwaitTermination(30 * time.Second) {
			log.Warn("pool did not drain before deadline", "pool", pool.Name())
		}
	}); err != nil {
		return err
	}

	// Background workload: each stage gets its configured submitters.
	stop := make(chan struct{})
	var producers sync.WaitGroup
	taskTime := time.Duration(cfg.Workload.TaskTimeMs) * time.Millisecond
	for _, stage := range stages {
		for s := 0; s < cfg.Workload.Submitters; s++ {
			producers.Add(1)
			go func(stage *executor.StageExecutor) {
				defer producers.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					id := types.TaskID(uuid.NewString())
					err := stage.Execute(func() error {
						if taskTime > 0 {
							time.Sleep(taskTime)
						}
						return nil
					})
					if err != nil {
						log.Debug("submission refused", "stage", stage.Name(), "task", string(id), "error", err)
						return
					}
				}
			}(stage)
		}
	}

	// Periodic stats report, the run-mode heartbeat.
	reportStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-reportStop:
				return
			case <-ticker.C:
				for _, st := range pool.Stats().Stages {
					log.Info("stage stats",
						"stage", st.Name,
						"active", st.Active,
						"pending", st.Pending,
						"completed", st.Completed,
						"blocked_total", st.TotalBlocked)
				}
			}
		}
	}()

	log.Info("pool running", "pool", pool.Name(), "stages", len(stages))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("signal received, shutting down", "signal", sig.String())

	close(stop)
	producers.Wait()
	close(reportStop)
	hooks.RunAll()

	// Stage counters stay readable after the pool has drained.
	for _, stage := range stages {
		st := stage.Stats()
		log.Info("final stage stats", "stage", st.Name, "completed", st.Completed)
	}
	return nil
}

// ============================================================================
// bench Command
// ============================================================================

func runBench(cfg *Config) error {
	log := slog.Default()

	pool, stages, err := buildPool(cfg)
	if err != nil {
		return err
	}

	taskTime := time.Duration(cfg.Workload.TaskTimeMs) * time.Millisecond
	total := cfg.Workload.Tasks * len(stages)

	var completed sync.WaitGroup
	completed.Add(total)
	start := time.Now()
	var submitters sync.WaitGroup
	for _, stage := range stages {
		submitters.Add(1)
		go func(stage *executor.StageExecutor) {
			defer submitters.Done()
			for i := 0; i < cfg.Workload.Tasks; i++ {
				err := stage.Execute(func() error {
					if taskTime > 0 {
						time.Sleep(taskTime)
					}
					completed.Done()
					return nil
				})
				if err != nil {
					log.Error("bench submission failed", "stage", stage.Name(), "error", err)
					completed.Done()
				}
			}
		}(stage)
	}
	submitters.Wait()
	completed.Wait()
	elapsed := time.Since(start)

	pool.Shutdown()
	pool.AwaitTermination(30 * time.Second)

	fmt.Printf("executed %d tasks across %d stages in %v (%.0f tasks/sec)\n",
		total, len(stages), elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds())
	for _, stage := range stages {
		st := stage.Stats()
		fmt.Printf("  %-16s completed=%-8d blocked_total=%d\n",
			st.Name, st.Completed, st.TotalBlocked)
	}
	return nil
}
