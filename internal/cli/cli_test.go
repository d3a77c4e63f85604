package cli

// ============================================================================
// CLI Test File
// Purpose: Verify config loading/defaults, command tree wiring, and pool
//          construction from configuration
// ============================================================================

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig drops a config file into a temp dir and returns its path
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadConfig tests parsing a complete config file
func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
pool:
  name: commitlog
  worker_ceiling: 8
  idle_timeout_ms: 500
stages:
  - name: mutation
    max_workers: 4
    max_queued: 256
  - name: read
    max_workers: 2
    max_queued: 0
metrics:
  enabled: true
  port: 9191
workload:
  tasks: 50
  task_time_ms: 1
  submitters: 2
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "commitlog", cfg.Pool.Name)
	assert.Equal(t, 8, cfg.Pool.WorkerCeiling)
	require.Len(t, cfg.Stages, 2)
	assert.Equal(t, "mutation", cfg.Stages[0].Name)
	assert.Equal(t, 0, cfg.Stages[1].MaxQueued)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, 50, cfg.Workload.Tasks)
}

// TestLoadConfigDefaults tests that an empty file gets sensible defaults
func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "{}\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "shared", cfg.Pool.Name)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	require.Len(t, cfg.Stages, 1)
	assert.Equal(t, "default", cfg.Stages[0].Name)
	assert.Equal(t, 1000, cfg.Workload.Tasks)
	assert.Equal(t, 4, cfg.Workload.Submitters)
}

// TestLoadConfigMissingFile tests the error path
func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

// TestLoadConfigInvalidYAML tests the parse error path
func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeConfig(t, "pool: [not a mapping\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

// TestBuildCLI tests the command tree
func TestBuildCLI(t *testing.T) {
	root := BuildCLI()
	assert.Equal(t, "stagepool", root.Use)

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "bench")
	assert.Contains(t, names, "status")
}

// TestStatusCommand tests the status output against a config file
func TestStatusCommand(t *testing.T) {
	path := writeConfig(t, `
pool:
  name: demo
stages:
  - name: mutation
    max_workers: 4
    max_queued: 64
`)

	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"status", "--config", path})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "demo")
	assert.Contains(t, out.String(), "mutation")
}

// TestBuildPoolFromConfig tests end-to-end construction and teardown
func TestBuildPoolFromConfig(t *testing.T) {
	path := writeConfig(t, `
pool:
  name: built
  worker_ceiling: 2
stages:
  - name: one
    max_workers: 1
    max_queued: 8
  - name: two
    max_workers: 2
    max_queued: 8
metrics:
  enabled: false
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	pool, stages, err := buildPool(cfg)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "built", pool.Name())

	pool.Shutdown()
	assert.True(t, pool.AwaitTermination(5*time.Second))
}

// TestBuildPoolDuplicateStage tests stage-name collision handling
func TestBuildPoolDuplicateStage(t *testing.T) {
	path := writeConfig(t, `
stages:
  - name: same
    max_workers: 1
    max_queued: 8
  - name: same
    max_workers: 1
    max_queued: 8
metrics:
  enabled: false
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	_, _, err = buildPool(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same")
}
