package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3, cfg.Scheduler.Concurrency)
	assert.Equal(t, 3, cfg.Engine.MaxIterations)
	assert.Equal(t, 3, cfg.Engine.TransientRetries)
	assert.Equal(t, time.Second, cfg.Engine.BackoffBase.Duration())
	assert.Equal(t, 0.8, cfg.Engine.ConfidenceThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.Session.StaleAfter.Duration())
	assert.Equal(t, 5, cfg.Checkpoint.KeepRecent)
	assert.Equal(t, 256, cfg.Events.HistorySize)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Telemetry.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestValidate_ConcurrencyRange(t *testing.T) {
	for _, n := range []int{1, 5, 10} {
		cfg := Default()
		cfg.Scheduler.Concurrency = n
		assert.NoError(t, cfg.Validate(), "concurrency %d should be valid", n)
	}
	for _, n := range []int{-1, 11, 100} {
		cfg := Default()
		cfg.Scheduler.Concurrency = n
		assert.Error(t, cfg.Validate(), "concurrency %d should be rejected", n)
	}
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := Default()
	cfg.Engine.ConfidenceThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.ConfidenceThreshold = -0.1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Log.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestLoadWithFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
state_dir: /tmp/taskd-test
scheduler:
  concurrency: 5
engine:
  max_iterations: 4
  backoff_base: 2s
session:
  stale_after: 48h
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/taskd-test", cfg.StateDir)
	assert.Equal(t, 5, cfg.Scheduler.Concurrency)
	assert.Equal(t, 4, cfg.Engine.MaxIterations)
	assert.Equal(t, 2*time.Second, cfg.Engine.BackoffBase.Duration())
	assert.Equal(t, 48*time.Hour, cfg.Session.StaleAfter.Duration())
	// Untouched fields keep defaults
	assert.Equal(t, 0.8, cfg.Engine.ConfidenceThreshold)
}

func TestLoadWithFile_RejectsWorldReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state_dir: /tmp/x"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scheduler.Concurrency)
}

func TestDuration_Roundtrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1500ms")))
	assert.Equal(t, 1500*time.Millisecond, d.Duration())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("bogus")))
}
