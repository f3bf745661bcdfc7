package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Worker.Count)
	require.Equal(t, 30*time.Second, cfg.Worker.RetryInterval.Duration)
	require.Equal(t, 100, cfg.Ingress.RateLimit.Max)
}

func TestLoadParsesYAMLDurationsAndSizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  count: 8
  retry_interval_s: 45s
  max_attempts: 5
queue:
  url: http://queue.internal:8445
  dir: /var/lib/broker/queue
  max_segment_bytes: 128MB
authority:
  url: https://authority.internal:8444
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Worker.Count)
	require.Equal(t, 45*time.Second, cfg.Worker.RetryInterval.Duration)
	require.Equal(t, 5, cfg.Worker.MaxAttempts)
	require.False(t, cfg.Worker.IsUnbounded())
	require.Equal(t, SizeBytes(128*1000*1000), cfg.Queue.MaxSegmentBytes)
}

func TestLoadRejectsMissingRequiredSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  url: ""
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  count: 8
`), 0o600))

	t.Setenv("BROKER_WORKER_COUNT", "16")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Worker.Count)
}
