package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Store.Provider)
	require.Equal(t, "memory", cfg.Queue.Provider)
	require.Equal(t, 3, cfg.Queue.MaxAttempts)
	require.Equal(t, 10, cfg.Batch.MaxURLs)
	require.Equal(t, 720, cfg.Retention.TTLHours)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9090
queue:
  max_attempts: 5
worker:
  concurrency: 2
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 5, cfg.Queue.MaxAttempts)
	require.Equal(t, 2, cfg.Worker.Concurrency)
}

func TestValidate_Rejections(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Store.Provider = "postgres"
	require.ErrorContains(t, cfg.Validate(), "store.postgres.dsn")

	cfg = base()
	cfg.Queue.Provider = "rabbitmq"
	require.ErrorContains(t, cfg.Validate(), "unknown queue provider")

	cfg = base()
	cfg.Results.Provider = "gcs"
	require.ErrorContains(t, cfg.Validate(), "results.gcs_bucket")

	cfg = base()
	cfg.Server.Port = 0
	require.ErrorContains(t, cfg.Validate(), "out of range")

	cfg = base()
	cfg.Queue.MaxAttempts = 0
	require.ErrorContains(t, cfg.Validate(), "max_attempts")
}
