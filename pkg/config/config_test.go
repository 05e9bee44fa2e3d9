package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 60*time.Second, cfg.Registry.ProbeInterval.Std())
	assert.Equal(t, 60*time.Second, cfg.Registry.HealthTTL.Std())
	assert.Equal(t, 10*time.Second, cfg.Registry.ProbeTimeout.Std())
	assert.Equal(t, 3, cfg.Registry.OfflineThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Router.CacheTTL.Std())
	assert.Equal(t, 0.2, cfg.Router.ScoreFloor)
	assert.Equal(t, 10, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Jobs.BackoffBase.Std())
	assert.Equal(t, 60*time.Second, cfg.Jobs.BackoffCap.Std())
	assert.Equal(t, 64*1024, cfg.Results.InlineThreshold)
	assert.Equal(t, time.Hour, cfg.Results.CacheTTL.Std())
	assert.Equal(t, 30*24*time.Hour, cfg.Results.Retention.Std())
	assert.Equal(t, 15*time.Minute, cfg.Envelope.TTL.Std())
	assert.Equal(t, 60*time.Second, cfg.Envelope.ClockSkew.Std())

	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maestro.yaml")

	content := `
server:
  listen_addr: ":8888"
  public_url: "https://orchestrator.example.com"
registry:
  probe_interval: 30s
  offline_threshold: 5
router:
  score_floor: 0.5
jobs:
  max_concurrent: 4
  max_attempts: 2
  backoff_base: 2s
results:
  inline_threshold: 1024
  blob_backend: filesystem
  blob_dir: /tmp/blobs
envelope:
  ttl: 10m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8888", cfg.Server.ListenAddr)
	assert.Equal(t, "https://orchestrator.example.com", cfg.Server.PublicURL)
	assert.Equal(t, 30*time.Second, cfg.Registry.ProbeInterval.Std())
	assert.Equal(t, 5, cfg.Registry.OfflineThreshold)
	assert.Equal(t, 0.5, cfg.Router.ScoreFloor)
	assert.Equal(t, 4, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 2, cfg.Jobs.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Jobs.BackoffBase.Std())
	assert.Equal(t, 1024, cfg.Results.InlineThreshold)
	assert.Equal(t, "filesystem", cfg.Results.BlobBackend)
	assert.Equal(t, 10*time.Minute, cfg.Envelope.TTL.Std())

	// Untouched sections keep their defaults.
	assert.Equal(t, time.Hour, cfg.Results.CacheTTL.Std())
	assert.Equal(t, ":9090", cfg.Server.OpsAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/maestro.yaml")
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Jobs.MaxConcurrent)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAESTRO_LISTEN_ADDR", ":7777")
	t.Setenv("MAESTRO_LOG_LEVEL", "debug")
	t.Setenv("MAESTRO_STORAGE_BACKEND", "bolt")
	t.Setenv("MAESTRO_DATA_DIR", t.TempDir())
	t.Setenv("MAESTRO_PUBLIC_KEYS", "/keys/a.pem,/keys/b.pem")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, []string{"/keys/a.pem", "/keys/b.pem"}, cfg.Envelope.PublicKeyPaths)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"bolt without data dir", func(c *Config) { c.Storage.Backend = "bolt"; c.Storage.DataDir = "" }},
		{"unknown blob backend", func(c *Config) { c.Results.BlobBackend = "s3" }},
		{"redis blob without addr", func(c *Config) { c.Results.BlobBackend = "redis" }},
		{"zero max attempts", func(c *Config) { c.Jobs.MaxAttempts = 0 }},
		{"max attempts above ceiling", func(c *Config) { c.Jobs.MaxAttempts = 11 }},
		{"zero max concurrent", func(c *Config) { c.Jobs.MaxConcurrent = 0 }},
		{"backoff cap below base", func(c *Config) { c.Jobs.BackoffCap = Duration(time.Millisecond) }},
		{"score floor above one", func(c *Config) { c.Router.ScoreFloor = 1.5 }},
		{"zero inline threshold", func(c *Config) { c.Results.InlineThreshold = 0 }},
		{"envelope ttl above ceiling", func(c *Config) { c.Envelope.TTL = Duration(16 * time.Minute) }},
		{"zero probe interval", func(c *Config) { c.Registry.ProbeInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", out)
}

func TestDurationRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry:\n  probe_interval: sixty\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
