package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curator.yaml")
	content := `
data_root: /var/lib/curator
server:
  addr: ":9090"
export:
  batch_size: 25
  timeout: 10m
progress:
  backend: redis
  redis_addr: localhost:6379
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/curator", cfg.DataRoot)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 25, cfg.Export.BatchSize)
	assert.Equal(t, 10*time.Minute, cfg.Export.Timeout)
	assert.Equal(t, "redis", cfg.Progress.Backend)

	// Untouched fields keep their defaults.
	assert.Equal(t, "curator.db", cfg.Database)
	assert.Equal(t, 5, cfg.Export.Concurrency)
	assert.True(t, cfg.Export.ContinueOnError)
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadFromRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_root: [unclosed"), 0644))
	_, err := LoadFrom(path)
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data root", func(c *Config) { c.DataRoot = "" }},
		{"empty database", func(c *Config) { c.Database = "" }},
		{"zero batch size", func(c *Config) { c.Export.BatchSize = 0 }},
		{"zero concurrency", func(c *Config) { c.Export.Concurrency = 0 }},
		{"zero timeout", func(c *Config) { c.Export.Timeout = 0 }},
		{"unknown progress backend", func(c *Config) { c.Progress.Backend = "etcd" }},
		{"redis without addr", func(c *Config) { c.Progress.Backend = "redis"; c.Progress.RedisAddr = "" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CURATOR_DATA_ROOT", "/env/root")
	t.Setenv("CURATOR_ADDR", ":7070")
	t.Setenv("CURATOR_EXPORT_TIMEOUT", "2m")
	t.Setenv("CURATOR_EXPORT_BATCH_SIZE", "7")

	path := filepath.Join(t.TempDir(), "curator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_root: /file/root\n"), 0644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "/env/root", cfg.DataRoot, "env wins over file")
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Export.Timeout)
	assert.Equal(t, 7, cfg.Export.BatchSize)
}
