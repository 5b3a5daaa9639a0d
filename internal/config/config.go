// Package config loads curator configuration from YAML with environment
// overrides. Load order: built-in defaults, then config.yaml, then
// CURATOR_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	curatorerrors "curator/internal/errors"
)

// ConfigFileName is the default config filename looked up in the working
// directory.
const ConfigFileName = "curator.yaml"

// Config is the root configuration.
type Config struct {
	// DataRoot is the directory holding session image folders. All stored
	// image paths are relative to it.
	DataRoot string `yaml:"data_root"`
	// Database is the SQLite database path.
	Database string `yaml:"database"`

	Server   ServerConfig   `yaml:"server"`
	Export   ExportConfig   `yaml:"export"`
	Progress ProgressConfig `yaml:"progress"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// CORSOrigin is the allowed origin for browser clients; "*" for any.
	CORSOrigin string `yaml:"cors_origin"`
	// MaxUploadMB bounds import upload size.
	MaxUploadMB int `yaml:"max_upload_mb"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ExportConfig tunes the export pipeline.
type ExportConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	Concurrency      int           `yaml:"concurrency"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	MaxFileSizeMB    int           `yaml:"max_file_size_mb"`
	Timeout          time.Duration `yaml:"timeout"`
	MemoryLimitMB    int           `yaml:"memory_limit_mb"`
	GCInterval       int           `yaml:"gc_interval"`
	ContinueOnError  bool          `yaml:"continue_on_error"`
	CompressionLevel int           `yaml:"compression_level"`
}

// ProgressConfig selects the progress tracker backend.
type ProgressConfig struct {
	// Backend is "memory" (single process) or "redis" (shared).
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	// TTL is how long redis progress entries live without updates.
	TTL time.Duration `yaml:"ttl"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataRoot: "data",
		Database: "curator.db",
		Server: ServerConfig{
			Addr:            ":8080",
			CORSOrigin:      "*",
			MaxUploadMB:     512,
			ShutdownTimeout: 10 * time.Second,
		},
		Export: ExportConfig{
			BatchSize:        10,
			Concurrency:      5,
			MaxRetries:       3,
			RetryBaseDelay:   100 * time.Millisecond,
			MaxFileSizeMB:    50,
			Timeout:          5 * time.Minute,
			MemoryLimitMB:    512,
			GCInterval:       50,
			ContinueOnError:  true,
			CompressionLevel: 1,
		},
		Progress: ProgressConfig{
			Backend: "memory",
			TTL:     time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config.yaml from the working directory if present, then
// applies environment overrides. A missing file is not an error; the
// defaults apply.
func Load() (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(ConfigFileName); err == nil {
		loaded, err := LoadFrom(ConfigFileName)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		ApplyEnv(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFrom reads and validates a specific config file, then applies
// environment overrides.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CURATOR_* environment variables.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("CURATOR_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("CURATOR_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("CURATOR_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CURATOR_CORS_ORIGIN"); v != "" {
		cfg.Server.CORSOrigin = v
	}
	if v := os.Getenv("CURATOR_PROGRESS_BACKEND"); v != "" {
		cfg.Progress.Backend = v
	}
	if v := os.Getenv("CURATOR_REDIS_ADDR"); v != "" {
		cfg.Progress.RedisAddr = v
	}
	if v := os.Getenv("CURATOR_REDIS_PASSWORD"); v != "" {
		cfg.Progress.RedisPassword = v
	}
	if v := os.Getenv("CURATOR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CURATOR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("CURATOR_EXPORT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Export.Timeout = d
		}
	}
	if v := os.Getenv("CURATOR_EXPORT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Export.BatchSize = n
		}
	}
}

// Validate checks the configuration for nonsensical values.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return curatorerrors.ErrConfigInvalid("data_root", "must not be empty")
	}
	if c.Database == "" {
		return curatorerrors.ErrConfigInvalid("database", "must not be empty")
	}
	if c.Server.Addr == "" {
		return curatorerrors.ErrConfigInvalid("server.addr", "must not be empty")
	}
	if c.Export.BatchSize < 1 {
		return curatorerrors.ErrConfigInvalid("export.batch_size", "must be at least 1")
	}
	if c.Export.Concurrency < 1 {
		return curatorerrors.ErrConfigInvalid("export.concurrency", "must be at least 1")
	}
	if c.Export.MaxRetries < 1 {
		return curatorerrors.ErrConfigInvalid("export.max_retries", "must be at least 1")
	}
	if c.Export.MaxFileSizeMB < 1 {
		return curatorerrors.ErrConfigInvalid("export.max_file_size_mb", "must be at least 1")
	}
	if c.Export.Timeout <= 0 {
		return curatorerrors.ErrConfigInvalid("export.timeout", "must be positive")
	}
	switch c.Progress.Backend {
	case "memory", "redis":
	default:
		return curatorerrors.ErrConfigInvalid("progress.backend", "must be memory or redis")
	}
	if c.Progress.Backend == "redis" && c.Progress.RedisAddr == "" {
		return curatorerrors.ErrConfigInvalid("progress.redis_addr", "required when progress.backend is redis")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return curatorerrors.ErrConfigInvalid("log.level", "must be debug, info, warn, or error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return curatorerrors.ErrConfigInvalid("log.format", "must be text or json")
	}
	return nil
}
