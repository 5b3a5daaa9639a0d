package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"curator/internal/config"
	"curator/internal/export"
	"curator/internal/paths"
	"curator/internal/progress"
	"curator/internal/storage"
)

// runtimeEnv bundles the collaborators a headless command needs.
type runtimeEnv struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *storage.SQLiteStore
	resolver *paths.Resolver
}

func (e *runtimeEnv) Close() error {
	return e.store.Close()
}

// loadConfig materializes the viper-resolved configuration (set up in
// initConfig: --config flag or ./curator.yaml discovery) into a
// config.Config, then layers CURATOR_* environment overrides on top.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" && viper.ConfigFileUsed() == "" {
		// An explicitly requested config file must be readable.
		if err := viper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := config.Default()
	if err := viper.Unmarshal(cfg, yamlTagDecoding); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// yamlTagDecoding makes viper decode into the yaml-tagged fields the
// config package declares, instead of the mapstructure default.
func yamlTagDecoding(dc *mapstructure.DecoderConfig) {
	dc.TagName = "yaml"
}

// newLogger builds the process logger from config. Logs go to stderr so
// stdout stays usable for piped command output.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// newTracker selects the progress backend from config.
func newTracker(cfg *config.Config) progress.Tracker {
	if cfg.Progress.Backend == "redis" {
		return progress.NewRedisTracker(cfg.Progress.RedisAddr, cfg.Progress.RedisPassword, cfg.Progress.TTL)
	}
	return progress.NewMemoryTracker()
}

// exportOptions maps export config into pipeline options.
func exportOptions(cfg *config.Config) export.Options {
	return export.Options{
		BatchSize:        cfg.Export.BatchSize,
		Concurrency:      int64(cfg.Export.Concurrency),
		MaxRetries:       cfg.Export.MaxRetries,
		RetryBaseDelay:   cfg.Export.RetryBaseDelay,
		MaxFileSize:      int64(cfg.Export.MaxFileSizeMB) * 1024 * 1024,
		Timeout:          cfg.Export.Timeout,
		MemoryLimitBytes: uint64(cfg.Export.MemoryLimitMB) * 1024 * 1024,
		GCInterval:       cfg.Export.GCInterval,
		ContinueOnError:  cfg.Export.ContinueOnError,
		CompressionLevel: cfg.Export.CompressionLevel,
	}
}

// openEnv loads config and opens the store and resolver for a headless
// command. Callers must Close the returned env.
func openEnv() (*runtimeEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	store, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	return &runtimeEnv{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		resolver: paths.NewResolver(cfg.DataRoot, store, logger),
	}, nil
}
