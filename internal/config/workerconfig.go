// Package config provides configuration management for the filescout worker.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

// WorkerConfig is the worker process configuration.
//
// Config file location:
//   - default: /etc/filescout/worker.conf, overridable with --config
//
// INI format:
//
//	[scheduler]
//	polling_interval_seconds = 60
//	max_concurrent_checks = 100
//	execution_window_minutes = 2
//
//	[storage]
//	backend = memory            ; memory | aztables
//	connection_string_secret = storage-connection
//
//	[secrets]
//	cache_ttl_seconds = 300
//
//	[logging]
//	level = info
//	format = console            ; console | json
type WorkerConfig struct {
	Scheduler SchedulerConfig
	Storage   StorageConfig
	Secrets   SecretsConfig
	Logging   LoggingConfig
}

// SchedulerConfig contains the polling loop settings.
type SchedulerConfig struct {
	// PollingIntervalSeconds is the delay between evaluation passes.
	// Minimum: 1, Maximum: 3600, Default: 60
	PollingIntervalSeconds int `ini:"polling_interval_seconds"`

	// MaxConcurrentChecks caps simultaneously running file checks.
	// Minimum: 1, Maximum: 1000, Default: 100
	MaxConcurrentChecks int `ini:"max_concurrent_checks"`

	// ExecutionWindowMinutes is how far ahead of its fire instant a
	// configuration may be dispatched.
	// Minimum: 1, Maximum: 60, Default: 2
	ExecutionWindowMinutes int `ini:"execution_window_minutes"`
}

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	// Backend is "memory" (single process, volatile) or "aztables".
	// Default: memory
	Backend string `ini:"backend"`

	// ConnectionStringSecret is the secret identifier holding the table
	// storage connection string. Required when backend is aztables.
	ConnectionStringSecret string `ini:"connection_string_secret"`
}

// SecretsConfig controls the secret resolver cache.
type SecretsConfig struct {
	// CacheTTLSeconds bounds how long a resolved secret is served from
	// cache. Values above 300 are clamped. Default: 300
	CacheTTLSeconds int `ini:"cache_ttl_seconds"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is trace, debug, info, warn or error. Default: info
	Level string `ini:"level"`

	// Format is "console" or "json". Default: console
	Format string `ini:"format"`
}

// Storage backend names.
const (
	StorageBackendMemory   = "memory"
	StorageBackendAzTables = "aztables"
)

// WorkerConfig validation errors
var (
	ErrInvalidPollingInterval  = errors.New("polling_interval_seconds must be between 1 and 3600")
	ErrInvalidMaxConcurrent    = errors.New("max_concurrent_checks must be between 1 and 1000")
	ErrInvalidExecutionWindow  = errors.New("execution_window_minutes must be between 1 and 60")
	ErrUnknownStorageBackend   = errors.New("storage backend must be memory or aztables")
	ErrMissingConnectionSecret = errors.New("connection_string_secret is required for the aztables backend")
	ErrUnknownLogFormat        = errors.New("logging format must be console or json")
)

// DefaultWorkerConfigPath is where the worker looks without --config.
const DefaultWorkerConfigPath = "/etc/filescout/worker.conf"

// NewWorkerConfig creates a WorkerConfig with default values.
func NewWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Scheduler: SchedulerConfig{
			PollingIntervalSeconds: 60,
			MaxConcurrentChecks:    100,
			ExecutionWindowMinutes: 2,
		},
		Storage: StorageConfig{
			Backend: StorageBackendMemory,
		},
		Secrets: SecretsConfig{
			CacheTTLSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadWorkerConfig loads configuration from the worker.conf file.
// If path is empty, the default path is used. A missing file returns the
// defaults and no error; an invalid file returns an error.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	cfg := NewWorkerConfig()

	if path == "" {
		path = DefaultWorkerConfigPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker.conf: %w", err)
	}

	sched := iniFile.Section("scheduler")
	cfg.Scheduler.PollingIntervalSeconds = sched.Key("polling_interval_seconds").MustInt(60)
	cfg.Scheduler.MaxConcurrentChecks = sched.Key("max_concurrent_checks").MustInt(100)
	cfg.Scheduler.ExecutionWindowMinutes = sched.Key("execution_window_minutes").MustInt(2)

	storage := iniFile.Section("storage")
	cfg.Storage.Backend = storage.Key("backend").MustString(StorageBackendMemory)
	cfg.Storage.ConnectionStringSecret = storage.Key("connection_string_secret").String()

	secretsSection := iniFile.Section("secrets")
	cfg.Secrets.CacheTTLSeconds = secretsSection.Key("cache_ttl_seconds").MustInt(300)

	logging := iniFile.Section("logging")
	cfg.Logging.Level = logging.Key("level").MustString("info")
	cfg.Logging.Format = logging.Key("format").MustString("console")

	return cfg, nil
}

// SaveWorkerConfig writes cfg to path, creating parent directories.
func SaveWorkerConfig(cfg *WorkerConfig, path string) error {
	if path == "" {
		path = DefaultWorkerConfigPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	sched := iniFile.Section("scheduler")
	sched.Key("polling_interval_seconds").SetValue(fmt.Sprintf("%d", cfg.Scheduler.PollingIntervalSeconds))
	sched.Key("max_concurrent_checks").SetValue(fmt.Sprintf("%d", cfg.Scheduler.MaxConcurrentChecks))
	sched.Key("execution_window_minutes").SetValue(fmt.Sprintf("%d", cfg.Scheduler.ExecutionWindowMinutes))

	storage := iniFile.Section("storage")
	storage.Key("backend").SetValue(cfg.Storage.Backend)
	storage.Key("connection_string_secret").SetValue(cfg.Storage.ConnectionStringSecret)

	secretsSection := iniFile.Section("secrets")
	secretsSection.Key("cache_ttl_seconds").SetValue(fmt.Sprintf("%d", cfg.Secrets.CacheTTLSeconds))

	logging := iniFile.Section("logging")
	logging.Key("level").SetValue(cfg.Logging.Level)
	logging.Key("format").SetValue(cfg.Logging.Format)

	if err := iniFile.SaveTo(path); err != nil {
		return fmt.Errorf("failed to save worker.conf: %w", err)
	}
	return nil
}

// Validate checks the configuration for out-of-range values.
func (c *WorkerConfig) Validate() error {
	if c.Scheduler.PollingIntervalSeconds < 1 || c.Scheduler.PollingIntervalSeconds > 3600 {
		return ErrInvalidPollingInterval
	}
	if c.Scheduler.MaxConcurrentChecks < 1 || c.Scheduler.MaxConcurrentChecks > 1000 {
		return ErrInvalidMaxConcurrent
	}
	if c.Scheduler.ExecutionWindowMinutes < 1 || c.Scheduler.ExecutionWindowMinutes > 60 {
		return ErrInvalidExecutionWindow
	}
	switch c.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendAzTables:
		if c.Storage.ConnectionStringSecret == "" {
			return ErrMissingConnectionSecret
		}
	default:
		return ErrUnknownStorageBackend
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return ErrUnknownLogFormat
	}
	return nil
}

// PollingInterval returns the scheduler polling interval as a duration.
func (c *WorkerConfig) PollingInterval() time.Duration {
	return time.Duration(c.Scheduler.PollingIntervalSeconds) * time.Second
}

// ExecutionWindow returns the dispatch window as a duration.
func (c *WorkerConfig) ExecutionWindow() time.Duration {
	return time.Duration(c.Scheduler.ExecutionWindowMinutes) * time.Minute
}

// SecretCacheTTL returns the secret cache TTL as a duration.
func (c *WorkerConfig) SecretCacheTTL() time.Duration {
	return time.Duration(c.Secrets.CacheTTLSeconds) * time.Second
}
