// Package config loads the coordination store's runtime settings from a YAML
// file with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig tunes the embedded sqlite store.
type StoreConfig struct {
	// Path is the database file location. Parent directories are created on
	// open.
	Path string `yaml:"path"`

	// BusyTimeoutMS is the sqlite busy_timeout in milliseconds. Default 5000.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`

	// MaxRetries is how many times a write transaction is retried on
	// contention before giving up. Default 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelayMS is the initial backoff between retries, in
	// milliseconds. Default 30.
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`
}

// MessagingConfig tunes the semantic duplicate heuristic.
type MessagingConfig struct {
	// DuplicateWindowSeconds bounds how far back FindRecentDuplicateMessage
	// scans. Default 120.
	DuplicateWindowSeconds int `yaml:"duplicate_window_seconds"`

	// DuplicateScanLimit caps how many recent messages one scan compares.
	// Default 50.
	DuplicateScanLimit int `yaml:"duplicate_scan_limit"`
}

// LeaseConfig tunes task lease durations.
type LeaseConfig struct {
	// DurationSeconds is the lease lifetime granted on acquire and renew.
	// Default 30.
	DurationSeconds int `yaml:"duration_seconds"`
}

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Store     StoreConfig     `yaml:"store"`
	Messaging MessagingConfig `yaml:"messaging"`
	Lease     LeaseConfig     `yaml:"lease"`
}

// DuplicateWindow returns the messaging window as a duration.
func (c Config) DuplicateWindow() time.Duration {
	return time.Duration(c.Messaging.DuplicateWindowSeconds) * time.Second
}

// LeaseDuration returns the configured lease lifetime.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Lease.DurationSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			Path:             "coordination.db",
			BusyTimeoutMS:    5000,
			MaxRetries:       3,
			RetryBaseDelayMS: 30,
		},
		Messaging: MessagingConfig{
			DuplicateWindowSeconds: 120,
			DuplicateScanLimit:     50,
		},
		Lease: LeaseConfig{
			DurationSeconds: 30,
		},
	}
}

// Load reads the YAML file at path, falling back to defaults when the file
// does not exist. Environment variables override file values.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("COORD_DB_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
	if raw := os.Getenv("COORD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("COORD_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Store.MaxRetries = v
		}
	}
	if raw := os.Getenv("COORD_BUSY_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Store.BusyTimeoutMS = v
		}
	}
	if raw := os.Getenv("COORD_DUPLICATE_WINDOW_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Messaging.DuplicateWindowSeconds = v
		}
	}
	if raw := os.Getenv("COORD_LEASE_DURATION_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lease.DurationSeconds = v
		}
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Store.BusyTimeoutMS <= 0 {
		cfg.Store.BusyTimeoutMS = def.Store.BusyTimeoutMS
	}
	if cfg.Store.MaxRetries <= 0 {
		cfg.Store.MaxRetries = def.Store.MaxRetries
	}
	if cfg.Store.RetryBaseDelayMS <= 0 {
		cfg.Store.RetryBaseDelayMS = def.Store.RetryBaseDelayMS
	}
	if cfg.Messaging.DuplicateWindowSeconds <= 0 {
		cfg.Messaging.DuplicateWindowSeconds = def.Messaging.DuplicateWindowSeconds
	}
	if cfg.Messaging.DuplicateScanLimit <= 0 {
		cfg.Messaging.DuplicateScanLimit = def.Messaging.DuplicateScanLimit
	}
	if cfg.Lease.DurationSeconds <= 0 {
		cfg.Lease.DurationSeconds = def.Lease.DurationSeconds
	}
}
