// Package config loads the receptor server configuration from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full receptor configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Submission  SubmissionConfig  `yaml:"submission"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Registry    RegistryConfig    `yaml:"registry"`
	Propagation PropagationConfig `yaml:"propagation"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen  string   `yaml:"listen"`
	SiteURL string   `yaml:"site_url"`
	CORS    []string `yaml:"cors_origins"`
}

// DatabaseConfig selects the backing store. Driver is "sqlite" or
// "postgres"; DSN is driver-specific.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SubmissionConfig throttles the cross-site submission surface.
type SubmissionConfig struct {
	// RateLimit is requests allowed per site per minute on the submission
	// surface before throttling kicks in.
	RateLimit int `yaml:"rate_limit"`
}

// IdempotencyConfig bounds submission deduplication.
type IdempotencyConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// Retention returns the dedup window as a duration.
func (c IdempotencyConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// RegistryConfig controls registry behavior.
type RegistryConfig struct {
	// RequireMonotonicVersions keeps startup chain verification on.
	RequireMonotonicVersions bool `yaml:"require_monotonic_versions"`
}

// PropagationConfig controls the delivery worker pool.
type PropagationConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Secret              string `yaml:"secret"`
	Concurrency         int    `yaml:"concurrency"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	MaxAttempts         int    `yaml:"max_attempts"`
	BackoffBaseSeconds  int    `yaml:"backoff_base_seconds"`
	ClaimTimeoutMinutes int    `yaml:"claim_timeout_minutes"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  ":8090",
			SiteURL: "http://localhost:8090",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "receptor.db",
		},
		Submission: SubmissionConfig{
			RateLimit: 60,
		},
		Idempotency: IdempotencyConfig{
			RetentionDays: 7,
		},
		Registry: RegistryConfig{
			RequireMonotonicVersions: true,
		},
		Propagation: PropagationConfig{
			Enabled:             true,
			Concurrency:         3,
			PollIntervalSeconds: 5,
			MaxAttempts:         8,
			BackoffBaseSeconds:  2,
			ClaimTimeoutMinutes: 10,
		},
	}
}

// Load reads the configuration from a YAML file, then applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from RECEPTOR_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("RECEPTOR_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("RECEPTOR_SITE_URL"); v != "" {
		c.Server.SiteURL = v
	}
	if v := os.Getenv("RECEPTOR_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("RECEPTOR_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("RECEPTOR_PROPAGATION_SECRET"); v != "" {
		c.Propagation.Secret = v
	}
	if v := os.Getenv("RECEPTOR_SUBMISSION_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Submission.RateLimit = n
		}
	}
	if v := os.Getenv("RECEPTOR_IDEMPOTENCY_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Idempotency.RetentionDays = n
		}
	}
	if v := os.Getenv("RECEPTOR_PROPAGATION_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Propagation.MaxAttempts = n
		}
	}
	if v := os.Getenv("RECEPTOR_PROPAGATION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Propagation.Enabled = b
		}
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Propagation.Enabled && c.Propagation.Secret == "" {
		return fmt.Errorf("propagation.secret is required while propagation is enabled")
	}
	if c.Idempotency.RetentionDays < 1 {
		return fmt.Errorf("idempotency.retention_days must be at least 1")
	}
	if c.Propagation.MaxAttempts < 1 {
		return fmt.Errorf("propagation.max_attempts must be at least 1")
	}
	return nil
}

// PollInterval returns the worker poll interval.
func (c PropagationConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (c PropagationConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// ClaimTimeout returns the stuck delivery timeout.
func (c PropagationConfig) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutMinutes) * time.Minute
}
