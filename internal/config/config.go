// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

// Package config loads layered application configuration via Koanf v2:
// built-in defaults, then an optional YAML file, then environment variables
// (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/merchkit/copurchase/internal/hostdb"
	"github.com/merchkit/copurchase/internal/logging"
	"github.com/merchkit/copurchase/internal/prediction/store"
	"github.com/merchkit/copurchase/internal/query"
	"github.com/merchkit/copurchase/internal/recompute"
)

// Config is the root application configuration.
type Config struct {
	Logging   logging.Config  `koanf:"logging"`
	Store     StoreConfig     `koanf:"store"`
	Recompute RecomputeConfig `koanf:"recompute"`
	Query     query.Config    `koanf:"query"`
	HostData  hostdb.Config   `koanf:"host_data"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// StoreConfig selects and tunes the prediction store backend.
type StoreConfig struct {
	// Backend selects the persistence technology: duckdb, badger, document.
	Backend string `koanf:"backend" validate:"required,oneof=duckdb badger document"`

	DuckDB   store.DuckDBConfig   `koanf:"duckdb"`
	Badger   store.BadgerConfig   `koanf:"badger"`
	Document store.DocumentConfig `koanf:"document"`

	// BreakerEnabled guards backend loads with a circuit breaker.
	BreakerEnabled bool `koanf:"breaker_enabled"`

	// BreakerTimeout is how long the breaker stays open after tripping.
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`
}

// RecomputeConfig schedules and tunes the batch recompute job.
type RecomputeConfig struct {
	// Job carries the worker and scorer-pool bounds.
	Job recompute.Config `koanf:"job"`

	// Interval is how often the recompute cycle runs. The pairwise scoring
	// step is intentionally O(n^2) in live products; run it on a schedule,
	// never on demand.
	Interval time.Duration `koanf:"interval" validate:"required"`

	// RunOnStartup triggers one cycle when the service starts.
	RunOnStartup bool `koanf:"run_on_startup"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend:        "duckdb",
			DuckDB:         store.DuckDBConfig{Path: "/data/copurchase.db"},
			Badger:         store.BadgerConfig{Dir: "/data/copurchase-badger"},
			Document:       store.DocumentConfig{Path: "/data/copurchase.json"},
			BreakerEnabled: true,
			BreakerTimeout: 30 * time.Second,
		},
		Recompute: RecomputeConfig{
			Interval:     24 * time.Hour,
			RunOnStartup: true,
		},
		Query: query.Config{
			HistoryTTL: 5 * time.Minute,
		},
		HostData: hostdb.Config{
			Path: "/data/commerce-mirror.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9187",
		},
	}
}

// Validate checks structural constraints plus the selected backend's
// required settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Store.Backend {
	case "duckdb":
		if c.Store.DuckDB.Path == "" {
			return fmt.Errorf("store.duckdb.path is required for the duckdb backend")
		}
	case "badger":
		// Empty dir selects in-memory mode, valid for ephemeral deployments.
	case "document":
		if c.Store.Document.Path == "" {
			return fmt.Errorf("store.document.path is required for the document backend")
		}
	}

	return nil
}
