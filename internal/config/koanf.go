// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order. The
// first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/copurchase/config.yaml",
	"/etc/copurchase/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "COPURCHASE_CONFIG"

// envPrefix namespaces the environment variables read by Load:
// COPURCHASE_STORE_BACKEND -> store.backend.
const envPrefix = "COPURCHASE_"

// Load assembles the configuration from defaults, an optional YAML file,
// and environment variables (highest priority), then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile resolves the config file path: the env override first,
// then the default search paths.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envKeyPaths maps recognized environment variables (sans prefix) to their
// koanf paths. Underscores appear both as nesting separators and inside
// leaf names, so the mapping is explicit rather than derived.
var envKeyPaths = map[string]string{
	"LOGGING_LEVEL":            "logging.level",
	"LOGGING_FORMAT":           "logging.format",
	"STORE_BACKEND":            "store.backend",
	"STORE_DUCKDB_PATH":        "store.duckdb.path",
	"STORE_DUCKDB_THREADS":     "store.duckdb.threads",
	"STORE_BADGER_DIR":         "store.badger.dir",
	"STORE_DOCUMENT_PATH":      "store.document.path",
	"STORE_BREAKER_ENABLED":    "store.breaker_enabled",
	"STORE_BREAKER_TIMEOUT":    "store.breaker_timeout",
	"RECOMPUTE_INTERVAL":       "recompute.interval",
	"RECOMPUTE_RUN_ON_STARTUP": "recompute.run_on_startup",
	"RECOMPUTE_WORKERS":        "recompute.job.workers",
	"RECOMPUTE_POOL_SIZE":      "recompute.job.pool_size",
	"QUERY_HISTORY_TTL":        "query.history_ttl",
	"HOST_DATA_PATH":           "host_data.path",
	"METRICS_ENABLED":          "metrics.enabled",
	"METRICS_ADDR":             "metrics.addr",
}

// envTransform resolves a prefixed environment variable to its koanf path.
// Unrecognized variables are skipped.
func envTransform(key string) string {
	return envKeyPaths[strings.TrimPrefix(key, envPrefix)]
}
