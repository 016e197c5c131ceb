// Package config loads daemon configuration from CHAINLENS_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chainlens/chainlens/internal/adapters/sqlstore"
)

type Config struct {
	// Store
	DBDriver    string // "sqlite" or "duckdb"
	DBPath      string
	TablePrefix string
	PriorPrefix string // table prefix of a previous deployment, for the revision guard

	// HTTP API
	Addr           string
	AllowedOrigins []string

	// Deferred feedback worker
	FeedbackWorkers  int64
	FeedbackInterval time.Duration
}

// FromEnv builds the configuration from the environment, with local-dev
// defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		DBDriver:         envOr("CHAINLENS_DB_DRIVER", sqlstore.DriverSQLite),
		DBPath:           envOr("CHAINLENS_DB_PATH", "chainlens.db"),
		TablePrefix:      envOr("CHAINLENS_TABLE_PREFIX", sqlstore.DefaultPrefix),
		PriorPrefix:      os.Getenv("CHAINLENS_PRIOR_PREFIX"),
		Addr:             envOr("CHAINLENS_ADDR", ":8080"),
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174"},
		FeedbackWorkers:  4,
		FeedbackInterval: 5 * time.Second,
	}

	if v := os.Getenv("CHAINLENS_FEEDBACK_WORKERS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid CHAINLENS_FEEDBACK_WORKERS %q", v)
		}
		cfg.FeedbackWorkers = n
	}
	if v := os.Getenv("CHAINLENS_FEEDBACK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid CHAINLENS_FEEDBACK_INTERVAL %q", v)
		}
		cfg.FeedbackInterval = d
	}
	if v := os.Getenv("CHAINLENS_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitOrigins(v)
	}

	switch cfg.DBDriver {
	case sqlstore.DriverSQLite, sqlstore.DriverDuckDB:
	default:
		return Config{}, fmt.Errorf("invalid CHAINLENS_DB_DRIVER %q", cfg.DBDriver)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitOrigins(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
