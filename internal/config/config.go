// Package config loads the futurestack YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when FUTURESTACK_CONFIG is unset.
const DefaultPath = "config/futurestack.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for futurestack.
type Config struct {
	Storage     Storage           `yaml:"storage"`
	Server      Server            `yaml:"server"`
	Logging     Logging           `yaml:"logging"`
	Engine      EngineConfig      `yaml:"engine"`
	TradeLimits TradeLimitsConfig `yaml:"trade_limits"`
	Trading     TradingConfig     `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	HistoryDir string `yaml:"history_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"`
	GRPCPort    int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig controls the reconciliation loop.
type EngineConfig struct {
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	StaleLockAfter     time.Duration `yaml:"stale_lock_after"`
	BrokerPollInterval time.Duration `yaml:"broker_poll_interval"`
}

// TradeLimitsConfig caps contracts traded per instrument over a rolling
// window. Zero means unlimited.
type TradeLimitsConfig struct {
	Window           time.Duration    `yaml:"window"`
	DefaultMaxTrades int64            `yaml:"default_max_trades"`
	PerInstrument    map[string]int64 `yaml:"per_instrument"`
	PerStrategy      map[string]int64 `yaml:"per_strategy"`
}

// TradingConfig defines execution parameters.
type TradingConfig struct {
	PaperMode bool `yaml:"paper_mode"`
	// PaperFillPrice is used when an order carries no limit or reference price.
	PaperFillPrice decimal.Decimal `yaml:"paper_fill_price"`
	// PaperCommission is charged per contract filled.
	PaperCommission decimal.Decimal `yaml:"paper_commission"`
	Broker          string          `yaml:"broker"`
	Account         string          `yaml:"account"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration path from FUTURESTACK_CONFIG, or DefaultPath.
func Path() string {
	if v := os.Getenv("FUTURESTACK_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.Storage.SQLitePath == "" {
		return errors.New("storage.sqlite_path is required")
	}
	if c.Storage.HistoryDir == "" {
		c.Storage.HistoryDir = "history"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Engine.SweepInterval == 0 {
		c.Engine.SweepInterval = 30 * time.Second
	}
	if c.Engine.StaleLockAfter == 0 {
		c.Engine.StaleLockAfter = 10 * time.Minute
	}
	if c.Engine.BrokerPollInterval == 0 {
		c.Engine.BrokerPollInterval = 5 * time.Second
	}
	if c.TradeLimits.Window == 0 {
		c.TradeLimits.Window = 24 * time.Hour
	}
	if c.Trading.Broker == "" {
		c.Trading.Broker = "paper"
	}

	if c.Engine.SweepInterval < 0 || c.Engine.StaleLockAfter < 0 || c.Engine.BrokerPollInterval < 0 {
		return errors.New("engine intervals must be positive")
	}
	// A lock younger than a sweep may belong to a transaction still running.
	if c.Engine.StaleLockAfter < c.Engine.SweepInterval {
		return fmt.Errorf("engine.stale_lock_after %s shorter than sweep_interval %s",
			c.Engine.StaleLockAfter, c.Engine.SweepInterval)
	}
	if c.TradeLimits.DefaultMaxTrades < 0 {
		return errors.New("trade_limits.default_max_trades must not be negative")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("HISTORY_DIR"); v != "" {
		cfg.Storage.HistoryDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SWEEP_INTERVAL: %w", err)
		}
		cfg.Engine.SweepInterval = d
	}
	if v := os.Getenv("STALE_LOCK_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STALE_LOCK_AFTER: %w", err)
		}
		cfg.Engine.StaleLockAfter = d
	}
	if v := os.Getenv("PAPER_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PAPER_MODE: %w", err)
		}
		cfg.Trading.PaperMode = b
	}
	return nil
}
