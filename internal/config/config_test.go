package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "futurestack.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SQLITE_PATH", "HISTORY_DIR", "LOG_LEVEL", "LOG_FORMAT",
		"SWEEP_INTERVAL", "STALE_LOCK_AFTER", "PAPER_MODE"} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  sqlite_path: "/tmp/futurestack/stacks.db"
  history_dir: "/tmp/futurestack/history"
server:
  host: "0.0.0.0"
  metrics_port: 9100
  grpc_port: 9090
logging:
  level: "debug"
  format: "text"
engine:
  sweep_interval: 15s
  stale_lock_after: 5m
trade_limits:
  window: 12h
  default_max_trades: 20
  per_instrument:
    CORN: 4
trading:
  paper_mode: true
  paper_fill_price: "101.25"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.SQLitePath != "/tmp/futurestack/stacks.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if cfg.Storage.HistoryDir != "/tmp/futurestack/history" {
		t.Errorf("Storage.HistoryDir = %q", cfg.Storage.HistoryDir)
	}

	// -- Server --
	if cfg.Server.MetricsPort != 9100 || cfg.Server.GRPCPort != 9090 {
		t.Errorf("Server ports = %d/%d, want 9100/9090", cfg.Server.MetricsPort, cfg.Server.GRPCPort)
	}

	// -- Engine --
	if cfg.Engine.SweepInterval != 15*time.Second {
		t.Errorf("Engine.SweepInterval = %s, want 15s", cfg.Engine.SweepInterval)
	}
	if cfg.Engine.StaleLockAfter != 5*time.Minute {
		t.Errorf("Engine.StaleLockAfter = %s, want 5m", cfg.Engine.StaleLockAfter)
	}
	if cfg.Engine.BrokerPollInterval != 5*time.Second {
		t.Errorf("Engine.BrokerPollInterval default = %s, want 5s", cfg.Engine.BrokerPollInterval)
	}

	// -- Trade limits --
	if cfg.TradeLimits.Window != 12*time.Hour || cfg.TradeLimits.DefaultMaxTrades != 20 {
		t.Errorf("TradeLimits = %+v", cfg.TradeLimits)
	}
	if cfg.TradeLimits.PerInstrument["CORN"] != 4 {
		t.Errorf("TradeLimits.PerInstrument[CORN] = %d, want 4", cfg.TradeLimits.PerInstrument["CORN"])
	}

	// -- Trading --
	if !cfg.Trading.PaperMode {
		t.Error("Trading.PaperMode = false, want true")
	}
	if cfg.Trading.PaperFillPrice.String() != "101.25" {
		t.Errorf("Trading.PaperFillPrice = %s, want 101.25", cfg.Trading.PaperFillPrice)
	}
	if cfg.Trading.Broker != "paper" {
		t.Errorf("Trading.Broker default = %q, want paper", cfg.Trading.Broker)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  sqlite_path: "/original/stacks.db"
logging:
  level: "info"
`)

	t.Setenv("SQLITE_PATH", "/env/stacks.db")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("PAPER_MODE", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.SQLitePath != "/env/stacks.db" {
		t.Errorf("Storage.SQLitePath = %q, want env override", cfg.Storage.SQLitePath)
	}
	if cfg.Engine.SweepInterval != time.Minute {
		t.Errorf("Engine.SweepInterval = %s, want 1m", cfg.Engine.SweepInterval)
	}
	if !cfg.Trading.PaperMode {
		t.Error("Trading.PaperMode = false, want env override true")
	}
	// level should remain from YAML since no env override was set.
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Engine.StaleLockAfter != 10*time.Minute {
		t.Errorf("Engine.StaleLockAfter default = %s, want 10m", cfg.Engine.StaleLockAfter)
	}
}

func TestLoadInvalid(t *testing.T) {
	clearEnv(t)

	if _, err := Load(writeConfig(t, "logging:\n  level: info\n")); err == nil {
		t.Error("expected error without sqlite_path")
	}

	path := writeConfig(t, `
storage:
  sqlite_path: "x.db"
engine:
  sweep_interval: 1m
  stale_lock_after: 10s
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error when stale_lock_after is shorter than sweep_interval")
	}

	t.Setenv("SWEEP_INTERVAL", "soon")
	if _, err := Load(writeConfig(t, "storage:\n  sqlite_path: x.db\n")); err == nil {
		t.Error("expected error for unparseable SWEEP_INTERVAL")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("FUTURESTACK_CONFIG", "")
	if Path() != DefaultPath {
		t.Errorf("Path() = %q, want %q", Path(), DefaultPath)
	}
	t.Setenv("FUTURESTACK_CONFIG", "/etc/futurestack.yaml")
	if Path() != "/etc/futurestack.yaml" {
		t.Errorf("Path() = %q, want env value", Path())
	}
}
