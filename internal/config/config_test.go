package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
risk:
  min_order_notional: 7.5
  symbol_allowlist: ["BTCUSDT"]
lock:
  default_ttl_ms: 45000
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Risk.MinOrderNotional != 7.5 {
		t.Errorf("override lost: %v", cfg.Risk.MinOrderNotional)
	}
	if cfg.Exec.Retry.MaxAttempts != 5 {
		t.Errorf("default lost: %v", cfg.Exec.Retry.MaxAttempts)
	}
	if cfg.Lock.DefaultTTLMs != 45000 {
		t.Errorf("override lost: %v", cfg.Lock.DefaultTTLMs)
	}
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("EXECD_STORE_PATH", "/tmp/state-test.db")
	path := writeConfig(t, `
store:
  path: ${EXECD_STORE_PATH}
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Store.Path != "/tmp/state-test.db" {
		t.Errorf("env var not expanded: %q", cfg.Store.Path)
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad log level", func(c *Config) { c.System.LogLevel = "VERBOSE" }, "system.log_level"},
		{"bad venue", func(c *Config) { c.Exchange.Venue = "binance" }, "exchange.venue"},
		{"confidence out of range", func(c *Config) { c.Risk.MinConfidence = 1.5 }, "risk.min_confidence"},
		{"empty allowlist", func(c *Config) { c.Risk.SymbolAllowlist = nil }, "risk.symbol_allowlist"},
		{"ttl below deadline", func(c *Config) { c.Lock.DefaultTTLMs = 1000 }, "lock.default_ttl_ms"},
		{"retention too short", func(c *Config) { c.Dedup.RetentionHours = 1 }, "dedup.retention_hours"},
		{"zero retry budget", func(c *Config) { c.OCO.CancelRetryBudget = 0 }, "oco.cancel_retry_budget"},
		{"max below min notional", func(c *Config) { c.Risk.MaxOrderNotional = 1 }, "risk.max_order_notional"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Errorf("error should mention %s, got: %v", tc.field, err)
			}
		})
	}
}
