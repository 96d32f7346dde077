// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Exec      ExecConfig      `yaml:"exec"`
	Risk      RiskConfig      `yaml:"risk"`
	Lock      LockConfig      `yaml:"lock"`
	Dedup     DedupConfig     `yaml:"dedup"`
	OCO       OCOConfig       `yaml:"oco"`
	Store     StoreConfig     `yaml:"store"`
	Audit     AuditConfig     `yaml:"audit"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Alert     AlertConfig     `yaml:"alert"`
}

// SystemConfig contains process-level settings
type SystemConfig struct {
	LogLevel        string `yaml:"log_level"`
	ReplicaID       string `yaml:"replica_id"` // defaults to hostname+pid
	ShutdownGraceMs int    `yaml:"shutdown_grace_ms"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// IngressConfig configures the signal feed adapter
type IngressConfig struct {
	FeedURL          string `yaml:"feed_url"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
}

// ExchangeConfig selects and tunes the venue gateway
type ExchangeConfig struct {
	Venue            string  `yaml:"venue"` // paper | mock
	RequestRateLimit float64 `yaml:"request_rate_limit"`
	QuantityStep     float64 `yaml:"quantity_step"`
}

// RetryConfig tunes the exchange retry policy
type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseBackoffMs int `yaml:"base_backoff_ms"`
}

// ExecConfig contains dispatcher settings
type ExecConfig struct {
	DefaultTargetNotional float64     `yaml:"default_target_notional"`
	Retry                 RetryConfig `yaml:"retry"`
	RequestDeadlineMs     int         `yaml:"request_deadline_ms"`
	WorkerPoolSize        int         `yaml:"worker_pool_size"`
	WorkerPoolBuffer      int         `yaml:"worker_pool_buffer"`
	EventPoolSize         int         `yaml:"event_pool_size"`
	EventPoolBuffer       int         `yaml:"event_pool_buffer"`
}

// RiskConfig contains the risk policy knobs
type RiskConfig struct {
	MaxPositionNotionalPerSymbol float64  `yaml:"max_position_notional_per_symbol"`
	MaxAggregateNotional         float64  `yaml:"max_aggregate_notional"`
	MinOrderNotional             float64  `yaml:"min_order_notional"`
	MaxOrderNotional             float64  `yaml:"max_order_notional"`
	MinConfidence                float64  `yaml:"min_confidence"`
	SymbolAllowlist              []string `yaml:"symbol_allowlist"`
	MaxOrdersPerMinute           int      `yaml:"max_orders_per_minute"`
	MaxOpenOrders                int      `yaml:"max_open_orders"`
}

// LockConfig contains lock lease settings
type LockConfig struct {
	DefaultTTLMs int `yaml:"default_ttl_ms"`
}

// DedupConfig contains dedup retention settings
type DedupConfig struct {
	RetentionHours int `yaml:"retention_hours"`
}

// OCOConfig contains OCO manager settings
type OCOConfig struct {
	CancelRetryBudget int `yaml:"cancel_retry_budget"`
}

// StoreConfig locates the state store
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig locates the audit sink
type AuditConfig struct {
	Path string `yaml:"path"`
}

// ReconcileConfig tunes the background reconciler
type ReconcileConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

// AlertConfig configures outbound operator alert channels. Empty values
// disable the channel; the audit trail records alerts either way.
type AlertConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}

	if c.Exchange.Venue != "paper" && c.Exchange.Venue != "mock" {
		errs = append(errs, ValidationError{
			Field:   "exchange.venue",
			Value:   c.Exchange.Venue,
			Message: "must be one of: paper, mock",
		}.Error())
	}

	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		errs = append(errs, ValidationError{
			Field:   "risk.min_confidence",
			Value:   c.Risk.MinConfidence,
			Message: "must be within [0,1]",
		}.Error())
	}
	if c.Risk.MinOrderNotional <= 0 {
		errs = append(errs, ValidationError{
			Field:   "risk.min_order_notional",
			Value:   c.Risk.MinOrderNotional,
			Message: "must be positive",
		}.Error())
	}
	if c.Risk.MaxOrderNotional > 0 && c.Risk.MaxOrderNotional < c.Risk.MinOrderNotional {
		errs = append(errs, ValidationError{
			Field:   "risk.max_order_notional",
			Value:   c.Risk.MaxOrderNotional,
			Message: "must be >= risk.min_order_notional",
		}.Error())
	}
	if len(c.Risk.SymbolAllowlist) == 0 {
		errs = append(errs, ValidationError{
			Field:   "risk.symbol_allowlist",
			Message: "at least one symbol must be allowed",
		}.Error())
	}

	if c.Exec.Retry.MaxAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "exec.retry.max_attempts",
			Value:   c.Exec.Retry.MaxAttempts,
			Message: "must be >= 1",
		}.Error())
	}
	if c.Exec.DefaultTargetNotional <= 0 {
		errs = append(errs, ValidationError{
			Field:   "exec.default_target_notional",
			Value:   c.Exec.DefaultTargetNotional,
			Message: "must be positive",
		}.Error())
	}

	// The lock TTL must outlive the longest exchange deadline, otherwise a
	// slow call can outlive its own mutual exclusion.
	if c.Lock.DefaultTTLMs <= c.Exec.RequestDeadlineMs {
		errs = append(errs, ValidationError{
			Field:   "lock.default_ttl_ms",
			Value:   c.Lock.DefaultTTLMs,
			Message: "must exceed exec.request_deadline_ms",
		}.Error())
	}

	if c.Dedup.RetentionHours < 24 {
		errs = append(errs, ValidationError{
			Field:   "dedup.retention_hours",
			Value:   c.Dedup.RetentionHours,
			Message: "must be at least 24",
		}.Error())
	}

	if c.OCO.CancelRetryBudget < 1 {
		errs = append(errs, ValidationError{
			Field:   "oco.cancel_retry_budget",
			Value:   c.OCO.CancelRetryBudget,
			Message: "must be >= 1",
		}.Error())
	}

	if c.Store.Path == "" {
		errs = append(errs, ValidationError{Field: "store.path", Message: "state store path is required"}.Error())
	}
	if c.Audit.Path == "" {
		errs = append(errs, ValidationError{Field: "audit.path", Message: "audit sink path is required"}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// Durations derived from millisecond knobs

func (c *Config) LockTTL() time.Duration         { return time.Duration(c.Lock.DefaultTTLMs) * time.Millisecond }
func (c *Config) RequestDeadline() time.Duration { return time.Duration(c.Exec.RequestDeadlineMs) * time.Millisecond }
func (c *Config) BaseBackoff() time.Duration     { return time.Duration(c.Exec.Retry.BaseBackoffMs) * time.Millisecond }
func (c *Config) DedupRetention() time.Duration  { return time.Duration(c.Dedup.RetentionHours) * time.Hour }
func (c *Config) ShutdownGrace() time.Duration   { return time.Duration(c.System.ShutdownGraceMs) * time.Millisecond }
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalMs) * time.Millisecond
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the documented defaults; LoadConfig overlays the
// YAML file on top of it.
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:        "INFO",
			ShutdownGraceMs: 10000,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			MetricsPort:   9104,
		},
		Ingress: IngressConfig{
			ReconnectDelayMs: 5000,
		},
		Exchange: ExchangeConfig{
			Venue:            "paper",
			RequestRateLimit: 20,
			QuantityStep:     0.00001,
		},
		Exec: ExecConfig{
			DefaultTargetNotional: 10.0,
			Retry: RetryConfig{
				MaxAttempts:   5,
				BaseBackoffMs: 250,
			},
			RequestDeadlineMs: 5000,
			WorkerPoolSize:    8,
			WorkerPoolBuffer:  256,
			EventPoolSize:     4,
			EventPoolBuffer:   1024,
		},
		Risk: RiskConfig{
			MaxPositionNotionalPerSymbol: 10000,
			MaxAggregateNotional:         50000,
			MinOrderNotional:             5.0,
			MaxOrderNotional:             1000,
			MinConfidence:                0.3,
			SymbolAllowlist:              []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"},
			MaxOrdersPerMinute:           30,
			MaxOpenOrders:                50,
		},
		Lock: LockConfig{
			DefaultTTLMs: 30000,
		},
		Dedup: DedupConfig{
			RetentionHours: 24,
		},
		OCO: OCOConfig{
			CancelRetryBudget: 10,
		},
		Store: StoreConfig{
			Path: "execd-state.db",
		},
		Audit: AuditConfig{
			Path: "execd-audit.db",
		},
		Reconcile: ReconcileConfig{
			IntervalMs: 60000,
		},
	}
}
