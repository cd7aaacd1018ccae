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
	App       AppConfig       `yaml:"app"`
	Redis     RedisConfig     `yaml:"redis"`
	SQL       SQLConfig       `yaml:"sql"`
	Queue     QueueConfig     `yaml:"queue"`
	Order     OrderConfig     `yaml:"order"`
	Broker    BrokerConfig    `yaml:"broker"`
	Paper     PaperConfig     `yaml:"paper"`
	DSW       DSWConfig       `yaml:"dsw"`
	Session   SessionConfig   `yaml:"session"`
	Feed      FeedConfig      `yaml:"feed"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	LogLevel      string `yaml:"log_level"`
	InstanceID    string `yaml:"instance_id"`
	EncryptionKey Secret `yaml:"encryption_key"` // 32 bytes, hex or raw, for credential storage
}

// RedisConfig contains hot-store connection settings
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    Secret `yaml:"password"`
	DB          int    `yaml:"db"`
	OpTimeoutMs int    `yaml:"op_timeout_ms"`
}

// SQLConfig contains the durable-store settings
type SQLConfig struct {
	Path        string `yaml:"path"`
	OpTimeoutMs int    `yaml:"op_timeout_ms"`
}

// QueueConfig contains dispatcher settings
type QueueConfig struct {
	Workers             int `yaml:"workers"`
	MaxSize             int `yaml:"max_size"`
	ClaimBlockMs        int `yaml:"claim_block_ms"`
	FairnessEvery       int `yaml:"fairness_every"`
	MaxAttempts         int `yaml:"max_attempts"`
	RebalanceIntervalMs int `yaml:"rebalance_interval_ms"`
	StaleThresholdMs    int `yaml:"stale_threshold_ms"`
}

// OrderConfig contains order-manager settings
type OrderConfig struct {
	MinIntervalMs int `yaml:"min_interval_ms"`
	LockTimeoutMs int `yaml:"lock_timeout_ms"`
}

// BrokerConfig contains broker-adapter settings
type BrokerConfig struct {
	BrokerType        string `yaml:"broker_type"` // "http" or "mock"
	BaseURL           string `yaml:"base_url"`
	SubmitTimeoutMs   int    `yaml:"submit_timeout_ms"`
	RetryMax          int    `yaml:"retry_max"`
	RetryBaseMs       int    `yaml:"retry_base_ms"`
	RetryCapMs        int    `yaml:"retry_cap_ms"`
	AuthFailLimit     int    `yaml:"auth_fail_limit"`
	ErrorRatePct      int    `yaml:"error_rate_pct"`
	ErrorRateWindowMs int    `yaml:"error_rate_window_ms"`
	EventBuffer       int    `yaml:"event_buffer"`
	RefreshAtPct      int    `yaml:"refresh_at_pct"`
}

// PaperConfig contains mock matching engine settings
type PaperConfig struct {
	MatchTimeoutMs int `yaml:"match_timeout_ms"`
	BufferSize     int `yaml:"buffer_size"`
}

// DSWConfig contains DB sync worker settings
type DSWConfig struct {
	BatchSize              int `yaml:"batch_size"`
	IntervalMinMs          int `yaml:"interval_min_ms"`
	IntervalMaxMs          int `yaml:"interval_max_ms"`
	HighWater              int `yaml:"high_water"`
	LowWater               int `yaml:"low_water"`
	CompressThresholdBytes int `yaml:"compress_threshold_bytes"`
	MaxSQLRetries          int `yaml:"max_sql_retries"`
}

// SessionConfig contains broker session lifecycle settings
type SessionConfig struct {
	InactiveTTLMs int `yaml:"inactive_ttl_ms"`
}

// FeedConfig contains the event feed server settings
type FeedConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// DefaultConfig returns a configuration with every knob at its default.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			LogLevel:   "INFO",
			InstanceID: "pipeline-1",
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			OpTimeoutMs: 5000,
		},
		SQL: SQLConfig{
			Path:        "pipeline.db",
			OpTimeoutMs: 30000,
		},
		Queue: QueueConfig{
			Workers:             4,
			MaxSize:             10000,
			ClaimBlockMs:        1000,
			FairnessEvery:       8,
			MaxAttempts:         3,
			RebalanceIntervalMs: 300000,
			StaleThresholdMs:    60000,
		},
		Order: OrderConfig{
			MinIntervalMs: 1000,
			LockTimeoutMs: 30000,
		},
		Broker: BrokerConfig{
			BrokerType:        "mock",
			SubmitTimeoutMs:   10000,
			RetryMax:          3,
			RetryBaseMs:       500,
			RetryCapMs:        10000,
			AuthFailLimit:     3,
			ErrorRatePct:      50,
			ErrorRateWindowMs: 60000,
			EventBuffer:       1024,
			RefreshAtPct:      80,
		},
		Paper: PaperConfig{
			MatchTimeoutMs: 60000,
			BufferSize:     256,
		},
		DSW: DSWConfig{
			BatchSize:              64,
			IntervalMinMs:          100,
			IntervalMaxMs:          5000,
			HighWater:              32,
			LowWater:               4,
			CompressThresholdBytes: 1024,
			MaxSQLRetries:          5,
		},
		Session: SessionConfig{
			InactiveTTLMs: 28800000,
		},
		Feed: FeedConfig{
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion. Missing knobs keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate runs every section check and reports all failures at once.
func (c *Config) Validate() error {
	checks := []func() error{
		c.validateAppConfig,
		c.validateRedisConfig,
		c.validateQueueConfig,
		c.validateOrderConfig,
		c.validateBrokerConfig,
		c.validatePaperConfig,
		c.validateDSWConfig,
	}

	var failures []string
	for _, check := range checks {
		if err := check(); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(failures, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.App.EncryptionKey.IsSet() && len(c.App.EncryptionKey.Reveal()) != 32 && len(c.App.EncryptionKey.Reveal()) != 64 {
		return ValidationError{
			Field:   "app.encryption_key",
			Message: "must be 32 raw bytes or 64 hex characters",
		}
	}
	return nil
}

func (c *Config) validateRedisConfig() error {
	if c.Redis.Addr == "" {
		return ValidationError{
			Field:   "redis.addr",
			Message: "redis address is required",
		}
	}
	return nil
}

func (c *Config) validateQueueConfig() error {
	if c.Queue.Workers <= 0 {
		return ValidationError{
			Field:   "queue.workers",
			Value:   c.Queue.Workers,
			Message: "worker count must be positive",
		}
	}
	if c.Queue.MaxSize <= 0 {
		return ValidationError{
			Field:   "queue.max_size",
			Value:   c.Queue.MaxSize,
			Message: "queue size must be positive",
		}
	}
	if c.Queue.FairnessEvery < 2 {
		return ValidationError{
			Field:   "queue.fairness_every",
			Value:   c.Queue.FairnessEvery,
			Message: "fairness tick must be at least 2",
		}
	}
	return nil
}

func (c *Config) validateOrderConfig() error {
	if c.Order.MinIntervalMs < 0 {
		return ValidationError{
			Field:   "order.min_interval_ms",
			Value:   c.Order.MinIntervalMs,
			Message: "interval cannot be negative",
		}
	}
	if c.Order.LockTimeoutMs <= 0 {
		return ValidationError{
			Field:   "order.lock_timeout_ms",
			Value:   c.Order.LockTimeoutMs,
			Message: "lock timeout must be positive",
		}
	}
	return nil
}

func (c *Config) validateBrokerConfig() error {
	validTypes := []string{"http", "mock"}
	if !contains(validTypes, c.Broker.BrokerType) {
		return ValidationError{
			Field:   "broker.broker_type",
			Value:   c.Broker.BrokerType,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validTypes, ", ")),
		}
	}
	if c.Broker.BrokerType == "http" && c.Broker.BaseURL == "" {
		return ValidationError{
			Field:   "broker.base_url",
			Message: "base URL is required for the http broker",
		}
	}
	if c.Broker.RetryMax < 1 {
		return ValidationError{
			Field:   "broker.retry_max",
			Value:   c.Broker.RetryMax,
			Message: "at least one attempt is required",
		}
	}
	if c.Broker.ErrorRatePct < 1 || c.Broker.ErrorRatePct > 100 {
		return ValidationError{
			Field:   "broker.error_rate_pct",
			Value:   c.Broker.ErrorRatePct,
			Message: "must be a percentage between 1 and 100",
		}
	}
	return nil
}

func (c *Config) validatePaperConfig() error {
	if c.Paper.BufferSize <= 0 {
		return ValidationError{
			Field:   "paper.buffer_size",
			Value:   c.Paper.BufferSize,
			Message: "tick buffer size must be positive",
		}
	}
	return nil
}

func (c *Config) validateDSWConfig() error {
	if c.DSW.BatchSize <= 0 {
		return ValidationError{
			Field:   "dsw.batch_size",
			Value:   c.DSW.BatchSize,
			Message: "batch size must be positive",
		}
	}
	if c.DSW.IntervalMinMs <= 0 || c.DSW.IntervalMaxMs < c.DSW.IntervalMinMs {
		return ValidationError{
			Field:   "dsw.interval_min_ms",
			Value:   c.DSW.IntervalMinMs,
			Message: "interval bounds must satisfy 0 < min <= max",
		}
	}
	if c.DSW.LowWater >= c.DSW.HighWater {
		return ValidationError{
			Field:   "dsw.low_water",
			Value:   c.DSW.LowWater,
			Message: "low water mark must be below high water mark",
		}
	}
	return nil
}

// Duration helpers. Call sites take time.Duration; the YAML surface
// stays in integer milliseconds.

func (c *RedisConfig) OpTimeout() time.Duration   { return time.Duration(c.OpTimeoutMs) * time.Millisecond }
func (c *SQLConfig) OpTimeout() time.Duration     { return time.Duration(c.OpTimeoutMs) * time.Millisecond }
func (c *QueueConfig) ClaimBlock() time.Duration  { return time.Duration(c.ClaimBlockMs) * time.Millisecond }
func (c *QueueConfig) RebalanceInterval() time.Duration {
	return time.Duration(c.RebalanceIntervalMs) * time.Millisecond
}
func (c *QueueConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMs) * time.Millisecond
}
func (c *OrderConfig) MinInterval() time.Duration { return time.Duration(c.MinIntervalMs) * time.Millisecond }
func (c *OrderConfig) LockTimeout() time.Duration { return time.Duration(c.LockTimeoutMs) * time.Millisecond }
func (c *BrokerConfig) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutMs) * time.Millisecond
}
func (c *BrokerConfig) RetryBase() time.Duration { return time.Duration(c.RetryBaseMs) * time.Millisecond }
func (c *BrokerConfig) RetryCap() time.Duration  { return time.Duration(c.RetryCapMs) * time.Millisecond }
func (c *BrokerConfig) ErrorRateWindow() time.Duration {
	return time.Duration(c.ErrorRateWindowMs) * time.Millisecond
}
func (c *PaperConfig) MatchTimeout() time.Duration {
	return time.Duration(c.MatchTimeoutMs) * time.Millisecond
}
func (c *DSWConfig) IntervalMin() time.Duration {
	return time.Duration(c.IntervalMinMs) * time.Millisecond
}
func (c *DSWConfig) IntervalMax() time.Duration {
	return time.Duration(c.IntervalMaxMs) * time.Millisecond
}
func (c *SessionConfig) InactiveTTL() time.Duration {
	return time.Duration(c.InactiveTTLMs) * time.Millisecond
}

// String returns a string representation of the configuration (secrets
// are redacted by their own marshalers)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
