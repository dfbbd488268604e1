// Package config loads and layers the fabric's configuration:
// KV store overrides, then environment variables, then config.yaml,
// with an immutable snapshot taken at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	Token          string  `yaml:"token"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
	Enabled        bool    `yaml:"enabled"`
}

// ChannelsConfig groups every channel adapter's configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// SandboxConfig controls the skill sandbox's resource ceilings.
type SandboxConfig struct {
	NetworkEnabled       bool  `yaml:"network_enabled"`
	MemoryLimitPages     int64 `yaml:"memory_limit_pages"`
	InvokeTimeoutSeconds int   `yaml:"invoke_timeout_seconds"`
}

// MemoryConfig controls the orchestrator's context-assembly budget.
type MemoryConfig struct {
	ShortTermWindow int `yaml:"short_term_window"`
}

// OrchestratorConfig controls the bounded autonomous tool loop.
type OrchestratorConfig struct {
	MaxIterations         int     `yaml:"max_iterations"`
	QualityThreshold      float64 `yaml:"quality_threshold"`
	AutonomousMode        bool    `yaml:"autonomous_mode"`
	CloudFallbackEnabled  bool    `yaml:"cloud_fallback_enabled"`
	IterationTimeoutSecs  int     `yaml:"iteration_timeout_seconds"`
}

// RateLimitConfig controls per-user request throttling.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// MCPGatewayConfig controls the multi-tenant HTTP surface.
type MCPGatewayConfig struct {
	BindAddr                  string `yaml:"bind_addr"`
	ConfirmationTimeoutSecs   int    `yaml:"confirmation_timeout_seconds"`
	FeedbackDrainTimeoutSecs  int    `yaml:"feedback_drain_timeout_seconds"`
}

// RedisConfig points at the shared bus/KV backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CronConfig controls the scheduled-task scheduler's tick interval.
type CronConfig struct {
	IntervalSecs int `yaml:"interval_seconds"`
}

// Config is the fully resolved, immutable snapshot loaded at startup.
type Config struct {
	HomeDir      string             `yaml:"-"`
	LogLevel     string             `yaml:"log_level"`
	Redis        RedisConfig        `yaml:"redis"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Memory       MemoryConfig       `yaml:"memory"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	MCPGateway   MCPGatewayConfig   `yaml:"mcp_gateway"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Cron         CronConfig         `yaml:"cron"`
}

// TelemetryConfig controls the OpenTelemetry exporter.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns the configuration used when a field is left at its
// YAML zero value.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Orchestrator: OrchestratorConfig{
			MaxIterations:        10,
			QualityThreshold:     0.8,
			AutonomousMode:       true,
			CloudFallbackEnabled: false,
			IterationTimeoutSecs: 600,
		},
		Sandbox: SandboxConfig{
			MemoryLimitPages:     160,
			InvokeTimeoutSeconds: 30,
		},
		Memory: MemoryConfig{ShortTermWindow: 20},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 30,
			BurstSize:         10,
		},
		MCPGateway: MCPGatewayConfig{
			BindAddr:                 ":8090",
			ConfirmationTimeoutSecs:  120,
			FeedbackDrainTimeoutSecs: 30,
		},
		Cron: CronConfig{IntervalSecs: 60},
	}
}

// Load reads config.yaml under homeDir (if present), layers environment
// variable overrides on top, and returns the resolved snapshot. It never
// consults the KV layer; that override step happens explicitly in
// ApplyKVOverrides once the bus is available; config resolution happens
// before the bus is guaranteed reachable, so the on-disk/env layers must
// stand alone at startup.
func Load(homeDir string) (Config, error) {
	cfg := Defaults()
	cfg.HomeDir = homeDir

	path := homeDir + "/config.yaml"
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FABRIC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FABRIC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("FABRIC_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxIterations = n
		}
	}
	if v := os.Getenv("FABRIC_AUTONOMOUS_MODE"); v != "" {
		cfg.Orchestrator.AutonomousMode = strings.EqualFold(v, "true") || v == "1"
	}
}

// KVOverrides is the whitelisted subset of dotted keys that may be
// resolved from the shared KV store, taking precedence over both the
// file and environment layers. Populated by whatever reads the
// "config:<dotted.key>" namespace.
type KVOverrides map[string]string

// ApplyKVOverrides layers KV-sourced values on top of the loaded
// snapshot, per the KV → environment → file precedence order.
func ApplyKVOverrides(cfg *Config, kv KVOverrides) {
	if v, ok := kv["orchestrator.max_iterations"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxIterations = n
		}
	}
	if v, ok := kv["orchestrator.autonomous_mode"]; ok {
		cfg.Orchestrator.AutonomousMode = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := kv["orchestrator.cloud_fallback_enabled"]; ok {
		cfg.Orchestrator.CloudFallbackEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := kv["log_level"]; ok {
		cfg.LogLevel = v
	}
}
