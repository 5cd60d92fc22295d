// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	Chat       ChatConfig      `yaml:"chat"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Cache      CacheConfig     `yaml:"cache"`
	Safety     SafetyConfig    `yaml:"safety"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Providers  []ProviderEntry `yaml:"providers"`
	Users      []UserEntry     `yaml:"users"`
}

// ChatConfig holds the conversation-core specific knobs.
type ChatConfig struct {
	SessionTTLDays                   int     `yaml:"session_ttl_days"`
	MaxContextTokens                 int     `yaml:"max_context_tokens"`
	SummarisationThreshold           float64 `yaml:"summarisation_threshold"`
	SummarisationRecentWindowMinutes int     `yaml:"summarisation_recent_window_minutes"`
	DefaultProvider                  string  `yaml:"default_provider"`
	// DailyRequestLimit and DailyTokenLimit bound every user's rolling daily
	// usage uniformly; 0 means unlimited. Per-plan tiers are a matter for a
	// future admission policy, not this field.
	DailyRequestLimit int   `yaml:"daily_request_limit"`
	DailyTokenLimit   int64 `yaml:"daily_token_limit"`
}

// SafetyConfig controls the safety gate.
type SafetyConfig struct {
	InboundConfidenceThreshold float64 `yaml:"inbound_confidence_threshold"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds sliding-window rate limiting settings.
type RateLimitConfig struct {
	WindowMs        int64 `yaml:"window_ms"`
	MaxRequests     int64 `yaml:"max_requests"`
	ChatMaxRequests int64 `yaml:"chat_max_requests"`
	DefaultTPM      int64 `yaml:"default_tpm"`
}

// CacheConfig holds context-summary cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// ProviderEntry is an LLM provider definition in the config file.
type ProviderEntry struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"` // "openai", "anthropic", "gemini", "ollama", "mock"
	BaseURL   string   `yaml:"base_url"`
	APIKey    string   `yaml:"api_key"`
	Models    []string `yaml:"models"`
	Priority  int      `yaml:"priority"`
	Enabled   *bool    `yaml:"enabled"`
	TimeoutMs int      `yaml:"timeout_ms"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedType returns Type if set, otherwise falls back to Name for backward compatibility.
func (p ProviderEntry) ResolvedType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// UserEntry seeds a known user (and its plan/role) on first run.
type UserEntry struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`
	Plan string `yaml:"plan"` // "free" or "paid"
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "chatcore.db",
		},
		Chat: ChatConfig{
			SessionTTLDays:                   30,
			MaxContextTokens:                 8000,
			SummarisationThreshold:           0.75,
			SummarisationRecentWindowMinutes: 10,
			DefaultProvider:                  "mock",
			DailyRequestLimit:                1000,
			DailyTokenLimit:                  2_000_000,
		},
		RateLimits: RateLimitConfig{
			WindowMs:        60_000,
			MaxRequests:     100,
			ChatMaxRequests: 20,
			DefaultTPM:      100_000,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
		Safety: SafetyConfig{
			InboundConfidenceThreshold: 0.95,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
