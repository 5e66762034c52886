// Package config provides the configuration schema and loader for the daygrid
// voice daemon. Configuration is read from a YAML file, then overridden by
// environment variables (useful for secrets like API keys that should not
// live in the file).
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProviderName selects the transport peer implementation.
type ProviderName string

const (
	ProviderGeminiLive     ProviderName = "gemini-live"
	ProviderOpenAIRealtime ProviderName = "openai-realtime"
)

// IsValid reports whether p is a recognised provider name.
func (p ProviderName) IsValid() bool {
	return p == ProviderGeminiLive || p == ProviderOpenAIRealtime
}

// StoreBackend selects the item store implementation.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreSQLite   StoreBackend = "sqlite"
	StorePostgres StoreBackend = "postgres"
)

// IsValid reports whether b is a recognised store backend.
func (b StoreBackend) IsValid() bool {
	switch b {
	case StoreMemory, StoreSQLite, StorePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure for the daygrid voice daemon.
// It is typically loaded from a YAML file using [Load].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Store    StoreConfig    `yaml:"store"`
	Session  SessionConfig  `yaml:"session"`
	Limits   LimitsConfig   `yaml:"limits"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving the Prometheus /metrics
	// endpoint. Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ProviderConfig selects and authenticates the transport peer.
type ProviderConfig struct {
	// Name selects the peer implementation: gemini-live or openai-realtime.
	Name ProviderName `yaml:"name"`

	// APIKey authenticates against the provider. Usually supplied via the
	// DAYGRID_PROVIDER_API_KEY environment variable rather than the file.
	APIKey string `yaml:"api_key" env:"DAYGRID_PROVIDER_API_KEY"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default endpoint. Primarily for tests.
	BaseURL string `yaml:"base_url"`
}

// StoreConfig selects the item store backend.
type StoreConfig struct {
	// Backend is one of memory, sqlite, postgres. Default: sqlite.
	Backend StoreBackend `yaml:"backend"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn" env:"DAYGRID_POSTGRES_DSN"`
}

// SessionConfig holds per-session conversation settings.
type SessionConfig struct {
	// Voice selects the assistant voice offered by the provider.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt establishing the assistant's role.
	Instructions string `yaml:"instructions"`
}

// LimitsConfig exposes the function-call rate limiter tunables.
type LimitsConfig struct {
	// MaxCallsPerMinute caps admitted calls per sliding 60-second window.
	// Default: 10.
	MaxCallsPerMinute int `yaml:"max_calls_per_minute" env:"DAYGRID_MAX_CALLS_PER_MINUTE"`

	// MinCallInterval is the spacing under which refused calls are reported
	// as rapid-fire on the dropped-call metric. Default: 2s.
	MinCallInterval time.Duration `yaml:"min_call_interval" env:"DAYGRID_MIN_CALL_INTERVAL"`
}
