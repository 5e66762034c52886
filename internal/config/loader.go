package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [applyDefaults] when the file leaves fields empty.
const (
	DefaultMaxCallsPerMinute = 10
	DefaultMinCallInterval   = 2 * time.Second
	DefaultSQLitePath        = "daygrid.db"
)

// Load reads the YAML configuration file at path, applies environment
// variable overrides, fills defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = ProviderGeminiLive
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreSQLite
	}
	if cfg.Store.Backend == StoreSQLite && cfg.Store.Path == "" {
		cfg.Store.Path = DefaultSQLitePath
	}
	if cfg.Limits.MaxCallsPerMinute == 0 {
		cfg.Limits.MaxCallsPerMinute = DefaultMaxCallsPerMinute
	}
	if cfg.Limits.MinCallInterval == 0 {
		cfg.Limits.MinCallInterval = DefaultMinCallInterval
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Provider.Name.IsValid() {
		errs = append(errs, fmt.Errorf("provider.name %q is invalid; valid values: gemini-live, openai-realtime", cfg.Provider.Name))
	}
	if cfg.Provider.APIKey == "" {
		errs = append(errs, errors.New("provider.api_key is required (or set DAYGRID_PROVIDER_API_KEY)"))
	}
	if !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	}
	if cfg.Limits.MaxCallsPerMinute < 1 {
		errs = append(errs, fmt.Errorf("limits.max_calls_per_minute %d must be at least 1", cfg.Limits.MaxCallsPerMinute))
	}
	if cfg.Limits.MinCallInterval < 0 {
		errs = append(errs, fmt.Errorf("limits.min_call_interval %s must not be negative", cfg.Limits.MinCallInterval))
	}

	return errors.Join(errs...)
}
