// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Verifier   VerifierConfig   `yaml:"verifier"`
	Payment    PaymentConfig    `yaml:"payment"`
	Metering   MeteringConfig   `yaml:"metering"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UpstreamConfig configures the protected origin.
type UpstreamConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// VerifierConfig configures payment token verification.
type VerifierConfig struct {
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	SSI        string        `yaml:"ssi"`
	JWKSURL    string        `yaml:"jwks_url"`
	JWKSTTL    time.Duration `yaml:"jwks_ttl"`
	Algorithms []string      `yaml:"algorithms"`
}

// PaymentConfig configures the charge provider.
// Use "skyfire" for the real API or "none" for a logging no-op.
type PaymentConfig struct {
	Provider string        `yaml:"provider"` // "skyfire" or "none"
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// MeteringConfig configures session accounting. These values are
// hot-reloadable when the config file changes on disk.
type MeteringConfig struct {
	BatchThreshold      float64       `yaml:"batch_threshold"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	SnapshotRetention   time.Duration `yaml:"snapshot_retention"`
	MaxRequestsOverride int64         `yaml:"max_requests_override"`
}

// ReconcilerConfig configures expiry settlement.
type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// StoreConfig configures the session store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	DSN    string `yaml:"dsn"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// This is useful for Docker deployments where no config file is needed.
//
// Environment variables:
//
//	TOLLGATE_UPSTREAM_URL        - Protected origin URL (required)
//	TOLLGATE_VERIFIER_ISSUER     - Token issuer (required)
//	TOLLGATE_VERIFIER_SSI       - Service identity expected in tokens (required)
//	TOLLGATE_PAYMENT_BASE_URL    - Payment API base URL
//	TOLLGATE_PAYMENT_API_KEY     - Payment API key
//	TOLLGATE_STORE_DRIVER        - Session store: memory or sqlite (default: memory)
//	TOLLGATE_STORE_DSN           - SQLite path (default: tollgate.db)
//	TOLLGATE_SERVER_HOST         - Server host (default: 0.0.0.0)
//	TOLLGATE_SERVER_PORT         - Server port (default: 8080)
//	TOLLGATE_LOG_LEVEL           - Log level: debug, info, warn, error (default: info)
//	TOLLGATE_LOG_FORMAT          - Log format: json or console (default: json)
//	TOLLGATE_METRICS_ENABLED     - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
// This is the recommended method for Docker deployments.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	if os.Getenv("TOLLGATE_UPSTREAM_URL") != "" {
		return LoadFromEnv()
	}

	return nil, fmt.Errorf("no configuration found: provide config file or set TOLLGATE_UPSTREAM_URL")
}

// HasEnvConfig returns true if essential environment variables are set.
func HasEnvConfig() bool {
	return os.Getenv("TOLLGATE_UPSTREAM_URL") != ""
}

// applyEnvOverrides applies TOLLGATE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("TOLLGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TOLLGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TOLLGATE_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("TOLLGATE_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Upstream configuration
	if v := os.Getenv("TOLLGATE_UPSTREAM_URL"); v != "" {
		cfg.Upstream.URL = v
	}
	if v := os.Getenv("TOLLGATE_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.Timeout = d
		}
	}

	// Verifier configuration
	if v := os.Getenv("TOLLGATE_VERIFIER_ISSUER"); v != "" {
		cfg.Verifier.Issuer = v
	}
	if v := os.Getenv("TOLLGATE_VERIFIER_AUDIENCE"); v != "" {
		cfg.Verifier.Audience = v
	}
	if v := os.Getenv("TOLLGATE_VERIFIER_SSI"); v != "" {
		cfg.Verifier.SSI = v
	}
	if v := os.Getenv("TOLLGATE_VERIFIER_JWKS_URL"); v != "" {
		cfg.Verifier.JWKSURL = v
	}

	// Payment configuration
	if v := os.Getenv("TOLLGATE_PAYMENT_PROVIDER"); v != "" {
		cfg.Payment.Provider = v
	}
	if v := os.Getenv("TOLLGATE_PAYMENT_BASE_URL"); v != "" {
		cfg.Payment.BaseURL = v
	}
	if v := os.Getenv("TOLLGATE_PAYMENT_API_KEY"); v != "" {
		cfg.Payment.APIKey = v
	}

	// Metering configuration
	if v := os.Getenv("TOLLGATE_METERING_BATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Metering.BatchThreshold = f
		}
	}
	if v := os.Getenv("TOLLGATE_METERING_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Metering.SessionTTL = d
		}
	}
	if v := os.Getenv("TOLLGATE_RECONCILER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reconciler.Interval = d
		}
	}

	// Store configuration
	if v := os.Getenv("TOLLGATE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("TOLLGATE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}

	// Logging configuration
	if v := os.Getenv("TOLLGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TOLLGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("TOLLGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("TOLLGATE_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Verifier.JWKSURL == "" && cfg.Verifier.Issuer != "" {
		cfg.Verifier.JWKSURL = strings.TrimRight(cfg.Verifier.Issuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Verifier.JWKSTTL == 0 {
		cfg.Verifier.JWKSTTL = 15 * time.Minute
	}
	if len(cfg.Verifier.Algorithms) == 0 {
		cfg.Verifier.Algorithms = []string{"RS256", "ES256"}
	}

	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = "skyfire"
	}
	if cfg.Payment.Timeout == 0 {
		cfg.Payment.Timeout = 10 * time.Second
	}

	if cfg.Metering.BatchThreshold == 0 {
		cfg.Metering.BatchThreshold = 0.1
	}
	if cfg.Metering.SessionTTL == 0 {
		cfg.Metering.SessionTTL = 5 * time.Minute
	}
	if cfg.Metering.SnapshotRetention == 0 {
		cfg.Metering.SnapshotRetention = time.Hour
	}

	if cfg.Reconciler.Interval == 0 {
		cfg.Reconciler.Interval = 30 * time.Second
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "tollgate.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}

	if cfg.Verifier.Issuer == "" {
		return fmt.Errorf("verifier.issuer is required")
	}
	if cfg.Verifier.SSI == "" {
		return fmt.Errorf("verifier.ssi is required")
	}

	validProviders := map[string]bool{"skyfire": true, "none": true}
	if !validProviders[cfg.Payment.Provider] {
		return fmt.Errorf("payment.provider must be 'skyfire' or 'none', got %q", cfg.Payment.Provider)
	}
	if cfg.Payment.Provider == "skyfire" {
		if cfg.Payment.BaseURL == "" {
			return fmt.Errorf("payment.base_url is required when payment.provider is 'skyfire'")
		}
		if cfg.Payment.APIKey == "" {
			return fmt.Errorf("payment.api_key is required when payment.provider is 'skyfire'")
		}
	}

	if cfg.Metering.BatchThreshold < 0 {
		return fmt.Errorf("metering.batch_threshold must not be negative")
	}
	if cfg.Metering.MaxRequestsOverride < 0 {
		return fmt.Errorf("metering.max_requests_override must not be negative")
	}

	validDrivers := map[string]bool{"memory": true, "sqlite": true}
	if !validDrivers[cfg.Store.Driver] {
		return fmt.Errorf("store.driver must be 'memory' or 'sqlite', got %q", cfg.Store.Driver)
	}

	return nil
}
