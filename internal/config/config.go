// Package config holds all configuration types and loading logic for fifogate.
// Fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/fifogate/internal/access"
)

// Config is the root configuration for a fifogate server instance.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Access    AccessConfig    `yaml:"access"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile       string `yaml:"tls_cert_file"`
	TLSKeyFile        string `yaml:"tls_key_file"`
	MaxBodyKB         int    `yaml:"max_body_kb"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
	// PushWriteTimeoutMs bounds one WebSocket frame write. The write runs
	// while the delivery transaction holds the queue lock, so it must stay
	// well under store.op_timeout_ms.
	PushWriteTimeoutMs int `yaml:"push_write_timeout_ms"`
}

// PushWriteTimeout returns PushWriteTimeoutMs as a duration.
func (s ServerConfig) PushWriteTimeout() time.Duration {
	return time.Duration(s.PushWriteTimeoutMs) * time.Millisecond
}

// Driver names a store backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgres"
	DriverBolt     Driver = "bolt"
)

// StoreConfig selects and tunes the queue store.
type StoreConfig struct {
	Driver Driver `yaml:"driver"`
	// DSN, when set, is passed to the SQL driver untouched.
	DSN string `yaml:"dsn"`
	// Path is the database file for sqlite and bolt.
	Path string `yaml:"path"`

	// Host, User, Password and Name build a DSN for mysql and postgres.
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`

	PoolSize         int  `yaml:"pool_size"`
	AcquireTimeoutMs int  `yaml:"acquire_timeout_ms"`
	OpTimeoutMs      int  `yaml:"op_timeout_ms"`
	AutoMigrate      bool `yaml:"auto_migrate"`
}

// AcquireTimeout returns AcquireTimeoutMs as a duration.
func (s StoreConfig) AcquireTimeout() time.Duration {
	return time.Duration(s.AcquireTimeoutMs) * time.Millisecond
}

// OpTimeout returns OpTimeoutMs as a duration.
func (s StoreConfig) OpTimeout() time.Duration {
	return time.Duration(s.OpTimeoutMs) * time.Millisecond
}

// AccessConfig controls who may call Deliver.
type AccessConfig struct {
	// AllowedIPs lists IP addresses or CIDR prefixes. Empty denies everyone.
	AllowedIPs []string `yaml:"allowed_ips"`
	// TrustProxy makes the first X-Forwarded-For hop the caller address.
	// Enable only behind a reverse proxy that overwrites the header.
	TrustProxy bool `yaml:"trust_proxy"`
}

// BreakerConfig controls the circuit breaker in front of the store.
type BreakerConfig struct {
	// FailureThreshold is the consecutive fault count that opens the
	// circuit. Zero disables the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms"`
}

// RateLimitConfig sets per-client-IP request limits.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint. /metrics is always
// served on the main listener when enabled; Port adds a dedicated listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig controls the slog handler built in main.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			MaxBodyKB:          1024,
			ShutdownTimeoutMs:  5_000,
			PushWriteTimeoutMs: 250,
		},
		Store: StoreConfig{
			Driver:           DriverSQLite,
			Path:             "./data/fifogate.db",
			PoolSize:         32,
			AcquireTimeoutMs: 2_000,
			OpTimeoutMs:      5_000,
			AutoMigrate:      true,
		},
		Access: AccessConfig{
			AllowedIPs: []string{},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeoutMs:   10_000,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     100,
			Burst:   200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	FIFOGATE_HOST, FIFOGATE_PORT          server.host, server.port
//	FIFOGATE_STORE_DRIVER                 store.driver
//	FIFOGATE_STORE_DSN, FIFOGATE_STORE_PATH
//	FIFOGATE_LOG_LEVEL                    log.level
//	FIFOGATE_AUTH_API_KEY                 auth.api_key, enables auth
//	DB_HOST, DB_USER, DB_PASSWORD, DB_NAME store.host/user/password/name
//	ALLOWED_IPS                           access.allowed_ips (comma separated)
//	SSL_CERT_PATH, SSL_KEY_PATH           server.tls_cert_file, server.tls_key_file
//
// DB_HOST switches a still-default sqlite driver to mysql unless
// FIFOGATE_STORE_DRIVER says otherwise.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("FIFOGATE_HOST", &cfg.Server.Host)
	if v := os.Getenv("FIFOGATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	setString("SSL_CERT_PATH", &cfg.Server.TLSCertFile)
	setString("SSL_KEY_PATH", &cfg.Server.TLSKeyFile)

	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Store.Host = v
		if cfg.Store.Driver == DriverSQLite {
			cfg.Store.Driver = DriverMySQL
		}
	}
	setString("DB_USER", &cfg.Store.User)
	setString("DB_PASSWORD", &cfg.Store.Password)
	setString("DB_NAME", &cfg.Store.Name)
	if v := os.Getenv("FIFOGATE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = Driver(v)
	}
	setString("FIFOGATE_STORE_DSN", &cfg.Store.DSN)
	setString("FIFOGATE_STORE_PATH", &cfg.Store.Path)

	if v := os.Getenv("ALLOWED_IPS"); v != "" {
		cfg.Access.AllowedIPs = access.ParseList(v)
	}

	setString("FIFOGATE_LOG_LEVEL", &cfg.Log.Level)

	if v := os.Getenv("FIFOGATE_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Server.MaxBodyKB < 1 {
		return errors.New("server.max_body_kb must be at least 1")
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverBolt:
		if c.Store.Path == "" && c.Store.DSN == "" {
			return fmt.Errorf("store.path must not be empty for driver %q", c.Store.Driver)
		}
	case DriverMySQL, DriverPostgres:
		if c.Store.DSN == "" && (c.Store.Host == "" || c.Store.Name == "") {
			return fmt.Errorf("store.dsn or store.host and store.name are required for driver %q", c.Store.Driver)
		}
	default:
		return errors.New(`store.driver must be one of "sqlite", "mysql", "postgres", "bolt"`)
	}
	if c.Store.PoolSize < 1 {
		return errors.New("store.pool_size must be at least 1")
	}
	if c.Store.AcquireTimeoutMs < 1 || c.Store.OpTimeoutMs < 1 {
		return errors.New("store.acquire_timeout_ms and store.op_timeout_ms must be positive")
	}
	if c.Server.PushWriteTimeoutMs < 1 || c.Server.PushWriteTimeoutMs >= c.Store.OpTimeoutMs {
		return errors.New("server.push_write_timeout_ms must be positive and below store.op_timeout_ms")
	}

	if _, err := access.New(c.Access.AllowedIPs); err != nil {
		return fmt.Errorf("access.allowed_ips: %w", err)
	}

	if c.Breaker.FailureThreshold < 0 {
		return errors.New("breaker.failure_threshold must be >= 0")
	}
	if c.Breaker.FailureThreshold > 0 && c.Breaker.ResetTimeoutMs < 1 {
		return errors.New("breaker.reset_timeout_ms must be positive when the breaker is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1) {
		return errors.New("rate_limit.rps and rate_limit.burst must be positive when enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 0 and 65535")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}
