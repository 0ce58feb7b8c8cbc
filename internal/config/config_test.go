package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/snehjoshi/fifogate/internal/config"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"FIFOGATE_HOST", "FIFOGATE_PORT", "FIFOGATE_STORE_DRIVER",
		"FIFOGATE_STORE_DSN", "FIFOGATE_STORE_PATH", "FIFOGATE_LOG_LEVEL",
		"FIFOGATE_AUTH_API_KEY", "DB_HOST", "DB_USER", "DB_PASSWORD",
		"DB_NAME", "ALLOWED_IPS", "SSL_CERT_PATH", "SSL_KEY_PATH",
	} {
		t.Setenv(k, "")
	}
}

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != config.DriverSQLite {
		t.Errorf("expected default driver sqlite, got %s", cfg.Store.Driver)
	}
	if cfg.Store.PoolSize != 32 {
		t.Errorf("expected default pool_size 32, got %d", cfg.Store.PoolSize)
	}
	if len(cfg.Access.AllowedIPs) != 0 {
		t.Errorf("allow-list must be empty by default, got %v", cfg.Access.AllowedIPs)
	}
	if cfg.Access.TrustProxy {
		t.Error("trust_proxy must be off by default")
	}
	if !cfg.Store.AutoMigrate {
		t.Error("auto_migrate must be on by default")
	}
	if cfg.Server.PushWriteTimeout() >= cfg.Store.OpTimeout() {
		t.Errorf("push write timeout %v must be below op timeout %v",
			cfg.Server.PushWriteTimeout(), cfg.Store.OpTimeout())
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Server.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	clearEnv(t)
	yaml := `
server:
  port: 9999
  host: "127.0.0.1"
store:
  driver: postgres
  host: db.internal
  name: queue
  pool_size: 8
access:
  allowed_ips: ["10.0.0.1", "192.168.0.0/16"]
  trust_proxy: true
log:
  level: debug
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != config.DriverPostgres {
		t.Errorf("expected driver postgres, got %s", cfg.Store.Driver)
	}
	if cfg.Store.PoolSize != 8 {
		t.Errorf("expected pool_size 8, got %d", cfg.Store.PoolSize)
	}
	if len(cfg.Access.AllowedIPs) != 2 || !cfg.Access.TrustProxy {
		t.Errorf("unexpected access config %+v", cfg.Access)
	}
	// Unset fields keep their defaults.
	if cfg.Store.AcquireTimeoutMs != 2_000 {
		t.Errorf("expected default acquire_timeout_ms 2000 (unchanged), got %d", cfg.Store.AcquireTimeoutMs)
	}
	if lvl, err := cfg.Log.SlogLevel(); err != nil || lvl != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, %v; want debug", lvl, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid, got: %v", err)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	clearEnv(t)
	path := writeTempYAML(t, "server: [invalid: yaml: {{{}}")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_LegacyEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_HOST", "mysql.internal")
	t.Setenv("DB_USER", "gate")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("DB_NAME", "api")
	t.Setenv("ALLOWED_IPS", "10.0.0.1, 10.0.0.2")
	t.Setenv("SSL_CERT_PATH", "/etc/tls/cert.pem")
	t.Setenv("SSL_KEY_PATH", "/etc/tls/key.pem")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Store.Driver != config.DriverMySQL {
		t.Errorf("DB_HOST should select mysql, got %s", cfg.Store.Driver)
	}
	if cfg.Store.Host != "mysql.internal" || cfg.Store.User != "gate" ||
		cfg.Store.Password != "s3cret" || cfg.Store.Name != "api" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if got := cfg.Access.AllowedIPs; len(got) != 2 || got[1] != "10.0.0.2" {
		t.Errorf("unexpected allowed_ips %v", got)
	}
	if cfg.Server.TLSCertFile != "/etc/tls/cert.pem" || cfg.Server.TLSKeyFile != "/etc/tls/key.pem" {
		t.Errorf("unexpected tls files %q %q", cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("legacy env config should be valid, got: %v", err)
	}
}

func TestLoad_ExplicitDriverWinsOverDBHost(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_HOST", "pg.internal")
	t.Setenv("DB_NAME", "api")
	t.Setenv("FIFOGATE_STORE_DRIVER", "postgres")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Store.Driver != config.DriverPostgres {
		t.Errorf("expected postgres, got %s", cfg.Store.Driver)
	}
}

func TestLoad_EnvPortAndAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("FIFOGATE_PORT", "7070")
	t.Setenv("FIFOGATE_AUTH_API_KEY", "k")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "k" {
		t.Errorf("expected auth enabled with key, got %+v", cfg.Auth)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port zero", func(c *config.Config) { c.Server.Port = 0 }},
		{"port too large", func(c *config.Config) { c.Server.Port = 99999 }},
		{"half tls", func(c *config.Config) { c.Server.TLSCertFile = "cert.pem" }},
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "oracle" }},
		{"sqlite without path", func(c *config.Config) { c.Store.Path = "" }},
		{"mysql without host", func(c *config.Config) { c.Store.Driver = config.DriverMySQL }},
		{"pool size", func(c *config.Config) { c.Store.PoolSize = 0 }},
		{"acquire timeout", func(c *config.Config) { c.Store.AcquireTimeoutMs = 0 }},
		{"push write timeout zero", func(c *config.Config) { c.Server.PushWriteTimeoutMs = 0 }},
		{"push write timeout above op timeout", func(c *config.Config) { c.Server.PushWriteTimeoutMs = c.Store.OpTimeoutMs }},
		{"bad allow-list entry", func(c *config.Config) { c.Access.AllowedIPs = []string{"10.0.0.300"} }},
		{"breaker reset", func(c *config.Config) { c.Breaker.ResetTimeoutMs = 0 }},
		{"rate limit", func(c *config.Config) { c.RateLimit.RPS = 0 }},
		{"auth without key", func(c *config.Config) { c.Auth.Enabled = true }},
		{"log level", func(c *config.Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
