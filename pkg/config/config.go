// Package config loads estimator configuration.
// Precedence (highest first):
// 1. Environment variables (ESTIMATOR_*, plus DATABASE_URL and SERVICE_PORT)
// 2. YAML file
// 3. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Refdata   RefdataConfig   `yaml:"refdata" json:"refdata"`
	Approval  ApprovalConfig  `yaml:"approval" json:"approval"`
	Handshake HandshakeConfig `yaml:"handshake" json:"handshake"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

type ServerConfig struct {
	Port string `yaml:"port" json:"port"`
	// TenantHeader names the request header that scopes idempotency keys.
	TenantHeader string `yaml:"tenant_header" json:"tenant_header"`
}

type DatabaseConfig struct {
	// Driver is "postgres" (pgx pool) or "sqlite" (embedded approvals only).
	Driver   string `yaml:"driver" json:"driver"`
	URL      string `yaml:"url" json:"url"`
	MaxConns int    `yaml:"max_conns" json:"max_conns"`
}

// RefdataConfig overrides the embedded reference data. Empty paths keep the
// embedded copies.
type RefdataConfig struct {
	TaskLibrary    string `yaml:"task_library" json:"task_library"`
	FreezeRegistry string `yaml:"freeze_registry" json:"freeze_registry"`
	SchemasDir     string `yaml:"schemas_dir" json:"schemas_dir"`
}

type ApprovalConfig struct {
	TTL string `yaml:"ttl" json:"ttl"`
}

type HandshakeConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	Timeout string `yaml:"timeout" json:"timeout"`
}

type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8090",
			TenantHeader: "X-Tenant-ID",
		},
		Database: DatabaseConfig{
			Driver:   DriverPostgres,
			MaxConns: 10,
		},
		Approval:  ApprovalConfig{TTL: "24h"},
		Handshake: HandshakeConfig{BaseURL: "http://localhost:8090", Timeout: "10s"},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path (optional; empty skips the file) over the defaults and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setStr := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	setStr(&cfg.Server.Port, "ESTIMATOR_PORT", "SERVICE_PORT")
	setStr(&cfg.Server.TenantHeader, "ESTIMATOR_TENANT_HEADER")
	setStr(&cfg.Database.Driver, "ESTIMATOR_DB_DRIVER")
	setStr(&cfg.Database.URL, "ESTIMATOR_DATABASE_URL", "DATABASE_URL")
	setStr(&cfg.Refdata.TaskLibrary, "ESTIMATOR_TASK_LIBRARY")
	setStr(&cfg.Refdata.FreezeRegistry, "ESTIMATOR_FREEZE_REGISTRY")
	setStr(&cfg.Refdata.SchemasDir, "ESTIMATOR_SCHEMAS_DIR")
	setStr(&cfg.Approval.TTL, "ESTIMATOR_APPROVAL_TTL")
	setStr(&cfg.Handshake.BaseURL, "ESTIMATOR_HANDSHAKE_URL")
	setStr(&cfg.Handshake.Timeout, "ESTIMATOR_HANDSHAKE_TIMEOUT")
	setStr(&cfg.Log.Level, "ESTIMATOR_LOG_LEVEL")

	if v := strings.TrimSpace(os.Getenv("ESTIMATOR_DB_MAX_CONNS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ESTIMATOR_DB_MAX_CONNS: %w", err)
		}
		cfg.Database.MaxConns = n
	}
	if v := os.Getenv("ESTIMATOR_LOG_DEVELOPMENT"); v == "true" || v == "1" {
		cfg.Log.Development = true
	}
	return nil
}

var ErrInvalidConfig = errors.New("invalid config")

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("%w: database.driver must be %q or %q, got %q", ErrInvalidConfig, DriverPostgres, DriverSQLite, c.Database.Driver)
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("%w: database.max_conns must be positive", ErrInvalidConfig)
	}
	if _, err := c.ApprovalTTL(); err != nil {
		return err
	}
	if _, err := c.HandshakeTimeout(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}

func (c *Config) ApprovalTTL() (time.Duration, error) {
	return positiveDuration("approval.ttl", c.Approval.TTL)
}

func (c *Config) HandshakeTimeout() (time.Duration, error) {
	return positiveDuration("handshake.timeout", c.Handshake.Timeout)
}

func positiveDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, field)
	}
	return d, nil
}
