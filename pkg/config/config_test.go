package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "estimator.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8090" || cfg.Database.Driver != DriverPostgres {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	ttl, _ := cfg.ApprovalTTL()
	if ttl != 24*time.Hour {
		t.Fatalf("expected 24h ttl, got %s", ttl)
	}
}

func TestFileOverridesDefaultsKeepsUnset(t *testing.T) {
	p := writeFile(t, `
database:
  driver: sqlite
  url: /tmp/approvals.db
refdata:
  task_library: ./lib.json
log:
  level: debug
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.URL != "/tmp/approvals.db" {
		t.Fatalf("database not applied: %+v", cfg.Database)
	}
	if cfg.Database.MaxConns != 10 {
		t.Fatalf("expected default max_conns, got %d", cfg.Database.MaxConns)
	}
	if cfg.Refdata.TaskLibrary != "./lib.json" || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	p := writeFile(t, "server:\n  port: \"9000\"\n")
	t.Setenv("SERVICE_PORT", "9100")
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("ESTIMATOR_APPROVAL_TTL", "2h")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Fatalf("expected env port, got %s", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://x" {
		t.Fatalf("expected DATABASE_URL, got %s", cfg.Database.URL)
	}
	ttl, _ := cfg.ApprovalTTL()
	if ttl != 2*time.Hour {
		t.Fatalf("expected 2h, got %s", ttl)
	}

	t.Setenv("ESTIMATOR_PORT", "9200")
	cfg, err = Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9200" {
		t.Fatalf("ESTIMATOR_PORT should win over SERVICE_PORT, got %s", cfg.Server.Port)
	}
}

func TestInvalid(t *testing.T) {
	cases := map[string]string{
		"driver":  "database:\n  driver: mysql\n",
		"ttl":     "approval:\n  ttl: soon\n",
		"timeout": "handshake:\n  timeout: -1s\n",
		"level":   "log:\n  level: loud\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestBadYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "server: [")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}
