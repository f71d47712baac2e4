package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overmind.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("OM_TEST_DSN", "postgres://env-value/db")

	path := writeConfig(t, `{
		"server": {"port": 3210},
		"database": {"postgres": {"dsn": "${OM_TEST_DSN}"}, "redis": {"url": "${OM_TEST_REDIS:redis://localhost:6379}"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Postgres.DSN != "postgres://env-value/db" {
		t.Errorf("dsn not substituted: %q", cfg.Database.Postgres.DSN)
	}
	// OM_TEST_REDIS is unset, so the default applies.
	if cfg.Database.Redis.URL != "redis://localhost:6379" {
		t.Errorf("redis default not applied: %q", cfg.Database.Redis.URL)
	}
	if cfg.Server.Port != 3210 {
		t.Errorf("port = %d, want 3210", cfg.Server.Port)
	}
}

func TestLoadEmployees(t *testing.T) {
	path := writeConfig(t, `{
		"employees": [
			{"name": "Frontend", "cli": "claude", "model": "sonnet", "role": "frontend"},
			{"name": "Backend", "cli": "codex", "role": "backend"}
		]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Employees) != 2 {
		t.Fatalf("expected 2 employees, got %d", len(cfg.Employees))
	}
	if cfg.Employees[0].Name != "Frontend" || cfg.Employees[0].CLI != "claude" {
		t.Errorf("unexpected first employee: %+v", cfg.Employees[0])
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
