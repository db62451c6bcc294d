package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  name: dialer-test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.App.Name != "dialer-test" {
		t.Fatalf("expected app name from file, got %q", cfg.App.Name)
	}
	if cfg.Scheduler.Cron != "*/5 * * * *" {
		t.Fatalf("unexpected cron default %q", cfg.Scheduler.Cron)
	}
	d := cfg.Queue.Defaults
	if d.Attempts != 3 || d.BackoffType != "exponential" || d.BackoffDelay != 2*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", d)
	}
	if d.RemoveOnComplete != 100 || d.RemoveOnFail != 500 {
		t.Fatalf("unexpected retention defaults: %+v", d)
	}
	if cfg.Provider.Name != "mock" {
		t.Fatalf("expected mock provider by default, got %q", cfg.Provider.Name)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "queue:\n  defaults:\n    attempts: 4\n")
	t.Setenv("OUTBOUND_PROVIDER_NAME", "rest")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Defaults.Attempts != 4 {
		t.Fatalf("expected attempts from file, got %d", cfg.Queue.Defaults.Attempts)
	}
	if cfg.Provider.Name != "rest" {
		t.Fatalf("expected env override, got %q", cfg.Provider.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
