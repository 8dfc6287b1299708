package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "integraflow.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Integrations.Dir != filepath.Join(dir, "integrations") {
		t.Fatalf("unexpected integrations dir: %s", cfg.Integrations.Dir)
	}
	if cfg.Scheduler.Mode != "sequential" {
		t.Fatalf("unexpected mode: %s", cfg.Scheduler.Mode)
	}
	if cfg.Cache.Driver != "file" || cfg.Cache.DataTTLMinutes != 60 {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Telemetry.Driver != "sqlite" {
		t.Fatalf("unexpected telemetry driver: %s", cfg.Telemetry.Driver)
	}
	if cfg.Telemetry.Path != filepath.Join(dir, "data", "telemetry.db") {
		t.Fatalf("unexpected telemetry path: %s", cfg.Telemetry.Path)
	}
	if cfg.Ticketing.Driver != "none" {
		t.Fatalf("unexpected ticketing driver: %s", cfg.Ticketing.Driver)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "integraflow.json")
	content := `{
  "integrations": {"dir": "plugins"},
  "scheduler": {"mode": "concurrent", "workers": 4},
  "cache": {"driver": "memory", "data_ttl_minutes": 15},
  "telemetry": {"driver": "mysql", "dsn": "user:pass@tcp(localhost:3306)/telemetry"}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Integrations.Dir != filepath.Join(dir, "plugins") {
		t.Fatalf("relative dir not resolved: %s", cfg.Integrations.Dir)
	}
	if cfg.Scheduler.Mode != "concurrent" || cfg.Scheduler.Workers != 4 {
		t.Fatalf("unexpected scheduler config: %+v", cfg.Scheduler)
	}
	if cfg.Cache.DataTTLMinutes != 15 {
		t.Fatalf("ttl override lost: %d", cfg.Cache.DataTTLMinutes)
	}
	if cfg.Telemetry.Driver != "mysql" || cfg.Telemetry.DSN == "" {
		t.Fatalf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("missing file must fail")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("empty path must fail")
	}
}
