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
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("MAX_SUPPLY", "1000000")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port, got %s", cfg.Server.Port)
	}
	if cfg.Clicks.MaxPerSecond != 20 || cfg.Clicks.PeriodSeconds != 5 {
		t.Errorf("unexpected click defaults: %+v", cfg.Clicks)
	}
	if cfg.Reconcile.BatchSize != 100 {
		t.Errorf("expected batch size 100, got %d", cfg.Reconcile.BatchSize)
	}
	if cfg.HotTTL() != time.Hour {
		t.Errorf("expected hot ttl 1h, got %s", cfg.HotTTL())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
supply:
  max_supply: "5000"
reconcile:
  batch_size: 25
schedule:
  reconcile_cron: "*/2 * * * * *"
`)
	t.Setenv("RECONCILE_BATCH_SIZE", "50")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("expected port from file, got %s", cfg.Server.Port)
	}
	if cfg.Reconcile.BatchSize != 50 {
		t.Errorf("expected env override 50, got %d", cfg.Reconcile.BatchSize)
	}
	if cfg.Schedule.ReconcileCron != "*/2 * * * * *" {
		t.Errorf("unexpected reconcile cron %q", cfg.Schedule.ReconcileCron)
	}
	max, err := cfg.MaxSupply()
	if err != nil || max.String() != "5000" {
		t.Errorf("unexpected max supply %s (%v)", max, err)
	}
}

func TestLoad_BadEnvInt(t *testing.T) {
	t.Setenv("LOTTERY_WORKERS", "many")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for non-numeric LOTTERY_WORKERS")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing max supply", func(c *Config) { c.Supply.MaxSupply = "" }},
		{"zero max supply", func(c *Config) { c.Supply.MaxSupply = "0" }},
		{"garbage max supply", func(c *Config) { c.Supply.MaxSupply = "lots" }},
		{"negative clicks", func(c *Config) { c.Clicks.MaxPerSecond = -1 }},
		{"negative batch", func(c *Config) { c.Reconcile.BatchSize = -5 }},
		{"negative workers", func(c *Config) { c.Lottery.Workers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MAX_SUPPLY", "100")
			cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
