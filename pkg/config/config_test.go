package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XOR_PROFILE", ProfileDevelopment)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.WorkerCount != 8 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.ReconcileInterval != 10*time.Second {
		t.Fatalf("reconcile interval = %v", cfg.ReconcileInterval)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTCUSDT" {
		t.Fatalf("symbols = %v", cfg.Symbols)
	}
	if cfg.Risk.MaxPositionSizePercent != 5 {
		t.Fatalf("risk defaults = %+v", cfg.Risk)
	}
}

func TestProductionRequiresEncryptionKey(t *testing.T) {
	t.Setenv("XOR_PROFILE", ProfileProduction)
	t.Setenv("ENCRYPTION_KEY", "too-short")
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("short encryption key accepted in production")
	}

	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	if _, err := Load(); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
}

func TestUnknownProfileRejected(t *testing.T) {
	t.Setenv("XOR_PROFILE", "qa")
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("unknown profile accepted")
	}
}

func TestYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.development.yaml")
	overlay := `
port: "9090"
symbols: [SOLUSDT]
risk:
  max_leverage: 3
`
	if err := os.WriteFile(path, []byte(overlay), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	t.Setenv("XOR_PROFILE", ProfileDevelopment)
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("overlay port = %s", cfg.Port)
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0] != "SOLUSDT" {
		t.Fatalf("overlay symbols = %v", cfg.Symbols)
	}
	if cfg.Risk.MaxLeverage != 3 {
		t.Fatalf("overlay leverage = %d", cfg.Risk.MaxLeverage)
	}
}

func TestEnvDurationParsing(t *testing.T) {
	t.Setenv("XOR_PROFILE", ProfileDevelopment)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("RECONCILE_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Fatalf("interval = %v", cfg.ReconcileInterval)
	}
}
