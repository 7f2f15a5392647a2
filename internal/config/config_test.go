package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docstore.yaml")
	yamlContent := "listen_addr: \"0.0.0.0:9999\"\nworker_pool_size: 8\nidle_timeout: 30s\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := Default()
	if err := Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9999" {
		t.Fatalf("expected overridden listen_addr, got %q", cfg.ListenAddr)
	}
	if cfg.WorkerPool != 8 {
		t.Fatalf("expected overridden worker_pool_size, got %d", cfg.WorkerPool)
	}
	if cfg.IdleTimeout != 30*time.Second {
		t.Fatalf("expected overridden idle_timeout, got %v", cfg.IdleTimeout)
	}
	if cfg.DataDir != "./data" {
		t.Fatalf("expected default data_dir to survive, got %q", cfg.DataDir)
	}
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	cfg := Default()
	if err := Load(filepath.Join(t.TempDir(), "missing.yaml"), cfg); err != nil {
		t.Fatalf("expected missing config file to be ignored, got %v", err)
	}
}

func TestValidateRejectsEmptyListenAddr(t *testing.T) {
	cfg := Default()
	cfg.ListenAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for empty listen_addr")
	}
}

func TestEncryptionKeyRequires32Bytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("too-short"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := Default()
	cfg.EncryptionKeyFile = path
	if _, err := cfg.EncryptionKey(); err == nil {
		t.Fatalf("expected error for short encryption key")
	}
}
