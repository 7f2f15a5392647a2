// Package config loads docstore-server's startup options (spec §6): listen
// address, data directory, worker pool size, idle connection timeout, and an
// optional encryption-key file path that enables AEAD at rest. Grounded in
// the teacher's internal/config/config.go (Config struct-of-structs with a
// DefaultConfig constructor), but the teacher's options never left its own
// process — here they are also loadable from a YAML file (gopkg.in/yaml.v3,
// SPEC_FULL's config-tooling choice) and overridable by CLI flags bound with
// spf13/pflag, the way cmd/docstore-server wires cobra persistent flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized server option.
type Config struct {
	ListenAddr  string        `yaml:"listen_addr"`
	DataDir     string        `yaml:"data_dir"`
	WorkerPool  int           `yaml:"worker_pool_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// EncryptionKeyFile, if set, names a file holding a 32-byte symmetric
	// key; its presence enables AEAD envelopes on every log record.
	EncryptionKeyFile string `yaml:"encryption_key_file"`

	LogLevel string `yaml:"log_level"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the baseline configuration, overridden by a loaded file
// and then by explicit flags.
func Default() *Config {
	return &Config{
		ListenAddr:  "127.0.0.1:27017",
		DataDir:     "./data",
		WorkerPool:  0, // not read by the server, which serves each connection on its own goroutine
		IdleTimeout: 5 * time.Minute,
		LogLevel:    "info",
		MetricsAddr: "127.0.0.1:9090",
	}
}

// Load reads a YAML config file at path into cfg, leaving fields the file
// doesn't mention at their current (default) value. A missing path is not
// an error — the file is optional and flags/defaults still apply.
func Load(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// EncryptionKey reads and validates the 32-byte symmetric key named by
// EncryptionKeyFile. Returns nil, nil when no key file is configured,
// meaning encryption stays disabled.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.EncryptionKeyFile == "" {
		return nil, nil
	}
	key, err := os.ReadFile(c.EncryptionKeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: read encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: encryption key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Validate checks the fields that must hold before the server starts.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.WorkerPool < 0 {
		return fmt.Errorf("config: worker_pool_size must not be negative")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("config: idle_timeout must not be negative")
	}
	return nil
}
