package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Cache.Trees != 8 {
		t.Errorf("cache.trees = %d, want 8", cfg.Cache.Trees)
	}
	if cfg.Cache.BlockBytes != 64<<20 {
		t.Errorf("cache.block_bytes = %d, want 64 MiB", cfg.Cache.BlockBytes)
	}
	if cfg.Spool.MaxBytes != 1<<30 {
		t.Errorf("spool.max_bytes = %d, want 1 GiB", cfg.Spool.MaxBytes)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
	if got := cfg.AttrTTL(); got != time.Hour {
		t.Errorf("AttrTTL() = %v, want 1h", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronofs.yaml")
	content := `
keyring: /etc/chronofs/keys.age
attr_timeout: 30m
s3:
  endpoint: http://localhost:9000
  region: us-east-1
  use_path_style: true
cache:
  trees: 4
logging:
  level: warn
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Keyring != "/etc/chronofs/keys.age" {
		t.Errorf("keyring = %q", cfg.Keyring)
	}
	if got := cfg.AttrTTL(); got != 30*time.Minute {
		t.Errorf("AttrTTL() = %v, want 30m", got)
	}
	if cfg.S3.Endpoint != "http://localhost:9000" || !cfg.S3.UsePathStyle {
		t.Errorf("s3 = %+v", cfg.S3)
	}
	if cfg.Cache.Trees != 4 {
		t.Errorf("cache.trees = %d, want 4", cfg.Cache.Trees)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("logging.level = %q, want warn", cfg.Logging.Level)
	}

	// Fields the file does not mention keep their defaults.
	if cfg.Cache.BlockBytes != 64<<20 {
		t.Errorf("cache.block_bytes = %d, want default", cfg.Cache.BlockBytes)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("logging.format = %q, want default", cfg.Logging.Format)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"complete", func(c *Config) {}, true},
		{"missing archive", func(c *Config) { c.Archive = "" }, false},
		{"missing mountpoint", func(c *Config) { c.Mountpoint = "" }, false},
		{"bad attr timeout", func(c *Config) { c.AttrTimeout = "soon" }, false},
		{"empty attr timeout ok", func(c *Config) { c.AttrTimeout = "" }, true},
		{"negative tree cache", func(c *Config) { c.Cache.Trees = -1 }, false},
		{"negative block budget", func(c *Config) { c.Cache.BlockBytes = -1 }, false},
		{"negative spool", func(c *Config) { c.Spool.MaxBytes = -1 }, false},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, false},
		{"json log format ok", func(c *Config) { c.Logging.Format = "json" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Archive = "/backups"
			cfg.Mountpoint = "/mnt/backups"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
