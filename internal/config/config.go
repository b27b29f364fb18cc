// Package config assembles chronofs configuration: defaults, then an
// optional YAML file, then command-line flags on top. The file is never
// required; a bare `chronofs mount ARCHIVE MOUNTPOINT` works on
// defaults alone.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chronofs/chronofs/archive"
	"github.com/chronofs/chronofs/internal/logging"
)

// Config is everything a mount needs. Archive and Mountpoint usually
// come from positional arguments rather than the file.
type Config struct {
	// Archive is the archive location: a directory path or an
	// s3://bucket/prefix URL.
	Archive string `yaml:"archive"`

	// Mountpoint is the directory the filesystem is mounted on.
	Mountpoint string `yaml:"mountpoint"`

	// Keyring is the path to an age identities file for encrypted
	// archives. Empty means the archive is plaintext.
	Keyring string `yaml:"keyring"`

	// MetricsAddr serves Prometheus metrics on this address when set,
	// for example ":9090". Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// AttrTimeout is how long the kernel may cache attributes, as a
	// time.ParseDuration string. The archive never changes under a
	// live mount, so the default is a long "1h".
	AttrTimeout string `yaml:"attr_timeout"`

	Spool   SpoolConfig      `yaml:"spool"`
	S3      archive.S3Config `yaml:"s3"`
	Cache   CacheConfig      `yaml:"cache"`
	Logging logging.Config   `yaml:"logging"`
}

// SpoolConfig bounds the on-disk spool holding downloaded and decrypted
// volumes.
type SpoolConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// CacheConfig bounds the in-memory caches.
type CacheConfig struct {
	// Trees is how many folded snapshot trees stay in memory.
	Trees int `yaml:"trees"`

	// BlockBytes is the decoded block cache budget.
	BlockBytes int64 `yaml:"block_bytes"`

	// BlockSize is the read granularity of the block cache.
	BlockSize int `yaml:"block_size"`

	// MaxMaterialize caps files that can only be served by
	// reconstructing their whole content in memory.
	MaxMaterialize int64 `yaml:"max_materialize"`
}

// Default returns the configuration used when no file and no flags are
// given.
func Default() *Config {
	return &Config{
		AttrTimeout: "1h",
		Spool: SpoolConfig{
			Dir:      filepath.Join(os.TempDir(), "chronofs-spool"),
			MaxBytes: 1 << 30,
		},
		Cache: CacheConfig{
			Trees:          8,
			BlockBytes:     64 << 20,
			BlockSize:      256 << 10,
			MaxMaterialize: 256 << 20,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// AttrTTL parses AttrTimeout, falling back to an hour when unset.
// Validate rejects values neither empty nor parseable.
func (c *Config) AttrTTL() time.Duration {
	if c.AttrTimeout == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(c.AttrTimeout)
	if err != nil {
		return time.Hour
	}
	return d
}

// Validate checks the assembled configuration after flags are applied.
func (c *Config) Validate() error {
	var errs []error

	if c.Archive == "" {
		errs = append(errs, errors.New("archive location is required"))
	}
	if c.Mountpoint == "" {
		errs = append(errs, errors.New("mountpoint is required"))
	}
	if c.AttrTimeout != "" {
		if _, err := time.ParseDuration(c.AttrTimeout); err != nil {
			errs = append(errs, fmt.Errorf("attr_timeout: %w", err))
		}
	}
	if c.Cache.Trees < 0 {
		errs = append(errs, errors.New("cache.trees must not be negative"))
	}
	if c.Cache.BlockBytes < 0 || c.Cache.BlockSize < 0 || c.Cache.MaxMaterialize < 0 {
		errs = append(errs, errors.New("cache budgets must not be negative"))
	}
	if c.Spool.MaxBytes < 0 {
		errs = append(errs, errors.New("spool.max_bytes must not be negative"))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, not %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
