package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathsOverlap(t *testing.T) {
	tests := []struct {
		name     string
		path1    string
		path2    string
		expected bool
	}{
		{
			name:     "identical paths",
			path1:    "/srv/backups",
			path2:    "/srv/backups",
			expected: true,
		},
		{
			name:     "path1 contains path2",
			path1:    "/srv/backups/mnt",
			path2:    "/srv/backups",
			expected: true,
		},
		{
			name:     "path2 contains path1",
			path1:    "/srv/backups",
			path2:    "/srv/backups/mnt",
			expected: true,
		},
		{
			name:     "completely separate paths",
			path1:    "/srv/backups",
			path2:    "/mnt/backups",
			expected: false,
		},
		{
			name:     "sibling directories",
			path1:    "/srv/backups",
			path2:    "/srv/mnt",
			expected: false,
		},
		{
			name:     "sibling with common prefix",
			path1:    "/srv/backups",
			path2:    "/srv/backups2",
			expected: false,
		},
		{
			name:     "relative paths - overlapping",
			path1:    "backups",
			path2:    "backups/mnt",
			expected: true,
		},
		{
			name:     "relative paths - separate",
			path1:    "backups",
			path2:    "mnt",
			expected: false,
		},
		{
			name:     "unclean path",
			path1:    "/srv/backups/./mnt/..",
			path2:    "/srv/backups/mnt",
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := pathsOverlap(tt.path1, tt.path2)
			if result != tt.expected {
				t.Errorf("pathsOverlap(%q, %q) = %v, expected %v", tt.path1, tt.path2, result, tt.expected)
			}
		})
	}
}

func TestLoadMountConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "chronofs.yaml")
	content := `
keyring: /etc/chronofs/keys.age
cache:
  trees: 4
logging:
  level: warn
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	f := mountFlags{
		configPath: configPath,
		logLevel:   "debug",
		treeCache:  16,
	}
	cfg, err := loadMountConfig(f, []string{"/srv/backups", "/mnt/backups"})
	if err != nil {
		t.Fatalf("loadMountConfig: %v", err)
	}

	if cfg.Archive != "/srv/backups" || cfg.Mountpoint != "/mnt/backups" {
		t.Errorf("positional args not applied: %q %q", cfg.Archive, cfg.Mountpoint)
	}
	if cfg.Keyring != "/etc/chronofs/keys.age" {
		t.Errorf("keyring = %q, want the file's value", cfg.Keyring)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, flags should win over the file", cfg.Logging.Level)
	}
	if cfg.Cache.Trees != 16 {
		t.Errorf("cache.trees = %d, flags should win over the file", cfg.Cache.Trees)
	}
	if cfg.Cache.BlockBytes != 64<<20 {
		t.Errorf("cache.block_bytes = %d, want default", cfg.Cache.BlockBytes)
	}
}

func TestLoadMountConfig_Invalid(t *testing.T) {
	f := mountFlags{attrTimeout: "soon"}
	if _, err := loadMountConfig(f, []string{"/srv/backups", "/mnt/backups"}); err == nil {
		t.Fatal("expected a validation error for an unparseable attr timeout")
	}
}
