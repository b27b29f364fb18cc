package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chronofs/chronofs/archive"
	"github.com/chronofs/chronofs/backup"
	"github.com/chronofs/chronofs/chronofs"
	"github.com/chronofs/chronofs/internal/config"
	"github.com/chronofs/chronofs/internal/logging"
	"github.com/chronofs/chronofs/internal/metrics"
	"github.com/chronofs/chronofs/version"
)

type mountFlags struct {
	configPath     string
	keyring        string
	metricsAddr    string
	attrTimeout    string
	logLevel       string
	logFormat      string
	treeCache      int
	blockCache     int64
	blockSize      int
	maxMaterialize int64
	spoolDir       string
	spoolBytes     int64
}

// NewMountCmd creates and returns the mount subcommand for the chronofs
// CLI. It mounts a backup archive read-only and serves in the
// foreground until interrupted or unmounted externally.
func NewMountCmd() *cobra.Command {
	var f mountFlags

	cmd := &cobra.Command{
		Use:   "mount ARCHIVE MOUNTPOINT",
		Short: "Mount a backup archive as a read-only filesystem",
		Long: `Mount a backup archive at the specified mountpoint.

ARCHIVE is the archive location: a directory of chronofs archive files
or an s3://bucket/prefix URL. MOUNTPOINT is created if it does not
exist.

The process serves in the foreground. Interrupt it (or fusermount -u
the mountpoint) to unmount; an unmount that fails because the
filesystem is busy leaves the mount serving.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadMountConfig(f, args)
			if err != nil {
				return err
			}
			return runMount(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVarP(&f.keyring, "keyring", "k", "", "Path to an age identities file for encrypted archives")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.StringVar(&f.attrTimeout, "attr-timeout", "", "How long the kernel may cache attributes")
	flags.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&f.logFormat, "log-format", "", "Log format: console or json")
	flags.IntVar(&f.treeCache, "tree-cache", 0, "Folded snapshot trees kept in memory")
	flags.Int64Var(&f.blockCache, "block-cache", 0, "Block cache budget in bytes")
	flags.IntVar(&f.blockSize, "block-size", 0, "Block cache granularity in bytes")
	flags.Int64Var(&f.maxMaterialize, "max-materialize", 0, "Largest file served by whole-content reconstruction, in bytes")
	flags.StringVar(&f.spoolDir, "spool-dir", "", "Directory for the volume spool")
	flags.Int64Var(&f.spoolBytes, "spool-bytes", 0, "Volume spool budget in bytes")

	return cmd
}

// loadMountConfig layers flag values over the optional config file.
// Zero-valued flags leave the file or default value in place.
func loadMountConfig(f mountFlags, args []string) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		cfg, err = config.LoadFile(f.configPath)
		if err != nil {
			return nil, err
		}
	}

	cfg.Archive = args[0]
	cfg.Mountpoint = args[1]

	if f.keyring != "" {
		cfg.Keyring = f.keyring
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.attrTimeout != "" {
		cfg.AttrTimeout = f.attrTimeout
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	if f.treeCache > 0 {
		cfg.Cache.Trees = f.treeCache
	}
	if f.blockCache > 0 {
		cfg.Cache.BlockBytes = f.blockCache
	}
	if f.blockSize > 0 {
		cfg.Cache.BlockSize = f.blockSize
	}
	if f.maxMaterialize > 0 {
		cfg.Cache.MaxMaterialize = f.maxMaterialize
	}
	if f.spoolDir != "" {
		cfg.Spool.Dir = f.spoolDir
	}
	if f.spoolBytes > 0 {
		cfg.Spool.MaxBytes = f.spoolBytes
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMount(ctx context.Context, cfg *config.Config) error {
	if err := logging.Init(cfg.Logging); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logging.Sync()
	logger := logging.L()

	logger.Info("chronofs starting",
		zap.String("version", version.GetVersion()),
		zap.String("session", uuid.NewString()),
		zap.String("archive", cfg.Archive),
		zap.String("mountpoint", cfg.Mountpoint))

	if !strings.HasPrefix(cfg.Archive, "s3://") {
		if _, err := os.Stat(cfg.Archive); err != nil {
			return fmt.Errorf("archive location: %w", err)
		}
		if pathsOverlap(cfg.Archive, cfg.Mountpoint) {
			return fmt.Errorf("mountpoint %s overlaps archive directory %s", cfg.Mountpoint, cfg.Archive)
		}
	}
	if err := os.MkdirAll(cfg.Mountpoint, 0o755); err != nil {
		return fmt.Errorf("mountpoint: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ix, err := backup.NewIndex(ctx, store, logger)
	if err != nil {
		return fmt.Errorf("indexing archive: %w", err)
	}
	bld := backup.NewBuilder(store, backup.BuilderOptions{
		TreeCache: cfg.Cache.Trees,
		Logger:    logger,
	})
	rec := backup.NewReconstructor(store, bld, backup.ReconstructorOptions{
		BlockSize:       cfg.Cache.BlockSize,
		BlockCacheBytes: cfg.Cache.BlockBytes,
		MaxMaterialize:  cfg.Cache.MaxMaterialize,
		Logger:          logger,
	})
	fsys := chronofs.New(chronofs.Options{
		Index:         ix,
		Builder:       bld,
		Reconstructor: rec,
		Logger:        logger,
		AttrTimeout:   cfg.AttrTTL(),
	})

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	session, err := chronofs.Mount(cfg.Mountpoint, fsys, logger)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigChan {
			logger.Info("signal received, unmounting")
			if err := session.Close(); err != nil {
				logger.Warn("unmount failed, still serving", zap.Error(err))
			}
		}
	}()

	return session.Wait()
}

// openStore assembles the keyring, spool, and backend for an archive
// location. mount and ls share it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (archive.Store, error) {
	opts := archive.StoreOptions{S3: cfg.S3, Logger: logger}

	if cfg.Keyring != "" {
		keys, err := archive.LoadKeyring(cfg.Keyring)
		if err != nil {
			return nil, fmt.Errorf("keyring: %w", err)
		}
		opts.Keyring = keys
	}

	// Only remote and encrypted archives need spool space; a plaintext
	// local archive is read in place.
	if opts.Keyring != nil || strings.HasPrefix(cfg.Archive, "s3://") {
		spool, err := archive.NewSpool(cfg.Spool.Dir, cfg.Spool.MaxBytes, logger)
		if err != nil {
			return nil, fmt.Errorf("spool: %w", err)
		}
		opts.Spool = spool
	}

	store, err := archive.NewStore(ctx, cfg.Archive, opts)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return store, nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics listener failed", zap.Error(err))
	}
}

// pathsOverlap reports whether one path contains the other. Mounting
// inside the archive directory would make the mount shadow or recurse
// into its own backing files.
func pathsOverlap(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)
	if a == b {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(a, b+sep) || strings.HasPrefix(b, a+sep)
}
