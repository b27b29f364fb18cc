package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chronofs/chronofs/archive"
	"github.com/chronofs/chronofs/backup"
	"github.com/chronofs/chronofs/internal/config"
)

// NewLsCmd creates and returns the ls subcommand for the chronofs CLI.
// It lists archive contents without mounting.
func NewLsCmd() *cobra.Command {
	var (
		configPath  string
		keyringPath string
		long        bool
	)

	cmd := &cobra.Command{
		Use:   "ls ARCHIVE [CHAIN[/SNAPSHOT[/PATH]]]",
		Short: "List chains, snapshots, or files in an archive",
		Long: `List the contents of a backup archive without mounting it.

With no reference, lists the archive's chains. With a chain label,
lists its snapshots. With CHAIN/SNAPSHOT, lists the snapshot's root
directory; a further path narrows to that directory.

Labels follow the mount's path scheme: RFC 3339 timestamps, dates
(2006-01-02), or latest.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				cfg, err = config.LoadFile(configPath)
				if err != nil {
					return err
				}
			}
			cfg.Archive = args[0]
			if keyringPath != "" {
				cfg.Keyring = keyringPath
			}
			ref := ""
			if len(args) > 1 {
				ref = args[1]
			}
			return runLs(cmd.Context(), cmd.OutOrStdout(), cfg, ref, long)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringVarP(&keyringPath, "keyring", "k", "", "Path to an age identities file for encrypted archives")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Show mode, size, and modification time")

	return cmd
}

func runLs(ctx context.Context, w io.Writer, cfg *config.Config, ref string, long bool) error {
	logger := zap.NewNop()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	ix, err := backup.NewIndex(ctx, store, logger)
	if err != nil {
		return fmt.Errorf("indexing archive: %w", err)
	}

	chainLabel, snapLabel, dir := splitRef(ref)
	switch {
	case chainLabel == "":
		lsChains(w, ix)
		return nil
	case snapLabel == "":
		return lsSnapshots(w, ix, chainLabel)
	default:
		bld := backup.NewBuilder(store, backup.BuilderOptions{Logger: logger})
		return lsEntries(ctx, w, ix, bld, chainLabel, snapLabel, dir, long)
	}
}

// splitRef splits CHAIN[/SNAPSHOT[/PATH]] into its parts. PATH defaults
// to the snapshot root.
func splitRef(ref string) (chain, snap, dir string) {
	dir = "."
	if ref == "" {
		return
	}
	parts := strings.SplitN(ref, "/", 3)
	chain = parts[0]
	if len(parts) > 1 {
		snap = parts[1]
	}
	if len(parts) > 2 {
		dir = path.Clean(parts[2])
	}
	return
}

func lsChains(w io.Writer, ix *backup.Index) {
	for _, chain := range ix.Chains() {
		fmt.Fprintf(w, "%s  %d snapshots  %s .. %s\n",
			chain.Label(), len(chain.Snapshots),
			chain.Start().UTC().Format(time.RFC3339),
			chain.End().UTC().Format(time.RFC3339))
	}
}

func lsSnapshots(w io.Writer, ix *backup.Index, label string) error {
	chain, err := ix.Chain(label)
	if err != nil {
		return err
	}
	for _, snap := range chain.Snapshots {
		fmt.Fprintf(w, "%s  %-11s  %d volumes\n",
			snap.Label(), snap.Kind, len(snap.Collection.Volumes))
	}
	return nil
}

func lsEntries(ctx context.Context, w io.Writer, ix *backup.Index, bld *backup.Builder, chainLabel, snapLabel, dir string, long bool) error {
	snap, err := ix.Resolve(chainLabel, snapLabel)
	if err != nil {
		return err
	}
	tree, err := bld.Tree(ctx, snap)
	if err != nil {
		return err
	}
	entries, err := tree.List(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := path.Base(e.Path)
		if long && e.Kind == archive.EntrySymlink {
			name += " -> " + e.Link
		}
		if !long {
			fmt.Fprintln(w, name)
			continue
		}
		fmt.Fprintf(w, "%s %10d  %s  %s\n",
			entryMode(e), e.Size, e.ModTime.UTC().Format("2006-01-02 15:04:05"), name)
	}
	return nil
}

func entryMode(e backup.Entry) os.FileMode {
	mode := os.FileMode(e.Mode & 0o777)
	switch e.Kind {
	case archive.EntryDir:
		mode |= os.ModeDir
	case archive.EntrySymlink:
		mode |= os.ModeSymlink
	}
	return mode
}
