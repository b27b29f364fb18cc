package cmd

import (
	"github.com/spf13/cobra"

	"github.com/chronofs/chronofs/version"
)

// NewRootCmd creates and returns the root cobra command for the
// chronofs CLI. It sets up all subcommands and command groups.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chronofs",
		Short: "chronofs - mount incremental backup archives as a read-only filesystem",
		Long: `chronofs mounts chains of full and incremental backup snapshots as a
read-only FUSE filesystem: one directory per chain, one per snapshot,
with "latest" aliases and date labels for time travel.

Browsing needs no restore step. Directory trees are folded from the
archive's manifests and file content is reconstructed on read, block by
block, from content objects and deltas. Archives may live in a local
directory or behind an s3:// URL, and may be age-encrypted.

Use subcommands to perform different operations:
  - mount: mount an archive at a mountpoint
  - ls: list chains, snapshots, or files in an archive
  - seed: generate a synthetic archive for development`,
		Version: version.GetFullVersion(),
	}

	groupFilesystem := "filesystem"
	groupUtilities := "utilities"

	rootCmd.AddGroup(&cobra.Group{
		ID:    groupFilesystem,
		Title: "Filesystem Operations",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    groupUtilities,
		Title: "Utility Commands",
	})

	mountCmd := NewMountCmd()
	lsCmd := NewLsCmd()
	seedCmd := NewSeedCmd()

	mountCmd.GroupID = groupFilesystem
	lsCmd.GroupID = groupUtilities
	seedCmd.GroupID = groupUtilities

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(seedCmd)

	return rootCmd
}
