// Package cmd provides the command-line interface for chronofs.
//
// Each subcommand lives in its own file with a constructor returning a
// *cobra.Command; NewRootCmd assembles them into command groups. The
// commands are:
//
//   - mount: mount a backup archive as a read-only filesystem
//   - ls: list chains, snapshots, and files without mounting
//   - seed: generate a synthetic archive for development and testing
//
// The mount command owns process lifecycle: configuration assembly from
// file and flags, logging setup, the optional metrics listener, and
// signal-driven unmount. ls and seed share its store plumbing but run
// to completion and exit.
package cmd
