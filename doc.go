// Chronofs mounts incremental backup archives as a read-only FUSE
// filesystem with time-travel browsing.
//
// An archive is a directory (or s3:// prefix) of chains: one full
// snapshot plus the incrementals built on it. The mount exposes one
// directory per chain and per snapshot, with "latest" aliases and date
// labels, and reconstructs file content on read from the archive's
// content objects and deltas. Archives may be age-encrypted.
//
// The binary's subcommands:
//   - mount: mount an archive at a mountpoint
//   - ls: list chains, snapshots, and files without mounting
//   - seed: generate a synthetic archive for development and testing
package main
