// Package backup turns a raw archive into browsable history. It is the
// layer between the archive format and the filesystem surface:
//
//   - Index (index.go) enumerates the archive's collections into backup
//     chains (one full snapshot plus its incrementals) and resolves
//     chain/snapshot labels, including date shorthand and "latest".
//   - Builder (tree.go) folds a chain prefix into the directory tree of
//     one snapshot, caching trees and collapsing concurrent builds.
//   - Reconstructor (content.go) opens files within a snapshot, resolves
//     their content back through the chain (unchanged entries walk to
//     the snapshot that last wrote them, deltas stack on their base),
//     and serves reads through a shared block cache.
//
// Everything here is read-only: trees and snapshots never change after
// the index is built, which is what makes the aggressive caching safe.
package backup
