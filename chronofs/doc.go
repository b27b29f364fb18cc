// Package chronofs is the FUSE surface over a backup archive. It
// presents every chain as a directory of snapshot directories:
//
//	/<chain>/<snapshot>/<path within the backup>
//
// Chain and snapshot directories are named by RFC 3339 timestamps;
// "latest" aliases the newest chain at the root and the newest
// snapshot within a chain. Snapshot directories also answer to bare
// dates, resolving to the newest snapshot at or before that day's end.
//
// The filesystem is strictly read-only: every mutating operation
// fails with EROFS and the mount itself is flagged read-only.
package chronofs
