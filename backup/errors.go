package backup

import (
	"errors"
	"fmt"

	"github.com/chronofs/chronofs/archive"
)

// Sentinel errors for chain resolution and content reconstruction.
// Callers match them with errors.Is; the filesystem layer translates
// them into errno values.
var (
	// ErrNotFound means a chain, snapshot, or path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrArchiveCorrupt means the archive contradicts itself: an
	// incremental without its base, a gap in a chain, a digest that
	// does not match, a delta whose base is missing.
	ErrArchiveCorrupt = errors.New("archive corrupt")

	// ErrNotARegularFile means content was requested for a directory
	// or symlink.
	ErrNotARegularFile = errors.New("not a regular file")

	// ErrReadOnly rejects any mutation attempt.
	ErrReadOnly = errors.New("filesystem is read-only")

	// ErrContentTooLarge means a file needs full materialization to
	// serve random access and exceeds the configured cap.
	ErrContentTooLarge = errors.New("content too large for random access")

	// ErrStaleHandle means the content handle was already released.
	ErrStaleHandle = errors.New("stale content handle")

	// ErrIO wraps storage failures that are not the archive's fault:
	// unreachable backends, short reads, filesystem errors.
	ErrIO = errors.New("archive i/o failure")
)

// classify folds an archive-layer error into the package's taxonomy.
// Format violations become ErrArchiveCorrupt, everything else ErrIO.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, archive.ErrDigestMismatch),
		errors.Is(err, archive.ErrBadDelta),
		errors.Is(err, archive.ErrBadCodec),
		errors.Is(err, archive.ErrObjectNotFound),
		errors.Is(err, archive.ErrVolumeNotFound),
		errors.Is(err, archive.ErrNoManifest),
		errors.Is(err, archive.ErrBadName):
		return fmt.Errorf("%w: %w", ErrArchiveCorrupt, err)
	default:
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
}
