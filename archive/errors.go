package archive

import "errors"

// Sentinel errors for package archive.
// These errors can be checked with errors.Is() for specific error handling.
var (
	// Naming and collection errors
	ErrBadName        = errors.New("filename does not match archive naming scheme")
	ErrBadTimestamp   = errors.New("invalid timestamp in archive filename")
	ErrNoManifest     = errors.New("collection has no manifest")
	ErrVolumeNotFound = errors.New("volume not found in collection")

	// Volume and object errors
	ErrObjectNotFound = errors.New("object not found in volume")
	ErrBadCodec       = errors.New("unknown payload codec tag")
	ErrDigestMismatch = errors.New("object digest mismatch")
	ErrNotRanged      = errors.New("object does not support ranged reads")

	// Delta errors
	ErrBadDelta = errors.New("malformed delta blob")

	// Encryption errors
	ErrEncrypted  = errors.New("archive is encrypted and no keyring is loaded")
	ErrNoIdentity = errors.New("keyring contains no usable identity")
)
