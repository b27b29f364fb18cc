// Package archive reads chronofs backup archives: collections of full
// and incremental snapshots, each consisting of a manifest and one or
// more volume files.
//
// The package owns everything format-shaped so that callers never touch
// bytes on disk directly:
//
//   - Collection discovery and filename parsing (naming.go)
//   - Manifests: gzip-compressed JSON entry lists (manifest.go)
//   - Volumes: zip containers of content objects with tagged payload
//     compression, supporting ranged reads (volume.go, codec.go)
//   - Delta blobs: CBOR copy/insert instruction streams (delta.go)
//   - Optional age encryption of manifests and volumes (crypt.go)
//   - Backends: local directories and s3:// prefixes (local.go, s3.go),
//     fronted by a disk spool for fetched volumes (spool.go)
//
// Consumers use the Store interface: Collections to discover snapshots,
// Manifest to fetch a snapshot's change-set, and OpenVolume to read
// content objects.
package archive
