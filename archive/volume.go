package archive

import (
	"archive/zip"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Volume is an open volume file: a zip container whose entries are content
// objects with tagged payloads (see Codec). Object entries are written with
// the zip Store method, so an uncompressed payload can be read by range
// straight out of the container.
//
// Volumes are opened through a Store, which hands this type an io.ReaderAt
// over the decrypted bytes.
type Volume struct {
	name    string
	ra      io.ReaderAt
	objects map[string]*zip.File
	closer  io.Closer
}

// OpenVolume indexes a volume's objects. closer is released by Close and
// may be nil.
func OpenVolume(name string, ra io.ReaderAt, size int64, closer io.Closer) (*Volume, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("opening volume %s: %w", name, err)
	}
	v := &Volume{
		name:    name,
		ra:      ra,
		objects: make(map[string]*zip.File, len(zr.File)),
		closer:  closer,
	}
	for _, f := range zr.File {
		v.objects[f.Name] = f
	}
	return v, nil
}

// Name returns the volume's filename.
func (v *Volume) Name() string { return v.name }

// Object reads, decodes, and digest-checks one object's payload. For
// PayloadFull refs this is the file content; for PayloadDelta it is the
// delta blob.
func (v *Volume) Object(ref ObjectRef) ([]byte, error) {
	f, ok := v.objects[ref.Object]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrObjectNotFound, ref.Object, v.name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening object %s: %w", ref.Object, err)
	}
	defer rc.Close()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", ref.Object, err)
	}
	data, err := DecodePayload(payload, int(ref.Size))
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", ref.Object, err)
	}
	if err := verifyDigest(data, ref.Digest); err != nil {
		return nil, fmt.Errorf("object %s in %s: %w", ref.Object, v.name, err)
	}
	return data, nil
}

// RangeReader returns an io.ReaderAt over an object's decoded content
// without reading it whole. Only objects stored with CodecNone qualify;
// anything else gets ErrNotRanged and the caller falls back to Object.
// Ranged reads cannot verify the object digest.
func (v *Volume) RangeReader(ref ObjectRef) (io.ReaderAt, error) {
	f, ok := v.objects[ref.Object]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrObjectNotFound, ref.Object, v.name)
	}
	if f.Method != zip.Store {
		return nil, ErrNotRanged
	}
	off, err := f.DataOffset()
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", ref.Object, err)
	}
	var tag [1]byte
	if _, err := v.ra.ReadAt(tag[:], off); err != nil {
		return nil, fmt.Errorf("object %s: reading codec tag: %w", ref.Object, err)
	}
	if Codec(tag[0]) != CodecNone {
		return nil, ErrNotRanged
	}
	body := int64(f.CompressedSize64) - 1
	if body != ref.Size {
		return nil, fmt.Errorf("object %s: stored size %d does not match ref size %d", ref.Object, body, ref.Size)
	}
	return io.NewSectionReader(v.ra, off+1, body), nil
}

// Close releases the volume's backing storage (a file handle or a spool
// pin).
func (v *Volume) Close() error {
	if v.closer != nil {
		return v.closer.Close()
	}
	return nil
}

// DigestOf computes the lowercase hex blake3-256 digest used by ObjectRef.
func DigestOf(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func verifyDigest(data []byte, want string) error {
	if want == "" {
		return nil
	}
	if got := DigestOf(data); got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, got, want)
	}
	return nil
}
