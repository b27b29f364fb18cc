package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// writeTestVolume packs payloads into an in-memory zip the way the fixture
// builder does: Store-method entries, payload bytes as-is.
func writeTestVolume(t *testing.T, payloads map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, payload := range payloads {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			t.Fatalf("CreateHeader: %v", err)
		}
		if _, err := w.Write(payload); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestVolume_Object(t *testing.T) {
	content := []byte(strings.Repeat("volume object content\n", 50))
	payload, used, err := EncodePayload(content, CodecZstd)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if used != CodecZstd {
		t.Fatalf("test content did not compress, codec = %v", used)
	}

	raw := writeTestVolume(t, map[string][]byte{"obj1": payload})
	vol, err := OpenVolume("test.vol", bytes.NewReader(raw), int64(len(raw)), nil)
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	defer vol.Close()

	ref := ObjectRef{
		Volume: "test.vol", Object: "obj1", Payload: PayloadFull,
		Size: int64(len(content)), Digest: DigestOf(content),
	}
	got, err := vol.Object(ref)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Object returned %d bytes, want %d", len(got), len(content))
	}

	// Wrong digest must be caught.
	badRef := ref
	badRef.Digest = DigestOf([]byte("something else"))
	if _, err := vol.Object(badRef); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Object with wrong digest error = %v, want ErrDigestMismatch", err)
	}

	// Missing object.
	missing := ref
	missing.Object = "nope"
	if _, err := vol.Object(missing); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Object(missing) error = %v, want ErrObjectNotFound", err)
	}
}

func TestVolume_RangeReader(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	stored, _, err := EncodePayload(content, CodecNone)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	compressible := []byte(strings.Repeat("zzzz", 200))
	packed, used, err := EncodePayload(compressible, CodecLZ4)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if used != CodecLZ4 {
		t.Fatalf("test content did not compress, codec = %v", used)
	}

	raw := writeTestVolume(t, map[string][]byte{
		"plain":  stored,
		"packed": packed,
	})
	vol, err := OpenVolume("test.vol", bytes.NewReader(raw), int64(len(raw)), nil)
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	defer vol.Close()

	ra, err := vol.RangeReader(ObjectRef{
		Volume: "test.vol", Object: "plain", Payload: PayloadFull,
		Size: int64(len(content)), Digest: DigestOf(content),
	})
	if err != nil {
		t.Fatalf("RangeReader: %v", err)
	}

	// A middle slice.
	p := make([]byte, 5)
	if _, err := ra.ReadAt(p, 10); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(p) != "abcde" {
		t.Errorf("ReadAt(10,5) = %q, want %q", p, "abcde")
	}

	// The tail, with EOF semantics.
	p = make([]byte, 5)
	n, err := ra.ReadAt(p, 17)
	if n != 3 || (err != nil && err != io.EOF) {
		t.Errorf("ReadAt(17,5) = %d, %v, want 3 bytes and EOF", n, err)
	}
	if string(p[:n]) != "hij" {
		t.Errorf("tail = %q, want %q", p[:n], "hij")
	}

	// Compressed payloads cannot be ranged.
	_, err = vol.RangeReader(ObjectRef{
		Volume: "test.vol", Object: "packed", Payload: PayloadFull,
		Size: int64(len(compressible)), Digest: DigestOf(compressible),
	})
	if !errors.Is(err, ErrNotRanged) {
		t.Errorf("RangeReader(compressed) error = %v, want ErrNotRanged", err)
	}
}
