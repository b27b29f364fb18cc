package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
)

// EntryKind classifies a manifest entry.
type EntryKind string

const (
	EntryFile    EntryKind = "file"
	EntryDir     EntryKind = "dir"
	EntrySymlink EntryKind = "symlink"
	EntryOther   EntryKind = "other"
)

// ChangeKind records how an entry changed relative to the previous snapshot
// in its chain. Full snapshots record every entry as ChangeAdded.
type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeModified  ChangeKind = "modified"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeUnchanged ChangeKind = "unchanged"
)

// PayloadKind says how an object's payload relates to the file content.
type PayloadKind string

const (
	// PayloadFull is the complete file content.
	PayloadFull PayloadKind = "full"
	// PayloadDelta is a delta blob against the content at the previous
	// snapshot.
	PayloadDelta PayloadKind = "delta"
)

// ObjectRef locates one content object inside a volume. Size is the decoded
// payload size (full content size for PayloadFull, delta blob size for
// PayloadDelta). Digest is the lowercase hex blake3-256 of the decoded
// payload.
type ObjectRef struct {
	Volume  string      `json:"volume"`
	Object  string      `json:"object"`
	Payload PayloadKind `json:"payload"`
	Size    int64       `json:"size"`
	Digest  string      `json:"digest"`
}

// IsZero reports whether the ref points at nothing. Unchanged and deleted
// entries carry zero refs.
func (r ObjectRef) IsZero() bool {
	return r.Volume == "" && r.Object == ""
}

// Entry is one path's record in a manifest: its metadata at the snapshot
// and, for added/modified files, where to find its content.
type Entry struct {
	Path    string     `json:"path"`
	Kind    EntryKind  `json:"kind"`
	Change  ChangeKind `json:"change"`
	Size    int64      `json:"size"`
	Mode    uint32     `json:"mode"`
	ModTime time.Time  `json:"mtime"`
	Link    string     `json:"link,omitempty"`
	Ref     *ObjectRef `json:"ref,omitempty"`
}

// Manifest is a snapshot's decoded manifest: identity, aggregate totals for
// the snapshot's live state, and the entry list. For a full snapshot the
// entries are the complete state; for an incremental they are the
// change-set only.
type Manifest struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Base    time.Time `json:"base,omitzero"`
	Files   int64     `json:"files"`
	Bytes   int64     `json:"bytes"`
	Volumes int       `json:"volumes"`
	Entries []Entry   `json:"entries"`
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "full":
		*k = KindFull
	case "incremental":
		*k = KindIncremental
	default:
		return fmt.Errorf("unknown manifest kind %q", s)
	}
	return nil
}

// Sort orders the entries by path. Encoded manifests are always sorted so
// that diffs between archive generations stay readable.
func (m *Manifest) Sort() {
	sort.Slice(m.Entries, func(i, j int) bool {
		return m.Entries[i].Path < m.Entries[j].Path
	})
}

// Iterate calls yield for each entry in order, stopping early if yield
// returns false.
func (m *Manifest) Iterate(yield func(Entry) bool) {
	for _, e := range m.Entries {
		if !yield(e) {
			return
		}
	}
}

// Validate checks the manifest's internal consistency: the kind/base pairing
// and each entry's change/ref pairing. It does not touch volumes.
func (m *Manifest) Validate() error {
	if m.Kind == KindIncremental && m.Base.IsZero() {
		return fmt.Errorf("incremental manifest missing base time")
	}
	if m.Kind == KindFull && !m.Base.IsZero() {
		return fmt.Errorf("full manifest carries a base time")
	}
	for _, e := range m.Entries {
		if e.Path == "" {
			return fmt.Errorf("manifest entry with empty path")
		}
		switch e.Change {
		case ChangeAdded, ChangeModified:
			if e.Kind == EntryFile && e.Ref == nil {
				return fmt.Errorf("entry %q: %s file without content ref", e.Path, e.Change)
			}
		case ChangeDeleted:
			if e.Ref != nil {
				return fmt.Errorf("entry %q: deleted entry with content ref", e.Path)
			}
		case ChangeUnchanged:
			// Unchanged is an in-memory state. Manifests record only changes;
			// absence from an incremental means unchanged.
			return fmt.Errorf("entry %q: manifests do not record unchanged entries", e.Path)
		default:
			return fmt.Errorf("entry %q: unknown change kind %q", e.Path, e.Change)
		}
		if m.Kind == KindFull && e.Change != ChangeAdded {
			return fmt.Errorf("entry %q: full manifest with change kind %q", e.Path, e.Change)
		}
		if e.Ref != nil && e.Ref.IsZero() {
			return fmt.Errorf("entry %q: empty content ref", e.Path)
		}
	}
	return nil
}

// EncodeManifest serializes and gzip-compresses a manifest. Entries are
// sorted as a side effect.
func EncodeManifest(m *Manifest) ([]byte, error) {
	m.Sort()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(m); err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compressing manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeManifest reverses EncodeManifest and validates the result.
func DecodeManifest(data []byte) (*Manifest, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompressing manifest: %w", err)
	}
	defer gz.Close()
	var m Manifest
	if err := json.NewDecoder(gz).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}
