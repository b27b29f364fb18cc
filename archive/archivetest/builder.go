// Package archivetest generates chronofs archives from declarative
// snapshot states. Tests use it to lay down fixtures; the seed command
// uses it to generate development archives.
package archivetest

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/chronofs/chronofs/archive"
)

// File describes one path in a snapshot state. The zero value is an empty
// regular file. Mode and ModTime default per kind and snapshot time.
type File struct {
	Data    string
	Mode    uint32
	Link    string // symlink target; the entry becomes a symlink when set
	Dir     bool
	ModTime time.Time
}

// Snapshot is the complete desired state of the backed-up tree at Time.
// The builder diffs consecutive states to produce incremental change-sets.
type Snapshot struct {
	Time  time.Time
	Files map[string]File
}

// Options control archive generation.
type Options struct {
	// Dir is the output directory for archive files.
	Dir string

	// Codec is the payload codec requested for content objects.
	// Incompressible payloads fall back to none regardless.
	Codec archive.Codec

	// Keyring, when set, age-encrypts every manifest and volume for the
	// keyring's recipients.
	Keyring *archive.Keyring

	// VolumeBytes caps the decoded payload bytes per volume; a snapshot
	// with more content is split across numbered volumes. 0 means one
	// volume holds everything.
	VolumeBytes int64
}

func (o Options) encrypted() bool { return o.Keyring != nil }

// WriteChain writes one backup chain into opts.Dir: snaps[0] becomes the
// full snapshot, the rest incrementals in order. Parent directories of
// every path are implied; snapshot times are truncated to whole seconds to
// match the filename timestamp resolution.
func WriteChain(opts Options, snaps ...Snapshot) error {
	if opts.Dir == "" {
		return errors.New("archivetest: output dir required")
	}
	if len(snaps) == 0 {
		return errors.New("archivetest: chain needs at least one snapshot")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return fmt.Errorf("archivetest: %w", err)
	}

	// Defaulted ModTimes use the chain start so an untouched file compares
	// equal across snapshots.
	chainStart := snaps[0].Time.UTC().Truncate(time.Second)

	var prev map[string]File
	var prevTime time.Time
	for i, snap := range snaps {
		snapTime := snap.Time.UTC().Truncate(time.Second)
		kind, base := archive.KindFull, time.Time{}
		if i > 0 {
			kind, base = archive.KindIncremental, prevTime
		}
		cur := expand(snap.Files, chainStart)
		if err := writeSnapshot(opts, kind, base, snapTime, prev, cur); err != nil {
			return fmt.Errorf("archivetest: snapshot %s: %w", snapTime.Format(archive.TimeLayout), err)
		}
		prev, prevTime = cur, snapTime
	}
	return nil
}

// expand normalizes a state: defaults applied, implied parent directories
// materialized.
func expand(files map[string]File, defaultMTime time.Time) map[string]File {
	out := make(map[string]File, len(files))
	for p, f := range files {
		p = path.Clean(p)
		out[p] = normalize(f, defaultMTime)
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if _, ok := files[dir]; !ok {
				out[dir] = normalize(File{Dir: true}, defaultMTime)
			}
		}
	}
	return out
}

func normalize(f File, defaultMTime time.Time) File {
	if f.Mode == 0 {
		switch {
		case f.Dir:
			f.Mode = 0o755
		case f.Link != "":
			f.Mode = 0o777
		default:
			f.Mode = 0o644
		}
	}
	if f.ModTime.IsZero() {
		f.ModTime = defaultMTime
	}
	f.ModTime = f.ModTime.UTC()
	return f
}

type pendingObj struct {
	name    string // digest hex, doubles as the object name
	payload []byte // tagged payload bytes
	size    int64  // decoded payload size
	kind    archive.PayloadKind
	volume  string // assigned during packing
}

type pendingEntry struct {
	entry archive.Entry
	obj   int // index into objs, -1 when the entry has no content
}

func writeSnapshot(opts Options, kind archive.Kind, base, snapTime time.Time, prev, cur map[string]File) error {
	var entries []pendingEntry
	var objs []pendingObj
	byDigest := make(map[string]int)

	addObj := func(decoded []byte, pk archive.PayloadKind) (int, error) {
		digest := archive.DigestOf(decoded)
		key := string(pk) + ":" + digest
		if i, ok := byDigest[key]; ok {
			return i, nil
		}
		payload, _, err := archive.EncodePayload(decoded, opts.Codec)
		if err != nil {
			return 0, err
		}
		objs = append(objs, pendingObj{
			name:    digest,
			payload: payload,
			size:    int64(len(decoded)),
			kind:    pk,
		})
		byDigest[key] = len(objs) - 1
		return len(objs) - 1, nil
	}

	paths := make([]string, 0, len(cur)+len(prev))
	for p := range cur {
		paths = append(paths, p)
	}
	for p := range prev {
		if _, ok := cur[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	for _, p := range paths {
		f, live := cur[p]
		pf, existed := prev[p]
		switch {
		case live && (kind == archive.KindFull || !existed):
			pe := pendingEntry{entry: entryFor(p, f, archive.ChangeAdded), obj: -1}
			if isRegular(f) {
				i, err := addObj([]byte(f.Data), archive.PayloadFull)
				if err != nil {
					return err
				}
				pe.obj = i
			}
			entries = append(entries, pe)

		case live && existed:
			if f == pf {
				continue
			}
			pe := pendingEntry{entry: entryFor(p, f, archive.ChangeModified), obj: -1}
			if isRegular(f) {
				var i int
				var err error
				if isRegular(pf) {
					blob, eerr := archive.EncodeDelta(archive.ComputeDelta([]byte(pf.Data), []byte(f.Data)))
					if eerr != nil {
						return eerr
					}
					i, err = addObj(blob, archive.PayloadDelta)
				} else {
					i, err = addObj([]byte(f.Data), archive.PayloadFull)
				}
				if err != nil {
					return err
				}
				pe.obj = i
			}
			entries = append(entries, pe)

		case !live && existed:
			e := entryFor(p, pf, archive.ChangeDeleted)
			e.Size = 0
			e.ModTime = snapTime
			entries = append(entries, pendingEntry{entry: e, obj: -1})
		}
	}

	// Pack objects into volumes in entry order.
	var volumes [][]int
	var open []int
	var openBytes int64
	for i, o := range objs {
		if opts.VolumeBytes > 0 && openBytes > 0 && openBytes+o.size > opts.VolumeBytes {
			volumes = append(volumes, open)
			open, openBytes = nil, 0
		}
		open = append(open, i)
		openBytes += o.size
	}
	if len(open) > 0 {
		volumes = append(volumes, open)
	}
	for vi, ids := range volumes {
		volName := archive.VolumeName(kind, base, snapTime, vi+1, opts.encrypted())
		for _, id := range ids {
			objs[id].volume = volName
		}
		if err := writeVolumeFile(opts, volName, ids, objs, snapTime); err != nil {
			return err
		}
	}

	m := &archive.Manifest{
		Kind:    kind,
		Time:    snapTime,
		Base:    base,
		Volumes: len(volumes),
	}
	for _, f := range cur {
		if isRegular(f) {
			m.Files++
			m.Bytes += int64(len(f.Data))
		}
	}
	for _, pe := range entries {
		e := pe.entry
		if pe.obj >= 0 {
			o := objs[pe.obj]
			e.Ref = &archive.ObjectRef{
				Volume:  o.volume,
				Object:  o.name,
				Payload: o.kind,
				Size:    o.size,
				Digest:  o.name,
			}
		}
		m.Entries = append(m.Entries, e)
	}

	data, err := archive.EncodeManifest(m)
	if err != nil {
		return err
	}
	return writeArchiveFile(opts, archive.ManifestName(kind, base, snapTime, opts.encrypted()), data)
}

func isRegular(f File) bool { return !f.Dir && f.Link == "" }

func entryFor(p string, f File, change archive.ChangeKind) archive.Entry {
	kind := archive.EntryFile
	var size int64
	switch {
	case f.Dir:
		kind = archive.EntryDir
	case f.Link != "":
		kind = archive.EntrySymlink
	default:
		size = int64(len(f.Data))
	}
	return archive.Entry{
		Path:    p,
		Kind:    kind,
		Change:  change,
		Size:    size,
		Mode:    f.Mode,
		ModTime: f.ModTime,
		Link:    f.Link,
	}
}

// writeVolumeFile packs the given objects into a zip with Store-method
// entries so uncompressed payloads stay range-readable.
func writeVolumeFile(opts Options, volName string, ids []int, objs []pendingObj, snapTime time.Time) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, id := range ids {
		o := objs[id]
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     o.name,
			Method:   zip.Store,
			Modified: snapTime,
		})
		if err != nil {
			return fmt.Errorf("volume %s: %w", volName, err)
		}
		if _, err := w.Write(o.payload); err != nil {
			return fmt.Errorf("volume %s: %w", volName, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("volume %s: %w", volName, err)
	}
	return writeArchiveFile(opts, volName, buf.Bytes())
}

func writeArchiveFile(opts Options, name string, data []byte) error {
	if opts.encrypted() {
		var buf bytes.Buffer
		w, err := opts.Keyring.Encrypt(&buf)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("encrypting %s: %w", name, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("encrypting %s: %w", name, err)
		}
		data = buf.Bytes()
	}
	return os.WriteFile(filepath.Join(opts.Dir, name), data, 0o644)
}
