package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/chronofs/chronofs/archive"
	"github.com/chronofs/chronofs/internal/metrics"
)

// ReconstructorOptions tunes content reconstruction.
type ReconstructorOptions struct {
	// BlockSize is the granularity of the block cache. Zero means the
	// default of 256 KiB.
	BlockSize int
	// BlockCacheBytes bounds the decoded blocks kept in memory. Zero
	// means the default of 64 MiB.
	BlockCacheBytes int64
	// MaxMaterialize caps how large a file may be when serving it
	// requires reconstructing the whole content in memory. Files
	// readable straight from a volume are exempt. Zero means the
	// default of 256 MiB.
	MaxMaterialize int64
	Logger         *zap.Logger
}

// Reconstructor opens files within snapshots and serves reads. A file
// whose content sits uncompressed in one volume is read in ranges
// directly from the volume; everything else (compressed payloads,
// delta stacks) is reconstructed once per handle and served from
// memory. Decoded blocks are cached across handles.
type Reconstructor struct {
	store   archive.Store
	builder *Builder
	logger  *zap.Logger
	blocks  *blockCache
	handles *handleTable

	blockSize      int64
	maxMaterialize int64
}

func NewReconstructor(store archive.Store, builder *Builder, opts ReconstructorOptions) *Reconstructor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	blockSize := int64(opts.BlockSize)
	if blockSize <= 0 {
		blockSize = 256 << 10
	}
	maxMat := opts.MaxMaterialize
	if maxMat <= 0 {
		maxMat = 256 << 20
	}
	return &Reconstructor{
		store:          store,
		builder:        builder,
		logger:         logger,
		blocks:         newBlockCache(opts.BlockCacheBytes),
		handles:        newHandleTable(),
		blockSize:      blockSize,
		maxMaterialize: maxMat,
	}
}

// Open resolves a file's content within a snapshot and returns a
// handle id for it. Directories and symlinks are refused with
// ErrNotARegularFile. Files that would need materialization beyond
// the configured cap are refused up front with ErrContentTooLarge.
func (r *Reconstructor) Open(ctx context.Context, snap *Snapshot, p string) (uint64, error) {
	t, err := r.builder.Tree(ctx, snap)
	if err != nil {
		return 0, err
	}
	e, ok := t.Lookup(p)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if e.Kind != archive.EntryFile {
		return 0, fmt.Errorf("%w: %s is a %s", ErrNotARegularFile, p, e.Kind)
	}

	refs, err := r.resolveRefs(ctx, snap, p, e)
	if err != nil {
		return 0, err
	}

	h := &Handle{
		snap: snap,
		path: p,
		size: e.Size,
		refs: refs,
	}

	// Single uncompressed object: serve ranges straight off the volume.
	if len(refs) == 1 && refs[0].Payload == archive.PayloadFull && refs[0].Size == e.Size {
		vol, err := r.store.OpenVolume(ctx, refs[0].Volume)
		if err != nil {
			return 0, classify(err)
		}
		ra, err := vol.RangeReader(refs[0])
		switch {
		case err == nil:
			h.ranged = ra
			h.vol = vol
		case errors.Is(err, archive.ErrNotRanged):
			vol.Close()
		default:
			vol.Close()
			return 0, classify(err)
		}
	}

	if h.ranged == nil && h.size > r.maxMaterialize {
		return 0, fmt.Errorf("%w: %s is %d bytes, cap is %d",
			ErrContentTooLarge, p, h.size, r.maxMaterialize)
	}

	id := r.handles.add(h)
	metrics.HandleOpened()
	return id, nil
}

// resolveRefs walks the chain backwards from the snapshot until it
// finds the full object the file's content is built from, collecting
// any deltas along the way. The returned slice is the base object
// followed by deltas in apply order.
func (r *Reconstructor) resolveRefs(ctx context.Context, snap *Snapshot, p string, e Entry) ([]archive.ObjectRef, error) {
	var deltas []archive.ObjectRef
	cur, cure := snap, e
	for {
		switch {
		case cure.Ref.IsZero():
			// Inherited entry: the content was written further back.
		case cure.Ref.Payload == archive.PayloadFull:
			refs := make([]archive.ObjectRef, 0, len(deltas)+1)
			refs = append(refs, cure.Ref)
			for i := len(deltas) - 1; i >= 0; i-- {
				refs = append(refs, deltas[i])
			}
			return refs, nil
		case cure.Ref.Payload == archive.PayloadDelta:
			deltas = append(deltas, cure.Ref)
		default:
			return nil, fmt.Errorf("%w: %s: unknown payload kind %q",
				ErrArchiveCorrupt, p, cure.Ref.Payload)
		}

		prev := cur.Prev()
		if prev == nil {
			return nil, fmt.Errorf("%w: %s has no full content anywhere in chain %s",
				ErrArchiveCorrupt, p, snap.Chain.Label())
		}
		t, err := r.builder.Tree(ctx, prev)
		if err != nil {
			return nil, err
		}
		pe, ok := t.Lookup(p)
		if !ok {
			return nil, fmt.Errorf("%w: %s vanishes at snapshot %s during content resolution",
				ErrArchiveCorrupt, p, prev.Label())
		}
		if pe.Kind != archive.EntryFile {
			return nil, fmt.Errorf("%w: %s is a %s at snapshot %s during content resolution",
				ErrArchiveCorrupt, p, pe.Kind, prev.Label())
		}
		cur, cure = prev, pe
	}
}

// ReadAt fills p from the handle's content at off, following the
// io.ReaderAt contract: a read past the end returns io.EOF, a short
// read at the tail returns io.EOF alongside the bytes.
func (r *Reconstructor) ReadAt(ctx context.Context, id uint64, p []byte, off int64) (int, error) {
	h, err := r.handles.get(id)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return 0, fmt.Errorf("%w: handle %d", ErrStaleHandle, id)
	}
	if off < 0 {
		return 0, fmt.Errorf("negative read offset %d", off)
	}
	if off >= h.size {
		return 0, io.EOF
	}

	want := int64(len(p))
	end := off + want
	if end > h.size {
		end = h.size
		p = p[:end-off]
	}

	n := 0
	for pos := off; pos < end; {
		bi := pos / r.blockSize
		bstart := bi * r.blockSize
		blen := min(r.blockSize, h.size-bstart)
		block, err := r.loadBlock(ctx, h, bi, bstart, blen)
		if err != nil {
			return n, err
		}
		m := copy(p[n:], block[pos-bstart:])
		if m == 0 {
			return n, fmt.Errorf("%w: short block at offset %d of %s", ErrIO, bstart, h.path)
		}
		n += m
		pos += int64(m)
	}

	metrics.RecordRead(n)
	if int64(n) < want {
		return n, io.EOF
	}
	return n, nil
}

// loadBlock returns one cached content block, fetching it from the
// volume or the materialized content on a miss. Callers must not
// modify the returned slice.
func (r *Reconstructor) loadBlock(ctx context.Context, h *Handle, bi, bstart, blen int64) ([]byte, error) {
	key := blockKey{chain: h.snap.Chain.Label(), seq: h.snap.Seq, path: h.path, block: bi}
	if b, ok := r.blocks.get(key); ok {
		return b, nil
	}

	var block []byte
	if h.ranged != nil {
		block = make([]byte, blen)
		n, err := h.ranged.ReadAt(block, bstart)
		if int64(n) != blen {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("%w: reading %s at %d: %w", ErrIO, h.path, bstart, err)
		}
	} else {
		if err := r.materialize(ctx, h); err != nil {
			return nil, err
		}
		block = h.data[bstart : bstart+blen]
	}

	r.blocks.put(key, block)
	return block, nil
}

// materialize reconstructs the handle's full content: fetch the base
// object, then decode and apply each delta in order. Runs at most once
// per handle; the caller holds h.mu.
func (r *Reconstructor) materialize(ctx context.Context, h *Handle) error {
	if h.data != nil {
		return nil
	}
	start := time.Now()
	content, err := r.readObject(ctx, h.refs[0])
	if err != nil {
		return err
	}
	for _, ref := range h.refs[1:] {
		blob, err := r.readObject(ctx, ref)
		if err != nil {
			return err
		}
		d, err := archive.DecodeDelta(blob)
		if err != nil {
			return classify(err)
		}
		content, err = archive.ApplyDelta(content, d)
		if err != nil {
			return classify(err)
		}
	}
	if int64(len(content)) != h.size {
		return fmt.Errorf("%w: %s reconstructed to %d bytes, manifest says %d",
			ErrArchiveCorrupt, h.path, len(content), h.size)
	}
	h.data = content
	metrics.RecordReconstruct(time.Since(start))
	return nil
}

func (r *Reconstructor) readObject(ctx context.Context, ref archive.ObjectRef) ([]byte, error) {
	vol, err := r.store.OpenVolume(ctx, ref.Volume)
	if err != nil {
		return nil, classify(err)
	}
	defer vol.Close()
	data, err := vol.Object(ref)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

// Release unlinks the handle and closes any volume it held open. A
// read already holding the handle finishes first; later operations on
// the id fail with ErrStaleHandle.
func (r *Reconstructor) Release(id uint64) error {
	h, err := r.handles.remove(id)
	if err != nil {
		return err
	}
	r.closeHandle(h)
	metrics.HandleClosed()
	return nil
}

func (r *Reconstructor) closeHandle(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	h.data = nil
	if h.vol != nil {
		if err := h.vol.Close(); err != nil {
			r.logger.Warn("closing volume",
				zap.String("volume", h.refs[0].Volume),
				zap.Error(err))
		}
		h.vol = nil
		h.ranged = nil
	}
}

// OpenHandles reports how many handles are currently open.
func (r *Reconstructor) OpenHandles() int {
	return r.handles.count()
}

// Close releases every open handle. Called on unmount.
func (r *Reconstructor) Close() {
	for _, h := range r.handles.drain() {
		r.closeHandle(h)
		metrics.HandleClosed()
	}
}
