package backup

import (
	"fmt"
	"io"
	"sync"

	"github.com/chronofs/chronofs/archive"
)

// Handle is one opened file: the snapshot and path it came from, the
// resolved content refs (base object first, deltas in apply order),
// and whatever state reads have built up so far.
type Handle struct {
	id   uint64
	snap *Snapshot
	path string
	size int64
	refs []archive.ObjectRef

	// ranged is set when the content is a single uncompressed object,
	// in which case reads go straight to the volume without ever
	// materializing the file. vol keeps that volume open until release.
	ranged io.ReaderAt
	vol    *archive.Volume

	mu       sync.Mutex
	released bool
	data     []byte
}

// handleTable maps the opaque ids handed to the filesystem layer back
// to handles. A removed id never comes back; operations on it fail
// with ErrStaleHandle.
type handleTable struct {
	mu   sync.Mutex
	next uint64
	open map[uint64]*Handle
}

func newHandleTable() *handleTable {
	return &handleTable{next: 1, open: make(map[uint64]*Handle)}
}

func (ht *handleTable) add(h *Handle) uint64 {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	id := ht.next
	ht.next++
	h.id = id
	ht.open[id] = h
	return id
}

func (ht *handleTable) get(id uint64) (*Handle, error) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	h, ok := ht.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrStaleHandle, id)
	}
	return h, nil
}

func (ht *handleTable) remove(id uint64) (*Handle, error) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	h, ok := ht.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrStaleHandle, id)
	}
	delete(ht.open, id)
	return h, nil
}

func (ht *handleTable) count() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return len(ht.open)
}

// drain removes and returns every open handle.
func (ht *handleTable) drain() []*Handle {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	out := make([]*Handle, 0, len(ht.open))
	for id, h := range ht.open {
		out = append(out, h)
		delete(ht.open, id)
	}
	return out
}
