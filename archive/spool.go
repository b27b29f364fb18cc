package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Spool is a disk-backed cache of fetched volumes. Volumes arriving from a
// remote backend, or decrypted out of their .age wrapping, land here so
// that zip can random-access them; repeat opens hit the spooled copy.
//
// Entries are pinned by refcount while a Volume has them open. Eviction
// only considers unpinned entries, oldest access first.
type Spool struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger

	fill singleflight.Group

	mu      sync.Mutex
	entries map[string]*spoolEntry
	size    int64
}

type spoolEntry struct {
	path       string
	size       int64
	lastAccess time.Time
	pins       int
}

// NewSpool creates a spool rooted at dir, creating the directory if needed.
// maxBytes <= 0 means unbounded. Leftover files from an earlier process are
// ignored and get overwritten on refetch.
func NewSpool(dir string, maxBytes int64, logger *zap.Logger) (*Spool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}
	return &Spool{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger,
		entries:  make(map[string]*spoolEntry),
	}, nil
}

// Get returns an open, pinned handle to the spooled copy of name, fetching
// it with fetch on a miss. Concurrent misses on one name share a single
// fetch. The entry stays pinned until the returned file is closed.
func (s *Spool) Get(name string, fetch func(w io.Writer) error) (*SpoolFile, error) {
	for {
		if sf, ok := s.open(name); ok {
			return sf, nil
		}
		_, err, _ := s.fill.Do(name, func() (any, error) {
			return nil, s.fetchInto(name, fetch)
		})
		if err != nil {
			return nil, err
		}
		// Eviction can race the fetch; loop until the open sticks.
	}
}

// Stats returns the spool's current size, budget, and entry count.
func (s *Spool) Stats() (size, maxBytes int64, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, s.maxBytes, len(s.entries)
}

func (s *Spool) open(name string) (*SpoolFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	f, err := os.Open(e.path)
	if err != nil {
		// The file went away under us; forget it and refetch.
		s.size -= e.size
		delete(s.entries, name)
		return nil, false
	}
	e.lastAccess = time.Now()
	e.pins++
	return &SpoolFile{f: f, size: e.size, release: func() { s.unpin(name) }}, true
}

func (s *Spool) unpin(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok && e.pins > 0 {
		e.pins--
	}
}

// fetchInto writes the volume to a temp file, then renames it into place
// under the budget.
func (s *Spool) fetchInto(name string, fetch func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(s.dir, "fetch-*")
	if err != nil {
		return fmt.Errorf("spool temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := fetch(tmp); err != nil {
		tmp.Close()
		return err
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return fmt.Errorf("spool temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("spool temp file: %w", err)
	}
	written := info.Size()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.maxBytes > 0 && s.size+written > s.maxBytes {
		if !s.evictOldest() {
			s.logger.Warn("spool over budget, everything pinned",
				zap.Int64("size", s.size+written),
				zap.Int64("budget", s.maxBytes))
			break
		}
	}
	local := filepath.Join(s.dir, name)
	if err := os.Rename(tmp.Name(), local); err != nil {
		return fmt.Errorf("spool rename: %w", err)
	}
	s.entries[name] = &spoolEntry{path: local, size: written, lastAccess: time.Now()}
	s.size += written
	s.logger.Debug("spooled volume", zap.String("volume", name), zap.Int64("bytes", written))
	return nil
}

// evictOldest removes the least recently used unpinned entry. Must be
// called with the lock held.
func (s *Spool) evictOldest() bool {
	var oldest *spoolEntry
	var oldestName string
	for name, e := range s.entries {
		if e.pins > 0 {
			continue
		}
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldest, oldestName = e, name
		}
	}
	if oldest == nil {
		return false
	}
	os.Remove(oldest.path)
	s.size -= oldest.size
	delete(s.entries, oldestName)
	s.logger.Debug("evicted spooled volume",
		zap.String("volume", oldestName),
		zap.Int64("bytes", oldest.size))
	return true
}

// SpoolFile is an open, pinned spool entry. It carries what OpenVolume
// needs from a backing file; Close unpins the entry.
type SpoolFile struct {
	f       *os.File
	size    int64
	release func()
	once    sync.Once
}

func (sf *SpoolFile) ReadAt(p []byte, off int64) (int, error) {
	return sf.f.ReadAt(p, off)
}

// Size returns the spooled volume's byte size.
func (sf *SpoolFile) Size() int64 { return sf.size }

// Close closes the file and unpins the entry. Safe to call twice.
func (sf *SpoolFile) Close() error {
	var err error
	sf.once.Do(func() {
		err = sf.f.Close()
		sf.release()
	})
	return err
}
