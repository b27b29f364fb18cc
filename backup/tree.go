package backup

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chronofs/chronofs/archive"
	"github.com/chronofs/chronofs/internal/metrics"
)

// Entry is one node of a folded snapshot tree.
type Entry struct {
	Path    string
	Kind    archive.EntryKind
	Size    int64
	Mode    uint32
	ModTime time.Time
	Link    string

	// Change records how this snapshot's manifest touched the entry.
	// ChangeUnchanged means it was inherited from the predecessor; its
	// Ref is zero and content resolution walks back through the chain.
	Change archive.ChangeKind
	Ref    archive.ObjectRef
}

// Tree is the complete directory tree of one snapshot, produced by
// folding the chain's manifests up to that point. Trees are immutable
// after construction and safe for concurrent readers.
type Tree struct {
	entries  map[string]Entry
	children map[string][]string
	bytes    int64
}

// Lookup returns the entry at a slash-separated relative path. The
// snapshot root is ".".
func (t *Tree) Lookup(p string) (Entry, bool) {
	e, ok := t.entries[p]
	return e, ok
}

// List returns a directory's entries sorted by name.
func (t *Tree) List(dir string) ([]Entry, error) {
	e, ok := t.entries[dir]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	if e.Kind != archive.EntryDir {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	names := t.children[dir]
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, t.entries[path.Join(dir, name)])
	}
	return out, nil
}

// Iterate yields every entry in path order, the root first.
func (t *Tree) Iterate(yield func(Entry) bool) {
	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if !yield(t.entries[p]) {
			return
		}
	}
}

// Stats returns the tree's node count and the total bytes of regular
// file content, the numbers a statfs reply wants.
func (t *Tree) Stats() (files, bytes int64) {
	return int64(len(t.entries)), t.bytes
}

func (t *Tree) remove(p string) {
	delete(t.entries, p)
	t.removeBelow(p)
}

func (t *Tree) removeBelow(p string) {
	prefix := p + "/"
	for q := range t.entries {
		if strings.HasPrefix(q, prefix) {
			delete(t.entries, q)
		}
	}
}

// index rebuilds the per-directory name lists and byte totals after a
// fold.
func (t *Tree) index() {
	t.children = make(map[string][]string)
	t.bytes = 0
	for p, e := range t.entries {
		if p == "." {
			continue
		}
		dir := path.Dir(p)
		t.children[dir] = append(t.children[dir], path.Base(p))
		if e.Kind == archive.EntryFile {
			t.bytes += e.Size
		}
	}
	for _, names := range t.children {
		sort.Strings(names)
	}
}

// BuilderOptions tunes tree construction.
type BuilderOptions struct {
	// TreeCache is how many folded trees to keep in memory. Zero
	// means the default of 8.
	TreeCache int
	Logger    *zap.Logger
}

// Builder folds chains into snapshot trees on demand. Builds for the
// same snapshot collapse into one; results are cached.
type Builder struct {
	store  archive.Store
	logger *zap.Logger
	cache  *treeCache
	group  singleflight.Group
}

func NewBuilder(store archive.Store, opts BuilderOptions) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		store:  store,
		logger: logger,
		cache:  newTreeCache(opts.TreeCache),
	}
}

// Tree returns the folded tree for a snapshot, building predecessors
// as needed. Concurrent calls for the same snapshot share one build.
func (b *Builder) Tree(ctx context.Context, snap *Snapshot) (*Tree, error) {
	key := treeKey{chain: snap.Chain.Label(), seq: snap.Seq}
	if t, ok := b.cache.get(key); ok {
		return t, nil
	}
	v, err, _ := b.group.Do(fmt.Sprintf("%s#%d", key.chain, key.seq), func() (any, error) {
		if t, ok := b.cache.get(key); ok {
			return t, nil
		}
		start := time.Now()
		t, err := b.build(ctx, snap)
		metrics.RecordTreeBuild(time.Since(start), err)
		if err != nil {
			return nil, err
		}
		b.cache.put(key, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tree), nil
}

func (b *Builder) build(ctx context.Context, snap *Snapshot) (*Tree, error) {
	var base *Tree
	if snap.Seq > 0 {
		prev, err := b.Tree(ctx, snap.Prev())
		if err != nil {
			return nil, err
		}
		base = prev
	}
	m, err := b.store.Manifest(ctx, snap.Collection)
	if err != nil {
		return nil, classify(err)
	}
	return b.fold(base, m, snap), nil
}

// fold applies one manifest's change set on top of the predecessor
// tree. Inherited entries are reset to unchanged with a zero ref, so
// a stale locator can never leak across snapshots. Deletions apply
// before additions, which gives delete-then-recreate within one
// snapshot replace semantics. Entries that contradict the predecessor
// are counted, logged, and skipped rather than failing the build.
func (b *Builder) fold(base *Tree, m *archive.Manifest, snap *Snapshot) *Tree {
	t := &Tree{entries: make(map[string]Entry, len(m.Entries)+64)}
	if base != nil {
		for p, e := range base.entries {
			e.Change = archive.ChangeUnchanged
			e.Ref = archive.ObjectRef{}
			t.entries[p] = e
		}
	}
	t.entries["."] = Entry{
		Path:    ".",
		Kind:    archive.EntryDir,
		Mode:    0o755,
		ModTime: snap.Time,
		Change:  archive.ChangeUnchanged,
	}

	var deletes, upserts []archive.Entry
	for _, e := range m.Entries {
		p, ok := cleanEntryPath(e.Path)
		if !ok {
			b.skipEntry(snap, e.Path, "unusable path")
			continue
		}
		e.Path = p
		if e.Change == archive.ChangeDeleted {
			deletes = append(deletes, e)
		} else {
			upserts = append(upserts, e)
		}
	}

	// Children before parents, so deleting a directory alongside its
	// listed contents never trips the absent-path check.
	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Path > deletes[j].Path })
	for _, e := range deletes {
		if _, ok := t.entries[e.Path]; !ok {
			b.skipEntry(snap, e.Path, "delete of absent path")
			continue
		}
		t.remove(e.Path)
	}

	sort.Slice(upserts, func(i, j int) bool { return upserts[i].Path < upserts[j].Path })
	for _, e := range upserts {
		if e.Change == archive.ChangeModified {
			if _, ok := t.entries[e.Path]; !ok {
				b.skipEntry(snap, e.Path, "modify of absent path")
				continue
			}
		}
		b.ensureParents(t, e.Path, snap)
		ne := Entry{
			Path:    e.Path,
			Kind:    e.Kind,
			Size:    e.Size,
			Mode:    e.Mode,
			ModTime: e.ModTime,
			Link:    e.Link,
			Change:  e.Change,
		}
		if e.Ref != nil {
			ne.Ref = *e.Ref
		}
		if old, ok := t.entries[e.Path]; ok && old.Kind == archive.EntryDir && ne.Kind != archive.EntryDir {
			t.removeBelow(e.Path)
		}
		t.entries[e.Path] = ne
	}

	t.index()
	return t
}

// ensureParents synthesizes missing ancestor directories for an entry
// whose manifest arrived without them.
func (b *Builder) ensureParents(t *Tree, p string, snap *Snapshot) {
	for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
		if e, ok := t.entries[dir]; ok {
			if e.Kind == archive.EntryDir {
				return
			}
			b.skipEntry(snap, dir, "parent is not a directory, converting")
		}
		t.entries[dir] = Entry{
			Path:    dir,
			Kind:    archive.EntryDir,
			Mode:    0o755,
			ModTime: snap.Time,
			Change:  archive.ChangeAdded,
		}
	}
}

func (b *Builder) skipEntry(snap *Snapshot, p, reason string) {
	metrics.RecordCorruptEntry()
	b.logger.Warn("skipping corrupt manifest entry",
		zap.String("chain", snap.Chain.Label()),
		zap.String("snapshot", snap.Label()),
		zap.String("path", p),
		zap.String("reason", reason))
}

// cleanEntryPath normalizes a manifest path and rejects anything that
// could escape the snapshot root.
func cleanEntryPath(p string) (string, bool) {
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", false
	}
	return c, true
}
