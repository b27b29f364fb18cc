package backup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chronofs/chronofs/archive"
	"github.com/chronofs/chronofs/archive/archivetest"
)

var (
	testT0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	testT1 = testT0.Add(time.Hour)
)

// writeScenario lays down the standard two-snapshot chain: a modified
// file, an untouched file, a new file in a new directory, a deleted
// file, and a symlink.
func writeScenario(t *testing.T) archive.Store {
	t.Helper()
	dir := t.TempDir()
	err := archivetest.WriteChain(archivetest.Options{Dir: dir},
		archivetest.Snapshot{Time: testT0, Files: map[string]archivetest.File{
			"a.txt":     {Data: "hello"},
			"dir/b.txt": {Data: "bee"},
			"old.txt":   {Data: "obsolete"},
			"link":      {Link: "a.txt"},
		}},
		archivetest.Snapshot{Time: testT1, Files: map[string]archivetest.File{
			"a.txt":          {Data: "hello world"},
			"dir/b.txt":      {Data: "bee"},
			"nested/new.txt": {Data: "n"},
			"link":           {Link: "a.txt"},
		}},
	)
	if err != nil {
		t.Fatalf("writing archive: %v", err)
	}
	store, err := archive.NewLocalStore(dir, archive.StoreOptions{})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	return store
}

func scenarioIndex(t *testing.T, store archive.Store) *Index {
	t.Helper()
	ix, err := NewIndex(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	return ix
}

func TestBuilder_FoldScenario(t *testing.T) {
	ctx := context.Background()
	store := writeScenario(t)
	ix := scenarioIndex(t, store)
	b := NewBuilder(store, BuilderOptions{})

	snap, err := ix.Resolve("latest", "latest")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	tree, err := b.Tree(ctx, snap)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	a, ok := tree.Lookup("a.txt")
	if !ok {
		t.Fatal("a.txt missing from folded tree")
	}
	if a.Change != archive.ChangeModified {
		t.Errorf("a.txt change = %q, want modified", a.Change)
	}
	if a.Ref.Payload != archive.PayloadDelta {
		t.Errorf("a.txt payload = %q, want delta", a.Ref.Payload)
	}
	if a.Size != int64(len("hello world")) {
		t.Errorf("a.txt size = %d, want %d", a.Size, len("hello world"))
	}

	btxt, ok := tree.Lookup("dir/b.txt")
	if !ok {
		t.Fatal("dir/b.txt missing from folded tree")
	}
	if btxt.Change != archive.ChangeUnchanged {
		t.Errorf("dir/b.txt change = %q, want unchanged", btxt.Change)
	}
	if !btxt.Ref.IsZero() {
		t.Errorf("unchanged entry carries ref %+v", btxt.Ref)
	}

	if _, ok := tree.Lookup("old.txt"); ok {
		t.Error("old.txt survived its deletion")
	}

	nw, ok := tree.Lookup("nested/new.txt")
	if !ok {
		t.Fatal("nested/new.txt missing from folded tree")
	}
	if nw.Change != archive.ChangeAdded || nw.Ref.Payload != archive.PayloadFull {
		t.Errorf("nested/new.txt = change %q payload %q, want added/full", nw.Change, nw.Ref.Payload)
	}

	link, ok := tree.Lookup("link")
	if !ok {
		t.Fatal("link missing from folded tree")
	}
	if link.Kind != archive.EntrySymlink || link.Link != "a.txt" {
		t.Errorf("link = kind %q target %q", link.Kind, link.Link)
	}

	root, err := tree.List(".")
	if err != nil {
		t.Fatalf("List(.): %v", err)
	}
	names := make([]string, len(root))
	for i, e := range root {
		names[i] = e.Path
	}
	want := []string{"a.txt", "dir", "link", "nested"}
	if len(names) != len(want) {
		t.Fatalf("root listing = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("root listing = %v, want %v", names, want)
		}
	}

	files, bytes := tree.Stats()
	if files != 7 {
		t.Errorf("node count = %d, want 7", files)
	}
	if bytes != int64(len("hello world")+len("bee")+len("n")) {
		t.Errorf("byte total = %d", bytes)
	}
}

func foldChain(times ...time.Time) *Chain {
	c := &Chain{}
	for i, ts := range times {
		kind := archive.KindIncremental
		if i == 0 {
			kind = archive.KindFull
		}
		c.Snapshots = append(c.Snapshots, &Snapshot{Time: ts, Kind: kind, Seq: i, Chain: c})
	}
	return c
}

func testRef(object string, pk archive.PayloadKind, size int64) *archive.ObjectRef {
	return &archive.ObjectRef{Volume: "v1", Object: object, Payload: pk, Size: size, Digest: object}
}

func TestFold_DeleteThenRecreate(t *testing.T) {
	b := NewBuilder(nil, BuilderOptions{})
	chain := foldChain(testT0, testT1)

	base := b.fold(nil, &archive.Manifest{Entries: []archive.Entry{
		{Path: "d", Kind: archive.EntryDir, Change: archive.ChangeAdded, Mode: 0o755, ModTime: testT0},
		{Path: "d/f", Kind: archive.EntryFile, Change: archive.ChangeAdded, Size: 3, Mode: 0o644, ModTime: testT0, Ref: testRef("r1", archive.PayloadFull, 3)},
		{Path: "keep", Kind: archive.EntryFile, Change: archive.ChangeAdded, Size: 1, Mode: 0o644, ModTime: testT0, Ref: testRef("r2", archive.PayloadFull, 1)},
	}}, chain.Snapshots[0])

	// Same path deleted and recreated as a file within one change set:
	// the delete applies first, so the directory's subtree goes with it.
	tree := b.fold(base, &archive.Manifest{Entries: []archive.Entry{
		{Path: "d", Kind: archive.EntryDir, Change: archive.ChangeDeleted, ModTime: testT1},
		{Path: "d/f", Kind: archive.EntryFile, Change: archive.ChangeDeleted, ModTime: testT1},
		{Path: "d", Kind: archive.EntryFile, Change: archive.ChangeAdded, Size: 5, Mode: 0o644, ModTime: testT1, Ref: testRef("r3", archive.PayloadFull, 5)},
	}}, chain.Snapshots[1])

	d, ok := tree.Lookup("d")
	if !ok {
		t.Fatal("recreated d missing")
	}
	if d.Kind != archive.EntryFile || d.Ref.Object != "r3" {
		t.Errorf("d = kind %q ref %q, want recreated file", d.Kind, d.Ref.Object)
	}
	if _, ok := tree.Lookup("d/f"); ok {
		t.Error("d/f survived the subtree deletion")
	}
	keep, ok := tree.Lookup("keep")
	if !ok || keep.Change != archive.ChangeUnchanged {
		t.Errorf("keep = %+v, want inherited unchanged entry", keep)
	}
}

func TestFold_KindChangeDropsChildren(t *testing.T) {
	b := NewBuilder(nil, BuilderOptions{})
	chain := foldChain(testT0, testT1)

	base := b.fold(nil, &archive.Manifest{Entries: []archive.Entry{
		{Path: "d", Kind: archive.EntryDir, Change: archive.ChangeAdded, Mode: 0o755, ModTime: testT0},
		{Path: "d/f", Kind: archive.EntryFile, Change: archive.ChangeAdded, Size: 3, Mode: 0o644, ModTime: testT0, Ref: testRef("r1", archive.PayloadFull, 3)},
	}}, chain.Snapshots[0])

	tree := b.fold(base, &archive.Manifest{Entries: []archive.Entry{
		{Path: "d", Kind: archive.EntryFile, Change: archive.ChangeModified, Size: 2, Mode: 0o644, ModTime: testT1, Ref: testRef("r2", archive.PayloadFull, 2)},
	}}, chain.Snapshots[1])

	d, ok := tree.Lookup("d")
	if !ok || d.Kind != archive.EntryFile {
		t.Fatalf("d = %+v, want regular file", d)
	}
	if _, ok := tree.Lookup("d/f"); ok {
		t.Error("d/f survived its parent becoming a file")
	}
}

func TestFold_SoftCorruption(t *testing.T) {
	b := NewBuilder(nil, BuilderOptions{})
	chain := foldChain(testT0, testT1)

	base := b.fold(nil, &archive.Manifest{Entries: []archive.Entry{
		{Path: "a", Kind: archive.EntryFile, Change: archive.ChangeAdded, Size: 1, Mode: 0o644, ModTime: testT0, Ref: testRef("r1", archive.PayloadFull, 1)},
	}}, chain.Snapshots[0])

	tree := b.fold(base, &archive.Manifest{Entries: []archive.Entry{
		// Contradictions: skipped, never fatal.
		{Path: "ghost", Kind: archive.EntryFile, Change: archive.ChangeModified, Size: 1, ModTime: testT1, Ref: testRef("r2", archive.PayloadFull, 1)},
		{Path: "phantom", Kind: archive.EntryFile, Change: archive.ChangeDeleted, ModTime: testT1},
		{Path: "/abs", Kind: archive.EntryFile, Change: archive.ChangeAdded, Size: 1, ModTime: testT1, Ref: testRef("r3", archive.PayloadFull, 1)},
		{Path: "../escape", Kind: archive.EntryFile, Change: archive.ChangeAdded, Size: 1, ModTime: testT1, Ref: testRef("r4", archive.PayloadFull, 1)},
		// Legitimate add without its parents listed: parents synthesized.
		{Path: "deep/x/y.txt", Kind: archive.EntryFile, Change: archive.ChangeAdded, Size: 2, Mode: 0o644, ModTime: testT1, Ref: testRef("r5", archive.PayloadFull, 2)},
	}}, chain.Snapshots[1])

	for _, p := range []string{"ghost", "phantom", "/abs", "../escape"} {
		if _, ok := tree.Lookup(p); ok {
			t.Errorf("%s applied, want skipped", p)
		}
	}
	if _, ok := tree.Lookup("deep/x/y.txt"); !ok {
		t.Fatal("deep/x/y.txt missing")
	}
	for _, p := range []string{"deep", "deep/x"} {
		e, ok := tree.Lookup(p)
		if !ok {
			t.Fatalf("synthesized parent %s missing", p)
		}
		if e.Kind != archive.EntryDir {
			t.Errorf("%s = kind %q, want dir", p, e.Kind)
		}
	}
	if a, ok := tree.Lookup("a"); !ok || a.Change != archive.ChangeUnchanged {
		t.Errorf("a = %+v, want inherited unchanged entry", a)
	}
}

// countingStore counts manifest fetches through to the real store.
type countingStore struct {
	archive.Store
	mu        sync.Mutex
	manifests int
}

func (cs *countingStore) Manifest(ctx context.Context, c archive.Collection) (*archive.Manifest, error) {
	cs.mu.Lock()
	cs.manifests++
	cs.mu.Unlock()
	return cs.Store.Manifest(ctx, c)
}

func (cs *countingStore) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.manifests
}

func TestBuilder_ConcurrentBuildsCollapse(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Store: writeScenario(t)}
	ix := scenarioIndex(t, cs)
	b := NewBuilder(cs, BuilderOptions{})

	snap, err := ix.Resolve("latest", "latest")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Tree(ctx, snap); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Tree: %v", err)
	}

	// One fetch for the full manifest, one for the incremental.
	if got := cs.count(); got != 2 {
		t.Errorf("manifest fetches = %d, want 2", got)
	}

	if _, err := b.Tree(ctx, snap); err != nil {
		t.Fatalf("Tree from cache: %v", err)
	}
	if got := cs.count(); got != 2 {
		t.Errorf("manifest fetches after cache hit = %d, want 2", got)
	}
}

func TestBuilder_RebuildAfterEviction(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Store: writeScenario(t)}
	ix := scenarioIndex(t, cs)
	b := NewBuilder(cs, BuilderOptions{TreeCache: 1})

	full := ix.Chains()[0].Snapshots[0]
	inc := ix.Chains()[0].Snapshots[1]

	first, err := b.Tree(ctx, inc)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	// Cache holds one tree, so asking for the full evicts the
	// incremental and the next request rebuilds it.
	if _, err := b.Tree(ctx, full); err != nil {
		t.Fatalf("Tree(full): %v", err)
	}
	second, err := b.Tree(ctx, inc)
	if err != nil {
		t.Fatalf("Tree after eviction: %v", err)
	}
	if cs.count() < 3 {
		t.Errorf("manifest fetches = %d, want a rebuild to have happened", cs.count())
	}

	af, _ := first.Lookup("a.txt")
	as, ok := second.Lookup("a.txt")
	if !ok || af != as {
		t.Errorf("rebuilt tree differs: %+v vs %+v", af, as)
	}
	ff, fb := first.Stats()
	sf, sb := second.Stats()
	if ff != sf || fb != sb {
		t.Errorf("rebuilt stats differ: (%d,%d) vs (%d,%d)", ff, fb, sf, sb)
	}
}
