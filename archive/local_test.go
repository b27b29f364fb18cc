package archive_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/chronofs/chronofs/archive"
	"github.com/chronofs/chronofs/archive/archivetest"
)

func TestLocalStore_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	err := archivetest.WriteChain(archivetest.Options{Dir: dir, Codec: archive.CodecZstd},
		archivetest.Snapshot{Time: t0, Files: map[string]archivetest.File{
			"a.txt":     {Data: "hello"},
			"dir/b.txt": {Data: "x"},
		}},
		archivetest.Snapshot{Time: t1, Files: map[string]archivetest.File{
			"a.txt": {Data: "hello world"},
		}},
	)
	if err != nil {
		t.Fatalf("WriteChain: %v", err)
	}

	store, err := archive.NewLocalStore(dir, archive.StoreOptions{})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	cols, err := store.Collections(ctx)
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("got %d collections, want 2", len(cols))
	}
	if cols[0].Kind != archive.KindFull || cols[1].Kind != archive.KindIncremental {
		t.Fatalf("collection kinds = %v, %v", cols[0].Kind, cols[1].Kind)
	}
	if !cols[1].Base.Equal(cols[0].Time) {
		t.Errorf("incremental base %v does not match full time %v", cols[1].Base, cols[0].Time)
	}

	full, err := store.Manifest(ctx, cols[0])
	if err != nil {
		t.Fatalf("Manifest(full): %v", err)
	}
	if len(full.Entries) != 3 {
		t.Fatalf("full manifest has %d entries, want 3 (a.txt, dir, dir/b.txt)", len(full.Entries))
	}

	var aRef *archive.ObjectRef
	full.Iterate(func(e archive.Entry) bool {
		if e.Path == "a.txt" {
			aRef = e.Ref
		}
		return true
	})
	if aRef == nil {
		t.Fatal("a.txt has no content ref")
	}

	vol, err := store.OpenVolume(ctx, aRef.Volume)
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	defer vol.Close()
	base, err := vol.Object(*aRef)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if string(base) != "hello" {
		t.Errorf("a.txt content = %q, want %q", base, "hello")
	}

	inc, err := store.Manifest(ctx, cols[1])
	if err != nil {
		t.Fatalf("Manifest(inc): %v", err)
	}
	changes := make(map[string]archive.Entry)
	inc.Iterate(func(e archive.Entry) bool {
		changes[e.Path] = e
		return true
	})
	if e := changes["a.txt"]; e.Change != archive.ChangeModified || e.Ref == nil || e.Ref.Payload != archive.PayloadDelta {
		t.Fatalf("a.txt incremental entry = %+v, want modified with delta ref", e)
	}
	if e := changes["dir/b.txt"]; e.Change != archive.ChangeDeleted {
		t.Errorf("dir/b.txt change = %v, want deleted", e.Change)
	}
	if e := changes["dir"]; e.Change != archive.ChangeDeleted {
		t.Errorf("dir change = %v, want deleted", e.Change)
	}

	// Rebuild a.txt at t1 from base + delta.
	dRef := changes["a.txt"].Ref
	dVol, err := store.OpenVolume(ctx, dRef.Volume)
	if err != nil {
		t.Fatalf("OpenVolume(delta): %v", err)
	}
	defer dVol.Close()
	blob, err := dVol.Object(*dRef)
	if err != nil {
		t.Fatalf("Object(delta): %v", err)
	}
	d, err := archive.DecodeDelta(blob)
	if err != nil {
		t.Fatalf("DecodeDelta: %v", err)
	}
	got, err := archive.ApplyDelta(base, d)
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("a.txt at t1 = %q, want %q", got, "hello world")
	}
}

func TestLocalStore_Encrypted(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity: %v", err)
	}
	keys := archive.NewKeyring(id)

	dir := t.TempDir()
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	err = archivetest.WriteChain(archivetest.Options{Dir: dir, Codec: archive.CodecLZ4, Keyring: keys},
		archivetest.Snapshot{Time: t0, Files: map[string]archivetest.File{
			"secret.txt": {Data: "classified payload"},
		}},
	)
	if err != nil {
		t.Fatalf("WriteChain: %v", err)
	}

	spool, err := archive.NewSpool(t.TempDir(), 1<<20, nil)
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	store, err := archive.NewLocalStore(dir, archive.StoreOptions{Keyring: keys, Spool: spool})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	cols, err := store.Collections(ctx)
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if len(cols) != 1 || !cols[0].Encrypted {
		t.Fatalf("collections = %+v, want one encrypted", cols)
	}

	m, err := store.Manifest(ctx, cols[0])
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	var ref *archive.ObjectRef
	m.Iterate(func(e archive.Entry) bool {
		if e.Path == "secret.txt" {
			ref = e.Ref
		}
		return true
	})
	if ref == nil {
		t.Fatal("secret.txt has no content ref")
	}

	vol, err := store.OpenVolume(ctx, ref.Volume)
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	defer vol.Close()
	data, err := vol.Object(*ref)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if string(data) != "classified payload" {
		t.Errorf("content = %q", data)
	}

	// Without identities the archive stays sealed. The bare store gets
	// its own spool so it cannot ride on the volume decrypted above.
	bareSpool, err := archive.NewSpool(t.TempDir(), 1<<20, nil)
	if err != nil {
		t.Fatalf("NewSpool(bare): %v", err)
	}
	bare, err := archive.NewLocalStore(dir, archive.StoreOptions{Spool: bareSpool})
	if err != nil {
		t.Fatalf("NewLocalStore(bare): %v", err)
	}
	if _, err := bare.Manifest(ctx, cols[0]); !errors.Is(err, archive.ErrEncrypted) {
		t.Errorf("Manifest without keyring error = %v, want ErrEncrypted", err)
	}
	if _, err := bare.OpenVolume(ctx, ref.Volume); !errors.Is(err, archive.ErrEncrypted) {
		t.Errorf("OpenVolume without keyring error = %v, want ErrEncrypted", err)
	}
}
