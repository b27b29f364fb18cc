package archive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Collection is one snapshot's set of archive files: a manifest plus its
// volumes, grouped by the timestamps in their filenames.
type Collection struct {
	Kind      Kind
	Base      time.Time
	Time      time.Time
	Encrypted bool
	Manifest  string         // manifest filename
	Volumes   map[int]string // volume number -> filename
}

// Label returns the collection's identity for logs and errors.
func (c Collection) Label() string {
	return stem(c.Kind, c.Base, c.Time)
}

// Store is how the rest of chronofs reads an archive. Implementations
// handle location (local directory, s3:// prefix) and decryption; callers
// see parsed collections, decoded manifests, and open volumes.
type Store interface {
	// Collections lists the archive's snapshots, sorted by time.
	Collections(ctx context.Context) ([]Collection, error)

	// Manifest fetches and decodes one collection's manifest.
	Manifest(ctx context.Context, c Collection) (*Manifest, error)

	// OpenVolume opens a volume by filename for object reads. The caller
	// must Close it.
	OpenVolume(ctx context.Context, name string) (*Volume, error)
}

// StoreOptions carries the cross-backend dependencies of a Store.
type StoreOptions struct {
	Keyring *Keyring    // nil when the archive is plaintext
	Spool   *Spool      // required for s3 and encrypted archives
	S3      S3Config    // used only for s3:// locations
	Logger  *zap.Logger // defaults to a nop logger
}

func (o StoreOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// NewStore opens the archive at location: an s3://bucket/prefix URL or a
// local directory path.
func NewStore(ctx context.Context, location string, opts StoreOptions) (Store, error) {
	if strings.HasPrefix(location, "s3://") {
		return NewS3Store(ctx, location, opts)
	}
	return NewLocalStore(location, opts)
}

// groupCollections assembles parsed filenames into collections. Names that
// do not match the naming scheme are ignored, so an archive can live
// alongside unrelated files. Structural problems within matching names
// (duplicate or missing pieces, mixed encryption) are errors: the caller
// cannot trust such a listing.
func groupCollections(names []string) ([]Collection, error) {
	byStem := make(map[string]*Collection)
	for _, name := range names {
		info, err := ParseName(name)
		if err != nil {
			continue
		}
		key := stem(info.Kind, info.Base, info.Time)
		c, ok := byStem[key]
		if !ok {
			c = &Collection{
				Kind:      info.Kind,
				Base:      info.Base,
				Time:      info.Time,
				Encrypted: info.Encrypted,
				Volumes:   make(map[int]string),
			}
			byStem[key] = c
		}
		if info.Encrypted != c.Encrypted {
			return nil, fmt.Errorf("collection %s mixes encrypted and plaintext files", key)
		}
		if info.Manifest {
			if c.Manifest != "" {
				return nil, fmt.Errorf("collection %s has two manifests", key)
			}
			c.Manifest = name
		} else {
			if prev, dup := c.Volumes[info.Volume]; dup {
				return nil, fmt.Errorf("collection %s has duplicate volume %d (%s, %s)", key, info.Volume, prev, name)
			}
			c.Volumes[info.Volume] = name
		}
	}

	out := make([]Collection, 0, len(byStem))
	for key, c := range byStem {
		if c.Manifest == "" {
			return nil, fmt.Errorf("%w: collection %s", ErrNoManifest, key)
		}
		for i := 1; i <= len(c.Volumes); i++ {
			if _, ok := c.Volumes[i]; !ok {
				return nil, fmt.Errorf("collection %s is missing volume %d", key, i)
			}
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

// decodeManifestData decrypts (when needed), decodes, and cross-checks a
// fetched manifest against the collection it claims to describe.
func decodeManifestData(data []byte, c Collection, keys *Keyring) (*Manifest, error) {
	if c.Encrypted {
		var err error
		data, err = keys.DecryptAll(data)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", c.Manifest, err)
		}
	}
	m, err := DecodeManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", c.Manifest, err)
	}
	if m.Kind != c.Kind || !m.Time.Equal(c.Time) {
		return nil, fmt.Errorf("manifest %s does not match its filename", c.Manifest)
	}
	if c.Kind == KindIncremental && !m.Base.Equal(c.Base) {
		return nil, fmt.Errorf("manifest %s base time does not match its filename", c.Manifest)
	}
	if m.Volumes != len(c.Volumes) {
		return nil, fmt.Errorf("manifest %s lists %d volumes, found %d", c.Manifest, m.Volumes, len(c.Volumes))
	}
	return m, nil
}
