package backup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chronofs/chronofs/archive"
)

// LatestLabel is the alias directory that points at the newest chain
// or the newest snapshot within a chain.
const LatestLabel = "latest"

// Index holds every chain found in an archive. It is built once at
// mount time and never changes afterward.
type Index struct {
	chains  []*Chain
	byLabel map[string]*Chain
}

// NewIndex enumerates the store's collections and links them into
// chains. Structural problems are fatal here: an incremental without
// its full, a base that does not match its predecessor, anything that
// would make time travel lie later. A store with no collections yields
// an empty, mountable index.
func NewIndex(ctx context.Context, store archive.Store, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cols, err := store.Collections(ctx)
	if err != nil {
		return nil, classify(err)
	}

	ix := &Index{byLabel: make(map[string]*Chain)}
	var cur *Chain
	for _, col := range cols {
		switch col.Kind {
		case archive.KindFull:
			cur = &Chain{}
			cur.Snapshots = append(cur.Snapshots, &Snapshot{
				Time:       col.Time,
				Kind:       col.Kind,
				Seq:        0,
				Chain:      cur,
				Collection: col,
			})
			ix.chains = append(ix.chains, cur)
		case archive.KindIncremental:
			if cur == nil {
				return nil, fmt.Errorf("%w: incremental %s has no preceding full snapshot",
					ErrArchiveCorrupt, col.Label())
			}
			prev := cur.Latest()
			if !col.Base.Equal(prev.Time) {
				return nil, fmt.Errorf("%w: incremental %s declares base %s but predecessor is %s",
					ErrArchiveCorrupt, col.Label(),
					col.Base.UTC().Format(time.RFC3339), prev.Label())
			}
			cur.Snapshots = append(cur.Snapshots, &Snapshot{
				Time:       col.Time,
				Kind:       col.Kind,
				Seq:        len(cur.Snapshots),
				Chain:      cur,
				Collection: col,
			})
		default:
			return nil, fmt.Errorf("%w: collection %s has unknown kind", ErrArchiveCorrupt, col.Label())
		}
	}

	for _, c := range ix.chains {
		ix.byLabel[c.Label()] = c
	}

	logger.Info("indexed archive",
		zap.Int("chains", len(ix.chains)),
		zap.Int("snapshots", ix.snapshotCount()))
	return ix, nil
}

func (ix *Index) snapshotCount() int {
	n := 0
	for _, c := range ix.chains {
		n += len(c.Snapshots)
	}
	return n
}

// Chains returns every chain, oldest full first.
func (ix *Index) Chains() []*Chain {
	return ix.chains
}

// Chain resolves a chain label: an exact RFC 3339 label or "latest".
func (ix *Index) Chain(label string) (*Chain, error) {
	if label == LatestLabel {
		if len(ix.chains) == 0 {
			return nil, fmt.Errorf("%w: archive has no chains", ErrNotFound)
		}
		return ix.chains[len(ix.chains)-1], nil
	}
	if c, ok := ix.byLabel[label]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: chain %q", ErrNotFound, label)
}

// Resolve maps a chain label and snapshot label to one snapshot.
func (ix *Index) Resolve(chainLabel, snapLabel string) (*Snapshot, error) {
	c, err := ix.Chain(chainLabel)
	if err != nil {
		return nil, err
	}
	return c.Resolve(snapLabel)
}

// Latest returns the newest snapshot in the archive, or an error for
// an empty archive.
func (ix *Index) Latest() (*Snapshot, error) {
	c, err := ix.Chain(LatestLabel)
	if err != nil {
		return nil, err
	}
	return c.Latest(), nil
}

// Resolve maps a snapshot label to a snapshot within the chain. Exact
// RFC 3339 labels and "latest" hit directly; a bare date resolves to
// the newest snapshot at or before the end of that day, so browsing
// "what did things look like on the 15th" works without knowing the
// exact backup time.
func (c *Chain) Resolve(label string) (*Snapshot, error) {
	if label == LatestLabel {
		return c.Latest(), nil
	}
	if ts, err := time.Parse(time.RFC3339, label); err == nil {
		for _, s := range c.Snapshots {
			if s.Time.Equal(ts) {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%w: snapshot %q in chain %s", ErrNotFound, label, c.Label())
	}
	if date, err := time.Parse("2006-01-02", label); err == nil {
		endOfDay := date.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
		var best *Snapshot
		for _, s := range c.Snapshots {
			if !s.Time.After(endOfDay) {
				best = s
			}
		}
		if best != nil {
			return best, nil
		}
		return nil, fmt.Errorf("%w: no snapshot at or before %s in chain %s", ErrNotFound, label, c.Label())
	}
	return nil, fmt.Errorf("%w: snapshot %q in chain %s", ErrNotFound, label, c.Label())
}
