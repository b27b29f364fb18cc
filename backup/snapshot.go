package backup

import (
	"time"

	"github.com/chronofs/chronofs/archive"
)

// Snapshot is one restorable point in time: a full backup or one
// incremental on top of it. Seq is its position within the chain,
// where 0 is always the full snapshot.
type Snapshot struct {
	Time       time.Time
	Kind       archive.Kind
	Seq        int
	Chain      *Chain
	Collection archive.Collection
}

// Label returns the snapshot's directory name, the RFC 3339 form of
// its timestamp.
func (s *Snapshot) Label() string {
	return s.Time.UTC().Format(time.RFC3339)
}

// Prev returns the snapshot this one applies on top of, or nil for
// the full snapshot.
func (s *Snapshot) Prev() *Snapshot {
	if s.Seq == 0 {
		return nil
	}
	return s.Chain.Snapshots[s.Seq-1]
}

// Chain is a full snapshot plus the ordered incrementals that build on
// it. Snapshots[0] is the full; each later snapshot's base is its
// predecessor's timestamp.
type Chain struct {
	Snapshots []*Snapshot
}

// Label returns the chain's directory name, the RFC 3339 form of the
// full snapshot's timestamp.
func (c *Chain) Label() string {
	return c.Snapshots[0].Label()
}

// Start returns the time of the chain's full snapshot.
func (c *Chain) Start() time.Time {
	return c.Snapshots[0].Time
}

// End returns the time of the chain's newest snapshot.
func (c *Chain) End() time.Time {
	return c.Snapshots[len(c.Snapshots)-1].Time
}

// Latest returns the chain's newest snapshot.
func (c *Chain) Latest() *Snapshot {
	return c.Snapshots[len(c.Snapshots)-1]
}
