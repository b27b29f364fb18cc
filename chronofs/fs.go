package chronofs

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/chronofs/chronofs/backup"
)

// Options wires the filesystem to an indexed archive.
type Options struct {
	Index         *backup.Index
	Builder       *backup.Builder
	Reconstructor *backup.Reconstructor
	Logger        *zap.Logger

	// AttrTimeout is how long the kernel may cache attributes. The
	// archive never changes under a mount, so the default is a full
	// hour. Zero means the default.
	AttrTimeout time.Duration
}

// FS implements the chronofs FUSE filesystem.
type FS struct {
	ix      *backup.Index
	bld     *backup.Builder
	rec     *backup.Reconstructor
	logger  *zap.Logger
	attrTTL time.Duration
	mounted time.Time
}

func New(opts Options) *FS {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := opts.AttrTimeout
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FS{
		ix:      opts.Index,
		bld:     opts.Builder,
		rec:     opts.Reconstructor,
		logger:  logger,
		attrTTL: ttl,
		mounted: time.Now(),
	}
}

// Root returns the filesystem root, which lists the chains.
func (f *FS) Root() (fs.Node, error) {
	return &Dir{fs: f}, nil
}

// Statfs reports the latest snapshot's totals, which is what "how big
// is this backup" means to someone running df on the mount.
func (f *FS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	const bsize = 4096
	resp.Bsize = bsize
	resp.Frsize = bsize
	resp.Namelen = 255

	snap, err := f.ix.Latest()
	if errors.Is(err, backup.ErrNotFound) {
		return nil
	}
	if err != nil {
		return f.errno("statfs", "/", err)
	}
	tree, err := f.bld.Tree(ctx, snap)
	if err != nil {
		return f.errno("statfs", "/", err)
	}
	files, bytes := tree.Stats()
	resp.Files = uint64(files)
	resp.Blocks = uint64((bytes + bsize - 1) / bsize)
	return nil
}

var (
	_ fs.FS         = (*FS)(nil)
	_ fs.FSStatfser = (*FS)(nil)
)

// errno translates a backup-layer error for the kernel, logging the
// ones that signify real trouble rather than ordinary misses.
func (f *FS) errno(op, path string, err error) error {
	if err == nil {
		return nil
	}
	e := errnoFor(err)
	if e == syscall.EIO {
		f.logger.Warn("filesystem operation failed",
			zap.String("op", op),
			zap.String("path", path),
			zap.Error(err))
	}
	return e
}

func errnoFor(err error) syscall.Errno {
	switch {
	case errors.Is(err, backup.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, backup.ErrNotARegularFile):
		return syscall.EISDIR
	case errors.Is(err, backup.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, backup.ErrContentTooLarge):
		return syscall.EFBIG
	case errors.Is(err, backup.ErrStaleHandle):
		return syscall.EBADF
	default:
		return syscall.EIO
	}
}

// rootInode is fixed; everything else hashes its identity so an entry
// keeps its inode no matter which alias it was reached through.
const rootInode = 1

func chainInode(c *backup.Chain) uint64 {
	return hashInode("chain", c.Label())
}

func entryInode(snap *backup.Snapshot, path string) uint64 {
	return hashInode(snap.Chain.Label(), strconv.Itoa(snap.Seq), path)
}

func hashInode(parts ...string) uint64 {
	sum := blake3.Sum256([]byte(strings.Join(parts, "\x00")))
	ino := binary.BigEndian.Uint64(sum[:8])
	if ino <= rootInode {
		ino = rootInode + 1
	}
	return ino
}
