package chronofs

import (
	"context"
	"os"
	"path"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/chronofs/chronofs/archive"
	"github.com/chronofs/chronofs/backup"
)

// Dir is a directory node at any level: the root (listing chains), a
// chain (listing snapshots), or a directory inside a snapshot.
type Dir struct {
	fs    *FS
	chain *backup.Chain    // set below the root
	snap  *backup.Snapshot // set inside a snapshot
	path  string           // path within the snapshot, "." at its root
}

func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Valid = d.fs.attrTTL
	switch {
	case d.snap != nil:
		tree, err := d.fs.bld.Tree(ctx, d.snap)
		if err != nil {
			return d.fs.errno("attr", d.path, err)
		}
		e, ok := tree.Lookup(d.path)
		if !ok {
			return syscall.ENOENT
		}
		a.Inode = entryInode(d.snap, d.path)
		a.Mode = os.ModeDir | os.FileMode(e.Mode&0o777)
		a.Mtime = e.ModTime
		a.Ctime = e.ModTime
	case d.chain != nil:
		a.Inode = chainInode(d.chain)
		a.Mode = os.ModeDir | 0o555
		a.Mtime = d.chain.End()
		a.Ctime = d.chain.Start()
	default:
		a.Inode = rootInode
		a.Mode = os.ModeDir | 0o555
		a.Mtime = d.fs.mounted
		a.Ctime = d.fs.mounted
	}
	return nil
}

func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	switch {
	case d.snap != nil:
		return d.lookupEntry(ctx, name)
	case d.chain != nil:
		snap, err := d.chain.Resolve(name)
		if err != nil {
			return nil, d.fs.errno("lookup", name, err)
		}
		return &Dir{fs: d.fs, chain: d.chain, snap: snap, path: "."}, nil
	default:
		c, err := d.fs.ix.Chain(name)
		if err != nil {
			return nil, d.fs.errno("lookup", name, err)
		}
		return &Dir{fs: d.fs, chain: c}, nil
	}
}

func (d *Dir) lookupEntry(ctx context.Context, name string) (fs.Node, error) {
	tree, err := d.fs.bld.Tree(ctx, d.snap)
	if err != nil {
		return nil, d.fs.errno("lookup", d.path, err)
	}
	p := path.Join(d.path, name)
	e, ok := tree.Lookup(p)
	if !ok {
		return nil, syscall.ENOENT
	}
	switch e.Kind {
	case archive.EntryDir:
		return &Dir{fs: d.fs, chain: d.chain, snap: d.snap, path: p}, nil
	case archive.EntryFile:
		return &File{fs: d.fs, snap: d.snap, path: p, entry: e}, nil
	case archive.EntrySymlink:
		return &Symlink{fs: d.fs, snap: d.snap, path: p, entry: e}, nil
	default:
		// Sockets, devices and the like have no faithful read-only
		// representation; they stay invisible.
		return nil, syscall.ENOENT
	}
}

func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	switch {
	case d.snap != nil:
		tree, err := d.fs.bld.Tree(ctx, d.snap)
		if err != nil {
			return nil, d.fs.errno("readdir", d.path, err)
		}
		entries, err := tree.List(d.path)
		if err != nil {
			return nil, d.fs.errno("readdir", d.path, err)
		}
		dirents := make([]fuse.Dirent, 0, len(entries))
		for _, e := range entries {
			var dt fuse.DirentType
			switch e.Kind {
			case archive.EntryDir:
				dt = fuse.DT_Dir
			case archive.EntryFile:
				dt = fuse.DT_File
			case archive.EntrySymlink:
				dt = fuse.DT_Link
			default:
				continue
			}
			dirents = append(dirents, fuse.Dirent{
				Inode: entryInode(d.snap, e.Path),
				Name:  path.Base(e.Path),
				Type:  dt,
			})
		}
		return dirents, nil

	case d.chain != nil:
		dirents := make([]fuse.Dirent, 0, len(d.chain.Snapshots)+1)
		for _, s := range d.chain.Snapshots {
			dirents = append(dirents, fuse.Dirent{
				Inode: entryInode(s, "."),
				Name:  s.Label(),
				Type:  fuse.DT_Dir,
			})
		}
		dirents = append(dirents, fuse.Dirent{
			Inode: entryInode(d.chain.Latest(), "."),
			Name:  backup.LatestLabel,
			Type:  fuse.DT_Dir,
		})
		return dirents, nil

	default:
		chains := d.fs.ix.Chains()
		dirents := make([]fuse.Dirent, 0, len(chains)+1)
		for _, c := range chains {
			dirents = append(dirents, fuse.Dirent{
				Inode: chainInode(c),
				Name:  c.Label(),
				Type:  fuse.DT_Dir,
			})
		}
		if len(chains) > 0 {
			dirents = append(dirents, fuse.Dirent{
				Inode: chainInode(chains[len(chains)-1]),
				Name:  backup.LatestLabel,
				Type:  fuse.DT_Dir,
			})
		}
		return dirents, nil
	}
}

// Everything below rejects mutation. The mount is also flagged
// read-only, but the kernel is not the only caller of these methods.

func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	return nil, nil, syscall.EROFS
}

func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	return nil, syscall.EROFS
}

func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	return syscall.EROFS
}

func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	return syscall.EROFS
}

func (d *Dir) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fs.Node, error) {
	return nil, syscall.EROFS
}

func (d *Dir) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return syscall.EROFS
}

func (d *Dir) Link(ctx context.Context, req *fuse.LinkRequest, old fs.Node) (fs.Node, error) {
	return nil, syscall.EROFS
}

func (d *Dir) Setxattr(ctx context.Context, req *fuse.SetxattrRequest) error {
	return syscall.EROFS
}

func (d *Dir) Removexattr(ctx context.Context, req *fuse.RemovexattrRequest) error {
	return syscall.EROFS
}

var (
	_ fs.Node               = (*Dir)(nil)
	_ fs.NodeStringLookuper = (*Dir)(nil)
	_ fs.HandleReadDirAller = (*Dir)(nil)
	_ fs.NodeCreater        = (*Dir)(nil)
	_ fs.NodeMkdirer        = (*Dir)(nil)
	_ fs.NodeRemover        = (*Dir)(nil)
	_ fs.NodeRenamer        = (*Dir)(nil)
	_ fs.NodeSymlinker      = (*Dir)(nil)
	_ fs.NodeSetattrer      = (*Dir)(nil)
	_ fs.NodeLinker         = (*Dir)(nil)
	_ fs.NodeSetxattrer     = (*Dir)(nil)
	_ fs.NodeRemovexattrer  = (*Dir)(nil)
)
