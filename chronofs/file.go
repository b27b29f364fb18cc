package chronofs

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/chronofs/chronofs/backup"
)

// File is a regular file within a snapshot.
type File struct {
	fs    *FS
	snap  *backup.Snapshot
	path  string
	entry backup.Entry
}

func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Valid = f.fs.attrTTL
	a.Inode = entryInode(f.snap, f.path)
	a.Mode = os.FileMode(f.entry.Mode & 0o777)
	a.Size = uint64(f.entry.Size)
	a.Blocks = (uint64(f.entry.Size) + 511) / 512
	a.Mtime = f.entry.ModTime
	a.Ctime = f.entry.ModTime
	a.Nlink = 1
	return nil
}

// Open resolves the file's content and hands out a read handle. Write
// access of any kind is refused before touching the archive.
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if !req.Flags.IsReadOnly() {
		return nil, syscall.EROFS
	}
	id, err := f.fs.rec.Open(ctx, f.snap, f.path)
	if err != nil {
		return nil, f.fs.errno("open", f.path, err)
	}
	// Snapshot content never changes, so the kernel may keep pages
	// across opens.
	resp.Flags |= fuse.OpenKeepCache
	return &FileHandle{fs: f.fs, id: id, path: f.path}, nil
}

func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return syscall.EROFS
}

func (f *File) Setxattr(ctx context.Context, req *fuse.SetxattrRequest) error {
	return syscall.EROFS
}

func (f *File) Removexattr(ctx context.Context, req *fuse.RemovexattrRequest) error {
	return syscall.EROFS
}

// FileHandle is one open file, backed by a reconstructor handle.
type FileHandle struct {
	fs   *FS
	id   uint64
	path string
}

func (h *FileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := h.fs.rec.ReadAt(ctx, h.id, buf, req.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return h.fs.errno("read", h.path, err)
	}
	resp.Data = buf[:n]
	return nil
}

func (h *FileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	return syscall.EROFS
}

func (h *FileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	if err := h.fs.rec.Release(h.id); err != nil {
		return h.fs.errno("release", h.path, err)
	}
	return nil
}

// Symlink is a symbolic link within a snapshot. The target is plain
// manifest metadata, so no handle is involved.
type Symlink struct {
	fs    *FS
	snap  *backup.Snapshot
	path  string
	entry backup.Entry
}

func (s *Symlink) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Valid = s.fs.attrTTL
	a.Inode = entryInode(s.snap, s.path)
	a.Mode = os.ModeSymlink | os.FileMode(s.entry.Mode&0o777)
	a.Size = uint64(len(s.entry.Link))
	a.Mtime = s.entry.ModTime
	a.Ctime = s.entry.ModTime
	return nil
}

func (s *Symlink) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	return s.entry.Link, nil
}

var (
	_ fs.Node              = (*File)(nil)
	_ fs.NodeOpener        = (*File)(nil)
	_ fs.NodeSetattrer     = (*File)(nil)
	_ fs.NodeSetxattrer    = (*File)(nil)
	_ fs.NodeRemovexattrer = (*File)(nil)
	_ fs.HandleReader      = (*FileHandle)(nil)
	_ fs.HandleWriter      = (*FileHandle)(nil)
	_ fs.HandleReleaser    = (*FileHandle)(nil)
	_ fs.Node              = (*Symlink)(nil)
	_ fs.NodeReadlinker    = (*Symlink)(nil)
)
