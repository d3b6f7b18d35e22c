// Package fs adapts the mount context to the kernel through go-fuse.
// Nodes resolve their current path through the kernel-maintained inode
// tree and delegate every operation to the per-mount context; file and
// directory handles wrap the context's descriptors so unlinked-but-open
// semantics carry through.
package fs

import (
	"context"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/wimtools/wimount/internal/catalog"
	"github.com/wimtools/wimount/internal/mount"
)

// Server is a mounted filesystem daemon.
type Server struct {
	ctx        *mount.Context
	mountpoint string
	srv        *fuse.Server
	log        *zap.Logger
}

// Mount mounts the image at mountpoint. The FUSE loop is single-threaded:
// no two request callbacks run concurrently, so the mount context needs no
// lock discipline.
func Mount(ctx *mount.Context, mountpoint string, debug bool, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root := &wimNode{ctx: ctx}

	attrTimeout := time.Second
	entryTimeout := time.Second
	opts := &fs.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:         "wimfs",
			Name:           "wimfs",
			Debug:          debug,
			SingleThreaded: true,
		},
	}
	if !ctx.ReadWrite() {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "ro")
	}

	srv, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("filesystem mounted", zap.String("mountpoint", mountpoint))
	return &Server{ctx: ctx, mountpoint: mountpoint, srv: srv, log: logger}, nil
}

// wimNode is one tree node. It carries no per-node state beyond the shared
// context; the node's path is derived from the kernel inode tree, which
// tracks renames.
type wimNode struct {
	fs.Inode
	ctx *mount.Context
}

var _ = (fs.NodeGetattrer)((*wimNode)(nil))
var _ = (fs.NodeSetattrer)((*wimNode)(nil))
var _ = (fs.NodeLookuper)((*wimNode)(nil))
var _ = (fs.NodeReaddirer)((*wimNode)(nil))
var _ = (fs.NodeOpendirHandler)((*wimNode)(nil))
var _ = (fs.NodeOpener)((*wimNode)(nil))
var _ = (fs.NodeCreater)((*wimNode)(nil))
var _ = (fs.NodeMkdirer)((*wimNode)(nil))
var _ = (fs.NodeMknoder)((*wimNode)(nil))
var _ = (fs.NodeRmdirer)((*wimNode)(nil))
var _ = (fs.NodeUnlinker)((*wimNode)(nil))
var _ = (fs.NodeRenamer)((*wimNode)(nil))
var _ = (fs.NodeLinker)((*wimNode)(nil))
var _ = (fs.NodeSymlinker)((*wimNode)(nil))
var _ = (fs.NodeReadlinker)((*wimNode)(nil))
var _ = (fs.NodeAccesser)((*wimNode)(nil))
var _ = (fs.NodeGetxattrer)((*wimNode)(nil))
var _ = (fs.NodeSetxattrer)((*wimNode)(nil))
var _ = (fs.NodeListxattrer)((*wimNode)(nil))
var _ = (fs.NodeRemovexattrer)((*wimNode)(nil))

// nodePath returns the node's absolute path inside the image.
func (n *wimNode) nodePath() string {
	return "/" + n.Path(nil)
}

func (n *wimNode) childPath(name string) string {
	return path.Join(n.nodePath(), name)
}

func fillAttr(a mount.Attr, out *fuse.Attr) {
	out.Ino = a.Ino
	out.Size = uint64(a.Size)
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	atime, mtime, ctime := a.Atime, a.Mtime, a.Ctime
	out.SetTimes(&atime, &mtime, &ctime)
}

// newChild wraps a resolved path in an inode. ADS-addressed children get
// an auto-assigned inode number so they never alias their file.
func (n *wimNode) newChild(ctx context.Context, p string, a mount.Attr, out *fuse.EntryOut) *fs.Inode {
	fillAttr(a, &out.Attr)
	stable := fs.StableAttr{Mode: a.Mode & syscall.S_IFMT, Ino: a.Ino}
	if n.ctx.StreamMode() == mount.StreamWindows && strings.ContainsRune(path.Base(p), ':') {
		stable.Ino = 0
	}
	return n.NewInode(ctx, &wimNode{ctx: n.ctx}, stable)
}

// Access checks are stubbed to always succeed.
func (n *wimNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	return fs.OK
}

func (n *wimNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok && h.fd != nil {
		a, err := n.ctx.FGetAttr(h.fd)
		if err != nil {
			return toErrno(err)
		}
		fillAttr(a, &out.Attr)
		return fs.OK
	}
	a, err := n.ctx.GetAttr(n.nodePath())
	if err != nil {
		return toErrno(err)
	}
	fillAttr(a, &out.Attr)
	return fs.OK
}

func (n *wimNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if h, hok := fh.(*fileHandle); hok && h.fd != nil {
			if err := n.ctx.FTruncate(h.fd, int64(size)); err != nil {
				return toErrno(err)
			}
		} else if err := n.ctx.Truncate(n.nodePath(), int64(size)); err != nil {
			return toErrno(err)
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		var ap, mp *time.Time
		if aok {
			ap = &atime
		}
		if mok {
			mp = &mtime
		}
		if err := n.ctx.Utimens(n.nodePath(), ap, mp); err != nil {
			return toErrno(err)
		}
	}
	return n.Getattr(ctx, fh, out)
}

func (n *wimNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	a, err := n.ctx.GetAttr(p)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, p, a, out), fs.OK
}

func (n *wimNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	d, err := n.ctx.Resolve(n.nodePath())
	if err != nil {
		return nil, toErrno(err)
	}
	names := d.ChildNames()
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		child := d.Child(name)
		mode := uint32(syscall.S_IFREG)
		if child.IsDirectory() {
			mode = syscall.S_IFDIR
		} else if child.IsSymlink() {
			mode = syscall.S_IFLNK
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: mode,
			Ino:  child.Group(),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (n *wimNode) OpendirHandle(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.ctx.OpenDir(n.nodePath())
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &dirHandle{ctx: n.ctx, h: h}, 0, fs.OK
}

func (n *wimNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	fd, err := n.ctx.Open(n.nodePath(), int(flags))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{ctx: n.ctx, fd: fd, writable: writableFlags(flags)}, 0, fs.OK
}

func (n *wimNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := n.childPath(name)
	if _, err := n.ctx.Mknod(p); err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fd, err := n.ctx.Open(p, int(flags))
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	a, err := n.ctx.GetAttr(p)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	child := n.newChild(ctx, p, a, out)
	return child, &fileHandle{ctx: n.ctx, fd: fd, writable: writableFlags(flags)}, 0, fs.OK
}

func (n *wimNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	if _, err := n.ctx.Mkdir(p); err != nil {
		return nil, toErrno(err)
	}
	a, err := n.ctx.GetAttr(p)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, p, a, out), fs.OK
}

func (n *wimNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	if _, err := n.ctx.Mknod(p); err != nil {
		return nil, toErrno(err)
	}
	a, err := n.ctx.GetAttr(p)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, p, a, out), fs.OK
}

func (n *wimNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.ctx.Unlink(n.childPath(name)))
}

func (n *wimNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.ctx.Rmdir(n.childPath(name)))
}

func (n *wimNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst := path.Join("/"+newParent.EmbeddedInode().Path(nil), newName)
	return toErrno(n.ctx.Rename(n.childPath(name), dst))
}

func (n *wimNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	src := "/" + target.EmbeddedInode().Path(nil)
	p := n.childPath(name)
	if err := n.ctx.Link(src, p); err != nil {
		return nil, toErrno(err)
	}
	a, err := n.ctx.GetAttr(p)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, p, a, out), fs.OK
}

func (n *wimNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	if _, err := n.ctx.Symlink(target, p); err != nil {
		return nil, toErrno(err)
	}
	a, err := n.ctx.GetAttr(p)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, p, a, out), fs.OK
}

func (n *wimNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.ctx.Readlink(n.nodePath())
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), fs.OK
}

// fileHandle wraps an open stream descriptor. fd is nil for the null
// handle of an empty file on a read-only mount.
type fileHandle struct {
	ctx      *mount.Context
	fd       *catalog.FD
	writable bool
}

var _ = (fs.FileReader)((*fileHandle)(nil))
var _ = (fs.FileWriter)((*fileHandle)(nil))
var _ = (fs.FileFlusher)((*fileHandle)(nil))
var _ = (fs.FileReleaser)((*fileHandle)(nil))
var _ = (fs.FileGetattrer)((*fileHandle)(nil))

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.ctx.Read(h.fd, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.ctx.Write(h.fd, data, off)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), fs.OK
}

func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return fs.OK
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	return toErrno(h.ctx.Release(h.fd, h.writable))
}

func (h *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	a, err := h.ctx.FGetAttr(h.fd)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(a, &out.Attr)
	return fs.OK
}

// dirHandle pins the directory dentry while the kernel holds the handle.
type dirHandle struct {
	ctx *mount.Context
	h   *mount.DirHandle
}

var _ = (fs.FileReleasedirer)((*dirHandle)(nil))

func (d *dirHandle) Releasedir(ctx context.Context, releaseFlags uint32) {
	d.ctx.ReleaseDir(d.h)
}

func writableFlags(flags uint32) bool {
	return flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
}
