package mount

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/wimtools/wimount/internal/catalog"
	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/internal/wim"
	"github.com/wimtools/wimount/pkg/types"
)

func (c *Context) requireWrite() error {
	if !c.opts.ReadWrite {
		return types.ErrReadOnly
	}
	return nil
}

// GetAttr synthesizes stat information for a path.
func (c *Context) GetAttr(path string) (Attr, error) {
	ref, _, err := c.ResolveStream(path)
	if err != nil {
		return Attr{}, err
	}
	return c.AttrOf(ref)
}

// Mkdir creates a directory under path's parent.
func (c *Context) Mkdir(path string) (*dentry.Dentry, error) {
	if err := c.requireWrite(); err != nil {
		return nil, err
	}
	parent, name, err := c.ResolveParent(path)
	if err != nil {
		return nil, err
	}
	if parent.Child(name) != nil {
		return nil, types.ErrExists
	}
	d := dentry.NewDirectory(name, c.newGroup())
	d.Attach(parent)
	return d, nil
}

// Mknod creates an empty regular file. In the windows stream mode a
// :streamname qualifier instead creates a new alternate data stream on an
// existing regular file.
func (c *Context) Mknod(path string) (*dentry.Dentry, error) {
	if err := c.requireWrite(); err != nil {
		return nil, err
	}
	if c.opts.StreamInterface == StreamWindows {
		if filePath, streamName := SplitStreamName(path); streamName != "" {
			d, err := c.Resolve(filePath)
			if err != nil {
				return nil, err
			}
			if !d.IsRegular() {
				return nil, types.ErrNotFound
			}
			if _, err := d.AddStream(streamName); err != nil {
				return nil, err
			}
			return d, nil
		}
	}
	parent, name, err := c.ResolveParent(path)
	if err != nil {
		return nil, err
	}
	if parent.Child(name) != nil {
		return nil, types.ErrExists
	}
	d := dentry.New(name, c.newGroup())
	d.Attach(parent)
	return d, nil
}

// Link creates a hard link at newPath to the file at oldPath: a shallow
// clone sharing every content hash, with the refcount of the primary and
// each ADS bumped. The clone carries its own link identity so that a later
// write through either name diverges that name alone, leaving the other's
// content untouched.
func (c *Context) Link(oldPath, newPath string) error {
	if err := c.requireWrite(); err != nil {
		return err
	}
	src, err := c.Resolve(oldPath)
	if err != nil {
		return err
	}
	if !src.IsRegular() {
		return types.ErrPermission
	}
	parent, name, err := c.ResolveParent(newPath)
	if err != nil {
		return err
	}
	if parent.Child(name) != nil {
		return types.ErrExists
	}
	clone := src.Clone()
	clone.Rename(name)
	clone.SetGroup(c.newGroup())
	clone.Master = true
	clone.Attach(parent)
	for _, ref := range clone.EffectiveStreams() {
		if e := c.cat.Lookup(ref.Hash()); e != nil {
			e.RefCount++
		}
	}
	return nil
}

// removeDentry takes a dentry out of the tree: every effective stream's
// refcount drops, handles still open on those streams lose their dentry
// back-pointer but stay usable, and entries that died are destroyed.
func (c *Context) removeDentry(d *dentry.Dentry) {
	for _, ref := range d.EffectiveStreams() {
		h := ref.Hash()
		if h.Zero() {
			continue
		}
		e, dead := c.cat.Decrement(h)
		if e != nil && e.NumOpened() > 0 {
			e.OrphanFDs(d)
		}
		if dead {
			c.dropStaging(e)
		}
	}
	d.Detach()
	d.LeaveGroup()
}

// Unlink removes a regular file. For an ADS-addressed path it removes
// just that alternate data stream.
func (c *Context) Unlink(path string) error {
	if err := c.requireWrite(); err != nil {
		return err
	}
	ref, _, err := c.ResolveStream(path)
	if err != nil {
		return err
	}
	if ref.Dentry.IsDirectory() {
		return types.ErrIsDir
	}
	if ref.Primary() {
		c.removeDentry(ref.Dentry)
		return nil
	}
	if h := ref.Hash(); !h.Zero() {
		if e, dead := c.cat.Decrement(h); dead {
			c.dropStaging(e)
		}
	}
	ref.Dentry.RemoveStream(ref.ADS)
	return nil
}

// Rmdir removes an empty directory. A directory held open by a handle
// survives as an orphan until the handle is released.
func (c *Context) Rmdir(path string) error {
	if err := c.requireWrite(); err != nil {
		return err
	}
	d, err := c.Resolve(path)
	if err != nil {
		return err
	}
	if !d.IsDirectory() {
		return types.ErrNotDir
	}
	if d.Parent() == nil {
		return types.ErrInvalidArg
	}
	if d.HasChildren() {
		return types.ErrNotEmpty
	}
	d.Detach()
	return nil
}

// Rename moves src to dst, replacing an existing destination per rename(2):
// same-dentry renames are no-ops, type mismatches and non-empty target
// directories fail, and an existing target is unlinked first. Only primary
// streams can be renamed.
func (c *Context) Rename(srcPath, dstPath string) error {
	if err := c.requireWrite(); err != nil {
		return err
	}
	src, err := c.Resolve(srcPath)
	if err != nil {
		return err
	}
	if src.Parent() == nil {
		return types.ErrInvalidArg
	}

	var parent *dentry.Dentry
	var name string
	if dst, err := c.Resolve(dstPath); err == nil {
		if dst == src {
			return nil
		}
		if !src.IsDirectory() && dst.IsDirectory() {
			return types.ErrIsDir
		}
		if src.IsDirectory() {
			if !dst.IsDirectory() {
				return types.ErrNotDir
			}
			if dst.HasChildren() {
				return types.ErrNotEmpty
			}
		}
		parent = dst.Parent()
		name = dst.Name.Native
		if dst.IsDirectory() {
			dst.Detach()
		} else {
			c.removeDentry(dst)
		}
	} else {
		if parent, name, err = c.ResolveParent(dstPath); err != nil {
			return err
		}
	}

	src.Detach()
	src.Rename(name)
	src.Attach(parent)
	return nil
}

// Truncate truncates a stream by path. An already-empty stream is a
// no-op; a staged stream is truncated in place; an archive-backed stream
// diverges with the requested size as the materialization prefix. All four
// timestamps are refreshed.
func (c *Context) Truncate(path string, size int64) error {
	if err := c.requireWrite(); err != nil {
		return err
	}
	ref, e, err := c.ResolveStream(path)
	if err != nil {
		return err
	}
	switch {
	case e == nil:
		// Already a zero-length stream.
		return nil
	case e.Staged():
		if err := c.store.Truncate(e.StagingPath, size); err != nil {
			return err
		}
		e.Size = size
	case size == e.Size:
		// Nothing to carry over; no staging file is created.
	default:
		if _, err := c.diverge(ref, e, size); err != nil {
			return err
		}
	}
	ref.Dentry.TouchAll()
	return nil
}

// Symlink creates a symlink at linkPath pointing at target. The target is
// serialized as reparse-point data into the primary stream.
func (c *Context) Symlink(target, linkPath string) (*dentry.Dentry, error) {
	if err := c.requireWrite(); err != nil {
		return nil, err
	}
	parent, name, err := c.ResolveParent(linkPath)
	if err != nil {
		return nil, err
	}
	if parent.Child(name) != nil {
		return nil, types.ErrExists
	}

	data := wim.EncodeSymlink(target)
	staged, err := c.store.Materialize(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	e := &catalog.Entry{
		Hash:        wim.RandomHash(),
		RefCount:    1,
		StagingPath: staged,
		Size:        int64(len(data)),
	}
	c.cat.Insert(e)

	d := dentry.New(name, c.newGroup())
	d.Attributes |= wim.AttrReparsePoint
	d.ReparseTag = wim.ReparseTagSymlink
	d.Hash = e.Hash
	d.Attach(parent)
	return d, nil
}

// Readlink decodes the symlink target out of the reparse stream.
func (c *Context) Readlink(path string) (string, error) {
	d, err := c.Resolve(path)
	if err != nil {
		return "", err
	}
	if !d.IsSymlink() {
		return "", types.ErrInvalidArg
	}
	data, err := c.readStream(c.cat.Lookup(d.Hash))
	if err != nil {
		return "", err
	}
	return wim.DecodeSymlink(data)
}

// Utimens sets the access and modification timestamps; nil means now.
func (c *Context) Utimens(path string, atime, mtime *time.Time) error {
	d, err := c.Resolve(path)
	if err != nil {
		return err
	}
	now := time.Now()
	if atime == nil {
		atime = &now
	}
	if mtime == nil {
		mtime = &now
	}
	d.Accessed = wim.FiletimeOf(*atime)
	d.Modified = wim.FiletimeOf(*mtime)
	return nil
}

// DirHandle is an open directory. It pins its dentry: an unlinked
// directory survives until the last handle is released.
type DirHandle struct {
	d *dentry.Dentry
}

// Dentry returns the directory the handle is open on.
func (h *DirHandle) Dentry() *dentry.Dentry {
	return h.d
}

// OpenDir opens a directory handle.
func (c *Context) OpenDir(path string) (*DirHandle, error) {
	d, err := c.Resolve(path)
	if err != nil {
		return nil, err
	}
	if !d.IsDirectory() {
		return nil, types.ErrNotDir
	}
	d.OpenDirCount++
	return &DirHandle{d: d}, nil
}

// ReleaseDir releases a directory handle. An orphaned directory is
// reclaimed when its count reaches zero.
func (c *Context) ReleaseDir(h *DirHandle) {
	if h.d.OpenDirCount <= 0 {
		panic("mount: releasing directory with no open handles")
	}
	h.d.OpenDirCount--
}

// readStream reads a whole stream, from staging or from the archive. A nil
// entry is an empty stream.
func (c *Context) readStream(e *catalog.Entry) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	if e.Staged() {
		f, err := c.store.Open(e.StagingPath, os.O_RDONLY)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	buf := make([]byte, e.Size)
	if _, err := io.ReadFull(&resourceStream{r: c.src, res: *e.Resource, limit: e.Size}, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
