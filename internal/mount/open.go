package mount

import (
	"errors"
	"io"
	"os"
	"syscall"

	"go.uber.org/zap"

	"github.com/wimtools/wimount/internal/catalog"
	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/internal/wim"
	"github.com/wimtools/wimount/pkg/types"
)

func flagsWritable(flags int) bool {
	return flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// stagingFlags keeps only the open bits meaningful for a staging file.
// The kernel passes extra flags that ordinary files reject, and append
// mode would fight the offset-directed writes.
func stagingFlags(flags int) int {
	return flags & (syscall.O_ACCMODE | os.O_TRUNC)
}

// Open opens one effective stream of path and returns its handle. A nil
// handle (with nil error) is the null handle for an empty file on a
// read-only mount; reads through it yield zero bytes.
func (c *Context) Open(path string, flags int) (*catalog.FD, error) {
	ref, e, err := c.ResolveStream(path)
	if err != nil {
		return nil, err
	}
	if ref.Dentry.IsDirectory() {
		return nil, types.ErrIsDir
	}
	if flagsWritable(flags) && !c.opts.ReadWrite {
		return nil, types.ErrReadOnly
	}

	if e == nil {
		// Empty stream with no catalog entry. Read-only mounts hand
		// back the null handle; read-write mounts need an entry so an
		// fd table exists in case the file is opened for writing.
		if !c.opts.ReadWrite {
			return nil, nil
		}
		if e, err = c.diverge(ref, nil, 0); err != nil {
			return nil, err
		}
	}

	fd, err := e.AllocFD()
	if err != nil {
		return nil, err
	}
	fd.Dentry = ref.Dentry
	fd.Group = ref.Dentry.Group()

	// Mutation always passes through staging: diverge before opening
	// the native staging descriptor.
	if flagsWritable(flags) && !e.Staged() {
		if _, err := c.diverge(ref, e, e.Size); err != nil {
			c.dropFD(fd)
			return nil, err
		}
		e = fd.Entry
	}

	if e.Staged() {
		f, err := c.store.Open(e.StagingPath, stagingFlags(flags))
		if err != nil {
			c.dropFD(fd)
			return nil, err
		}
		fd.StagingFile = f
	}
	return fd, nil
}

// Release closes a handle. Closing the staging descriptor may fail; the
// error is surfaced and the slot is kept so the caller can retry. When the
// owning entry has no references and no remaining fds it is destroyed.
func (c *Context) Release(fd *catalog.FD, wrote bool) error {
	if fd == nil {
		return nil
	}
	if wrote && fd.Dentry != nil {
		now := wim.Now()
		fd.Dentry.Accessed = now
		fd.Dentry.Modified = now
	}
	if fd.StagingFile != nil {
		if err := fd.StagingFile.Close(); err != nil {
			return &types.StagingError{Path: fd.Entry.StagingPath, Op: "close", Err: err}
		}
		fd.StagingFile = nil
	}
	c.dropFD(fd)
	return nil
}

func (c *Context) dropFD(fd *catalog.FD) {
	if fd.Entry.ReleaseFD(fd) {
		c.destroyEntry(fd.Entry)
	}
}

// destroyEntry removes a dead entry (refcount and open fds both zero)
// from the catalog and deletes its staging file.
func (c *Context) destroyEntry(e *catalog.Entry) {
	c.cat.Remove(e)
	c.dropStaging(e)
}

func (c *Context) dropStaging(e *catalog.Entry) {
	if e == nil || !e.Staged() {
		return
	}
	if err := c.store.Remove(e.StagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("removing staging file", zap.Error(err))
	}
}

// Read reads from an open handle at the given offset. Archive-backed
// streams clamp the range to the resource size, failing with an overflow
// error only when the offset itself is past the end.
func (c *Context) Read(fd *catalog.FD, buf []byte, off int64) (int, error) {
	if fd == nil {
		// Empty file with no catalog entry on a read-only mount.
		return 0, nil
	}
	e := fd.Entry

	if e.Staged() {
		f := fd.StagingFile
		if f == nil {
			// The handle predates this stream's divergence (it was
			// transferred during a split); bind it to the staging
			// file now.
			var err error
			if f, err = c.store.Open(e.StagingPath, os.O_RDONLY); err != nil {
				return 0, err
			}
			fd.StagingFile = f
		}
		n, err := f.ReadAt(buf, off)
		if err == io.EOF {
			err = nil
		}
		return n, err
	}

	if off > e.Size {
		return 0, types.ErrOverflow
	}
	n := int64(len(buf))
	if off+n > e.Size {
		n = e.Size - off
	}
	if n == 0 {
		return 0, nil
	}
	return c.src.ReadResource(*e.Resource, off, buf[:n])
}

// Write writes through an open handle at the given offset. Writes are only
// defined on staged streams; open-for-write diverged the stream already.
func (c *Context) Write(fd *catalog.FD, data []byte, off int64) (int, error) {
	e := fd.Entry
	if !e.Staged() || fd.StagingFile == nil {
		return 0, types.ErrInvalidArg
	}
	if _, err := fd.StagingFile.Seek(off, io.SeekStart); err != nil {
		return 0, &types.StagingError{Path: e.StagingPath, Op: "seek", Err: err}
	}
	n, err := fd.StagingFile.Write(data)
	if off+int64(n) > e.Size {
		e.Size = off + int64(n)
	}
	if err != nil {
		return n, &types.StagingError{Path: e.StagingPath, Op: "write", Err: err}
	}
	return n, nil
}

// FTruncate truncates through an open handle.
func (c *Context) FTruncate(fd *catalog.FD, size int64) error {
	e := fd.Entry
	if !e.Staged() || fd.StagingFile == nil {
		return types.ErrInvalidArg
	}
	if err := fd.StagingFile.Truncate(size); err != nil {
		return &types.StagingError{Path: e.StagingPath, Op: "truncate", Err: err}
	}
	e.Size = size
	if fd.Dentry != nil {
		fd.Dentry.TouchAll()
	}
	return nil
}

// FGetAttr synthesizes stat information for an open handle. The handle
// survives unlinking of its dentry; attributes then come from the entry
// alone.
func (c *Context) FGetAttr(fd *catalog.FD) (Attr, error) {
	if fd == nil {
		return Attr{Mode: syscall.S_IFREG | 0644, Nlink: 1}, nil
	}
	if fd.Dentry == nil {
		size, err := c.entrySize(fd.Entry)
		if err != nil {
			return Attr{}, err
		}
		return Attr{Mode: syscall.S_IFREG | 0644, Size: size}, nil
	}
	ref := dentry.StreamRef{Dentry: fd.Dentry}
	return c.AttrOf(ref)
}

func (c *Context) entrySize(e *catalog.Entry) (int64, error) {
	if e == nil {
		return 0, nil
	}
	if e.Staged() {
		return c.store.Size(e.StagingPath)
	}
	return e.Size, nil
}
