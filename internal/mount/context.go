// Package mount implements the mutable in-memory model of a mounted archive
// image: path and stream resolution over the dentry tree, the per-stream
// file-descriptor table, copy-on-write staging divergence, and the commit
// pipeline driven by the unmount handshake.
//
// The archive on-disk format itself stays behind the collaborator
// interfaces below; internal/wimfile provides the production implementation
// and tests use in-memory fakes.
package mount

import (
	"crypto/sha1"
	"fmt"
	"io"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/wimtools/wimount/internal/catalog"
	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/internal/staging"
	"github.com/wimtools/wimount/internal/wim"
	"github.com/wimtools/wimount/pkg/types"
)

// ResourceReader reads decompressed bytes out of an archive resource.
type ResourceReader interface {
	// ReadResource fills buf with uncompressed resource bytes starting
	// skip bytes into the stream.
	ReadResource(res wim.Resource, skip int64, buf []byte) (int, error)
}

// ImageSource is the archive collaborator: it loads the selected image,
// serves resource reads, and rewrites the archive at commit time.
type ImageSource interface {
	ResourceReader

	// LoadImage produces the image's root dentry and the resource
	// descriptor for every content hash the image references.
	LoadImage() (*dentry.Dentry, map[wim.Hash]wim.Resource, error)

	// MarkModified flags the selected image as modified. Called once
	// for read-write mounts.
	MarkModified()

	// UpdateImageInfo refreshes the image's XML metadata from the
	// current tree before the archive is rewritten.
	UpdateImageInfo(root *dentry.Dentry) error

	// Overwrite serializes the modified image to a new archive.
	// openStaged yields the content and size of a staged stream, or
	// os.ErrNotExist for hashes still backed by the archive.
	Overwrite(root *dentry.Dentry, openStaged func(wim.Hash) (io.ReadCloser, int64, error), checkIntegrity bool) error
}

// Hasher computes the content hash of a stream.
type Hasher interface {
	Sum(r io.Reader) (wim.Hash, error)
}

// SHA1Hasher is the production hasher. The archive format addresses
// content by SHA-1.
type SHA1Hasher struct{}

func (SHA1Hasher) Sum(r io.Reader) (wim.Hash, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return wim.Hash{}, err
	}
	var out wim.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// StreamInterface selects how alternate data streams are addressed.
type StreamInterface int

const (
	// StreamXattr exposes ADS as user.* extended attributes (default).
	StreamXattr StreamInterface = iota
	// StreamNone hides ADS entirely.
	StreamNone
	// StreamWindows exposes ADS as path:streamname paths.
	StreamWindows
)

// Options configures a mount.
type Options struct {
	ReadWrite       bool
	Debug           bool
	StreamInterface StreamInterface

	// ArchivePath, when set, is flock'ed for the mount's lifetime:
	// shared for read-only mounts, exclusive for read-write.
	ArchivePath string

	// StagingParent is the directory the staging store is created
	// under. Defaults to the process working directory at mount time.
	StagingParent string

	// StagingFS overrides the filesystem the staging store lives on.
	// Tests use an in-memory filesystem; production uses the host.
	StagingFS billy.Filesystem

	Hasher Hasher
	Logger *zap.Logger
}

// Context bundles all per-mount state. Every filesystem callback reaches
// its state through here; there is no package-level mutable state. The
// filesystem runs single-threaded, so Context carries no locks.
type Context struct {
	src  ImageSource
	opts Options
	log  *zap.Logger

	cat   *catalog.Catalog
	root  *dentry.Dentry
	store *staging.Store // nil on read-only mounts

	hasher    Hasher
	lock      *flock.Flock
	nextGroup uint64
}

// New loads the selected image and prepares the mount: catalog built from
// the image's stream references, staging store created for read-write
// mounts, archive lock taken.
func New(src ImageSource, opts Options) (*Context, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Hasher == nil {
		opts.Hasher = SHA1Hasher{}
	}

	root, resources, err := src.LoadImage()
	if err != nil {
		return nil, fmt.Errorf("loading image: %w", err)
	}

	c := &Context{
		src:    src,
		opts:   opts,
		log:    opts.Logger,
		cat:    catalog.New(),
		root:   root,
		hasher: opts.Hasher,
	}

	if err := c.buildCatalog(resources); err != nil {
		return nil, err
	}

	if opts.ArchivePath != "" {
		c.lock = flock.New(opts.ArchivePath)
		var locked bool
		var lockErr error
		if opts.ReadWrite {
			locked, lockErr = c.lock.TryLock()
		} else {
			locked, lockErr = c.lock.TryRLock()
		}
		if lockErr != nil {
			return nil, fmt.Errorf("locking archive: %w", lockErr)
		}
		if !locked {
			return nil, fmt.Errorf("archive %s: %w", opts.ArchivePath, types.ErrArchiveBusy)
		}
	}

	if opts.ReadWrite {
		fs := opts.StagingFS
		if fs == nil {
			fs = osfs.New("/")
		}
		parent := opts.StagingParent
		if parent == "" {
			parent, err = filepath.Abs(".")
			if err != nil {
				c.unlock()
				return nil, fmt.Errorf("resolving staging parent: %w", err)
			}
		}
		c.store, err = staging.New(fs, parent)
		if err != nil {
			c.unlock()
			return nil, err
		}
		src.MarkModified()
	}

	c.log.Info("image mounted",
		zap.Bool("read_write", opts.ReadWrite),
		zap.Int("catalog_entries", c.cat.Len()))
	return c, nil
}

// buildCatalog walks the tree, creating one entry per referenced hash with
// a refcount equal to the number of effective-stream references, and seeds
// the hard-link group counter above every loaded group.
func (c *Context) buildCatalog(resources map[wim.Hash]wim.Resource) error {
	return c.root.Walk(func(d *dentry.Dentry) error {
		if d.Group() >= c.nextGroup {
			c.nextGroup = d.Group() + 1
		}
		for _, ref := range d.EffectiveStreams() {
			h := ref.Hash()
			if h.Zero() {
				continue
			}
			e := c.cat.Lookup(h)
			if e == nil {
				res, ok := resources[h]
				if !ok {
					return fmt.Errorf("stream %s of %s: %w", h, d.Name.Native, types.ErrMissingResource)
				}
				e = &catalog.Entry{
					Hash:     h,
					Resource: &res,
					Size:     res.OriginalSize,
				}
				c.cat.Insert(e)
			}
			e.RefCount++
		}
		return nil
	})
}

// Root returns the image's root dentry.
func (c *Context) Root() *dentry.Dentry {
	return c.root
}

// Catalog returns the resource catalog.
func (c *Context) Catalog() *catalog.Catalog {
	return c.cat
}

// ReadWrite reports whether the mount is read-write.
func (c *Context) ReadWrite() bool {
	return c.opts.ReadWrite
}

// StreamMode returns the configured ADS addressing mode.
func (c *Context) StreamMode() StreamInterface {
	return c.opts.StreamInterface
}

// StagingDir returns the staging directory path, or "" on read-only mounts.
func (c *Context) StagingDir() string {
	if c.store == nil {
		return ""
	}
	return c.store.Dir()
}

func (c *Context) newGroup() uint64 {
	c.nextGroup++
	return c.nextGroup
}

func (c *Context) unlock() {
	if c.lock != nil {
		if err := c.lock.Unlock(); err != nil {
			c.log.Warn("unlocking archive", zap.Error(err))
		}
		c.lock = nil
	}
}

// Attr is the stat information synthesized for a stream reference.
type Attr struct {
	Size  int64
	Nlink uint32
	Ino   uint64
	Mode  uint32

	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time
}

// AttrOf synthesizes stat information for a resolved stream. Staged
// streams report the live staging file size.
func (c *Context) AttrOf(ref dentry.StreamRef) (Attr, error) {
	d := ref.Dentry
	a := Attr{
		Ino:    d.Group(),
		Nlink:  1,
		Atime:  d.Accessed.Time(),
		Mtime:  d.Modified.Time(),
		Ctime:  d.Changed.Time(),
		Crtime: d.Created.Time(),
	}
	switch {
	case d.IsDirectory():
		a.Mode = syscall.S_IFDIR | 0755
	case d.IsSymlink():
		a.Mode = syscall.S_IFLNK | 0777
	default:
		a.Mode = syscall.S_IFREG | 0644
		a.Nlink = uint32(d.GroupSize())
	}
	if e := c.cat.Lookup(ref.Hash()); e != nil {
		if e.Staged() {
			size, err := c.store.Size(e.StagingPath)
			if err != nil {
				return Attr{}, err
			}
			a.Size = size
		} else {
			a.Size = e.Size
		}
	}
	return a, nil
}
