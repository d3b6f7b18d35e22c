package mount

import (
	"crypto/sha1"
	"io"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"

	"github.com/wimtools/wimount/internal/catalog"
	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/internal/wim"
)

// fakeSource is an in-memory archive collaborator: resources are keyed by
// offset, content is addressed by real SHA-1 so commit-time deduplication
// behaves as in a real archive.
type fakeSource struct {
	root          *dentry.Dentry
	resources     map[wim.Hash]wim.Resource
	contentByOff  map[int64][]byte
	contentByHash map[wim.Hash][]byte

	modified   bool
	updated    bool
	overwrites int

	// Captured at Overwrite: path → content of every regular file's
	// primary stream.
	committed map[string]string
}

func sha1Of(s string) wim.Hash {
	return wim.Hash(sha1.Sum([]byte(s)))
}

// newFakeSource builds an image containing the given files (paths →
// content; intermediate directories are implied). Hard-link groups can be
// formed afterwards with linkPair.
func newFakeSource(t *testing.T, files map[string]string) *fakeSource {
	t.Helper()
	f := &fakeSource{
		root:          dentry.NewDirectory("", 1),
		resources:     make(map[wim.Hash]wim.Resource),
		contentByOff:  make(map[int64][]byte),
		contentByHash: make(map[wim.Hash][]byte),
	}
	group := uint64(2)
	off := int64(0x1000)

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		content := files[p]
		parent := f.root
		comps := strings.Split(strings.Trim(p, "/"), "/")
		for _, dir := range comps[:len(comps)-1] {
			next := parent.Child(dir)
			if next == nil {
				next = dentry.NewDirectory(dir, group)
				group++
				next.Attach(parent)
			}
			parent = next
		}
		d := dentry.New(comps[len(comps)-1], group)
		group++
		if content != "" {
			h := sha1Of(content)
			if _, ok := f.resources[h]; !ok {
				f.resources[h] = wim.Resource{
					Offset:         off,
					CompressedSize: int64(len(content)),
					OriginalSize:   int64(len(content)),
				}
				f.contentByOff[off] = []byte(content)
				f.contentByHash[h] = []byte(content)
				off += 0x1000
			}
			d.Hash = h
		}
		d.Attach(parent)
	}
	return f
}

// linkPair makes two existing files members of one hard-link group, the
// way the loader materializes links recorded in the archive.
func (f *fakeSource) linkPair(t *testing.T, a, b string) {
	t.Helper()
	da, err := dentry.Find(f.root, a)
	require.NoError(t, err)
	db, err := dentry.Find(f.root, b)
	require.NoError(t, err)
	db.Hash = da.Hash
	db.JoinGroup(da)
}

func (f *fakeSource) LoadImage() (*dentry.Dentry, map[wim.Hash]wim.Resource, error) {
	return f.root, f.resources, nil
}

func (f *fakeSource) ReadResource(res wim.Resource, skip int64, buf []byte) (int, error) {
	data, ok := f.contentByOff[res.Offset]
	if !ok {
		return 0, io.ErrUnexpectedEOF
	}
	if skip >= int64(len(data)) {
		return 0, io.EOF
	}
	return copy(buf, data[skip:]), nil
}

func (f *fakeSource) MarkModified() {
	f.modified = true
}

func (f *fakeSource) UpdateImageInfo(root *dentry.Dentry) error {
	f.updated = true
	return nil
}

func (f *fakeSource) Overwrite(root *dentry.Dentry, openStaged func(wim.Hash) (io.ReadCloser, int64, error), checkIntegrity bool) error {
	f.overwrites++
	f.committed = make(map[string]string)
	return root.Walk(func(d *dentry.Dentry) error {
		if d.IsDirectory() {
			return nil
		}
		var content []byte
		if !d.Hash.Zero() {
			if r, _, err := openStaged(d.Hash); err == nil {
				data, err := io.ReadAll(r)
				r.Close()
				if err != nil {
					return err
				}
				content = data
			} else if data, ok := f.contentByHash[d.Hash]; ok {
				content = data
			}
		}
		f.committed[pathOf(d)] = string(content)
		return nil
	})
}

func pathOf(d *dentry.Dentry) string {
	if d.Parent() == nil {
		return ""
	}
	return pathOf(d.Parent()) + "/" + d.Name.Native
}

func newTestContext(t *testing.T, files map[string]string, readWrite bool) (*Context, *fakeSource) {
	t.Helper()
	src := newFakeSource(t, files)
	return contextFor(t, src, readWrite, StreamXattr), src
}

func contextFor(t *testing.T, src *fakeSource, readWrite bool, mode StreamInterface) *Context {
	t.Helper()
	c, err := New(src, Options{
		ReadWrite:       readWrite,
		StreamInterface: mode,
		StagingFS:       memfs.New(),
		StagingParent:   "/stage",
	})
	require.NoError(t, err)
	return c
}

// checkInvariants verifies the catalog invariants plus the refcount
// equation: every entry's refcount equals the number of effective-stream
// references from reachable dentries.
func checkInvariants(t *testing.T, c *Context) {
	t.Helper()
	require.NoError(t, c.cat.CheckInvariants())

	counts := make(map[wim.Hash]uint32)
	require.NoError(t, c.root.Walk(func(d *dentry.Dentry) error {
		for _, ref := range d.EffectiveStreams() {
			if h := ref.Hash(); !h.Zero() {
				counts[h]++
			}
		}
		return nil
	}))
	for h, want := range counts {
		e := c.cat.Lookup(h)
		require.NotNil(t, e, "referenced hash %s missing from catalog", h)
		require.Equal(t, want, e.RefCount, "refcount mismatch for %s", h)
	}
	_ = c.cat.Each(func(e *catalog.Entry) error {
		if counts[e.Hash] == 0 {
			require.Zero(t, e.RefCount, "entry %s has refs but no tree references", e.Hash)
			require.Greater(t, e.NumOpened(), 0, "dead entry %s still cataloged", e.Hash)
		}
		return nil
	})
}

// readAll reads a whole stream through a fresh read-only handle.
func readAll(t *testing.T, c *Context, path string) string {
	t.Helper()
	fd, err := c.Open(path, os.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 1<<16)
	n, err := c.Read(fd, buf, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(fd, false))
	return string(buf[:n])
}

func writeAt(t *testing.T, c *Context, path, data string, off int64) {
	t.Helper()
	fd, err := c.Open(path, os.O_WRONLY)
	require.NoError(t, err)
	n, err := c.Write(fd, []byte(data), off)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, c.Release(fd, true))
}
