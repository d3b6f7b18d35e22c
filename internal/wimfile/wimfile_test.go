package wimfile

import (
	"bytes"
	"crypto/sha1"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/internal/wim"
)

// writeTestArchive writes a dentry tree plus content map out as a fresh
// archive, exercising the writer the same way a commit does.
func writeTestArchive(t *testing.T, root *dentry.Dentry, content map[wim.Hash][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wim")
	a := &Archive{
		path:      path,
		image:     1,
		images:    make([]resourceDescriptor, 1),
		resources: make(map[wim.Hash]wim.Resource),
		streams:   make(map[wim.Hash]streamDescriptor),
	}
	a.synthesizeInfo()
	require.NoError(t, a.UpdateImageInfo(root))

	openStaged := func(h wim.Hash) (io.ReadCloser, int64, error) {
		data, ok := content[h]
		if !ok {
			return nil, 0, os.ErrNotExist
		}
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	}
	require.NoError(t, a.Overwrite(root, openStaged, true))
	return path
}

func addFile(t *testing.T, parent *dentry.Dentry, name, data string, group uint64, content map[wim.Hash][]byte) *dentry.Dentry {
	t.Helper()
	d := dentry.New(name, group)
	if data != "" {
		h := wim.Hash(sha1.Sum([]byte(data)))
		d.Hash = h
		content[h] = []byte(data)
	}
	d.Attach(parent)
	return d
}

func TestRoundTrip(t *testing.T) {
	content := make(map[wim.Hash][]byte)
	root := dentry.NewDirectory("", 1)

	sub := dentry.NewDirectory("sub", 2)
	sub.Attach(root)
	addFile(t, root, "hello.txt", "hello world", 3, content)
	addFile(t, sub, "nested.bin", "nested content", 4, content)
	empty := addFile(t, sub, "empty", "", 5, content)
	require.True(t, empty.Hash.Zero())

	// Two files with identical content share one resource.
	addFile(t, root, "dup-a", "same", 6, content)
	addFile(t, root, "dup-b", "same", 7, content)

	// An alternate data stream.
	carrier := addFile(t, root, "carrier", "body", 8, content)
	ads, err := carrier.AddStream("side")
	require.NoError(t, err)
	ads.Hash = wim.Hash(sha1.Sum([]byte("side data")))
	content[ads.Hash] = []byte("side data")

	// A hard-link pair.
	linkA := addFile(t, root, "link-a", "linked", 9, content)
	linkB := dentry.New("link-b", 9)
	linkB.Hash = linkA.Hash
	linkB.JoinGroup(linkA)
	linkB.Attach(root)

	// A symlink reparse point.
	lnk := dentry.New("lnk", 10)
	lnk.Attributes |= wim.AttrReparsePoint
	lnk.ReparseTag = wim.ReparseTagSymlink
	reparse := wim.EncodeSymlink("/sub/nested.bin")
	lnk.Hash = wim.Hash(sha1.Sum(reparse))
	content[lnk.Hash] = reparse
	lnk.Attach(root)

	path := writeTestArchive(t, root, content)

	a, err := Open(path, 1)
	require.NoError(t, err)
	defer a.Close()

	got, resources, err := a.LoadImage()
	require.NoError(t, err)

	// Structure.
	assert.ElementsMatch(t,
		[]string{"carrier", "dup-a", "dup-b", "hello.txt", "link-a", "link-b", "lnk", "sub"},
		got.ChildNames())
	gotSub, err := dentry.Find(got, "/sub")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"empty", "nested.bin"}, gotSub.ChildNames())

	// Content round-trips through ReadResource.
	for p, want := range map[string]string{
		"/hello.txt":      "hello world",
		"/sub/nested.bin": "nested content",
		"/dup-a":          "same",
		"/link-b":         "linked",
	} {
		d, err := dentry.Find(got, p)
		require.NoError(t, err)
		res, ok := resources[d.Hash]
		require.True(t, ok, "resource for %s", p)
		buf := make([]byte, res.OriginalSize)
		n, err := a.ReadResource(res, 0, buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf[:n]), p)
	}

	// Deduplicated content is a single resource.
	da, _ := dentry.Find(got, "/dup-a")
	db, _ := dentry.Find(got, "/dup-b")
	assert.Equal(t, da.Hash, db.Hash)

	// Empty file has the zero hash and no resource.
	ge, err := dentry.Find(got, "/sub/empty")
	require.NoError(t, err)
	assert.True(t, ge.Hash.Zero())

	// ADS survives with name and hash.
	gc, err := dentry.Find(got, "/carrier")
	require.NoError(t, err)
	require.NotNil(t, gc.Stream("side"))
	res := resources[gc.Stream("side").Hash]
	buf := make([]byte, res.OriginalSize)
	n, err := a.ReadResource(res, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "side data", string(buf[:n]))

	// Hard-link ring reconstructed.
	ga, err := dentry.Find(got, "/link-a")
	require.NoError(t, err)
	gb, err := dentry.Find(got, "/link-b")
	require.NoError(t, err)
	assert.Equal(t, 2, ga.GroupSize())
	assert.Equal(t, ga.Group(), gb.Group())
	assert.Equal(t, ga.Hash, gb.Hash)

	// Reparse point kept its tag and data.
	gl, err := dentry.Find(got, "/lnk")
	require.NoError(t, err)
	assert.True(t, gl.IsSymlink())
	res = resources[gl.Hash]
	buf = make([]byte, res.OriginalSize)
	n, err = a.ReadResource(res, 0, buf)
	require.NoError(t, err)
	target, err := wim.DecodeSymlink(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, "/sub/nested.bin", target)

	// XML bookkeeping survived.
	require.Len(t, a.info.Images, 1)
	assert.EqualValues(t, 9, a.info.Images[0].FileCount)
	assert.EqualValues(t, 2, a.info.Images[0].DirCount)
}

func TestReadResourceSkip(t *testing.T) {
	content := make(map[wim.Hash][]byte)
	root := dentry.NewDirectory("", 1)
	addFile(t, root, "f", "0123456789", 2, content)
	path := writeTestArchive(t, root, content)

	a, err := Open(path, 1)
	require.NoError(t, err)
	defer a.Close()
	got, resources, err := a.LoadImage()
	require.NoError(t, err)

	d, err := dentry.Find(got, "/f")
	require.NoError(t, err)
	res := resources[d.Hash]

	buf := make([]byte, 4)
	n, err := a.ReadResource(res, 3, buf)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(buf[:n]))
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.wim")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 4096), 0644))
	_, err := Open(path, 1)
	assert.Error(t, err)
}

func TestOpenImageOutOfRange(t *testing.T) {
	content := make(map[wim.Hash][]byte)
	root := dentry.NewDirectory("", 1)
	addFile(t, root, "f", "x", 2, content)
	path := writeTestArchive(t, root, content)

	_, err := Open(path, 2)
	assert.Error(t, err)
}

func TestTimestampsSurvive(t *testing.T) {
	content := make(map[wim.Hash][]byte)
	root := dentry.NewDirectory("", 1)
	f := addFile(t, root, "f", "x", 2, content)
	f.Created = wim.FiletimeOf(wim.Filetime(130_000_000_000_000_000).Time())
	f.Modified = f.Created + 10_000_000
	f.Accessed = f.Created + 20_000_000
	path := writeTestArchive(t, root, content)

	a, err := Open(path, 1)
	require.NoError(t, err)
	defer a.Close()
	got, _, err := a.LoadImage()
	require.NoError(t, err)

	gf, err := dentry.Find(got, "/f")
	require.NoError(t, err)
	assert.Equal(t, f.Created, gf.Created)
	assert.Equal(t, f.Modified, gf.Modified)
	assert.Equal(t, f.Accessed, gf.Accessed)
}
