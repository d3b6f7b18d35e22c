package mount

import (
	"os"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitNoModifications(t *testing.T) {
	c, src := newTestContext(t, map[string]string{"/a": "hello", "/d/b": "world"}, true)
	assert.True(t, src.modified, "read-write mount marks the image modified")

	require.NoError(t, c.Commit(false))
	assert.True(t, src.updated)
	assert.Equal(t, 1, src.overwrites)
	assert.Equal(t, map[string]string{"/a": "hello", "/d/b": "world"}, src.committed)

	// Untouched streams keep their original content hashes.
	ref, e, err := c.ResolveStream("/a")
	require.NoError(t, err)
	assert.Equal(t, sha1Of("hello"), ref.Hash())
	assert.False(t, e.Staged())
}

func TestCommitRehashesStagedStreams(t *testing.T) {
	c, src := newTestContext(t, map[string]string{"/a": "hello"}, true)
	writeAt(t, c, "/a", "Hello", 0)

	ref, _, err := c.ResolveStream("/a")
	require.NoError(t, err)
	placeholder := ref.Hash()

	require.NoError(t, c.Commit(false))
	checkInvariants(t, c)

	ref, e, err := c.ResolveStream("/a")
	require.NoError(t, err)
	assert.NotEqual(t, placeholder, ref.Hash(), "placeholder replaced by the real digest")
	assert.Equal(t, sha1Of("Hello"), ref.Hash())
	require.NotNil(t, e)
	assert.True(t, e.Staged())
	assert.Equal(t, "Hello", src.committed["/a"])
}

func TestCommitDeduplicatesIdenticalContent(t *testing.T) {
	c, src := newTestContext(t, map[string]string{"/seed": "x"}, true)

	for _, p := range []string{"/one", "/two"} {
		_, err := c.Mknod(p)
		require.NoError(t, err)
		writeAt(t, c, p, "same bytes", 0)
	}
	// Two staged entries with distinct placeholders.
	entriesBefore := c.cat.Len()

	require.NoError(t, c.Commit(false))
	checkInvariants(t, c)

	assert.Equal(t, entriesBefore-1, c.cat.Len(), "identical staged content collapsed")
	one, eOne, err := c.ResolveStream("/one")
	require.NoError(t, err)
	two, eTwo, err := c.ResolveStream("/two")
	require.NoError(t, err)
	assert.Equal(t, one.Hash(), two.Hash())
	assert.Same(t, eOne, eTwo)
	assert.EqualValues(t, 2, eOne.RefCount)
	assert.Equal(t, "same bytes", src.committed["/one"])
	assert.Equal(t, "same bytes", src.committed["/two"])
}

func TestCommitDeduplicatesAgainstArchiveContent(t *testing.T) {
	c, _ := newTestContext(t, map[string]string{"/a": "hello"}, true)

	_, err := c.Mknod("/copy")
	require.NoError(t, err)
	writeAt(t, c, "/copy", "hello", 0)

	require.NoError(t, c.Commit(false))
	checkInvariants(t, c)

	refA, eA, err := c.ResolveStream("/a")
	require.NoError(t, err)
	refCopy, eCopy, err := c.ResolveStream("/copy")
	require.NoError(t, err)
	assert.Equal(t, refA.Hash(), refCopy.Hash())
	assert.Same(t, eA, eCopy)
	assert.False(t, eA.Staged(), "staged duplicate collapsed into the archive entry")
}

func TestCommitClosesStagingDescriptors(t *testing.T) {
	c, _ := newTestContext(t, map[string]string{"/a": "hello"}, true)

	fd, err := c.Open("/a", os.O_RDWR)
	require.NoError(t, err)
	_, err = c.Write(fd, []byte("X"), 0)
	require.NoError(t, err)

	require.NoError(t, c.Commit(false))
	assert.Nil(t, fd.StagingFile, "commit closes every open staging descriptor")
}

func TestCommitOnReadOnlyMountFails(t *testing.T) {
	c, _ := newTestContext(t, map[string]string{"/a": "x"}, false)
	assert.Error(t, c.Commit(false))
}

func TestCleanupStagingRemovesDirectory(t *testing.T) {
	src := newFakeSource(t, map[string]string{"/a": "hello"})
	fs := memfs.New()
	c, err := New(src, Options{
		ReadWrite:     true,
		StagingFS:     fs,
		StagingParent: "/stage",
	})
	require.NoError(t, err)
	writeAt(t, c, "/a", "H", 0)

	dir := c.StagingDir()
	_, statErr := fs.Stat(dir)
	require.NoError(t, statErr)

	require.NoError(t, c.CleanupStaging())
	_, statErr = fs.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuildCatalogRefcounts(t *testing.T) {
	c, _ := newTestContext(t, map[string]string{
		"/a":   "shared",
		"/b":   "shared",
		"/c":   "unique",
		"/nil": "",
	}, false)

	shared := c.cat.Lookup(sha1Of("shared"))
	require.NotNil(t, shared)
	assert.EqualValues(t, 2, shared.RefCount)

	unique := c.cat.Lookup(sha1Of("unique"))
	require.NotNil(t, unique)
	assert.EqualValues(t, 1, unique.RefCount)

	assert.Equal(t, 2, c.cat.Len())
	checkInvariants(t, c)
}
