package mount

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimtools/wimount/pkg/types"
)

func TestSplitStreamName(t *testing.T) {
	tests := []struct {
		path   string
		file   string
		stream string
	}{
		{"/a", "/a", ""},
		{"/a:s", "/a", "s"},
		{"/dir/a:s", "/dir/a", "s"},
		{"/dir:odd/a", "/dir:odd/a", ""},
	}
	for _, tt := range tests {
		file, stream := SplitStreamName(tt.path)
		assert.Equal(t, tt.file, file, tt.path)
		assert.Equal(t, tt.stream, stream, tt.path)
	}
}

func TestWindowsModeStreamLifecycle(t *testing.T) {
	src := newFakeSource(t, map[string]string{"/a": "primary"})
	c := contextFor(t, src, true, StreamWindows)

	// mknod with a stream qualifier creates an ADS on the file.
	_, err := c.Mknod("/a:side")
	require.NoError(t, err)
	_, err = c.Mknod("/a:side")
	assert.ErrorIs(t, err, types.ErrExists)

	// Write through the stream path; the primary is untouched.
	writeAt(t, c, "/a:side", "stream data", 0)
	checkInvariants(t, c)
	assert.Equal(t, "stream data", readAll(t, c, "/a:side"))
	assert.Equal(t, "primary", readAll(t, c, "/a"))

	// Unlinking the stream path removes only the ADS.
	require.NoError(t, c.Unlink("/a:side"))
	checkInvariants(t, c)
	_, _, err = c.ResolveStream("/a:side")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, "primary", readAll(t, c, "/a"))
}

func TestWindowsModeMknodOnDirectoryFails(t *testing.T) {
	src := newFakeSource(t, map[string]string{"/d/x": "y"})
	c := contextFor(t, src, true, StreamWindows)
	_, err := c.Mknod("/d:side")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestXattrModeStreams(t *testing.T) {
	c, _ := newTestContext(t, map[string]string{"/a": "primary"}, true)

	require.NoError(t, c.WriteStream("/a", "side", []byte("v1")))
	checkInvariants(t, c)

	data, err := c.ReadStream("/a", "side")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	// Replacing drops the old entry.
	before := c.cat.Len()
	require.NoError(t, c.WriteStream("/a", "side", []byte("v2")))
	checkInvariants(t, c)
	assert.Equal(t, before, c.cat.Len())
	data, err = c.ReadStream("/a", "side")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	names, err := c.ListStreams("/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"side"}, names)

	require.NoError(t, c.RemoveStreamByName("/a", "side"))
	checkInvariants(t, c)
	_, err = c.ReadStream("/a", "side")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUnlinkPrimaryDropsAllStreams(t *testing.T) {
	c, _ := newTestContext(t, map[string]string{"/a": "primary"}, true)
	require.NoError(t, c.WriteStream("/a", "one", []byte("1")))
	require.NoError(t, c.WriteStream("/a", "two", []byte("2")))
	require.Equal(t, 3, c.cat.Len())

	require.NoError(t, c.Unlink("/a"))
	checkInvariants(t, c)
	assert.Equal(t, 0, c.cat.Len())
}

func TestStreamsSurviveOpenOnPrimary(t *testing.T) {
	c, _ := newTestContext(t, map[string]string{"/a": "primary"}, true)
	require.NoError(t, c.WriteStream("/a", "side", []byte("s")))

	fd, err := c.Open("/a", os.O_RDONLY)
	require.NoError(t, err)
	require.NoError(t, c.Unlink("/a"))

	// The primary entry is deferred; the ADS entry died with the unlink.
	assert.Equal(t, 1, c.cat.Len())
	require.NoError(t, c.Release(fd, false))
	assert.Equal(t, 0, c.cat.Len())
}
