package wim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashZero(t *testing.T) {
	var h Hash
	assert.True(t, h.Zero())
	h[0] = 1
	assert.False(t, h.Zero())
}

func TestRandomHashUnique(t *testing.T) {
	seen := make(map[Hash]bool)
	for i := 0; i < 100; i++ {
		h := RandomHash()
		require.False(t, seen[h], "random hash collided")
		seen[h] = true
	}
}

func TestFiletimeRoundTrip(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 30, 45, 123456700, time.UTC)
	ft := FiletimeOf(now)
	assert.True(t, ft.Time().Equal(now))
}

func TestFiletimeEpoch(t *testing.T) {
	unixEpoch := time.Unix(0, 0)
	assert.Equal(t, Filetime(epochDelta), FiletimeOf(unixEpoch))
}

func TestEncodeNames(t *testing.T) {
	tests := []struct {
		name    string
		native  string
		archLen int
	}{
		{"ascii", "hello.txt", 18},
		{"empty", "", 0},
		{"non-ascii", "héllo", 10},
		{"surrogate pair", "a\U0001F600", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := EncodeNames(tt.native)
			assert.Equal(t, tt.native, n.Native)
			assert.Len(t, n.Archive, tt.archLen)
			assert.Equal(t, tt.native, DecodeName(n.Archive))
		})
	}
}

func TestSymlinkCodec(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"absolute", "/usr/lib/libfoo.so"},
		{"relative", "../sibling/file"},
		{"bare", "file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := EncodeSymlink(tt.target)
			got, err := DecodeSymlink(data)
			require.NoError(t, err)
			assert.Equal(t, tt.target, got)
		})
	}
}

func TestDecodeSymlinkShortData(t *testing.T) {
	_, err := DecodeSymlink([]byte{1, 2, 3})
	assert.Error(t, err)
}
