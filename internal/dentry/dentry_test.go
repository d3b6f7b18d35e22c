package dentry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimtools/wimount/internal/wim"
	"github.com/wimtools/wimount/pkg/types"
)

func buildTree(t *testing.T) *Dentry {
	t.Helper()
	root := NewDirectory("", 1)
	dir := NewDirectory("dir", 2)
	dir.Attach(root)
	file := New("file.txt", 3)
	file.Hash = wim.RandomHash()
	file.Attach(dir)
	return root
}

func TestFind(t *testing.T) {
	root := buildTree(t)

	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{"root", "/", nil},
		{"directory", "/dir", nil},
		{"file", "/dir/file.txt", nil},
		{"trailing slash", "/dir/", nil},
		{"missing", "/dir/nope", types.ErrNotFound},
		{"file in middle", "/dir/file.txt/x", types.ErrNotDir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Find(root, tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAttachDetach(t *testing.T) {
	root := NewDirectory("", 1)
	f := New("a", 2)
	f.Attach(root)

	assert.Same(t, f, root.Child("a"))
	assert.Same(t, root, f.Parent())
	assert.True(t, root.HasChildren())

	f.Detach()
	assert.Nil(t, root.Child("a"))
	assert.Nil(t, f.Parent())
	assert.False(t, root.HasChildren())
}

func TestChildNamesSorted(t *testing.T) {
	root := NewDirectory("", 1)
	for i, name := range []string{"zebra", "alpha", "mango"} {
		New(name, uint64(i+2)).Attach(root)
	}
	assert.Equal(t, []string{"alpha", "mango", "zebra"}, root.ChildNames())
}

func TestWalkStopsOnError(t *testing.T) {
	root := buildTree(t)
	boom := errors.New("boom")
	visited := 0
	err := root.Walk(func(d *Dentry) error {
		visited++
		if visited == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, visited)
}

func TestLinkRing(t *testing.T) {
	a := New("a", 7)
	require.Equal(t, 1, a.GroupSize())
	require.True(t, a.Master)

	b := a.Clone()
	b.Rename("b")
	b.JoinGroup(a)
	c := a.Clone()
	c.Rename("c")
	c.JoinGroup(a)

	assert.Equal(t, 3, a.GroupSize())
	assert.Equal(t, uint64(7), b.Group())
	assert.False(t, b.Master)

	var names []string
	a.GroupMembers(func(m *Dentry) { names = append(names, m.Name.Native) })
	assert.Len(t, names, 3)

	// Removing the master hands mastership to another member.
	a.LeaveGroup()
	assert.Equal(t, 1, a.GroupSize())
	assert.True(t, a.Master)
	assert.Equal(t, 2, b.GroupSize())
	assert.True(t, b.Master != c.Master)
}

func TestCloneSharesHashesNotSlots(t *testing.T) {
	a := New("a", 1)
	a.Hash = wim.RandomHash()
	ads, err := a.AddStream("s")
	require.NoError(t, err)
	ads.Hash = wim.RandomHash()

	b := a.Clone()
	assert.Equal(t, a.Hash, b.Hash)
	require.Len(t, b.Streams, 1)
	assert.Equal(t, ads.Hash, b.Streams[0].Hash)

	// The clone owns its hash slots.
	b.Streams[0].Hash = wim.RandomHash()
	assert.NotEqual(t, ads.Hash, b.Streams[0].Hash)
}

func TestStreamRef(t *testing.T) {
	d := New("f", 1)
	d.Hash = wim.RandomHash()
	ads, err := d.AddStream("side")
	require.NoError(t, err)
	ads.Hash = wim.RandomHash()

	refs := d.EffectiveStreams()
	require.Len(t, refs, 2)
	assert.True(t, refs[0].Primary())
	assert.False(t, refs[1].Primary())
	assert.Equal(t, d.Hash, refs[0].Hash())
	assert.Equal(t, ads.Hash, refs[1].Hash())

	h := wim.RandomHash()
	refs[1].SetHash(h)
	assert.Equal(t, h, ads.Hash)
}

func TestAddStreamDuplicate(t *testing.T) {
	d := New("f", 1)
	_, err := d.AddStream("s")
	require.NoError(t, err)
	_, err = d.AddStream("s")
	assert.ErrorIs(t, err, types.ErrExists)
}

func TestRemoveStream(t *testing.T) {
	d := New("f", 1)
	s1, _ := d.AddStream("one")
	s2, _ := d.AddStream("two")
	d.RemoveStream(s1)
	assert.Nil(t, d.Stream("one"))
	assert.Same(t, s2, d.Stream("two"))
}
