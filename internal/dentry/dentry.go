// Package dentry implements the in-memory directory tree projected out of a
// mounted archive image: named nodes with Windows attributes, alternate data
// streams, and hard-link groups. Dentries name content streams by hash; the
// streams themselves are catalog entries.
package dentry

import (
	"sort"
	"strings"

	"github.com/wimtools/wimount/internal/wim"
	"github.com/wimtools/wimount/pkg/types"
)

// ADS is an alternate data stream attached to a regular file: a named side
// stream with its own content hash.
type ADS struct {
	Name wim.Names
	Hash wim.Hash
}

// Dentry is one node of the directory tree.
type Dentry struct {
	Name       wim.Names
	Attributes uint32
	ReparseTag uint32

	Created  wim.Filetime
	Accessed wim.Filetime
	Modified wim.Filetime
	Changed  wim.Filetime

	// Hash names the primary stream's catalog entry. The zero hash means
	// an empty stream with no entry.
	Hash    wim.Hash
	Streams []*ADS

	parent   *Dentry
	children map[string]*Dentry

	// Hard-link ring. Every dentry is a member of exactly one group;
	// singletons form a ring of one. All members of a group share the
	// same primary hash, and exactly one member is the master.
	group    uint64
	linkNext *Dentry
	linkPrev *Dentry
	Master   bool

	// OpenDirCount defers destruction of a directory that has been
	// unlinked while a directory handle is still held open.
	OpenDirCount int
}

// New returns a dentry with the given native name, all four timestamps set
// to now, and a singleton hard-link ring.
func New(name string, group uint64) *Dentry {
	d := &Dentry{
		Name:    wim.EncodeNames(name),
		group:   group,
		Master:  true,
		Created: wim.Now(),
	}
	d.Accessed = d.Created
	d.Modified = d.Created
	d.Changed = d.Created
	d.linkNext = d
	d.linkPrev = d
	return d
}

// NewDirectory returns a new directory dentry.
func NewDirectory(name string, group uint64) *Dentry {
	d := New(name, group)
	d.Attributes |= wim.AttrDirectory
	return d
}

// Rename re-encodes the dentry's name pair from a new native name.
func (d *Dentry) Rename(name string) {
	d.Name = wim.EncodeNames(name)
}

// IsDirectory reports whether the dentry is a directory.
func (d *Dentry) IsDirectory() bool {
	return d.Attributes&wim.AttrDirectory != 0
}

// IsSymlink reports whether the dentry is a symlink reparse point.
func (d *Dentry) IsSymlink() bool {
	return d.Attributes&wim.AttrReparsePoint != 0 &&
		d.ReparseTag == wim.ReparseTagSymlink
}

// IsRegular reports whether the dentry is a regular file.
func (d *Dentry) IsRegular() bool {
	return d.Attributes&(wim.AttrDirectory|wim.AttrReparsePoint) == 0
}

// Parent returns the dentry's parent, or nil for the root and for orphans.
func (d *Dentry) Parent() *Dentry {
	return d.parent
}

// Child returns the child with the given native name, or nil.
func (d *Dentry) Child(name string) *Dentry {
	return d.children[name]
}

// HasChildren reports whether the directory has any children.
func (d *Dentry) HasChildren() bool {
	return len(d.children) > 0
}

// ChildNames returns the names of all children, sorted.
func (d *Dentry) ChildNames() []string {
	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Attach links d under parent. The caller must have verified that parent is
// a directory with no child of the same name.
func (d *Dentry) Attach(parent *Dentry) {
	if parent.children == nil {
		parent.children = make(map[string]*Dentry)
	}
	parent.children[d.Name.Native] = d
	d.parent = parent
}

// Detach unlinks d from its parent, leaving it an orphan. The hard-link
// ring membership is unaffected.
func (d *Dentry) Detach() {
	if d.parent != nil {
		delete(d.parent.children, d.Name.Native)
		d.parent = nil
	}
}

// Walk visits d and every dentry below it in preorder, stopping on the
// first error.
func (d *Dentry) Walk(fn func(*Dentry) error) error {
	if err := fn(d); err != nil {
		return err
	}
	for _, name := range d.ChildNames() {
		if err := d.children[name].Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a shallow copy of d suitable for hard linking: same
// attributes, timestamps and hashes, fresh ADS slice (entries copied so
// each dentry owns its hash slots), no parent, singleton ring.
func (d *Dentry) Clone() *Dentry {
	c := &Dentry{
		Name:       d.Name,
		Attributes: d.Attributes,
		ReparseTag: d.ReparseTag,
		Created:    d.Created,
		Accessed:   d.Accessed,
		Modified:   d.Modified,
		Changed:    d.Changed,
		Hash:       d.Hash,
		group:      d.group,
	}
	c.linkNext = c
	c.linkPrev = c
	for _, s := range d.Streams {
		c.Streams = append(c.Streams, &ADS{Name: s.Name, Hash: s.Hash})
	}
	return c
}

// TouchAll refreshes all four timestamps.
func (d *Dentry) TouchAll() {
	now := wim.Now()
	d.Created = now
	d.Accessed = now
	d.Modified = now
	d.Changed = now
}

// Find walks the tree from root, splitting path on '/'. It fails with
// ErrNotFound for a missing component and ErrNotDir when a non-directory
// appears in the middle of the path.
func Find(root *Dentry, path string) (*Dentry, error) {
	d := root
	for _, comp := range strings.Split(path, "/") {
		if comp == "" {
			continue
		}
		if !d.IsDirectory() {
			return nil, types.ErrNotDir
		}
		d = d.Child(comp)
		if d == nil {
			return nil, types.ErrNotFound
		}
	}
	return d, nil
}
