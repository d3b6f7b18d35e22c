package catalog

import (
	"fmt"

	"github.com/wimtools/wimount/internal/wim"
)

// Catalog is the hash-indexed table of lookup entries. Its domain is the
// set of hashes referenced by reachable dentries, plus entries whose
// refcount dropped to zero while fds remain open (freed when the last fd
// closes).
type Catalog struct {
	entries map[wim.Hash]*Entry
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{entries: make(map[wim.Hash]*Entry)}
}

// Lookup returns the entry for hash, or nil. The zero hash never resolves:
// it denotes an empty stream with no entry.
func (c *Catalog) Lookup(hash wim.Hash) *Entry {
	if hash.Zero() {
		return nil
	}
	return c.entries[hash]
}

// Insert adds an entry under its current hash.
func (c *Catalog) Insert(e *Entry) {
	c.entries[e.Hash] = e
}

// Remove deletes the entry from the table. The entry itself stays valid
// for any fds still holding it. A hash that has since been re-keyed to a
// different entry is left alone.
func (c *Catalog) Remove(e *Entry) {
	if c.entries[e.Hash] == e {
		delete(c.entries, e.Hash)
	}
}

// Len returns the number of entries in the table.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Each visits every entry, stopping on the first error.
func (c *Catalog) Each(fn func(*Entry) error) error {
	for _, e := range c.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Decrement lowers the refcount for hash. An entry whose refcount reaches
// zero is removed from the table only once it has no open fds; until then
// it stays, deferred. Returns the entry (nil if the hash is absent) and
// whether it is now dead and should be destroyed by the caller.
func (c *Catalog) Decrement(hash wim.Hash) (e *Entry, dead bool) {
	e = c.Lookup(hash)
	if e == nil {
		return nil, false
	}
	e.RefCount--
	if e.RefCount == 0 && e.numOpened == 0 {
		c.Remove(e)
		return e, true
	}
	return e, false
}

// CheckInvariants verifies the catalog-wide invariants: slot back-pointers,
// open-fd counts, the one-backing rule, and deferred-free liveness. Tests
// call this after every mutation.
func (c *Catalog) CheckInvariants() error {
	for hash, e := range c.entries {
		if e.Hash != hash {
			return fmt.Errorf("entry keyed %s carries hash %s", hash, e.Hash)
		}
		if (e.Resource != nil) == (e.StagingPath != "") {
			return fmt.Errorf("entry %s: want exactly one of resource and staging path", hash)
		}
		opened := 0
		for i := range e.fds {
			fd := e.fds[i]
			if fd == nil {
				continue
			}
			opened++
			if fd.Entry != e || int(fd.Idx) != i {
				return fmt.Errorf("entry %s: fd slot %d back-pointer mismatch", hash, i)
			}
		}
		if opened != int(e.numOpened) {
			return fmt.Errorf("entry %s: counted %d open fds, recorded %d", hash, opened, e.numOpened)
		}
		if e.RefCount == 0 && e.numOpened == 0 {
			return fmt.Errorf("entry %s: dead entry still in table", hash)
		}
	}
	return nil
}
