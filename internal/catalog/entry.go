// Package catalog implements the content-addressed resource catalog: one
// lookup entry per unique stream hash, each carrying a reference count and
// a dense table of open file descriptors. Entries are backed by either an
// archive resource or a staging file, never both.
package catalog

import (
	"github.com/go-git/go-billy/v5"
	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/internal/wim"
	"github.com/wimtools/wimount/pkg/types"
)

const (
	fdsPerAlloc = 8
	maxFDs      = 0xffff
)

// FD is one open file handle on a stream. The slot index is stable for the
// handle's lifetime; the hard-link group snapshot taken at open time lets
// the staging split test membership without touching the dentry ring.
type FD struct {
	Idx         uint16
	Entry       *Entry
	Group       uint64
	StagingFile billy.File // nil while reading straight from the archive

	// Dentry is nulled when the file is unlinked while the handle is
	// still open; the handle keeps working until released.
	Dentry *dentry.Dentry
}

// Entry is the catalog record for one unique content stream.
type Entry struct {
	Hash     wim.Hash
	RefCount uint32

	// Exactly one of Resource and StagingPath is set.
	Resource    *wim.Resource
	StagingPath string

	// Size is the stream's uncompressed size. For archive-backed entries
	// it mirrors Resource.OriginalSize; for staged entries it tracks the
	// staging file.
	Size int64

	fds       []*FD
	numOpened uint16
}

// Staged reports whether the entry is backed by a staging file.
func (e *Entry) Staged() bool {
	return e.StagingPath != ""
}

// NumAllocated returns the number of allocated fd slots.
func (e *Entry) NumAllocated() int {
	return len(e.fds)
}

// NumOpened returns the number of open fds.
func (e *Entry) NumOpened() int {
	return int(e.numOpened)
}

// FDAt returns the fd in slot i, or nil.
func (e *Entry) FDAt(i int) *FD {
	return e.fds[i]
}

// AllocFD allocates the lowest free slot, growing the table eight slots at
// a time up to 65535, and returns the new handle bound to that slot.
func (e *Entry) AllocFD() (*FD, error) {
	if int(e.numOpened) == len(e.fds) {
		if len(e.fds) == maxFDs {
			return nil, types.ErrTooManyOpens
		}
		grow := fdsPerAlloc
		if len(e.fds)+grow > maxFDs {
			grow = maxFDs - len(e.fds)
		}
		e.fds = append(e.fds, make([]*FD, grow)...)
	}
	for i := range e.fds {
		if e.fds[i] == nil {
			fd := &FD{Idx: uint16(i), Entry: e}
			e.fds[i] = fd
			e.numOpened++
			return fd, nil
		}
	}
	panic("catalog: fd table full despite free count")
}

// ReleaseFD clears the handle's slot. It reports whether the entry is now
// dead: zero references and zero open fds.
func (e *Entry) ReleaseFD(fd *FD) bool {
	if e.fds[fd.Idx] != fd {
		panic("catalog: fd slot mismatch")
	}
	e.fds[fd.Idx] = nil
	e.numOpened--
	return e.numOpened == 0 && e.RefCount == 0
}

// Transfer moves every fd matching pred into the entry to, assigning
// compact new slot indices there, and returns the number moved. Used when
// a hard-link group splits away from a shared stream.
func (e *Entry) Transfer(to *Entry, pred func(*FD) bool) int {
	moved := 0
	for i := range e.fds {
		fd := e.fds[i]
		if fd == nil || !pred(fd) {
			continue
		}
		e.fds[i] = nil
		e.numOpened--
		fd.Entry = to
		fd.Idx = uint16(len(to.fds))
		to.fds = append(to.fds, fd)
		to.numOpened++
		moved++
	}
	return moved
}

// OrphanFDs nulls the dentry back-pointer of every open fd that still
// points at d. Called when d is removed from the tree while streams are
// held open.
func (e *Entry) OrphanFDs(d *dentry.Dentry) {
	for _, fd := range e.fds {
		if fd != nil && fd.Dentry == d {
			fd.Dentry = nil
		}
	}
}

// EachFD visits every open fd.
func (e *Entry) EachFD(fn func(*FD) error) error {
	for _, fd := range e.fds {
		if fd == nil {
			continue
		}
		if err := fn(fd); err != nil {
			return err
		}
	}
	return nil
}
