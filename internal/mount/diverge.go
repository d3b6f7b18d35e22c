package mount

import (
	"io"

	"go.uber.org/zap"

	"github.com/wimtools/wimount/internal/catalog"
	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/internal/wim"
)

// resourceStream adapts the archive resource reader to io.Reader for
// materialization into staging.
type resourceStream struct {
	r     ResourceReader
	res   wim.Resource
	pos   int64
	limit int64
}

func (s *resourceStream) Read(p []byte) (int, error) {
	if s.pos >= s.limit {
		return 0, io.EOF
	}
	if max := s.limit - s.pos; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := s.r.ReadResource(s.res, s.pos, p)
	s.pos += int64(n)
	return n, err
}

// groupStreams collects, across the dentry's hard-link group, every stream
// slot at the same position (primary, or the ADS with the same name) that
// carries the given hash. These slots diverge together.
func groupStreams(ref dentry.StreamRef, hash wim.Hash) []dentry.StreamRef {
	var refs []dentry.StreamRef
	ref.Dentry.GroupMembers(func(m *dentry.Dentry) {
		if ref.Primary() {
			if m.Hash == hash {
				refs = append(refs, dentry.StreamRef{Dentry: m})
			}
			return
		}
		if s := m.Stream(ref.ADS.Name.Native); s != nil && s.Hash == hash {
			refs = append(refs, dentry.StreamRef{Dentry: m, ADS: s})
		}
	})
	return refs
}

// diverge materializes the stream addressed by ref into a private staging
// file so it can be mutated without affecting other consumers of the same
// content. old is the current catalog entry (nil for brand-new streams);
// size is the number of original bytes to carry over: 0 for "new", the
// original size for a full copy, N for a truncation prefix.
//
// When the old entry's whole refcount belongs to this hard-link group the
// entry is repurposed in place. Otherwise the group splits away: a new
// entry is created, and exactly the handles opened by this group transfer
// to it. The group identity stamped on each handle at open time makes the
// membership test cheap, and transferred handles stay valid for their
// callers.
func (c *Context) diverge(ref dentry.StreamRef, old *catalog.Entry, size int64) (*catalog.Entry, error) {
	copyLen := size
	var src io.Reader = eofReader{}
	if old != nil {
		if copyLen > old.Size {
			copyLen = old.Size
		}
		src = &resourceStream{r: c.src, res: *old.Resource, limit: copyLen}
	} else {
		copyLen = 0
	}

	name, err := c.store.Materialize(src, copyLen)
	if err != nil {
		return nil, err
	}
	if size > copyLen {
		// Truncation past the resource end extends with zeroes.
		if err := c.store.Truncate(name, size); err != nil {
			_ = c.store.Remove(name)
			return nil, err
		}
	}

	oldHash := ref.Hash()
	diverging := groupStreams(ref, oldHash)
	groupSize := uint32(len(diverging))

	var entry *catalog.Entry
	switch {
	case old == nil:
		entry = &catalog.Entry{}
	case groupSize == old.RefCount:
		// The hard-link group is the only user of the entry:
		// repurpose it, keeping the fd table intact.
		c.cat.Remove(old)
		old.Resource = nil
		entry = old
	default:
		// The entry is shared with other link groups that stay on
		// the archive resource.
		entry = &catalog.Entry{}
		group := ref.Dentry.Group()
		moved := old.Transfer(entry, func(fd *catalog.FD) bool {
			return fd.Group == group
		})
		old.RefCount -= groupSize
		c.log.Debug("split lookup entry",
			zap.Stringer("hash", oldHash),
			zap.Uint32("group_size", groupSize),
			zap.Int("transferred_fds", moved))
	}

	entry.Size = size
	entry.RefCount = groupSize
	entry.Hash = wim.RandomHash()
	entry.StagingPath = name
	c.cat.Insert(entry)

	// Re-point every diverging stream slot at the new entry.
	for _, r := range diverging {
		r.SetHash(entry.Hash)
	}
	return entry, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
