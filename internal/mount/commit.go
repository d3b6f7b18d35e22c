package mount

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/wimtools/wimount/internal/catalog"
	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/internal/wim"
	"github.com/wimtools/wimount/pkg/types"
)

// Commit is the post-unmount pipeline for a read-write mount: close every
// open staging descriptor, compute real content hashes for all staged
// streams, collapse duplicates into existing catalog entries, refresh the
// image metadata, and rewrite the archive.
func (c *Context) Commit(checkIntegrity bool) error {
	if err := c.requireWrite(); err != nil {
		return err
	}

	// Any close failure means staged data may not have hit the disk;
	// the commit aborts before the archive is touched.
	err := c.cat.Each(func(e *catalog.Entry) error {
		return e.EachFD(func(fd *catalog.FD) error {
			if fd.StagingFile == nil {
				return nil
			}
			if err := fd.StagingFile.Close(); err != nil {
				return &types.StagingError{Path: e.StagingPath, Op: "close", Err: err}
			}
			fd.StagingFile = nil
			return nil
		})
	})
	if err != nil {
		return err
	}

	rehashed, err := c.rehashStaged()
	if err != nil {
		return err
	}

	// Re-point every dentry stream slot that carried a placeholder.
	err = c.root.Walk(func(d *dentry.Dentry) error {
		for _, ref := range d.EffectiveStreams() {
			if h, ok := rehashed[ref.Hash()]; ok {
				ref.SetHash(h)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.src.UpdateImageInfo(c.root); err != nil {
		return fmt.Errorf("updating image info: %w", err)
	}

	staged := make(map[wim.Hash]*catalog.Entry)
	_ = c.cat.Each(func(e *catalog.Entry) error {
		if e.Staged() {
			staged[e.Hash] = e
		}
		return nil
	})
	openStaged := func(h wim.Hash) (io.ReadCloser, int64, error) {
		e, ok := staged[h]
		if !ok {
			return nil, 0, os.ErrNotExist
		}
		f, err := c.store.Open(e.StagingPath, os.O_RDONLY)
		if err != nil {
			return nil, 0, err
		}
		return f, e.Size, nil
	}
	if err := c.src.Overwrite(c.root, openStaged, checkIntegrity); err != nil {
		return fmt.Errorf("overwriting archive: %w", err)
	}
	c.log.Info("archive rewritten", zap.Int("staged_streams", len(staged)))
	return nil
}

// rehashStaged replaces every staged entry's placeholder hash with the
// real content digest, merging entries whose content already exists in the
// catalog. Returns the placeholder-to-real mapping for slot fixup.
func (c *Context) rehashStaged() (map[wim.Hash]wim.Hash, error) {
	var stagedEntries []*catalog.Entry
	_ = c.cat.Each(func(e *catalog.Entry) error {
		if e.Staged() {
			stagedEntries = append(stagedEntries, e)
		}
		return nil
	})

	rehashed := make(map[wim.Hash]wim.Hash, len(stagedEntries))
	for _, e := range stagedEntries {
		f, err := c.store.Open(e.StagingPath, os.O_RDONLY)
		if err != nil {
			return nil, err
		}
		h, sumErr := c.hasher.Sum(f)
		if cerr := f.Close(); cerr != nil {
			sumErr = errors.Join(sumErr, cerr)
		}
		if sumErr != nil {
			return nil, &types.StagingError{Path: e.StagingPath, Op: "hash", Err: sumErr}
		}
		size, err := c.store.Size(e.StagingPath)
		if err != nil {
			return nil, err
		}

		c.cat.Remove(e)
		rehashed[e.Hash] = h
		if existing := c.cat.Lookup(h); existing != nil {
			// Duplicate content: the staged copy collapses into the
			// existing entry.
			existing.RefCount += e.RefCount
			c.log.Debug("merged duplicate stream", zap.Stringer("hash", h))
			continue
		}
		e.Hash = h
		e.Size = size
		c.cat.Insert(e)
	}
	return rehashed, nil
}

// CleanupStaging removes the staging directory recursively, regardless of
// commit outcome, and drops the archive lock.
func (c *Context) CleanupStaging() error {
	defer c.unlock()
	if c.store == nil {
		return nil
	}
	if err := c.store.RemoveAll(); err != nil {
		return fmt.Errorf("deleting staging directory %s: %w", c.store.Dir(), err)
	}
	return nil
}
