package wimfile

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/internal/wim"
)

// Overwrite serializes the modified image to a fresh archive and renames
// it over the original. Streams still backed by the old archive are copied
// raw (compressed form preserved); staged streams are written uncompressed.
// Resources the mounted image no longer references are kept for the sake
// of the archive's other images.
func (a *Archive) Overwrite(root *dentry.Dentry, openStaged func(wim.Hash) (io.ReadCloser, int64, error), checkIntegrity bool) error {
	tmp, err := os.CreateTemp(filepath.Dir(a.path), filepath.Base(a.path)+".*")
	if err != nil {
		return fmt.Errorf("creating replacement archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	w := &archiveWriter{f: tmp}
	if err := w.pad(int64(headerSize)); err != nil {
		return err
	}

	// Reference counts for the rewritten image.
	treeRefs := make(map[wim.Hash]uint32)
	_ = root.Walk(func(d *dentry.Dentry) error {
		for _, ref := range d.EffectiveStreams() {
			if h := ref.Hash(); !h.Zero() {
				treeRefs[h]++
			}
		}
		return nil
	})

	var table []streamDescriptor

	// Staged streams first, then every original file resource (still
	// referenced or not).
	staged := make(map[wim.Hash]bool)
	for h, refs := range treeRefs {
		r, size, err := openStaged(h)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("opening staged stream %s: %w", h, err)
		}
		staged[h] = true
		off := w.off
		n, err := io.Copy(tmp, r)
		r.Close()
		if err != nil {
			return fmt.Errorf("writing staged stream %s: %w", h, err)
		}
		if n != size {
			return fmt.Errorf("staged stream %s: wrote %d bytes, expected %d", h, n, size)
		}
		w.off += n
		table = append(table, streamDescriptor{
			resourceDescriptor: packResource(0, off, n, n),
			PartNumber:         1,
			RefCount:           refs,
			Hash:               h,
		})
	}
	for h, sd := range a.streams {
		if staged[h] {
			continue
		}
		off, err := w.copyRaw(a.f, sd.resourceDescriptor)
		if err != nil {
			return err
		}
		refs := sd.RefCount
		if tr, ok := treeRefs[h]; ok && tr > refs {
			refs = tr
		}
		table = append(table, streamDescriptor{
			resourceDescriptor: packResource(sd.Flags(), off, sd.CompressedSize(), sd.OriginalSize),
			PartNumber:         1,
			RefCount:           refs,
			Hash:               h,
		})
	}

	// Metadata: the selected image is re-serialized, the others copied.
	for i, md := range a.images {
		if i+1 == a.image {
			meta, err := serializeMetadata(root)
			if err != nil {
				return err
			}
			off := w.off
			if err := w.write(meta); err != nil {
				return err
			}
			table = append(table, streamDescriptor{
				resourceDescriptor: packResource(resFlagMetadata, off, int64(len(meta)), int64(len(meta))),
				PartNumber:         1,
				RefCount:           1,
				Hash:               wim.Hash(sha1.Sum(meta)),
			})
			continue
		}
		off, err := w.copyRaw(a.f, md)
		if err != nil {
			return err
		}
		table = append(table, streamDescriptor{
			resourceDescriptor: packResource(resFlagMetadata|md.Flags(), off, md.CompressedSize(), md.OriginalSize),
			PartNumber:         1,
			RefCount:           1,
		})
	}

	// Offset table.
	var tableBuf bytes.Buffer
	for _, sd := range table {
		if err := binary.Write(&tableBuf, binary.LittleEndian, sd); err != nil {
			return err
		}
	}
	tableOff := w.off
	if err := w.write(tableBuf.Bytes()); err != nil {
		return err
	}

	// XML data.
	a.info.TotalBytes = w.off
	xmlData, err := a.encodeXML()
	if err != nil {
		return fmt.Errorf("encoding XML data: %w", err)
	}
	xmlOff := w.off
	if err := w.write(xmlData); err != nil {
		return err
	}

	hdr := header{
		ImageTag:        imageTag,
		Size:            headerSize,
		Version:         wimVersion,
		Flags:           a.hdr.Flags & (hdrFlagCompressed | hdrFlagCompressXpress | hdrFlagCompressLzx),
		CompressionSize: compressionSize,
		PartNumber:      1,
		TotalParts:      1,
		ImageCount:      uint32(len(a.images)),
		OffsetTable:     packResource(0, tableOff, int64(tableBuf.Len()), int64(tableBuf.Len())),
		XMLData:         packResource(0, xmlOff, int64(len(xmlData)), int64(len(xmlData))),
	}
	id := uuid.New()
	copy(hdr.WIMGuid[:], id[:])

	var hdrBuf bytes.Buffer
	if err := binary.Write(&hdrBuf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if _, err := tmp.WriteAt(hdrBuf.Bytes(), 0); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing archive: %w", err)
	}

	if checkIntegrity {
		if err := verifyResources(tmp, table); err != nil {
			return fmt.Errorf("integrity check: %w", err)
		}
	}

	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, a.path); err != nil {
		return fmt.Errorf("replacing archive: %w", err)
	}
	return nil
}

// verifyResources rehashes every uncompressed stream in the freshly
// written archive against its recorded hash. Compressed streams were
// copied byte-for-byte and keep their original digests.
func verifyResources(f *os.File, table []streamDescriptor) error {
	for _, sd := range table {
		if sd.Flags()&(resFlagMetadata|resFlagCompressed) != 0 {
			continue
		}
		h := sha1.New()
		if _, err := io.Copy(h, io.NewSectionReader(f, sd.Offset, sd.CompressedSize())); err != nil {
			return err
		}
		var sum wim.Hash
		copy(sum[:], h.Sum(nil))
		if sum != sd.Hash {
			return fmt.Errorf("stream %s: content hash mismatch after rewrite", sd.Hash)
		}
	}
	return nil
}

type archiveWriter struct {
	f   *os.File
	off int64
}

func (w *archiveWriter) write(p []byte) error {
	n, err := w.f.Write(p)
	w.off += int64(n)
	if err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	return nil
}

func (w *archiveWriter) pad(n int64) error {
	return w.write(make([]byte, n))
}

// copyRaw copies a resource in its on-disk (possibly compressed) form.
func (w *archiveWriter) copyRaw(src *os.File, rd resourceDescriptor) (int64, error) {
	off := w.off
	n, err := io.Copy(w.f, io.NewSectionReader(src, rd.Offset, rd.CompressedSize()))
	w.off += n
	if err != nil {
		return 0, fmt.Errorf("copying resource at %d: %w", rd.Offset, err)
	}
	return off, nil
}

// serializeMetadata writes the dentry tree in the on-disk metadata layout:
// an empty security block, then the root entry, then each directory's
// children block in breadth-first order.
func serializeMetadata(root *dentry.Dentry) ([]byte, error) {
	// Pass one: lay out block offsets.
	type block struct {
		entries []*dentry.Dentry
	}
	childOff := make(map[*dentry.Dentry]int64)
	blocks := []block{{entries: []*dentry.Dentry{root}}}
	cur := align8(securityBlockSize) + blockSize([]*dentry.Dentry{root})

	queue := []*dentry.Dentry{root}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		var children []*dentry.Dentry
		for _, name := range d.ChildNames() {
			children = append(children, d.Child(name))
		}
		if len(children) == 0 {
			continue
		}
		childOff[d] = cur
		blocks = append(blocks, block{entries: children})
		cur += blockSize(children)
		for _, c := range children {
			if c.IsDirectory() {
				queue = append(queue, c)
			}
		}
	}

	// Pass two: serialize.
	buf := bytes.NewBuffer(make([]byte, 0, cur))
	binary.Write(buf, binary.LittleEndian, uint32(securityBlockSize)) // total length
	binary.Write(buf, binary.LittleEndian, uint32(0))                 // no entries
	for _, b := range blocks {
		for _, d := range b.entries {
			if err := writeEntry(buf, d, childOff[d]); err != nil {
				return nil, err
			}
		}
		binary.Write(buf, binary.LittleEndian, uint64(0)) // terminator
	}
	return buf.Bytes(), nil
}

func entryAdvance(d *dentry.Dentry) int64 {
	adv := align8(direntrySize + int64(len(d.Name.Archive)) + 2)
	for _, s := range d.Streams {
		adv += align8(streamentrySize + int64(len(s.Name.Archive)))
	}
	return adv
}

func blockSize(entries []*dentry.Dentry) int64 {
	var n int64
	for _, d := range entries {
		n += entryAdvance(d)
	}
	return n + 8 // terminator
}

func writeEntry(buf *bytes.Buffer, d *dentry.Dentry, subdirOff int64) error {
	var linkField int64
	switch {
	case d.Attributes&wim.AttrReparsePoint != 0:
		linkField = int64(uint64(d.ReparseTag))
	case d.GroupSize() > 1:
		linkField = int64(d.Group())
	}

	de := direntry{
		Attributes:      d.Attributes,
		SecurityID:      noSecurityID,
		SubdirOffset:    subdirOff,
		CreationTime:    packFiletime(d.Created),
		LastAccessTime:  packFiletime(d.Accessed),
		LastWriteTime:   packFiletime(d.Modified),
		Hash:            d.Hash,
		ReparseHardLink: linkField,
		StreamCount:     uint16(len(d.Streams)),
		FileNameLength:  uint16(len(d.Name.Archive)),
	}

	length := direntrySize + int64(len(d.Name.Archive)) + 2
	if err := binary.Write(buf, binary.LittleEndian, uint64(length)); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, &de); err != nil {
		return err
	}
	buf.Write(d.Name.Archive)
	buf.Write(make([]byte, 2+int(align8(length)-length))) // name null + alignment

	for _, s := range d.Streams {
		se := streamentry{Hash: s.Hash, NameLength: int16(len(s.Name.Archive))}
		slen := streamentrySize + int64(len(s.Name.Archive))
		if err := binary.Write(buf, binary.LittleEndian, uint64(slen)); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.LittleEndian, &se); err != nil {
			return err
		}
		buf.Write(s.Name.Archive)
		buf.Write(make([]byte, int(align8(slen)-slen)))
	}
	return nil
}
