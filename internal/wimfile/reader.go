package wimfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/internal/wim"
)

// Decompressor turns a raw compressed resource (chunk table included) back
// into its original bytes. XPRESS and LZX codecs are injected here; the
// package itself only handles uncompressed archives.
type Decompressor func(compressed []byte, originalSize int64) ([]byte, error)

var decompressors = map[wim.CompressionType]Decompressor{}

// RegisterDecompressor installs the codec for a compression type.
func RegisterDecompressor(ctype wim.CompressionType, fn Decompressor) {
	decompressors[ctype] = fn
}

// ErrNeedDecompressor is returned when a resource uses a compression type
// with no registered codec.
var ErrNeedDecompressor = errors.New("compressed resource requires a registered decompressor")

// Archive is an open WIM file with one selected image.
type Archive struct {
	path  string
	f     *os.File
	hdr   header
	ctype wim.CompressionType

	resources map[wim.Hash]wim.Resource
	streams   map[wim.Hash]streamDescriptor
	images    []resourceDescriptor
	image     int // 1-based selected image

	info     wimInfo
	modified bool
	groupSeq uint64
}

// Open opens the archive and selects the given 1-based image index.
func Open(path string, image int) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	a := &Archive{
		path:      path,
		f:         f,
		image:     image,
		resources: make(map[wim.Hash]wim.Resource),
		streams:   make(map[wim.Hash]streamDescriptor),
	}
	if err := a.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := a.readOffsetTable(); err != nil {
		f.Close()
		return nil, err
	}
	if image < 1 || image > len(a.images) {
		f.Close()
		return nil, fmt.Errorf("image %d out of range: archive has %d image(s)", image, len(a.images))
	}
	if err := a.readXML(); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the backing file.
func (a *Archive) Close() error {
	return a.f.Close()
}

// Path returns the archive's file path.
func (a *Archive) Path() string {
	return a.path
}

func (a *Archive) readHeader() error {
	if err := binary.Read(io.NewSectionReader(a.f, 0, int64(headerSize)), binary.LittleEndian, &a.hdr); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if a.hdr.ImageTag != imageTag {
		return errors.New("not a WIM file")
	}
	if a.hdr.TotalParts != 1 {
		return errors.New("multi-part archives are not supported")
	}
	switch {
	case a.hdr.Flags&hdrFlagCompressed == 0:
		a.ctype = wim.CompressionNone
	case a.hdr.Flags&hdrFlagCompressLzx != 0:
		a.ctype = wim.CompressionLZX
	case a.hdr.Flags&hdrFlagCompressXpress != 0:
		a.ctype = wim.CompressionXPRESS
	default:
		return errors.New("compressed archive with unknown compression type")
	}
	return nil
}

// readRaw reads a resource's full uncompressed content.
func (a *Archive) readRaw(rd resourceDescriptor) ([]byte, error) {
	raw := make([]byte, rd.CompressedSize())
	if _, err := a.f.ReadAt(raw, rd.Offset); err != nil {
		return nil, fmt.Errorf("reading resource at %d: %w", rd.Offset, err)
	}
	if rd.Flags()&resFlagCompressed == 0 {
		return raw, nil
	}
	fn, ok := decompressors[a.ctype]
	if !ok {
		return nil, fmt.Errorf("%s resource: %w", a.ctype, ErrNeedDecompressor)
	}
	return fn(raw, rd.OriginalSize)
}

func (a *Archive) readOffsetTable() error {
	table, err := a.readRaw(a.hdr.OffsetTable)
	if err != nil {
		return fmt.Errorf("reading offset table: %w", err)
	}
	br := bytes.NewReader(table)
	for {
		var sd streamDescriptor
		if err := binary.Read(br, binary.LittleEndian, &sd); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("parsing offset table: %w", err)
		}
		if sd.Flags()&resFlagMetadata != 0 {
			a.images = append(a.images, sd.resourceDescriptor)
			continue
		}
		a.streams[sd.Hash] = sd
		ctype := wim.CompressionNone
		var flags byte
		if sd.Flags()&resFlagCompressed != 0 {
			ctype = a.ctype
			flags |= wim.ResFlagCompressed
		}
		a.resources[sd.Hash] = wim.Resource{
			Offset:         sd.Offset,
			CompressedSize: sd.CompressedSize(),
			OriginalSize:   sd.OriginalSize,
			Flags:          flags,
			Compression:    ctype,
		}
	}
	if len(a.images) != int(a.hdr.ImageCount) {
		return errors.New("image count mismatch in offset table")
	}
	return nil
}

// ReadResource serves decompressed resource bytes starting skip bytes into
// the stream.
func (a *Archive) ReadResource(res wim.Resource, skip int64, buf []byte) (int, error) {
	if res.Flags&wim.ResFlagCompressed == 0 {
		n, err := io.NewSectionReader(a.f, res.Offset, res.OriginalSize).ReadAt(buf, skip)
		if err == io.EOF && n == len(buf) {
			err = nil
		}
		return n, err
	}
	data, err := a.readRaw(packResource(resFlagCompressed, res.Offset, res.CompressedSize, res.OriginalSize))
	if err != nil {
		return 0, err
	}
	if skip >= int64(len(data)) {
		return 0, io.EOF
	}
	return copy(buf, data[skip:]), nil
}

// MarkModified flags the selected image as modified.
func (a *Archive) MarkModified() {
	a.modified = true
}

// rawEntry is one parsed on-disk directory entry.
type rawEntry struct {
	de      direntry
	name    string
	streams []rawStream
}

type rawStream struct {
	name string
	hash wim.Hash
}

// LoadImage parses the selected image's metadata resource into a dentry
// tree and returns it with the archive's resource map.
func (a *Archive) LoadImage() (*dentry.Dentry, map[wim.Hash]wim.Resource, error) {
	meta, err := a.readRaw(a.images[a.image-1])
	if err != nil {
		return nil, nil, fmt.Errorf("reading image metadata: %w", err)
	}

	rootOff, err := skipSecurityBlock(meta)
	if err != nil {
		return nil, nil, err
	}
	roots, err := parseDir(meta, rootOff)
	if err != nil {
		return nil, nil, err
	}
	if len(roots) != 1 {
		return nil, nil, fmt.Errorf("expected exactly one root entry, found %d", len(roots))
	}

	rings := make(map[uint64]*dentry.Dentry)
	root, err := a.buildDentry(meta, roots[0], rings)
	if err != nil {
		return nil, nil, err
	}
	return root, a.resources, nil
}

func skipSecurityBlock(meta []byte) (int64, error) {
	if len(meta) < securityBlockSize {
		return 0, errors.New("metadata resource too short")
	}
	total := int64(binary.LittleEndian.Uint32(meta[0:4]))
	if total < securityBlockSize {
		total = securityBlockSize
	}
	return align8(total), nil
}

const securityBlockSize = 8

// parseDir reads the run of sibling entries starting at off, terminated by
// an 8-byte zero length.
func parseDir(meta []byte, off int64) ([]rawEntry, error) {
	var entries []rawEntry
	for {
		if off+8 > int64(len(meta)) {
			return nil, errors.New("directory entry past end of metadata")
		}
		length := int64(binary.LittleEndian.Uint64(meta[off:]))
		if length == 0 {
			return entries, nil
		}
		if length < direntrySize || off+length > int64(len(meta)) {
			return nil, fmt.Errorf("bad directory entry length %d at offset %d", length, off)
		}

		br := bytes.NewReader(meta[off+8 : off+length])
		var de direntry
		if err := binary.Read(br, binary.LittleEndian, &de); err != nil {
			return nil, fmt.Errorf("parsing directory entry: %w", err)
		}
		nameBytes := make([]byte, de.FileNameLength)
		if _, err := io.ReadFull(br, nameBytes); err != nil {
			return nil, fmt.Errorf("parsing entry name: %w", err)
		}
		e := rawEntry{de: de, name: wim.DecodeName(nameBytes)}
		off += align8(length)

		for i := 0; i < int(de.StreamCount); i++ {
			s, next, err := parseStreamEntry(meta, off)
			if err != nil {
				return nil, err
			}
			e.streams = append(e.streams, s)
			off = next
		}
		entries = append(entries, e)
	}
}

func parseStreamEntry(meta []byte, off int64) (rawStream, int64, error) {
	if off+8 > int64(len(meta)) {
		return rawStream{}, 0, errors.New("stream entry past end of metadata")
	}
	length := int64(binary.LittleEndian.Uint64(meta[off:]))
	if length < streamentrySize || off+length > int64(len(meta)) {
		return rawStream{}, 0, fmt.Errorf("bad stream entry length %d at offset %d", length, off)
	}
	br := bytes.NewReader(meta[off+8 : off+length])
	var se streamentry
	if err := binary.Read(br, binary.LittleEndian, &se); err != nil {
		return rawStream{}, 0, fmt.Errorf("parsing stream entry: %w", err)
	}
	nameBytes := make([]byte, se.NameLength)
	if _, err := io.ReadFull(br, nameBytes); err != nil {
		return rawStream{}, 0, fmt.Errorf("parsing stream name: %w", err)
	}
	return rawStream{name: wim.DecodeName(nameBytes), hash: se.Hash}, off + align8(length), nil
}

// buildDentry converts a raw entry (and, for directories, its subtree)
// into dentries, splicing hard-link rings as link IDs recur.
func (a *Archive) buildDentry(meta []byte, e rawEntry, rings map[uint64]*dentry.Dentry) (*dentry.Dentry, error) {
	isReparse := e.de.Attributes&wim.AttrReparsePoint != 0
	linkID := uint64(0)
	if !isReparse && e.de.ReparseHardLink != 0 {
		linkID = uint64(e.de.ReparseHardLink)
	}

	group := linkID
	if group == 0 {
		a.groupSeq++
		group = a.groupSeq
	} else if group > a.groupSeq {
		a.groupSeq = group
	}

	d := dentry.New(e.name, group)
	d.Attributes = e.de.Attributes
	d.Hash = e.de.Hash
	d.Created = e.de.CreationTime.unpack()
	d.Accessed = e.de.LastAccessTime.unpack()
	d.Modified = e.de.LastWriteTime.unpack()
	d.Changed = d.Modified
	if isReparse {
		d.ReparseTag = uint32(e.de.ReparseHardLink)
	}
	for _, s := range e.streams {
		ads, err := d.AddStream(s.name)
		if err != nil {
			return nil, fmt.Errorf("stream %q on %q: %w", s.name, e.name, err)
		}
		ads.Hash = s.hash
	}

	if linkID != 0 {
		if first, ok := rings[linkID]; ok {
			d.JoinGroup(first)
		} else {
			rings[linkID] = d
		}
	}

	if d.IsDirectory() && e.de.SubdirOffset != 0 {
		children, err := parseDir(meta, e.de.SubdirOffset)
		if err != nil {
			return nil, err
		}
		for _, ce := range children {
			child, err := a.buildDentry(meta, ce, rings)
			if err != nil {
				return nil, err
			}
			child.Attach(d)
		}
	}
	return d, nil
}
