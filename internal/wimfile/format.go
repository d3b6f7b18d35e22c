// Package wimfile reads and rewrites WIM archives for the mount layer. It
// handles the uncompressed on-disk form natively; XPRESS and LZX resources
// require a decompressor registered through RegisterDecompressor.
package wimfile

import (
	"encoding/binary"

	"github.com/wimtools/wimount/internal/wim"
)

var imageTag = [8]byte{'M', 'S', 'W', 'I', 'M', 0, 0, 0}

const (
	wimVersion      = 0x10d00
	compressionSize = 0x8000
)

type hdrFlag uint32

const (
	hdrFlagReserved hdrFlag = 1 << iota
	hdrFlagCompressed
	hdrFlagReadOnly
	hdrFlagSpanned
	hdrFlagResourceOnly
	hdrFlagMetadataOnly
	hdrFlagWriteInProgress
	hdrFlagRpFix
)

const (
	hdrFlagCompressXpress hdrFlag = 1 << (iota + 17)
	hdrFlagCompressLzx
)

type resFlag byte

const (
	resFlagFree resFlag = 1 << iota
	resFlagMetadata
	resFlagCompressed
	resFlagSpanned
)

type guid [16]byte

// resourceDescriptor packs the resource flags into the top byte of the
// compressed size, as the on-disk format does.
type resourceDescriptor struct {
	FlagsAndCompressedSize uint64
	Offset                 int64
	OriginalSize           int64
}

func (r *resourceDescriptor) Flags() resFlag {
	return resFlag(r.FlagsAndCompressedSize >> 56)
}

func (r *resourceDescriptor) CompressedSize() int64 {
	return int64(r.FlagsAndCompressedSize & 0x00ffffffffffffff)
}

func packResource(flags resFlag, offset, compressed, original int64) resourceDescriptor {
	return resourceDescriptor{
		FlagsAndCompressedSize: uint64(flags)<<56 | uint64(compressed),
		Offset:                 offset,
		OriginalSize:           original,
	}
}

type header struct {
	ImageTag        [8]byte
	Size            uint32
	Version         uint32
	Flags           hdrFlag
	CompressionSize uint32
	WIMGuid         guid
	PartNumber      uint16
	TotalParts      uint16
	ImageCount      uint32
	OffsetTable     resourceDescriptor
	XMLData         resourceDescriptor
	BootMetadata    resourceDescriptor
	BootIndex       uint32
	Padding         uint32
	Integrity       resourceDescriptor
	Unused          [60]byte
}

var headerSize = uint32(binary.Size(header{}))

// streamDescriptor is one offset-table record.
type streamDescriptor struct {
	resourceDescriptor
	PartNumber uint16
	RefCount   uint32
	Hash       wim.Hash
}

// direntry is the fixed part of an on-disk directory entry; an 8-byte
// length prefix and the UTF-16 names follow it.
type direntry struct {
	Attributes      uint32
	SecurityID      uint32
	SubdirOffset    int64
	Unused1         int64
	Unused2         int64
	CreationTime    filetime
	LastAccessTime  filetime
	LastWriteTime   filetime
	Hash            wim.Hash
	Padding         uint32
	ReparseHardLink int64
	StreamCount     uint16
	ShortNameLength uint16
	FileNameLength  uint16
}

var direntrySize = int64(binary.Size(direntry{}) + 8)

// streamentry is the fixed part of an on-disk ADS entry.
type streamentry struct {
	Unused     int64
	Hash       wim.Hash
	NameLength int16
}

var streamentrySize = int64(binary.Size(streamentry{}) + 8)

// filetime is the split on-disk form of wim.Filetime.
type filetime struct {
	LowDateTime  uint32
	HighDateTime uint32
}

func packFiletime(ft wim.Filetime) filetime {
	return filetime{LowDateTime: uint32(ft), HighDateTime: uint32(uint64(ft) >> 32)}
}

func (ft filetime) unpack() wim.Filetime {
	return wim.Filetime(int64(ft.HighDateTime)<<32 | int64(ft.LowDateTime))
}

// noSecurityID marks a dentry without a security descriptor.
const noSecurityID = 0xffffffff

func align8(n int64) int64 {
	return (n + 7) &^ 7
}
