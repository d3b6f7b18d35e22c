// Package wim holds the value types shared with the WIM archive layer:
// content hashes, resource descriptors, Windows file attributes, and
// timestamps. The archive parser and rewriter themselves live behind the
// collaborator interfaces in internal/mount.
package wim

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// HashSize is the width of a WIM content hash (SHA-1).
const HashSize = 20

// Hash is the SHA-1 digest identifying one unique content stream.
type Hash [HashSize]byte

// Zero reports whether the hash is all zeroes, which the archive uses for
// empty streams.
func (h Hash) Zero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// RandomHash returns a random placeholder hash. Staged streams carry one of
// these until commit time recomputes the real digest; collisions with real
// SHA-1 values are not a practical concern.
func RandomHash() Hash {
	var h Hash
	if _, err := rand.Read(h[:]); err != nil {
		panic("wim: reading random bytes: " + err.Error())
	}
	return h
}

// CompressionType identifies the codec of an archive resource.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionXPRESS
	CompressionLZX
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionXPRESS:
		return "xpress"
	case CompressionLZX:
		return "lzx"
	default:
		return "invalid"
	}
}

// Resource flags.
const (
	ResFlagFree byte = 1 << iota
	ResFlagMetadata
	ResFlagCompressed
	ResFlagSpanned
)

// Resource describes where a stream lives inside the archive backing file.
type Resource struct {
	Offset         int64
	CompressedSize int64
	OriginalSize   int64
	Flags          byte
	Compression    CompressionType
}

// File attribute constants from Windows.
const (
	AttrReadonly     = 0x00000001
	AttrHidden       = 0x00000002
	AttrSystem       = 0x00000004
	AttrDirectory    = 0x00000010
	AttrArchive      = 0x00000020
	AttrNormal       = 0x00000080
	AttrSparseFile   = 0x00000200
	AttrReparsePoint = 0x00000400
	AttrCompressed   = 0x00000800
)

// ReparseTagSymlink is the reparse tag stored on symlink dentries.
const ReparseTagSymlink = 0xA000000C

// epochDelta is the number of 100-nanosecond intervals between the Windows
// epoch (1601-01-01) and the Unix epoch (1970-01-01).
const epochDelta = 116444736000000000

// Filetime is a Windows timestamp: 100-nanosecond intervals since
// January 1, 1601.
type Filetime int64

// Time returns the timestamp as time.Time.
func (ft Filetime) Time() time.Time {
	return time.Unix(0, (int64(ft)-epochDelta)*100)
}

// FiletimeOf converts a time.Time to a Filetime.
func FiletimeOf(t time.Time) Filetime {
	return Filetime(t.UnixNano()/100 + epochDelta)
}

// Now returns the current time as a Filetime.
func Now() Filetime {
	return FiletimeOf(time.Now())
}
