package wim

import (
	"encoding/binary"
	"unicode/utf16"
)

// Names is a file name in both encodings: the native UTF-8 form used for
// path resolution, and the UTF-16LE form stored in the archive.
type Names struct {
	Native  string
	Archive []byte
}

// EncodeNames produces the paired encodings for a native name.
func EncodeNames(native string) Names {
	units := utf16.Encode([]rune(native))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return Names{Native: native, Archive: buf}
}

// DecodeName converts an archive-encoded (UTF-16LE) name to its native form.
func DecodeName(archive []byte) string {
	units := make([]uint16, len(archive)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(archive[2*i:])
	}
	return string(utf16.Decode(units))
}
