package wim

import (
	"encoding/binary"
	"fmt"
)

// Symlink targets are stored as reparse-point data in the dentry's primary
// stream: a substitute-name/print-name header followed by both names in
// UTF-16LE. Relative targets carry the SYMLINK_FLAG_RELATIVE bit.

const symlinkFlagRelative = 0x00000001

const reparseHeaderSize = 12

// EncodeSymlink serializes a symlink target into reparse stream bytes.
func EncodeSymlink(target string) []byte {
	name := EncodeNames(target).Archive
	flags := uint32(0)
	if len(target) > 0 && target[0] != '/' {
		flags = symlinkFlagRelative
	}

	buf := make([]byte, reparseHeaderSize+2*len(name))
	binary.LittleEndian.PutUint16(buf[0:], 0)                 // substitute name offset
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(name))) // substitute name length
	binary.LittleEndian.PutUint16(buf[4:], uint16(len(name))) // print name offset
	binary.LittleEndian.PutUint16(buf[6:], uint16(len(name))) // print name length
	binary.LittleEndian.PutUint32(buf[8:], flags)
	copy(buf[reparseHeaderSize:], name)
	copy(buf[reparseHeaderSize+len(name):], name)
	return buf
}

// DecodeSymlink recovers the symlink target from reparse stream bytes.
func DecodeSymlink(data []byte) (string, error) {
	if len(data) < reparseHeaderSize {
		return "", fmt.Errorf("reparse data too short: %d bytes", len(data))
	}
	off := int(binary.LittleEndian.Uint16(data[0:]))
	length := int(binary.LittleEndian.Uint16(data[2:]))
	if reparseHeaderSize+off+length > len(data) {
		return "", fmt.Errorf("reparse name out of bounds: offset %d length %d", off, length)
	}
	return DecodeName(data[reparseHeaderSize+off : reparseHeaderSize+off+length]), nil
}
