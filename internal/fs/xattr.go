package fs

import (
	"context"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/wimtools/wimount/internal/mount"
)

// Alternate data streams surface as user.* extended attributes when the
// mount runs in the xattr stream-interface mode.

const xattrPrefix = "user."

func (n *wimNode) xattrName(attr string) (string, bool) {
	if n.ctx.StreamMode() != mount.StreamXattr {
		return "", false
	}
	if !strings.HasPrefix(attr, xattrPrefix) {
		return "", false
	}
	return attr[len(xattrPrefix):], true
}

func (n *wimNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	name, ok := n.xattrName(attr)
	if !ok {
		return 0, syscall.ENODATA
	}
	data, err := n.ctx.ReadStream(n.nodePath(), name)
	if err != nil {
		return 0, toErrno(err)
	}
	if len(dest) < len(data) {
		return uint32(len(data)), syscall.ERANGE
	}
	copy(dest, data)
	return uint32(len(data)), fs.OK
}

func (n *wimNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	name, ok := n.xattrName(attr)
	if !ok {
		return syscall.ENOTSUP
	}
	return toErrno(n.ctx.WriteStream(n.nodePath(), name, data))
}

func (n *wimNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	if n.ctx.StreamMode() != mount.StreamXattr {
		return 0, fs.OK
	}
	names, err := n.ctx.ListStreams(n.nodePath())
	if err != nil {
		return 0, toErrno(err)
	}
	size := 0
	for _, name := range names {
		size += len(xattrPrefix) + len(name) + 1
	}
	if len(dest) < size {
		return uint32(size), syscall.ERANGE
	}
	off := 0
	for _, name := range names {
		off += copy(dest[off:], xattrPrefix+name)
		dest[off] = 0
		off++
	}
	return uint32(size), fs.OK
}

func (n *wimNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	name, ok := n.xattrName(attr)
	if !ok {
		return syscall.ENODATA
	}
	return toErrno(n.ctx.RemoveStreamByName(n.nodePath(), name))
}
