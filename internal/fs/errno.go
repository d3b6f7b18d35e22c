package fs

import (
	"errors"
	"os"
	"syscall"

	gofs "github.com/hanwen/go-fuse/v2/fs"

	"github.com/wimtools/wimount/pkg/types"
)

// toErrno converts a mount-layer error to the errno handed back to the
// kernel.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return gofs.OK
	}

	switch {
	case errors.Is(err, types.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, types.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, types.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, types.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, types.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, types.ErrPermission):
		return syscall.EPERM
	case errors.Is(err, types.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, types.ErrOverflow):
		return syscall.EOVERFLOW
	case errors.Is(err, types.ErrTooManyOpens):
		return syscall.EMFILE
	case errors.Is(err, types.ErrInvalidArg):
		return syscall.EINVAL
	}

	// Staging I/O failures carry the underlying errno.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.As(pathErr.Err, &errno) {
			return errno
		}
	}

	return syscall.EIO
}
