// Package staging implements the on-disk scratch store for a read-write
// mount. Streams diverging from the archive are materialized here as
// private files; the directory lives for the mount's lifetime and is
// removed recursively on unmount regardless of commit outcome.
package staging

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"github.com/wimtools/wimount/internal/wim"
	"github.com/wimtools/wimount/pkg/types"
)

const dirPrefix = "wim-staging-"

// Store manages the staging directory on a billy filesystem (the host
// filesystem in production, an in-memory one in tests).
type Store struct {
	fs  billy.Filesystem
	dir string
}

// New creates a freshly named staging directory under parent.
func New(fs billy.Filesystem, parent string) (*Store, error) {
	dir := fs.Join(parent, dirPrefix+uuid.NewString())
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating staging directory %s: %w", dir, err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

// Dir returns the staging directory path.
func (s *Store) Dir() string {
	return s.dir
}

// CreateFile creates a new randomly named staging file opened for writing
// with mode 0600, retrying on name collision. The returned name is the
// path used for all later opens.
func (s *Store) CreateFile() (string, billy.File, error) {
	for {
		name := s.fs.Join(s.dir, randomName(wim.HashSize))
		f, err := s.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			return name, f, nil
		}
		if os.IsExist(err) {
			continue
		}
		return "", nil, &types.StagingError{Path: name, Op: "create", Err: err}
	}
}

// Materialize streams exactly size bytes from r into a new staging file
// and returns its name. On any failure the partial file is removed; a
// close error following a write error is preserved as a secondary error.
func (s *Store) Materialize(r io.Reader, size int64) (string, error) {
	name, f, err := s.CreateFile()
	if err != nil {
		return "", err
	}
	_, err = io.CopyN(f, r, size)
	if cerr := f.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		_ = s.fs.Remove(name)
		return "", &types.StagingError{Path: name, Op: "materialize", Err: err}
	}
	return name, nil
}

// Open opens an existing staging file with the given POSIX flags.
func (s *Store) Open(name string, flags int) (billy.File, error) {
	f, err := s.fs.OpenFile(name, flags, 0600)
	if err != nil {
		return nil, &types.StagingError{Path: name, Op: "open", Err: err}
	}
	return f, nil
}

// Remove deletes a staging file.
func (s *Store) Remove(name string) error {
	if err := s.fs.Remove(name); err != nil {
		return &types.StagingError{Path: name, Op: "remove", Err: err}
	}
	return nil
}

// Truncate shortens or extends a staging file by path.
func (s *Store) Truncate(name string, size int64) error {
	f, err := s.fs.OpenFile(name, os.O_RDWR, 0600)
	if err != nil {
		return &types.StagingError{Path: name, Op: "open", Err: err}
	}
	err = f.Truncate(size)
	if cerr := f.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return &types.StagingError{Path: name, Op: "truncate", Err: err}
	}
	return nil
}

// Size returns the current size of a staging file.
func (s *Store) Size(name string) (int64, error) {
	fi, err := s.fs.Stat(name)
	if err != nil {
		return 0, &types.StagingError{Path: name, Op: "stat", Err: err}
	}
	return fi.Size(), nil
}

// RemoveAll deletes the staging directory and everything in it.
func (s *Store) RemoveAll() error {
	return util.RemoveAll(s.fs, s.dir)
}

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomName(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("staging: reading random bytes: " + err.Error())
	}
	for i := range buf {
		buf[i] = alnum[int(buf[i])%len(alnum)]
	}
	return string(buf)
}
