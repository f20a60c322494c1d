// Package blocksource implements the three-operation contract spec.md
// section 4.1 defines as the only boundary between the Reader and physical
// storage: open, positional read, close. From the Reader's perspective a
// local file, a mounted ASM filesystem, and a remote pipe are
// interchangeable implementations of this interface; only LocalFileSource
// is implemented here; remote/SSH transports remain the external
// collaborator spec.md section 1 names.
package blocksource

import (
	"context"
	"io"

	"golang.org/x/sys/unix"

	"github.com/redopipe/redopipe/internal/rerr"
	"github.com/redopipe/redopipe/internal/retry"
)

// Handle identifies an open file to a Source implementation.
type Handle interface{}

// Source is the block-fetch contract. Reads must be restartable for the
// same (offset, length) until the corresponding region is confirmed by the
// Reader — implementations must not assume a read is consumed exactly once.
type Source interface {
	Open(path string) (Handle, error)
	ReadAt(ctx context.Context, h Handle, offset, length int64, buf []byte) (int, error)
	Close(h Handle) error
}

// LocalFileSource reads redo files from local or mounted storage using
// true positional reads (pread), so concurrent readers never contend on a
// shared file cursor the way Read+Seek would.
type LocalFileSource struct {
	Retry retry.Policy
}

// NewLocalFileSource returns a Source backed by pread(2) with the default
// retry policy for transient I/O errors.
func NewLocalFileSource() *LocalFileSource {
	return &LocalFileSource{Retry: retry.Default}
}

type localHandle struct {
	fd   int
	path string
}

// Open opens path read-only. The returned Handle is safe for concurrent
// ReadAt calls at different offsets.
func (s *LocalFileSource) Open(path string) (Handle, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, rerr.Wrap(err, rerr.Runtime, 100, "blocksource: open "+path)
	}
	return &localHandle{fd: fd, path: path}, nil
}

// ReadAt reads exactly up to length bytes at offset into buf, retrying
// transient errors (EINTR, EAGAIN) with bounded backoff per spec.md section
// 4.1. A read that returns 0 bytes is reported as io.EOF and is not retried;
// the Reader interprets io.EOF per-context (Finished for archive, Empty for
// online).
func (s *LocalFileSource) ReadAt(ctx context.Context, h Handle, offset, length int64, buf []byte) (int, error) {
	lh, ok := h.(*localHandle)
	if !ok {
		return 0, rerr.New(rerr.Runtime, 101, "blocksource: wrong handle type")
	}
	if int64(len(buf)) < length {
		return 0, rerr.New(rerr.Runtime, 102, "blocksource: buffer too small")
	}

	var n int
	err := s.Retry.Do(ctx, isTransient, func() error {
		read, rerrno := unix.Pread(lh.fd, buf[:length], offset)
		if rerrno != nil {
			return rerrno
		}
		n = read
		if n == 0 && length > 0 {
			return io.EOF
		}
		return nil
	})
	if err != nil && err != io.EOF {
		return n, rerr.Wrap(err, rerr.Runtime, 103, "blocksource: read "+lh.path).AtPosition(lh.path, 0, uint64(offset))
	}
	return n, err
}

// Close releases the underlying file descriptor.
func (s *LocalFileSource) Close(h Handle) error {
	lh, ok := h.(*localHandle)
	if !ok {
		return rerr.New(rerr.Runtime, 101, "blocksource: wrong handle type")
	}
	return unix.Close(lh.fd)
}

func isTransient(err error) bool {
	switch err {
	case unix.EINTR, unix.EAGAIN:
		return true
	default:
		return false
	}
}

// RemoteSource is the contract point a future SSH/container-transport block
// source plugs into (spec.md section 1: "treated as an opaque block source
// satisfying the reader's block-fetch contract"). No implementation lives
// in this module.
type RemoteSource interface {
	Source
}
