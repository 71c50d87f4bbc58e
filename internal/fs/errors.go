// Package fs provides filesystem implementations.
//
// This file contains error types and error translation utilities.
package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/containerd/errdefs"

	"strata/internal/metrics"
)

// Error wraps a backend I/O failure with the operation and the affected
// path, so control callers and logs see path-tagged errors.
type Error struct {
	Op   string // operation that failed (e.g. "lookup", "readdir")
	Path string // affected virtual path
	Err  error  // underlying error
}

// Error implements the error interface, providing a formatted error message
func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("operation %s on %s failed: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// NewFSError creates a new Error with the given operation, path, and
// underlying error.
func NewFSError(op string, path string, err error) *Error {
	return &Error{Op: op, Path: path, Err: err}
}

// ToFuseError converts an internal error into the syscall errno FUSE
// expects. A failed callback never tears down the session; the errno is
// simply reported back to the kernel.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}

	var fsErr *Error
	if errors.As(err, &fsErr) {
		err = fsErr.Err
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errdefs.IsNotFound(err), errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errdefs.IsInvalidArgument(err):
		return syscall.EINVAL
	case errdefs.IsAlreadyExists(err), errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	default:
		fsLog.WithError(err).Debug("unmapped error type, returning EIO")
		return syscall.EIO
	}
}

// Common operation names for consistent logging, metrics and error
// reporting.
const (
	OpLookup  = "lookup"
	OpReadDir = "readdir"
	OpOpen    = "open"
	OpRead    = "read"
	OpWrite   = "write"
	OpCreate  = "create"
	OpMkdir   = "mkdir"
	OpRemove  = "remove"
	OpRename  = "rename"
	OpSetattr = "setattr"
	OpGetattr = "getattr"
)

// finish records the operation outcome and returns the kernel-facing
// error for it.
func finish(op string, err error) error {
	if err == nil {
		metrics.FSOperations.WithLabelValues(op, "ok").Inc()
		return nil
	}
	metrics.FSOperations.WithLabelValues(op, "error").Inc()
	return ToFuseError(err)
}
