package fs

import (
	"context"
	"io"
	"os"
	"sync"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"strata/internal/logging"
)

var fileLog = logging.WithComponent("fs.file")

// File is a regular-file node in the union view. Like Dir it holds only
// its virtual path; the owning backend is resolved per callback, so a
// file keeps identity across manifest updates even when its backend
// changes between operations.
type File struct {
	fs   *UnionFS
	path string
}

// Attr implements the Node interface, passing the owning backend's
// attributes through.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	snap := f.fs.snapshot()
	owner, err := f.fs.resolver.File(snap, f.path)
	if err != nil {
		return finish(OpGetattr, NewFSError(OpGetattr, f.path, err))
	}

	info, err := os.Stat(f.fs.ioPath(owner.BackendPath))
	if err != nil {
		return finish(OpGetattr, NewFSError(OpGetattr, f.path, err))
	}
	fillAttr(a, info, pathInode(f.path))

	fileLog.WithField("path", f.path).WithField("owner", owner.Owner.String()).Trace("file attributes")
	return finish(OpGetattr, nil)
}

// Open implements the NodeOpener interface. The backend file is opened
// with the caller's flags, so writes go through to whichever backend owns
// the path; opening for write never changes ownership.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	snap := f.fs.snapshot()
	owner, err := f.fs.resolver.File(snap, f.path)
	if err != nil {
		return nil, finish(OpOpen, NewFSError(OpOpen, f.path, err))
	}

	file, err := os.OpenFile(f.fs.ioPath(owner.BackendPath), int(req.Flags), 0)
	if err != nil {
		return nil, finish(OpOpen, NewFSError(OpOpen, f.path, err))
	}

	resp.Flags |= fuse.OpenDirectIO

	fileLog.WithField("path", f.path).WithField("owner", owner.Owner.String()).Debug("opened file")
	return &FileHandle{file: file, path: f.path}, finish(OpOpen, nil)
}

// Setattr implements the NodeSetattrer interface, applying truncation,
// mode and time changes to the owning backend.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	snap := f.fs.snapshot()
	owner, err := f.fs.resolver.File(snap, f.path)
	if err != nil {
		return finish(OpSetattr, NewFSError(OpSetattr, f.path, err))
	}
	backend := f.fs.ioPath(owner.BackendPath)

	if req.Valid.Size() {
		if err := os.Truncate(backend, int64(req.Size)); err != nil {
			return finish(OpSetattr, NewFSError(OpSetattr, f.path, err))
		}
	}
	if req.Valid.Mode() {
		if err := os.Chmod(backend, req.Mode.Perm()); err != nil {
			return finish(OpSetattr, NewFSError(OpSetattr, f.path, err))
		}
	}
	if req.Valid.Mtime() || req.Valid.Atime() {
		if err := os.Chtimes(backend, req.Atime, req.Mtime); err != nil {
			return finish(OpSetattr, NewFSError(OpSetattr, f.path, err))
		}
	}

	return f.Attr(ctx, &resp.Attr)
}

// Fsync implements the NodeFsyncer interface. fsync flushes the file,
// not the descriptor, so a fresh read-only handle on the backend is
// enough to push its data down.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	snap := f.fs.snapshot()
	owner, err := f.fs.resolver.File(snap, f.path)
	if err != nil {
		return finish(OpWrite, NewFSError(OpWrite, f.path, err))
	}

	file, err := os.Open(f.fs.ioPath(owner.BackendPath))
	if err != nil {
		return finish(OpWrite, NewFSError(OpWrite, f.path, err))
	}
	defer file.Close()
	return finish(OpWrite, file.Sync())
}

// FileHandle is an open descriptor on a backend file.
type FileHandle struct {
	file *os.File
	path string // virtual path, for logging
	mu   sync.RWMutex
}

// Read implements the HandleReader interface.
func (fh *FileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fh.mu.RLock()
	defer fh.mu.RUnlock()

	resp.Data = make([]byte, req.Size)
	n, err := fh.file.ReadAt(resp.Data, req.Offset)
	if err != nil && err != io.EOF {
		return finish(OpRead, NewFSError(OpRead, fh.path, err))
	}
	resp.Data = resp.Data[:n]

	fileLog.WithField("path", fh.path).WithField("bytes", n).Trace("read")
	return finish(OpRead, nil)
}

// Write implements the HandleWriter interface.
func (fh *FileHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	n, err := fh.file.WriteAt(req.Data, req.Offset)
	if err != nil {
		return finish(OpWrite, NewFSError(OpWrite, fh.path, err))
	}
	resp.Size = n

	fileLog.WithField("path", fh.path).WithField("bytes", n).Trace("write")
	return finish(OpWrite, nil)
}

// Release implements the HandleReleaser interface, closing the backend
// descriptor.
func (fh *FileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	fileLog.WithField("path", fh.path).Debug("closing file")
	return fh.file.Close()
}
