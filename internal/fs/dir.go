package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/containerd/errdefs"

	"strata/internal/logging"
	"strata/internal/manifest"
)

var dirLog = logging.WithComponent("fs.dir")

// Dir is a directory node in the union view. It holds only its virtual
// path; every callback resolves backends against the manifest snapshot
// current at that moment, so a manifest swap takes effect on the next
// operation without remounting.
type Dir struct {
	fs   *UnionFS
	path string // normalized virtual path, "" is the root
}

// Attr implements the Node interface, returning directory attributes.
// Merged directories take their metadata from the real backend when it
// contributes, otherwise from the highest-priority layer. A synthetic
// intermediate directory has no backend and gets fabricated attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	snap := d.fs.snapshot()
	backends, err := d.fs.resolver.DirBackends(snap, d.path)
	if err != nil {
		return finish(OpGetattr, NewFSError(OpGetattr, d.path, err))
	}

	if len(backends) == 0 {
		dirLog.WithField("path", d.path).Trace("synthetic directory attributes")
		fillSyntheticDirAttr(a, pathInode(d.path))
		return finish(OpGetattr, nil)
	}

	primary := backends[0]
	for _, b := range backends {
		if b.Owner.Kind == manifest.OwnerReal {
			primary = b
			break
		}
	}

	info, err := os.Stat(d.fs.ioPath(primary.BackendPath))
	if err != nil {
		return finish(OpGetattr, NewFSError(OpGetattr, d.path, err))
	}
	fillAttr(a, info, pathInode(d.path))
	return finish(OpGetattr, nil)
}

// Lookup implements the NodeStringLookuper interface, finding a child
// node. The resolver applies the same first-contributor-wins rule as
// merged listings, so a name listed as a directory never resolves to a
// file node, no matter what lower-priority backends hold.
func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	child := manifest.ChildPath(d.path, name)
	snap := d.fs.snapshot()

	info, kind, err := d.fs.resolver.Lookup(snap, child)
	if err != nil {
		return nil, finish(OpLookup, NewFSError(OpLookup, child, err))
	}
	switch kind {
	case manifest.KindFile:
		dirLog.WithField("path", child).WithField("owner", info.Owner.String()).Trace("resolved file")
		return &File{fs: d.fs, path: child}, finish(OpLookup, nil)
	case manifest.KindDir:
		dirLog.WithField("path", child).WithField("owner", info.Owner.String()).Trace("resolved directory")
		return &Dir{fs: d.fs, path: child}, finish(OpLookup, nil)
	}

	return nil, finish(OpLookup, NewFSError(OpLookup, child, errdefs.ErrNotFound))
}

// ReadDirAll implements the HandleReadDirAller interface, listing the
// merged directory contents.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	snap := d.fs.snapshot()
	entries, err := d.fs.resolver.ReadDir(snap, d.path)
	if err != nil {
		return nil, finish(OpReadDir, NewFSError(OpReadDir, d.path, err))
	}

	out := make([]fuse.Dirent, 0, len(entries)+2)
	out = append(out,
		fuse.Dirent{Inode: pathInode(d.path), Name: ".", Type: fuse.DT_Dir},
		fuse.Dirent{Name: "..", Type: fuse.DT_Dir},
	)
	for _, e := range entries {
		if e.TypeConflict {
			dirLog.WithField("path", manifest.ChildPath(d.path, e.Name)).
				Warn("name is a file in one source and a directory in another")
		}
		typ := fuse.DT_File
		if e.IsDir {
			typ = fuse.DT_Dir
		}
		out = append(out, fuse.Dirent{
			Inode: pathInode(manifest.ChildPath(d.path, e.Name)),
			Name:  e.Name,
			Type:  typ,
		})
	}

	dirLog.WithField("path", d.path).WithField("entries", len(entries)).Trace("listed directory")
	return out, finish(OpReadDir, nil)
}

// Create implements the NodeCreater interface. New files land in the
// parent's write target: the real backend when a real directory exists,
// otherwise the highest-priority layer providing the parent, otherwise
// the real path created on demand.
func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, _ *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	child := manifest.ChildPath(d.path, req.Name)
	snap := d.fs.snapshot()

	target, err := d.fs.resolver.WriteTarget(snap, d.path)
	if err != nil {
		return nil, nil, finish(OpCreate, NewFSError(OpCreate, child, err))
	}

	ioTarget := d.fs.ioPath(target)
	if err := os.MkdirAll(ioTarget, 0o755); err != nil {
		return nil, nil, finish(OpCreate, NewFSError(OpCreate, child, err))
	}

	f, err := os.OpenFile(filepath.Join(ioTarget, req.Name), int(req.Flags), req.Mode.Perm())
	if err != nil {
		return nil, nil, finish(OpCreate, NewFSError(OpCreate, child, err))
	}

	dirLog.WithField("path", child).WithField("backend", filepath.Join(target, req.Name)).Debug("created file")
	node := &File{fs: d.fs, path: child}
	return node, &FileHandle{file: f, path: child}, finish(OpCreate, nil)
}

// Mkdir implements the NodeMkdirer interface, creating a directory in the
// parent's write target.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	child := manifest.ChildPath(d.path, req.Name)
	snap := d.fs.snapshot()

	target, err := d.fs.resolver.WriteTarget(snap, d.path)
	if err != nil {
		return nil, finish(OpMkdir, NewFSError(OpMkdir, child, err))
	}

	ioTarget := d.fs.ioPath(target)
	if err := os.MkdirAll(ioTarget, 0o755); err != nil {
		return nil, finish(OpMkdir, NewFSError(OpMkdir, child, err))
	}
	if err := os.Mkdir(filepath.Join(ioTarget, req.Name), req.Mode.Perm()); err != nil {
		return nil, finish(OpMkdir, NewFSError(OpMkdir, child, err))
	}

	dirLog.WithField("path", child).WithField("backend", filepath.Join(target, req.Name)).Debug("created directory")
	return &Dir{fs: d.fs, path: child}, finish(OpMkdir, nil)
}

// Remove implements the NodeRemover interface. Removing a file deletes it
// from its owning backend; removing a directory requires the union view
// to be empty and then deletes the directory from every contributing
// backend.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	child := manifest.ChildPath(d.path, req.Name)
	snap := d.fs.snapshot()

	if !req.Dir {
		info, err := d.fs.resolver.File(snap, child)
		if err != nil {
			return finish(OpRemove, NewFSError(OpRemove, child, err))
		}
		if err := os.Remove(d.fs.ioPath(info.BackendPath)); err != nil {
			return finish(OpRemove, NewFSError(OpRemove, child, err))
		}
		dirLog.WithField("path", child).WithField("owner", info.Owner.String()).Debug("removed file")
		return finish(OpRemove, nil)
	}

	entries, err := d.fs.resolver.ReadDir(snap, child)
	if err != nil {
		return finish(OpRemove, NewFSError(OpRemove, child, err))
	}
	if len(entries) > 0 {
		return finish(OpRemove, NewFSError(OpRemove, child, syscall.ENOTEMPTY))
	}

	backends, err := d.fs.resolver.DirBackends(snap, child)
	if err != nil {
		return finish(OpRemove, NewFSError(OpRemove, child, err))
	}
	if len(backends) == 0 {
		// Synthetic intermediate; it exists only because a mapping is
		// targeted below it and cannot be removed here.
		dirLog.WithField("path", child).Warn("refusing to remove synthetic directory")
		return finish(OpRemove, NewFSError(OpRemove, child, syscall.EPERM))
	}
	for _, b := range backends {
		if err := os.Remove(d.fs.ioPath(b.BackendPath)); err != nil {
			return finish(OpRemove, NewFSError(OpRemove, child, err))
		}
	}
	dirLog.WithField("path", child).WithField("backends", len(backends)).Debug("removed directory")
	return finish(OpRemove, nil)
}

// Rename implements the NodeRenamer interface. Files move between
// backends with a copy fallback when rename crosses devices. A directory
// held by a single backend renames in place; a merged directory spans
// backends and reports EXDEV, leaving the copy to the caller.
func (d *Dir) Rename(_ context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	nd, ok := newDir.(*Dir)
	if !ok {
		return finish(OpRename, NewFSError(OpRename, d.path, syscall.EINVAL))
	}

	oldChild := manifest.ChildPath(d.path, req.OldName)
	newChild := manifest.ChildPath(nd.path, req.NewName)
	snap := d.fs.snapshot()

	target, err := d.fs.resolver.WriteTarget(snap, nd.path)
	if err != nil {
		return finish(OpRename, NewFSError(OpRename, newChild, err))
	}
	ioTarget := d.fs.ioPath(target)
	if err := os.MkdirAll(ioTarget, 0o755); err != nil {
		return finish(OpRename, NewFSError(OpRename, newChild, err))
	}
	dst := filepath.Join(ioTarget, req.NewName)

	info, err := d.fs.resolver.File(snap, oldChild)
	if err == nil {
		src := d.fs.ioPath(info.BackendPath)
		if err := os.Rename(src, dst); err != nil {
			if !isCrossDevice(err) {
				return finish(OpRename, NewFSError(OpRename, oldChild, err))
			}
			if err := copyFileAcross(src, dst); err != nil {
				return finish(OpRename, NewFSError(OpRename, oldChild, err))
			}
			if err := os.Remove(src); err != nil {
				return finish(OpRename, NewFSError(OpRename, oldChild, err))
			}
		}
		dirLog.WithField("from", oldChild).WithField("to", newChild).Debug("renamed file")
		return finish(OpRename, nil)
	}
	if !errdefs.IsNotFound(err) {
		return finish(OpRename, NewFSError(OpRename, oldChild, err))
	}

	backends, err := d.fs.resolver.DirBackends(snap, oldChild)
	if err != nil {
		return finish(OpRename, NewFSError(OpRename, oldChild, err))
	}
	switch len(backends) {
	case 0:
		return finish(OpRename, NewFSError(OpRename, oldChild, errdefs.ErrNotFound))
	case 1:
		if err := os.Rename(d.fs.ioPath(backends[0].BackendPath), dst); err != nil {
			return finish(OpRename, NewFSError(OpRename, oldChild, err))
		}
		dirLog.WithField("from", oldChild).WithField("to", newChild).Debug("renamed directory")
		return finish(OpRename, nil)
	default:
		// A merged directory has no single source to move.
		dirLog.WithField("path", oldChild).Warn("refusing to rename merged directory")
		return finish(OpRename, NewFSError(OpRename, oldChild, syscall.EXDEV))
	}
}

// Setattr implements the NodeSetattrer interface for directories,
// applying mode and time changes to the primary backend.
func (d *Dir) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	snap := d.fs.snapshot()
	backends, err := d.fs.resolver.DirBackends(snap, d.path)
	if err != nil {
		return finish(OpSetattr, NewFSError(OpSetattr, d.path, err))
	}
	if len(backends) == 0 {
		return finish(OpSetattr, NewFSError(OpSetattr, d.path, syscall.EPERM))
	}

	primary := backends[0]
	for _, b := range backends {
		if b.Owner.Kind == manifest.OwnerReal {
			primary = b
			break
		}
	}
	backend := d.fs.ioPath(primary.BackendPath)

	if req.Valid.Mode() {
		if err := os.Chmod(backend, req.Mode.Perm()); err != nil {
			return finish(OpSetattr, NewFSError(OpSetattr, d.path, err))
		}
	}
	if req.Valid.Mtime() || req.Valid.Atime() {
		if err := os.Chtimes(backend, req.Atime, req.Mtime); err != nil {
			return finish(OpSetattr, NewFSError(OpSetattr, d.path, err))
		}
	}

	return d.Attr(ctx, &resp.Attr)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// copyFileAcross moves file content between backends that do not share a
// device, preserving the source's permission bits.
func copyFileAcross(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
