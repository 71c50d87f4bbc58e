// Package fs bridges kernel FUSE callbacks to union resolution. Every
// path-bearing operation captures one manifest snapshot, asks the
// resolver for the owning backend, performs the I/O there and maps the
// outcome to the errno the kernel expects.
package fs

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"strata/internal/logging"
	"strata/internal/manifest"
	"strata/internal/mount"
)

var fsLog = logging.WithComponent("fs")

// UnionFS serves one mount root. It implements fusefs.FS on the bazil
// side and mount.Session towards the manager.
//
// The union view overlays the real tree in place, so touching a real
// backend path by name would re-enter the mount. The real root is held
// open as a directory fd and all real I/O is routed through its
// /proc/self/fd alias, which bypasses the overlay.
type UnionFS struct {
	root     string
	snapshot func() *manifest.Manifest
	resolver *manifest.Resolver

	rootFile *os.File
	ioRoot   string

	conn    *fuse.Conn
	server  *fusefs.Server
	rootDir *Dir
	done    chan struct{}
}

// NewUnionFS builds the filesystem for root. snapshot yields the manifest
// to resolve against; it is invoked once per callback.
func NewUnionFS(root string, snapshot func() *manifest.Manifest) *UnionFS {
	u := &UnionFS{
		root:     root,
		snapshot: snapshot,
		done:     make(chan struct{}),
	}
	// One root node instance, so the kernel-facing server can address it
	// for cache invalidation.
	u.rootDir = &Dir{fs: u, path: ""}
	return u
}

// ioPath rewrites a backend path under the real root to its fd alias.
// Layer paths live outside the root and pass through unchanged.
func (u *UnionFS) ioPath(p string) string {
	if p == u.root {
		return u.ioRoot
	}
	if rest, ok := strings.CutPrefix(p, u.root+"/"); ok {
		return u.ioRoot + "/" + rest
	}
	return p
}

// rebasedProber routes the resolver's probes through the fd alias so
// resolution of real paths does not recurse into the mount itself.
type rebasedProber struct {
	fs    *UnionFS
	inner manifest.Prober
}

func (p rebasedProber) Probe(path string) (manifest.PathKind, error) {
	return p.inner.Probe(p.fs.ioPath(path))
}

func (p rebasedProber) List(path string) ([]manifest.ProbeEntry, error) {
	return p.inner.List(p.fs.ioPath(path))
}

// Root implements the fusefs.FS interface, returning the root directory
// node.
func (u *UnionFS) Root() (fusefs.Node, error) {
	return u.rootDir, nil
}

// InvalidateEntries drops the kernel's cached dentries for the given
// root-level names, along with the root's cached attributes. Without
// this a manifest swap would keep serving lookups resolved under the old
// mapping set until the kernel's entry cache expires.
func (u *UnionFS) InvalidateEntries(names []string) {
	if u.server == nil {
		return
	}
	if err := u.server.InvalidateNodeAttr(u.rootDir); err != nil && !errors.Is(err, fuse.ErrNotCached) {
		fsLog.WithField("root", u.root).WithError(err).Debug("invalidate root attr")
	}
	for _, name := range names {
		if err := u.server.InvalidateEntry(u.rootDir, name); err != nil && !errors.Is(err, fuse.ErrNotCached) {
			fsLog.WithField("root", u.root).WithField("name", name).WithError(err).Debug("invalidate entry")
		}
	}
}

// Which answers ownership queries against the current manifest. Probes run
// over the pinned root fd, so answers reflect the raw real tree even while
// the overlay covers it.
func (u *UnionFS) Which(vpath string) (*manifest.OwnerInfo, error) {
	return u.resolver.Which(u.snapshot(), vpath)
}

// initIO pins the real root open and builds the resolver over the fd
// alias. Must run before the overlay goes live.
func (u *UnionFS) initIO() error {
	rootFile, err := os.Open(u.root)
	if err != nil {
		return fmt.Errorf("open root %s: %w", u.root, err)
	}
	u.rootFile = rootFile
	u.ioRoot = fmt.Sprintf("/proc/self/fd/%d", rootFile.Fd())
	u.resolver = manifest.NewResolver(rebasedProber{fs: u, inner: manifest.OSProber{}})
	return nil
}

// Mount attaches the union view over the root directory and starts
// serving callbacks.
func (u *UnionFS) Mount() error {
	fsLog.WithField("root", u.root).Info("mounting union view")

	if err := u.initIO(); err != nil {
		return err
	}

	c, err := fuse.Mount(u.root,
		fuse.FSName("strata"),
		fuse.Subtype("strata"),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
		fuse.AllowNonEmptyMount(),
	)
	if err != nil {
		_ = u.rootFile.Close()
		return fmt.Errorf("mount %s: %w", u.root, err)
	}
	u.conn = c
	u.server = fusefs.New(c, nil)

	go func() {
		defer close(u.done)
		if err := u.server.Serve(u); err != nil {
			fsLog.WithField("root", u.root).WithError(err).Error("FUSE serve")
		}
	}()

	if err := waitForMount(u.root); err != nil {
		_ = c.Close()
		_ = u.rootFile.Close()
		return fmt.Errorf("mount %s: %w", u.root, err)
	}
	fsLog.WithField("root", u.root).Info("union view ready")
	return nil
}

// Close detaches the mount and blocks until the serve loop drains. When
// the kernel refuses the detach (a process is holding the mount busy)
// the session keeps serving and the error is returned, so the caller can
// retry; waiting for the serve loop here would never return.
func (u *UnionFS) Close() error {
	if u.conn == nil {
		if u.rootFile != nil {
			_ = u.rootFile.Close()
		}
		return nil
	}
	fsLog.WithField("root", u.root).Info("unmounting")
	if err := fuse.Unmount(u.root); err != nil {
		fsLog.WithField("root", u.root).WithError(err).Warn("unmount")
		return fmt.Errorf("unmount %s: %w", u.root, err)
	}
	<-u.done
	err := u.conn.Close()
	if u.rootFile != nil {
		_ = u.rootFile.Close()
	}
	return err
}

// SessionFactory is the mount.SessionFactory wired into the manager by
// the daemon.
func SessionFactory(root string, snapshot func() *manifest.Manifest) (mount.Session, error) {
	u := NewUnionFS(root, snapshot)
	if err := u.Mount(); err != nil {
		return nil, err
	}
	return u, nil
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// pathInode derives the stable inode surrogate for a virtual path. One
// name keeps one identity for as long as it exists, no matter which
// backend serves it.
func pathInode(vpath string) uint64 {
	if vpath == "" {
		return 1
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(vpath))
	ino := h.Sum64()
	if ino <= 1 {
		ino += 2
	}
	return ino
}
