package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"golang.org/x/sync/errgroup"

	"strata/internal/logging"
	"strata/internal/manifest"
	"strata/internal/metrics"
)

// Ref addresses a mount by numeric handle or by root path. ID takes
// precedence when both are set.
type Ref struct {
	ID   uint64
	Root string
}

// Manager tracks every mount of one daemon process. It exclusively owns
// the root-to-mount mapping; at most one mount is Active per canonical
// root at any time.
type Manager struct {
	sessions SessionFactory
	resolver *manifest.Resolver
	prober   manifest.Prober

	mu     sync.Mutex
	byRoot map[string]*Mount
	byID   map[uint64]*Mount
	nextID uint64
}

var managerLog = logging.WithComponent("mount")

// NewManager builds a manager spawning sessions through factory. A nil
// prober probes the host filesystem.
func NewManager(factory SessionFactory, prober manifest.Prober) *Manager {
	if prober == nil {
		prober = manifest.OSProber{}
	}
	return &Manager{
		sessions: factory,
		resolver: manifest.NewResolver(prober),
		prober:   prober,
		byRoot:   make(map[string]*Mount),
		byID:     make(map[uint64]*Mount),
		nextID:   1,
	}
}

// Create mounts a new union view at root. The root directory is created
// if absent (and deliberately left in place after unmount). Fails with
// AlreadyMounted when the root is Active, and MountConflict when another
// Create is racing on the same root. The returned warnings report layers
// whose sources do not exist; they never fail the mount.
func (mgr *Manager) Create(root string, mappings []manifest.Mapping) (Info, []string, error) {
	canonical, err := mgr.ensureRoot(root)
	if err != nil {
		return Info{}, nil, err
	}

	man, err := manifest.New(canonical, mappings)
	if err != nil {
		return Info{}, nil, err
	}
	warnings := manifest.CheckLayers(man.Mappings(), mgr.prober)
	for _, w := range warnings {
		managerLog.WithField("root", canonical).Warn(w)
	}

	mgr.mu.Lock()
	if existing, ok := mgr.byRoot[canonical]; ok {
		mgr.mu.Unlock()
		if existing.State() == StateMounting {
			return Info{}, nil, fmt.Errorf("mount of %s already in progress: %w", canonical, errdefs.ErrConflict)
		}
		return Info{}, nil, fmt.Errorf("%s already mounted: %w", canonical, errdefs.ErrAlreadyExists)
	}
	m := &Mount{id: mgr.nextID, root: canonical}
	mgr.nextID++
	m.state.Store(int32(StateMounting))
	m.man.Store(man)
	mgr.byRoot[canonical] = m
	mgr.byID[m.id] = m
	mgr.mu.Unlock()

	session, err := mgr.sessions(canonical, m.Snapshot)
	if err != nil {
		mgr.mu.Lock()
		delete(mgr.byRoot, canonical)
		delete(mgr.byID, m.id)
		mgr.mu.Unlock()
		m.state.Store(int32(StateUnmounted))
		return Info{}, nil, fmt.Errorf("session for %s: %w", canonical, err)
	}

	m.session = session
	m.state.Store(int32(StateActive))
	metrics.MountsActive.Inc()
	managerLog.WithFields(map[string]interface{}{
		"id":      m.id,
		"root":    canonical,
		"layers":  len(mappings),
		"version": man.Version(),
	}).Info("mounted")
	return m.Info(), warnings, nil
}

// Attach returns the existing Active mount for root, or NotMounted. A
// mount whose session is still coming up or going down is not a usable
// handle yet.
func (mgr *Manager) Attach(root string) (Info, error) {
	m, err := mgr.lookup(Ref{Root: root})
	if err != nil {
		return Info{}, err
	}
	if m.State() != StateActive {
		return Info{}, fmt.Errorf("mount of %s is %s: %w", m.root, m.State(), errdefs.ErrConflict)
	}
	return m.Info(), nil
}

// Update atomically replaces a mount's manifest. In-flight resolutions
// finish against the snapshot they captured; new callbacks observe the
// replacement and its incremented version. Updates on the same mount are
// serialized against each other.
func (mgr *Manager) Update(ref Ref, mappings []manifest.Mapping) (uint64, []string, error) {
	m, err := mgr.lookup(ref)
	if err != nil {
		return 0, nil, err
	}

	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	prev := m.Snapshot()
	next, err := prev.Next(mappings)
	if err != nil {
		return 0, nil, err
	}
	warnings := manifest.CheckLayers(next.Mappings(), mgr.prober)
	for _, w := range warnings {
		managerLog.WithField("root", m.root).Warn(w)
	}

	m.man.Store(next)
	metrics.ManifestUpdates.Inc()
	if s, ok := m.session.(entryInvalidator); ok {
		s.InvalidateEntries(affectedNames(mgr.prober, prev.Mappings(), next.Mappings()))
	}
	managerLog.WithFields(map[string]interface{}{
		"id":      m.id,
		"root":    m.root,
		"version": next.Version(),
	}).Debug("manifest updated")
	return next.Version(), warnings, nil
}

// Close unmounts. It blocks until the session drains, bounded only by the
// backing filesystems' responsiveness. Closing an unknown or already
// closed mount is a success, not an error, so caller cleanup paths stay
// simple. A session that refuses to detach (busy mount) stays registered
// and Active, so the root cannot be mounted over the live overlay and the
// unmount can be retried.
func (mgr *Manager) Close(ref Ref) error {
	mgr.mu.Lock()
	m, err := mgr.lookupLocked(ref)
	if err != nil {
		mgr.mu.Unlock()
		return nil // idempotent
	}
	if m.State() == StateMounting {
		mgr.mu.Unlock()
		return fmt.Errorf("mount of %s still in progress: %w", m.root, errdefs.ErrConflict)
	}
	if !m.state.CompareAndSwap(int32(StateActive), int32(StateUnmounting)) {
		mgr.mu.Unlock()
		return fmt.Errorf("unmount of %s already in progress: %w", m.root, errdefs.ErrConflict)
	}
	mgr.mu.Unlock()

	if m.session != nil {
		if err := m.session.Close(); err != nil {
			managerLog.WithField("root", m.root).WithError(err).Warn("session close")
			m.state.Store(int32(StateActive))
			return fmt.Errorf("unmount %s: %w", m.root, err)
		}
	}

	mgr.mu.Lock()
	delete(mgr.byRoot, m.root)
	delete(mgr.byID, m.id)
	mgr.mu.Unlock()
	m.state.Store(int32(StateUnmounted))
	metrics.MountsActive.Dec()
	managerLog.WithFields(map[string]interface{}{"id": m.id, "root": m.root}).Info("unmounted")
	return nil
}

// CloseAll tears down every mount in parallel; used on daemon shutdown,
// where one slow kernel detach must not hold up the rest.
func (mgr *Manager) CloseAll() {
	var g errgroup.Group
	for _, info := range mgr.Status() {
		ref := Ref{ID: info.ID}
		g.Go(func() error {
			if err := mgr.Close(ref); err != nil {
				managerLog.WithField("id", ref.ID).WithError(err).Warn("close on shutdown")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Status snapshots all tracked mounts, ordered by handle.
func (mgr *Manager) Status() []Info {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	out := make([]Info, 0, len(mgr.byID))
	for _, m := range mgr.byID {
		out = append(out, m.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// entryInvalidator is implemented by sessions that cache name lookups on
// the kernel side. After a manifest swap the manager hands over the
// root-level names either generation of mappings can influence, so stale
// dentries do not outlive the update.
type entryInvalidator interface {
	InvalidateEntries(names []string)
}

// affectedNames collects the root-level entry names the given mapping
// sets can contribute. Root-targeted layers have no target component of
// their own; they contribute their top-level listing instead.
func affectedNames(p manifest.Prober, sets ...[]manifest.Mapping) []string {
	seen := make(map[string]struct{})
	for _, set := range sets {
		for _, mp := range set {
			if mp.Target != "" {
				name, _, _ := strings.Cut(mp.Target, "/")
				seen[name] = struct{}{}
				continue
			}
			entries, err := p.List(mp.Source)
			if err != nil {
				continue // absent layer influences nothing
			}
			for _, e := range entries {
				seen[e.Name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ownerResolver is implemented by sessions that can answer ownership
// queries themselves. The live session must be preferred: once the
// overlay covers the root, probing real paths by name from outside
// would go through the overlay instead of the raw tree.
type ownerResolver interface {
	Which(vpath string) (*manifest.OwnerInfo, error)
}

// Which resolves ownership of a virtual path within a mount. A path that
// exists nowhere yields (nil, nil).
func (mgr *Manager) Which(ref Ref, vpath string) (*manifest.OwnerInfo, error) {
	m, err := mgr.lookup(ref)
	if err != nil {
		return nil, err
	}
	if s, ok := m.session.(ownerResolver); ok {
		return s.Which(vpath)
	}
	return mgr.resolver.Which(m.Snapshot(), vpath)
}

func (mgr *Manager) lookup(ref Ref) (*Mount, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.lookupLocked(ref)
}

func (mgr *Manager) lookupLocked(ref Ref) (*Mount, error) {
	if ref.ID != 0 {
		if m, ok := mgr.byID[ref.ID]; ok {
			return m, nil
		}
		return nil, fmt.Errorf("mount %d not mounted: %w", ref.ID, errdefs.ErrNotFound)
	}
	canonical, err := canonicalRoot(ref.Root)
	if err == nil {
		if m, ok := mgr.byRoot[canonical]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s not mounted: %w", ref.Root, errdefs.ErrNotFound)
}

// ensureRoot canonicalizes the mount root, creating it as an empty
// directory when absent. The directory is never removed on Close.
func (mgr *Manager) ensureRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("root %q: %w", root, errdefs.ErrInvalidArgument)
	}
	if _, statErr := os.Stat(abs); os.IsNotExist(statErr) {
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", fmt.Errorf("create mount root %s: %w", abs, err)
		}
		managerLog.WithField("root", abs).Debug("created mount root")
	}
	return canonicalRoot(abs)
}

func canonicalRoot(root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty mount root: %w", errdefs.ErrInvalidArgument)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("root %q: %w", root, errdefs.ErrInvalidArgument)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("root %q: %w", root, errdefs.ErrInvalidArgument)
	}
	return resolved, nil
}
