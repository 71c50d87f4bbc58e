package manifest

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"

	"github.com/containerd/errdefs"
)

// DirEntry is one name in a merged directory listing.
type DirEntry struct {
	Name  string
	IsDir bool

	// Merged marks a directory contributed by more than one backend; its
	// children union recursively instead of having a single owner.
	Merged bool

	// TypeConflict marks a name that is a file in one source and a
	// directory in another. The highest-priority contributor decides the
	// reported type; the conflict is surfaced so callers can warn.
	TypeConflict bool

	// Info carries the primary owner supplying the entry's metadata. For
	// synthetic intermediate directories (a mapping targeted deeper down
	// with no backing directory at this level) BackendPath is empty.
	Info OwnerInfo
}

// Resolver decides, for any virtual path against a manifest snapshot,
// which backend is authoritative. It performs no I/O beyond the injected
// probe capability and holds no state, so a single resolver serves any
// number of concurrent queries.
type Resolver struct {
	probe Prober
}

// NewResolver builds a resolver over the given probe capability. A nil
// prober falls back to the host filesystem.
func NewResolver(p Prober) *Resolver {
	if p == nil {
		p = OSProber{}
	}
	return &Resolver{probe: p}
}

// File resolves ownership of a regular file. Mappings are consulted in
// priority order: the first one whose backend candidate exists as a
// regular file wins. The real path is the fallback, so files in layers
// shadow same-named real files. Absence everywhere is a NotFound error.
func (r *Resolver) File(m *Manifest, vpath string) (OwnerInfo, error) {
	vpath = Normalize(vpath)

	for _, mp := range m.Mappings() {
		cand, ok := mp.Covers(vpath)
		if !ok {
			continue
		}
		kind, err := r.probe.Probe(cand)
		if err != nil {
			return OwnerInfo{}, fmt.Errorf("probe %s: %w", cand, err)
		}
		if kind == KindFile {
			return OwnerInfo{Owner: Layer(mp.Source), BackendPath: cand}, nil
		}
	}

	real := m.RealPath(vpath)
	kind, err := r.probe.Probe(real)
	if err != nil {
		return OwnerInfo{}, fmt.Errorf("probe %s: %w", real, err)
	}
	if kind == KindFile {
		return OwnerInfo{Owner: Real(), BackendPath: real}, nil
	}
	return OwnerInfo{}, fmt.Errorf("%s: %w", vpath, errdefs.ErrNotFound)
}

// Lookup decides how the union exposes vpath: as a file, a directory, or
// not at all (KindAbsent). Contributions are consulted in priority order
// and the first one wins, the same rule merged listings apply, so a name
// never changes type between a listing and the lookup that follows it.
func (r *Resolver) Lookup(m *Manifest, vpath string) (OwnerInfo, PathKind, error) {
	vpath = Normalize(vpath)

	for _, mp := range m.Mappings() {
		if cand, ok := mp.Covers(vpath); ok {
			kind, err := r.probe.Probe(cand)
			if err != nil {
				return OwnerInfo{}, KindAbsent, fmt.Errorf("probe %s: %w", cand, err)
			}
			if vpath == mp.Target {
				// At the target itself the mapping's declared type rules.
				declared := KindFile
				if mp.IsDir {
					declared = KindDir
				}
				if kind != declared {
					continue
				}
			} else if kind != KindFile && kind != KindDir {
				continue
			}
			return OwnerInfo{Owner: Layer(mp.Source), BackendPath: cand}, kind, nil
		}

		rest, ok := trimPathPrefix(mp.Target, vpath)
		if !ok || rest == "" {
			continue
		}
		kind, err := r.probe.Probe(mp.Source)
		if err != nil {
			return OwnerInfo{}, KindAbsent, fmt.Errorf("probe %s: %w", mp.Source, err)
		}
		if kind != KindAbsent {
			// Synthetic intermediate on the way to a deeper target.
			return OwnerInfo{Owner: Layer(mp.Source)}, KindDir, nil
		}
	}

	real := m.RealPath(vpath)
	kind, err := r.probe.Probe(real)
	if err != nil {
		return OwnerInfo{}, KindAbsent, fmt.Errorf("probe %s: %w", real, err)
	}
	if kind == KindFile || kind == KindDir {
		return OwnerInfo{Owner: Real(), BackendPath: real}, kind, nil
	}
	return OwnerInfo{}, KindAbsent, nil
}

// contribution to a directory listing. prio is the mapping index; the
// real tree gets len(mappings), making it lowest-priority for files.
type contrib struct {
	prio  int
	isDir bool
	info  OwnerInfo
}

// ReadDir produces the merged listing of a virtual directory. Entries from
// the real tree and every covering layer are deduplicated by name: files
// shadow (highest-priority layer wins, real last), directories merge.
// Mappings targeted strictly below vpath surface their next path element
// as a directory entry, so a mapping onto ".config/nvim" is reachable even
// when the real tree has no ".config".
func (r *Resolver) ReadDir(m *Manifest, vpath string) ([]DirEntry, error) {
	vpath = Normalize(vpath)

	byName := make(map[string][]contrib)
	add := func(name string, c contrib) {
		byName[name] = append(byName[name], c)
	}

	dirExists := false
	for i, mp := range m.Mappings() {
		if cand, ok := mp.Covers(vpath); ok && mp.IsDir {
			kind, err := r.probe.Probe(cand)
			if err != nil {
				return nil, fmt.Errorf("probe %s: %w", cand, err)
			}
			if kind != KindDir {
				continue
			}
			dirExists = true
			entries, err := r.probe.List(cand)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", cand, err)
			}
			for _, e := range entries {
				add(e.Name, contrib{
					prio:  i,
					isDir: e.Kind == KindDir,
					info:  OwnerInfo{Owner: Layer(mp.Source), BackendPath: filepath.Join(cand, e.Name)},
				})
			}
			continue
		}

		rest, ok := trimPathPrefix(mp.Target, vpath)
		if !ok || rest == "" {
			continue
		}
		name, deeper := firstComponent(rest)
		kind, err := r.probe.Probe(mp.Source)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", mp.Source, err)
		}
		if kind == KindAbsent {
			continue // absent layer contributes nothing
		}
		switch {
		case deeper != "":
			// Synthetic intermediate directory on the way to the target.
			dirExists = true
			add(name, contrib{prio: i, isDir: true, info: OwnerInfo{Owner: Layer(mp.Source)}})
		case mp.IsDir:
			if kind == KindDir {
				dirExists = true
				add(name, contrib{prio: i, isDir: true, info: OwnerInfo{Owner: Layer(mp.Source), BackendPath: mp.Source}})
			}
		default:
			if kind == KindFile {
				dirExists = true
				add(name, contrib{prio: i, isDir: false, info: OwnerInfo{Owner: Layer(mp.Source), BackendPath: mp.Source}})
			}
		}
	}

	real := m.RealPath(vpath)
	kind, err := r.probe.Probe(real)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", real, err)
	}
	if kind == KindDir {
		dirExists = true
		entries, err := r.probe.List(real)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", real, err)
		}
		realPrio := len(m.Mappings())
		for _, e := range entries {
			add(e.Name, contrib{
				prio:  realPrio,
				isDir: e.Kind == KindDir,
				info:  OwnerInfo{Owner: Real(), BackendPath: filepath.Join(real, e.Name)},
			})
		}
	}

	if !dirExists {
		return nil, fmt.Errorf("%s: %w", vpath, errdefs.ErrNotFound)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]DirEntry, 0, len(names))
	for _, name := range names {
		out = append(out, mergeContribs(name, byName[name]))
	}
	return out, nil
}

// mergeContribs collapses one name's contributions, already ordered by
// priority, into a single entry.
func mergeContribs(name string, contribs []contrib) DirEntry {
	winner := contribs[0]
	entry := DirEntry{Name: name, IsDir: winner.isDir, Info: winner.info}

	var dirs []contrib
	for _, c := range contribs {
		if c.isDir != winner.isDir {
			entry.TypeConflict = true
		}
		if c.isDir {
			dirs = append(dirs, c)
		}
	}
	if !winner.isDir {
		return entry
	}

	entry.Merged = len(dirs) > 1
	// Real supplies merged-directory metadata when it contributes;
	// otherwise the highest-priority layer does.
	for _, c := range dirs {
		if c.info.Owner.Kind == OwnerReal {
			entry.Info = c.info
			break
		}
	}
	return entry
}

// WriteTarget decides where a new entry under parent should be created.
// A real parent directory anchors new content even when layers also
// contribute entries there; only a pure layer directory (no real
// counterpart) pulls the write into its highest-priority layer. When
// nothing backs the parent yet, the real path is chosen and the caller is
// expected to create it.
func (r *Resolver) WriteTarget(m *Manifest, parent string) (string, error) {
	parent = Normalize(parent)

	real := m.RealPath(parent)
	kind, err := r.probe.Probe(real)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", real, err)
	}
	if kind == KindDir {
		return real, nil
	}

	for _, mp := range m.Mappings() {
		if !mp.IsDir {
			continue
		}
		cand, ok := mp.Covers(parent)
		if !ok {
			continue
		}
		kind, err := r.probe.Probe(cand)
		if err != nil {
			return "", fmt.Errorf("probe %s: %w", cand, err)
		}
		if kind == KindDir {
			return cand, nil
		}
	}

	return real, nil
}

// Which answers the control-protocol ownership query for a path of either
// type. A path that exists nowhere yields (nil, nil), not an error.
func (r *Resolver) Which(m *Manifest, vpath string) (*OwnerInfo, error) {
	vpath = Normalize(vpath)

	info, kind, err := r.Lookup(m, vpath)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindAbsent:
		return nil, nil
	case KindFile:
		return &info, nil
	}

	// Same primary rule as listings: real when present, else the
	// highest-priority layer.
	backends, err := r.DirBackends(m, vpath)
	if err != nil {
		return nil, err
	}
	for _, b := range backends {
		if b.Owner.Kind == OwnerReal {
			return &b, nil
		}
	}
	if len(backends) > 0 {
		return &backends[0], nil
	}
	// Synthetic intermediate, no backing path.
	return &info, nil
}

// DirBackends returns every backend that holds vpath as a directory, in
// priority order with real last. Used for merged-directory metadata and
// for removal, which must act on all contributing backends.
func (r *Resolver) DirBackends(m *Manifest, vpath string) ([]OwnerInfo, error) {
	vpath = Normalize(vpath)

	var out []OwnerInfo
	for _, mp := range m.Mappings() {
		if !mp.IsDir {
			continue
		}
		cand, ok := mp.Covers(vpath)
		if !ok {
			continue
		}
		kind, err := r.probe.Probe(cand)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", cand, err)
		}
		if kind == KindDir {
			out = append(out, OwnerInfo{Owner: Layer(mp.Source), BackendPath: cand})
		}
	}

	real := m.RealPath(vpath)
	kind, err := r.probe.Probe(real)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", real, err)
	}
	if kind == KindDir {
		out = append(out, OwnerInfo{Owner: Real(), BackendPath: real})
	}
	return out, nil
}

// ChildPath joins a child name onto a normalized virtual directory path.
func ChildPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}
