package manifest

import (
	"fmt"
	"path/filepath"

	"github.com/containerd/errdefs"
)

// Manifest is the ordered set of layer mappings for one mount root. It is
// immutable once published: updates replace the whole manifest with a
// successor carrying the next version, so concurrent readers always see a
// complete snapshot.
type Manifest struct {
	root     string
	version  uint64
	mappings []Mapping
}

// New builds the initial manifest (version 1) for a mount root. Mappings
// keep their declared order; targets are normalized. Two mappings that
// disagree on whether the same target is a directory or a file are
// rejected.
func New(root string, mappings []Mapping) (*Manifest, error) {
	return build(root, 1, mappings)
}

// Next derives a replacement manifest with the given mappings and a
// version one higher than m's. m itself is left untouched.
func (m *Manifest) Next(mappings []Mapping) (*Manifest, error) {
	return build(m.root, m.version+1, mappings)
}

func build(root string, version uint64, mappings []Mapping) (*Manifest, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("mount root %q is not absolute: %w", root, errdefs.ErrInvalidArgument)
	}

	normalized := make([]Mapping, len(mappings))
	kinds := make(map[string]bool, len(mappings))
	for i, mp := range mappings {
		mp.Target = Normalize(mp.Target)
		if !filepath.IsAbs(mp.Source) {
			return nil, fmt.Errorf("mapping source %q is not absolute: %w", mp.Source, errdefs.ErrInvalidArgument)
		}
		if isDir, seen := kinds[mp.Target]; seen && isDir != mp.IsDir {
			return nil, fmt.Errorf("target %q mapped as both directory and file: %w", mp.Target, errdefs.ErrInvalidArgument)
		}
		kinds[mp.Target] = mp.IsDir
		normalized[i] = mp
	}

	return &Manifest{
		root:     root,
		version:  version,
		mappings: normalized,
	}, nil
}

// Root returns the real mount root path.
func (m *Manifest) Root() string { return m.root }

// Version returns the manifest's monotonically increasing version.
func (m *Manifest) Version() uint64 { return m.version }

// Mappings returns the ordered mappings. Callers must not mutate the
// returned slice.
func (m *Manifest) Mappings() []Mapping { return m.mappings }

// RealPath joins a normalized virtual path onto the real root.
func (m *Manifest) RealPath(vpath string) string {
	if vpath == "" {
		return m.root
	}
	return filepath.Join(m.root, filepath.FromSlash(vpath))
}

// CheckLayers probes every mapping source and reports the ones that do not
// exist. An absent layer is never an error: it simply contributes nothing
// to resolution. The messages are surfaced to control-protocol callers as
// warnings on create and update.
func CheckLayers(mappings []Mapping, p Prober) []string {
	var warnings []string
	for _, mp := range mappings {
		kind, err := p.Probe(mp.Source)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("layer %s: probe failed: %v", mp.Source, err))
			continue
		}
		if kind == KindAbsent {
			warnings = append(warnings, fmt.Sprintf("layer %s: source does not exist", mp.Source))
		}
	}
	return warnings
}
