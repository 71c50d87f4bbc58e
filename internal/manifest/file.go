package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"
)

// FileVersion is the accepted apiVersion of a strata.yaml manifest file.
const FileVersion = "strata/v1"

// DefaultFileName is looked up in the mount root when no manifest file is
// given explicitly.
const DefaultFileName = "strata.yaml"

type manifestFile struct {
	APIVersion string      `yaml:"apiVersion"`
	Layers     []layerSpec `yaml:"layers"`
}

type layerSpec struct {
	Target string `yaml:"target"`
	Source string `yaml:"source"`
	// File forces a single-file mapping. When omitted the source is
	// probed: existing files map as files, everything else as a
	// directory subtree.
	File *bool `yaml:"file,omitempty"`
}

// LoadFile reads a strata.yaml manifest file into ordered mappings.
// Relative sources are resolved against the file's directory; "~" is not
// expanded.
func LoadFile(path string, p Prober) ([]Mapping, error) {
	if p == nil {
		p = OSProber{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if mf.APIVersion != FileVersion {
		return nil, fmt.Errorf("%s: unsupported apiVersion %q (want %q): %w", path, mf.APIVersion, FileVersion, errdefs.ErrInvalidArgument)
	}

	base := filepath.Dir(path)
	mappings := make([]Mapping, 0, len(mf.Layers))
	for _, l := range mf.Layers {
		if l.Source == "" {
			return nil, fmt.Errorf("%s: layer with empty source: %w", path, errdefs.ErrInvalidArgument)
		}
		source := l.Source
		if !filepath.IsAbs(source) {
			source = filepath.Join(base, source)
		}
		isDir := true
		if l.File != nil {
			isDir = !*l.File
		} else if kind, err := p.Probe(source); err == nil && kind == KindFile {
			isDir = false
		}
		mappings = append(mappings, Mapping{
			Target: Normalize(l.Target),
			Source: source,
			IsDir:  isDir,
		})
	}
	return mappings, nil
}
