package manifest

import (
	"os"
)

// PathKind classifies what a probe found at a path. The resolver only
// reasons about files, directories and absence; anything else (sockets,
// devices, dangling symlinks) is KindOther and is left to the session
// adapter.
type PathKind int

const (
	KindAbsent PathKind = iota
	KindFile
	KindDir
	KindOther
)

// ProbeEntry is one name inside a probed directory.
type ProbeEntry struct {
	Name string
	Kind PathKind
}

// Prober is the filesystem probe capability injected into the resolver.
// It is the resolver's only window onto real I/O, which keeps the
// resolution logic itself pure and directly testable.
type Prober interface {
	// Probe reports what exists at an absolute path.
	Probe(path string) (PathKind, error)
	// List returns the entries of a directory.
	List(path string) ([]ProbeEntry, error)
}

// OSProber probes the host filesystem. Symlinks are followed so that a
// link to a regular file resolves as a file.
type OSProber struct{}

func (OSProber) Probe(path string) (PathKind, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return KindAbsent, nil
		}
		return KindAbsent, err
	}
	switch {
	case info.IsDir():
		return KindDir, nil
	case info.Mode().IsRegular():
		return KindFile, nil
	default:
		return KindOther, nil
	}
}

func (OSProber) List(path string) ([]ProbeEntry, error) {
	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	entries := make([]ProbeEntry, 0, len(dirents))
	for _, de := range dirents {
		kind := KindOther
		switch {
		case de.IsDir():
			kind = KindDir
		case de.Type().IsRegular():
			kind = KindFile
		case de.Type()&os.ModeSymlink != 0:
			// Classify by link destination; a dangling link stays Other.
			if k, err := (OSProber{}).Probe(path + string(os.PathSeparator) + de.Name()); err == nil && k != KindAbsent {
				kind = k
			}
		}
		entries = append(entries, ProbeEntry{Name: de.Name(), Kind: kind})
	}
	return entries, nil
}
