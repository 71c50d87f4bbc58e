package manifest

import (
	"path"
	"path/filepath"
	"strings"
)

// Mapping declares one layer overlay: a backing source path projected onto
// a target path under the mount root. Mappings are immutable once built;
// their priority is their position in the owning Manifest (lower index
// wins).
type Mapping struct {
	// Target is the virtual path under the mount root, relative and
	// slash-separated. "" targets the root itself.
	Target string

	// Source is the absolute backing path.
	Source string

	// IsDir declares whether Source overlays a directory subtree or a
	// single file.
	IsDir bool
}

// Covers reports whether this mapping has a backend candidate for vpath,
// and returns that candidate path. Directory mappings cover their target
// and everything below it; file mappings cover exactly their target.
func (m Mapping) Covers(vpath string) (string, bool) {
	if vpath == m.Target {
		return m.Source, true
	}
	if !m.IsDir {
		return "", false
	}
	rest, ok := trimPathPrefix(vpath, m.Target)
	if !ok {
		return "", false
	}
	return filepath.Join(m.Source, filepath.FromSlash(rest)), true
}

// Normalize cleans a virtual path into the canonical relative form used
// throughout resolution: slash-separated, no leading slash, "" for the
// root.
func Normalize(vpath string) string {
	vpath = strings.TrimPrefix(path.Clean("/"+vpath), "/")
	if vpath == "." {
		return ""
	}
	return vpath
}

// trimPathPrefix strips prefix (a normalized virtual path) from vpath,
// returning the remainder without its leading slash. The empty prefix
// covers everything.
func trimPathPrefix(vpath, prefix string) (string, bool) {
	if prefix == "" {
		return vpath, true
	}
	if strings.HasPrefix(vpath, prefix+"/") {
		return vpath[len(prefix)+1:], true
	}
	return "", false
}

// firstComponent splits off the leading path element of a normalized
// relative path.
func firstComponent(vpath string) (string, string) {
	if i := strings.IndexByte(vpath, '/'); i >= 0 {
		return vpath[:i], vpath[i+1:]
	}
	return vpath, ""
}
