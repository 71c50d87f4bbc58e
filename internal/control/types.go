// Package control implements the local control protocol: a JSON/HTTP
// API served over a unix socket by the daemon and consumed by the CLI.
// The client starts the daemon on demand, so the first mount command
// works without any prior setup.
package control

import (
	"github.com/containerd/errdefs"

	"strata/internal/manifest"
)

// MappingSpec is the wire form of one union layer mapping.
type MappingSpec struct {
	Target string `json:"target"`
	Source string `json:"source"`
	IsDir  bool   `json:"is_dir"`
}

// ToMappings converts wire specs into manifest mappings.
func ToMappings(specs []MappingSpec) []manifest.Mapping {
	out := make([]manifest.Mapping, len(specs))
	for i, s := range specs {
		out[i] = manifest.Mapping{Target: s.Target, Source: s.Source, IsDir: s.IsDir}
	}
	return out
}

// FromMappings converts manifest mappings into wire specs.
func FromMappings(mappings []manifest.Mapping) []MappingSpec {
	out := make([]MappingSpec, len(mappings))
	for i, m := range mappings {
		out[i] = MappingSpec{Target: m.Target, Source: m.Source, IsDir: m.IsDir}
	}
	return out
}

// TargetRef addresses an existing mount by numeric ID or by root path.
// When both are set the ID wins.
type TargetRef struct {
	ID   uint64 `json:"id,omitempty"`
	Root string `json:"root,omitempty"`
}

// MountRequest asks the daemon to bring up a union view over Root.
type MountRequest struct {
	Root     string        `json:"root"`
	Mappings []MappingSpec `json:"mappings"`
}

// MountResponse reports the mount the daemon created or re-attached.
type MountResponse struct {
	ID       uint64   `json:"id"`
	Root     string   `json:"root"`
	Version  uint64   `json:"version"`
	Warnings []string `json:"warnings,omitempty"`
}

// UpdateRequest swaps the mapping set of a live mount.
type UpdateRequest struct {
	TargetRef
	Mappings []MappingSpec `json:"mappings"`
}

// UpdateResponse reports the manifest version now in effect.
type UpdateResponse struct {
	Version  uint64   `json:"version"`
	Warnings []string `json:"warnings,omitempty"`
}

// UnmountRequest tears down a mount.
type UnmountRequest struct {
	TargetRef
}

// WhichRequest asks which backend owns a virtual path on a mount.
type WhichRequest struct {
	TargetRef
	Path string `json:"path"`
}

// WhichResponse names the owning backend. Exists is false when the path
// resolves nowhere.
type WhichResponse struct {
	Exists      bool   `json:"exists"`
	Owner       string `json:"owner,omitempty"`
	BackendPath string `json:"backend_path,omitempty"`
}

// MountStatus is one row of the status listing.
type MountStatus struct {
	ID      uint64 `json:"id"`
	Root    string `json:"root"`
	Version uint64 `json:"version"`
	State   string `json:"state"`
}

// StatusResponse lists all live mounts.
type StatusResponse struct {
	Mounts []MountStatus `json:"mounts"`
}

// InfoResponse identifies the serving daemon.
type InfoResponse struct {
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

type errorBody struct {
	Error string `json:"error"`
	// Kind carries the exact error class. The HTTP status alone is lossy:
	// already-exists and conflict share 409.
	Kind string `json:"kind,omitempty"`
}

// errorKinds maps error classes to their wire names, most specific
// first: already-exists is itself a conflict, so order decides.
var errorKinds = []struct {
	name string
	is   func(error) bool
	err  error
}{
	{"invalid-argument", errdefs.IsInvalidArgument, errdefs.ErrInvalidArgument},
	{"not-found", errdefs.IsNotFound, errdefs.ErrNotFound},
	{"already-exists", errdefs.IsAlreadyExists, errdefs.ErrAlreadyExists},
	{"conflict", errdefs.IsConflict, errdefs.ErrConflict},
	{"unavailable", errdefs.IsUnavailable, errdefs.ErrUnavailable},
}

func kindName(err error) string {
	for _, k := range errorKinds {
		if k.is(err) {
			return k.name
		}
	}
	return ""
}

func kindError(name string) error {
	for _, k := range errorKinds {
		if k.name == name {
			return k.err
		}
	}
	return nil
}
