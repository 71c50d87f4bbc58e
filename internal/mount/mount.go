// Package mount owns the root-to-mount registry and each mount's
// lifecycle. The manager is the only component that creates or destroys
// filesystem sessions; everything else holds read-capable references
// obtained through it.
package mount

import (
	"sync"
	"sync/atomic"

	"strata/internal/manifest"
)

// State is a mount's lifecycle phase.
type State int32

const (
	StateUnmounted State = iota
	StateMounting
	StateActive
	StateUnmounting
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateActive:
		return "active"
	case StateUnmounting:
		return "unmounting"
	default:
		return "unknown"
	}
}

// Session is a live filesystem-callback session bound to a mount root.
// Close blocks until in-flight callbacks drain and the kernel detaches.
type Session interface {
	Close() error
}

// SessionFactory spawns the callback session for a root. snapshot yields
// the current manifest; the session captures one snapshot per callback so
// a concurrent update never tears a resolution in progress.
type SessionFactory func(root string, snapshot func() *manifest.Manifest) (Session, error)

// Info is a point-in-time view of one mount, safe to hand across the
// control protocol.
type Info struct {
	ID      uint64
	Root    string
	Version uint64
	State   State
}

// Mount is the per-root runtime state: the versioned manifest, the live
// session and the lifecycle phase. The manifest is read by any number of
// concurrent callbacks and replaced wholesale by one update at a time.
type Mount struct {
	id   uint64
	root string

	state atomic.Int32
	man   atomic.Pointer[manifest.Manifest]

	// updateMu serializes manifest replacements on this mount; readers
	// never take it.
	updateMu sync.Mutex

	session Session
}

// ID returns the mount's numeric handle.
func (m *Mount) ID() uint64 { return m.id }

// Root returns the canonical mount root.
func (m *Mount) Root() string { return m.root }

// State returns the current lifecycle phase.
func (m *Mount) State() State { return State(m.state.Load()) }

// Snapshot returns the current manifest. The returned value is immutable;
// callers resolve against it for the duration of one operation.
func (m *Mount) Snapshot() *manifest.Manifest { return m.man.Load() }

// Info captures the mount's current status.
func (m *Mount) Info() Info {
	return Info{
		ID:      m.id,
		Root:    m.root,
		Version: m.Snapshot().Version(),
		State:   m.State(),
	}
}
