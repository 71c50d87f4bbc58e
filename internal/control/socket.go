package control

import (
	"fmt"
	"os"
	"path/filepath"
)

// SocketEnv overrides the socket rendezvous path when set. Client and
// daemon both honor it, so tests and multi-instance setups can isolate
// themselves.
const SocketEnv = "STRATA_SOCKET"

// DefaultSocketPath returns the per-user rendezvous point for the
// control socket.
func DefaultSocketPath() string {
	if p := os.Getenv(SocketEnv); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "strata.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("strata-%d.sock", os.Getuid()))
}

// lockPath is the flock file guarding daemon singleton-ness for a
// socket. Separate from the socket itself because the daemon unlinks and
// recreates the socket on startup.
func lockPath(socket string) string {
	return socket + ".lock"
}
