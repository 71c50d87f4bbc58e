package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sys/unix"

	"strata/internal/logging"
	"strata/internal/metrics"
	"strata/internal/mount"
)

var srvLog = logging.WithComponent("control.server")

// Server exposes the mount manager over a unix socket. One server per
// socket: a flock on a sidecar lockfile guarantees a second daemon
// started against the same socket refuses to come up instead of stealing
// the rendezvous point.
type Server struct {
	mgr     *mount.Manager
	socket  string
	version string

	lockFile *os.File
	ln       net.Listener
	httpSrv  *http.Server

	metricsEnabled bool
}

// NewServer builds a control server for the manager. version is reported
// by the info endpoint.
func NewServer(mgr *mount.Manager, socket, version string, metricsEnabled bool) *Server {
	return &Server{
		mgr:            mgr,
		socket:         socket,
		version:        version,
		metricsEnabled: metricsEnabled,
	}
}

// Listen acquires the daemon lock and binds the socket. Returns a
// conflict error when another daemon already holds the lock.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socket), 0o755); err != nil {
		return fmt.Errorf("socket dir: %w", err)
	}

	lf, err := os.OpenFile(lockPath(s.socket), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lockfile: %w", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lf.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("daemon already serving %s: %w", s.socket, errdefs.ErrConflict)
		}
		return fmt.Errorf("lock %s: %w", lockPath(s.socket), err)
	}
	s.lockFile = lf

	// Holding the lock means any leftover socket is stale.
	if err := os.Remove(s.socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, 0o600); err != nil {
		_ = ln.Close()
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln

	srvLog.WithField("socket", s.socket).Info("control socket bound")
	return nil
}

// Serve handles requests until ctx is cancelled, then drains and cleans
// up the socket and lockfile.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return fmt.Errorf("server not listening: %w", errdefs.ErrFailedPrecondition)
	}

	s.httpSrv = &http.Server{Handler: s.router()}

	serveDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.httpSrv.Shutdown(shutdownCtx)
		case <-serveDone:
		}
	}()

	err := s.httpSrv.Serve(s.ln)
	close(serveDone)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	_ = os.Remove(s.socket)
	s.releaseLock()
	srvLog.WithField("socket", s.socket).Info("control server stopped")
	return err
}

func (s *Server) releaseLock() {
	if s.lockFile == nil {
		return
	}
	_ = os.Remove(lockPath(s.socket))
	_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	_ = s.lockFile.Close()
	s.lockFile = nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/mounts", s.handleMount)
		r.Get("/mounts", s.handleStatus)
		r.Post("/attach", s.handleAttach)
		r.Post("/unmount", s.handleUnmount)
		r.Post("/update", s.handleUpdate)
		r.Post("/which", s.handleWhich)
		r.Get("/info", s.handleInfo)
	})
	if s.metricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}
	return r
}

// requestLogger logs each control request with its outcome status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		srvLog.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.Status()).
			WithField("duration", time.Since(start).String()).
			Debug("control request")
	})
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	var req MountRequest
	if !decodeBody(w, r, "mount", &req) {
		return
	}
	info, warnings, err := s.mgr.Create(req.Root, ToMappings(req.Mappings))
	if err != nil {
		writeError(w, "mount", err)
		return
	}
	writeJSON(w, "mount", http.StatusCreated, MountResponse{
		ID:       info.ID,
		Root:     info.Root,
		Version:  info.Version,
		Warnings: warnings,
	})
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var ref TargetRef
	if !decodeBody(w, r, "attach", &ref) {
		return
	}
	info, err := s.mgr.Attach(ref.Root)
	if err != nil {
		writeError(w, "attach", err)
		return
	}
	writeJSON(w, "attach", http.StatusOK, MountResponse{ID: info.ID, Root: info.Root, Version: info.Version})
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	var req UnmountRequest
	if !decodeBody(w, r, "unmount", &req) {
		return
	}
	if err := s.mgr.Close(mount.Ref{ID: req.ID, Root: req.Root}); err != nil {
		writeError(w, "unmount", err)
		return
	}
	writeJSON(w, "unmount", http.StatusOK, struct{}{})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !decodeBody(w, r, "update", &req) {
		return
	}
	version, warnings, err := s.mgr.Update(mount.Ref{ID: req.ID, Root: req.Root}, ToMappings(req.Mappings))
	if err != nil {
		writeError(w, "update", err)
		return
	}
	writeJSON(w, "update", http.StatusOK, UpdateResponse{Version: version, Warnings: warnings})
}

func (s *Server) handleWhich(w http.ResponseWriter, r *http.Request) {
	var req WhichRequest
	if !decodeBody(w, r, "which", &req) {
		return
	}
	owner, err := s.mgr.Which(mount.Ref{ID: req.ID, Root: req.Root}, req.Path)
	if err != nil {
		writeError(w, "which", err)
		return
	}
	resp := WhichResponse{}
	if owner != nil {
		resp.Exists = true
		resp.Owner = owner.Owner.String()
		resp.BackendPath = owner.BackendPath
	}
	writeJSON(w, "which", http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	infos := s.mgr.Status()
	resp := StatusResponse{Mounts: make([]MountStatus, 0, len(infos))}
	for _, info := range infos {
		resp.Mounts = append(resp.Mounts, MountStatus{
			ID:      info.ID,
			Root:    info.Root,
			Version: info.Version,
			State:   info.State.String(),
		})
	}
	writeJSON(w, "status", http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, "info", http.StatusOK, InfoResponse{Version: s.version, PID: os.Getpid()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, op string, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, op, fmt.Errorf("invalid request body: %w", errdefs.ErrInvalidArgument))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, op string, status int, v any) {
	metrics.ControlRequests.WithLabelValues(op, "ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srvLog.WithError(err).Warn("encode response")
	}
}

func writeError(w http.ResponseWriter, op string, err error) {
	metrics.ControlRequests.WithLabelValues(op, "error").Inc()
	status := errhttp.ToHTTP(err)
	if errdefs.IsAlreadyExists(err) {
		status = http.StatusConflict
	}
	srvLog.WithField("op", op).WithField("status", status).WithError(err).Debug("control request failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Kind: kindName(err)})
}
