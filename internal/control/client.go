package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"

	"strata/internal/logging"
)

var cliLog = logging.WithComponent("control.client")

// DaemonBinary is the executable the client spawns when no daemon is
// serving the socket yet.
const DaemonBinary = "stratad"

// Client talks the control protocol over a unix socket.
type Client struct {
	socket string
	http   *http.Client
}

// NewClient builds a client for the given socket path. An empty path
// selects the default rendezvous.
func NewClient(socket string) *Client {
	if socket == "" {
		socket = DefaultSocketPath()
	}
	return &Client{
		socket: socket,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

// Socket returns the rendezvous path the client dials.
func (c *Client) Socket() string { return c.socket }

// Mount asks the daemon to bring up a union view over root.
func (c *Client) Mount(ctx context.Context, root string, mappings []MappingSpec) (*MountResponse, error) {
	var resp MountResponse
	err := c.do(ctx, http.MethodPost, "/v1/mounts", MountRequest{Root: root, Mappings: mappings}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Attach returns the live mount serving root.
func (c *Client) Attach(ctx context.Context, root string) (*MountResponse, error) {
	var resp MountResponse
	if err := c.do(ctx, http.MethodPost, "/v1/attach", TargetRef{Root: root}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unmount tears down the referenced mount. Unmounting a root that is not
// mounted succeeds.
func (c *Client) Unmount(ctx context.Context, ref TargetRef) error {
	return c.do(ctx, http.MethodPost, "/v1/unmount", UnmountRequest{TargetRef: ref}, &struct{}{})
}

// Update swaps the referenced mount's mapping set.
func (c *Client) Update(ctx context.Context, ref TargetRef, mappings []MappingSpec) (*UpdateResponse, error) {
	var resp UpdateResponse
	err := c.do(ctx, http.MethodPost, "/v1/update", UpdateRequest{TargetRef: ref, Mappings: mappings}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Which reports the backend owning a virtual path on the referenced
// mount.
func (c *Client) Which(ctx context.Context, ref TargetRef, path string) (*WhichResponse, error) {
	var resp WhichResponse
	if err := c.do(ctx, http.MethodPost, "/v1/which", WhichRequest{TargetRef: ref, Path: path}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status lists all live mounts.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/mounts", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Info identifies the serving daemon, doubling as the liveness probe.
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	var resp InfoResponse
	if err := c.do(ctx, http.MethodGet, "/v1/info", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Buffer
	if in != nil {
		body = &bytes.Buffer{}
		if err := json.NewEncoder(body).Encode(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	} else {
		body = bytes.NewBuffer(nil)
	}

	// The host is a placeholder; the transport dials the socket.
	req, err := http.NewRequestWithContext(ctx, method, "http://strata"+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.socket, errdefs.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		if derr := json.NewDecoder(resp.Body).Decode(&eb); derr != nil || eb.Error == "" {
			eb.Error = resp.Status
		}
		// The kind in the body is exact; the status code is the fallback
		// for bodies an older daemon wrote without one.
		if native := kindError(eb.Kind); native != nil {
			return fmt.Errorf("%s: %w", eb.Error, native)
		}
		return fmt.Errorf("%s: %w", eb.Error, errhttp.ToNative(resp.StatusCode))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Connect returns a client with a live daemon behind it, spawning one
// when the socket is not being served. The daemon detaches into its own
// session and outlives the CLI process.
func Connect(ctx context.Context, socket string) (*Client, error) {
	c := NewClient(socket)
	if _, err := c.Info(ctx); err == nil {
		return c, nil
	}

	bin, err := daemonPath()
	if err != nil {
		return nil, err
	}
	cliLog.WithField("daemon", bin).WithField("socket", c.socket).Debug("starting daemon")

	// Stdout and stderr of the detached daemon go nowhere, so point its
	// logs at a file.
	cmd := exec.Command(bin, "--socket", c.socket, "--log-file", logging.DefaultLogFile())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	// The daemon holds its own lock and lifecycle; the CLI does not wait
	// on the process, only on the socket.
	go func() { _ = cmd.Wait() }()

	for i := 0; i < 40; i++ {
		if _, err := c.Info(ctx); err == nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("daemon did not come up on %s: %w", c.socket, errdefs.ErrUnavailable)
}

// daemonPath finds the daemon binary next to the current executable
// first, then on PATH.
func daemonPath() (string, error) {
	if self, err := os.Executable(); err == nil {
		cand := filepath.Join(filepath.Dir(self), DaemonBinary)
		if info, err := os.Stat(cand); err == nil && !info.IsDir() {
			return cand, nil
		}
	}
	bin, err := exec.LookPath(DaemonBinary)
	if err != nil {
		return "", fmt.Errorf("%s not found next to CLI or on PATH: %w", DaemonBinary, errdefs.ErrNotFound)
	}
	return bin, nil
}
