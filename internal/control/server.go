// Package control provides a Unix socket HTTP server for querying and
// steering the running tunnel. The daemon started by "relaygate up" serves
// it, and the status, reconnect and down commands connect to it.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kuuji/relaygate/internal/actor"
	"github.com/kuuji/relaygate/internal/relay"
)

// ResolveSocketPath returns the best socket path for the current environment.
//
// On Linux, it checks in order:
//  1. /run/relaygate/ if it exists (systemd RuntimeDirectory= or root)
//  2. $XDG_RUNTIME_DIR/relaygate/ for a user-writable runtime directory
//  3. /tmp/relaygate/ as the fallback
//
// On macOS, it checks in order:
//  1. /var/run/relaygate/ as the system runtime directory (requires root)
//  2. /tmp/relaygate/ as the fallback
func ResolveSocketPath() string {
	if runtime.GOOS == "darwin" {
		if info, err := os.Stat("/var/run/relaygate"); err == nil && info.IsDir() {
			return "/var/run/relaygate/control.sock"
		}
		return "/tmp/relaygate/control.sock"
	}

	if info, err := os.Stat("/run/relaygate"); err == nil && info.IsDir() {
		return "/run/relaygate/control.sock"
	}

	if xdgDir := os.Getenv("XDG_RUNTIME_DIR"); xdgDir != "" {
		return filepath.Join(xdgDir, "relaygate", "control.sock")
	}

	return "/tmp/relaygate/control.sock"
}

// Status is the response of the /status endpoint.
type Status struct {
	actor.ObservedState
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// KeyRotatedRequest is the optional body of POST /key-rotated. A zero At
// means now.
type KeyRotatedRequest struct {
	At time.Time `json:"at"`
}

// Tunnel is the part of the actor the control server drives.
type Tunnel interface {
	ObservedState() actor.ObservedState
	Submit(cmd actor.Command)
}

// Server is an HTTP server that listens on a Unix domain socket and
// serves the tunnel status as JSON.
type Server struct {
	socketPath string
	tunnel     Tunnel
	started    time.Time
	now        func() time.Time
	log        *slog.Logger
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a new control server.
func NewServer(socketPath string, tunnel Tunnel, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		tunnel:     tunnel,
		now:        time.Now,
		log:        logger.With("component", "control"),
	}
}

// Start begins listening on the Unix socket and serving HTTP requests.
// It returns immediately; the server runs in the background.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", dir, err)
	}

	// Remove stale socket file from a previous run.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.listener = ln

	// Make the socket world-accessible so non-root users can query status.
	if err := os.Chmod(s.socketPath, 0666); err != nil {
		s.log.Warn("setting socket permissions", "error", err)
	}

	s.started = s.now()
	s.httpServer = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control server error", "error", err)
		}
	}()

	s.log.Info("control server started", "socket", s.socketPath)
	return nil
}

// Handler returns the HTTP routes of the control API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /reconnect", s.handleReconnect)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("POST /key-rotated", s.handleKeyRotated)
	return mux
}

// Stop gracefully shuts down the control server and removes the socket file.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("control server shutdown", "error", err)
		}
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("removing socket file", "error", err)
	}

	s.log.Info("control server stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := Status{ObservedState: s.tunnel.ObservedState()}
	if !s.started.IsZero() {
		status.UptimeSeconds = s.now().Sub(s.started).Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error("encoding status response", "error", err)
	}
}

func (s *Server) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	s.submit(w, actor.Reconnect{NextRelay: relay.Random(), Reason: actor.ReasonUserInitiated})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.submit(w, actor.Stop{})
}

func (s *Server) handleKeyRotated(w http.ResponseWriter, r *http.Request) {
	var req KeyRotatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("decoding request: %v", err), http.StatusBadRequest)
		return
	}
	if req.At.IsZero() {
		req.At = s.now()
	}
	s.submit(w, actor.NotifyKeyRotated{At: req.At})
}

func (s *Server) submit(w http.ResponseWriter, cmd actor.Command) {
	s.log.Info("control command", "command", cmd.String())
	s.tunnel.Submit(cmd)
	w.WriteHeader(http.StatusAccepted)
}

func newClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
}

// FetchStatus connects to a running control server and returns the status.
func FetchStatus(socketPath string) (*Status, error) {
	resp, err := newClient(socketPath).Get("http://relaygate/status")
	if err != nil {
		return nil, fmt.Errorf("connecting to control socket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &status, nil
}

// Reconnect asks the running tunnel to reconnect to a new relay.
func Reconnect(socketPath string) error {
	return post(socketPath, "/reconnect", nil)
}

// Disconnect asks the running tunnel to stop.
func Disconnect(socketPath string) error {
	return post(socketPath, "/stop", nil)
}

// NotifyKeyRotated tells the running tunnel the device key was rotated at.
func NotifyKeyRotated(socketPath string, at time.Time) error {
	return post(socketPath, "/key-rotated", KeyRotatedRequest{At: at})
}

func post(socketPath, path string, body any) error {
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	resp, err := newClient(socketPath).Post("http://relaygate"+path, "application/json", r)
	if err != nil {
		return fmt.Errorf("connecting to control socket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, msg)
	}
	return nil
}
