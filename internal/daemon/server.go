// Package daemon implements the loopback-only socket server that hosts one
// shared runtime and many per-connection MCP session servers, performs
// idle/heartbeat lifecycle, and elects a single advisory "owner" session.
// The wire format is the newline-delimited control/MCP protocol from
// package wire.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/toolmesh/metamcp/internal/registry"
	"github.com/toolmesh/metamcp/internal/runtime"
	"github.com/toolmesh/metamcp/internal/session"
	"github.com/toolmesh/metamcp/internal/wire"
)

const probeTimeout = 300 * time.Millisecond

// Options configures the Daemon Server.
type Options struct {
	Endpoint         string
	DaemonDir        string
	Version          string
	ConfigHash       string
	SharedSecret     string
	IdleTimeout      time.Duration
	HeartbeatTimeout time.Duration
	// OnIdleShutdown, when set, is invoked after a graceful idle shutdown
	// completes.
	OnIdleShutdown func()
}

// Server is the Daemon Server.
type Server struct {
	opts     Options
	rt       *runtime.Runtime
	logger   *slog.Logger
	daemonID string

	listener net.Listener
	endpoint Endpoint

	mu        sync.Mutex
	sessions  map[string]*Session
	ownerID   string
	idleTimer *time.Timer
	running   bool

	heartbeatStop chan struct{}
	wg            sync.WaitGroup
}

// New constructs a Server over an already-assembled shared Runtime.
func New(rt *runtime.Runtime, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 15 * time.Second
	}
	return &Server{
		opts:     opts,
		rt:       rt,
		logger:   logger.With("sub-component", "daemon server"),
		daemonID: uuid.NewString(),
		sessions: map[string]*Session{},
	}
}

// Start ensures the daemon directory, refuses to start over a live peer,
// binds the listener, writes the registry entry, and begins accepting
// connections plus the heartbeat sweep.
func (s *Server) Start(ctx context.Context) error {
	if err := registry.EnsureDir(s.opts.DaemonDir); err != nil {
		return fmt.Errorf("ensure daemon dir: %w", err)
	}

	ep, err := ParseEndpoint(s.opts.Endpoint)
	if err != nil {
		return err
	}
	s.endpoint = ep

	if err := s.refuseIfLive(ep); err != nil {
		return err
	}

	lis, err := net.Listen(ep.Network, ep.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", ep, err)
	}
	s.listener = lis

	resolved := ep
	if ep.Network == "tcp" {
		resolved = Endpoint{Network: "tcp", Address: lis.Addr().String()}
	}

	if err := registry.Write(s.opts.DaemonDir, registry.Entry{
		DaemonID:     s.daemonID,
		Endpoint:     resolved.String(),
		PID:          os.Getpid(),
		StartedAt:    time.Now(),
		Version:      s.opts.Version,
		ConfigHash:   s.opts.ConfigHash,
		SharedSecret: s.opts.SharedSecret,
	}); err != nil {
		_ = lis.Close()
		return fmt.Errorf("write registry entry: %w", err)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.heartbeatStop = make(chan struct{})
	s.wg.Add(1)
	go s.heartbeatSweep()

	s.logger.Info("daemon started", "endpoint", resolved.String())
	return nil
}

// refuseIfLive probes a nonzero-port TCP endpoint or an existing filesystem
// socket path; it refuses to start if a peer answers, otherwise unlinks a
// stale filesystem socket.
func (s *Server) refuseIfLive(ep Endpoint) error {
	if ep.Network == "tcp" {
		_, port, _ := net.SplitHostPort(ep.Address)
		if port == "0" || port == "" {
			return nil
		}
		if conn, err := net.DialTimeout("tcp", ep.Address, probeTimeout); err == nil {
			_ = conn.Close()
			return fmt.Errorf("daemon already running at %s", ep)
		}
		return nil
	}

	if _, err := os.Stat(ep.Address); err != nil {
		return nil
	}
	if conn, err := net.DialTimeout("unix", ep.Address, probeTimeout); err == nil {
		_ = conn.Close()
		return fmt.Errorf("daemon already running at %s", ep)
	}
	return os.Remove(ep.Address)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isRunning() {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// handleConn performs the per-connection hello handshake and then, on
// success, wires the session's Session Server to the connection until it
// disconnects.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	framer := wire.NewFramer(conn, conn)

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := framer.ReadLine()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return
	}
	ctl, isControl := wire.Classify(line)
	if !isControl || ctl.Type != wire.Hello {
		_ = framer.WriteControl(wire.Control{Type: wire.ErrorFrame, Message: "expected hello"})
		_ = conn.Close()
		return
	}
	if s.opts.SharedSecret != "" && ctl.SharedSecret != s.opts.SharedSecret {
		_ = framer.WriteControl(wire.Control{Type: wire.ErrorFrame, Message: "invalid shared secret"})
		_ = conn.Close()
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	sess := &Session{
		ID:            uuid.NewString(),
		ClientID:      ctl.ClientID,
		Authenticated: true,
		ConnectedAt:   now,
		LastSeen:      now,
		conn:          conn,
		framer:        framer,
		cancel:        cancel,
	}
	tracker := s.rt.NewTracker()
	sess.tracker = tracker
	sess.mcpServer = session.New(s.rt.Handlers, tracker)

	s.registerSession(sess)
	defer s.unregisterSession(sess.ID)

	isOwner := s.isOwner(sess.ID)
	if err := framer.WriteControl(wire.Control{Type: wire.HelloAck, SessionID: sess.ID, IsOwner: isOwner}); err != nil {
		cancel()
		_ = conn.Close()
		return
	}

	pr, pw := io.Pipe()
	go demux(framer, pw, func() {
		s.touch(sess.ID)
	}, func() {
		cancel()
	})

	stdio := mcpserver.NewStdioServer(sess.mcpServer)
	if err := stdio.Listen(sessCtx, pr, lineWriter{framer}); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		s.logger.Debug("session ended", "session", sess.ID, "error", err)
	}
	cancel()
	_ = conn.Close()
}

// registerSession adds sess to the registry and elects it owner when the
// owner slot is empty (it is then the only authenticated session, so no
// broadcast is needed — the new session learns its status from helloAck,
// which must be the first frame it receives).
func (s *Server) registerSession(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.ownerID == "" {
		s.ownerID = sess.ID
	}
	s.mu.Unlock()
}

func (s *Server) unregisterSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	authenticated := s.countAuthenticatedLocked()
	s.mu.Unlock()

	s.recomputeOwner()

	if authenticated == 0 {
		s.startIdleTimer()
	}
}

func (s *Server) countAuthenticatedLocked() int {
	n := 0
	for _, sess := range s.sessions {
		if sess.Authenticated {
			n++
		}
	}
	return n
}

func (s *Server) startIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.opts.IdleTimeout, func() {
		s.mu.Lock()
		stillIdle := s.countAuthenticatedLocked() == 0 && s.running
		s.mu.Unlock()
		if !stillIdle {
			return
		}
		s.logger.Info("idle timeout reached, shutting down")
		_ = s.Stop(context.Background())
		if s.opts.OnIdleShutdown != nil {
			s.opts.OnIdleShutdown()
		}
	})
}

// recomputeOwner re-elects whenever the owner slot is empty and at least
// one authenticated session exists: the smallest ConnectedAt wins, ties
// broken by session id. A change is broadcast via ownerChanged to every
// authenticated session.
func (s *Server) recomputeOwner() {
	s.mu.Lock()
	candidates := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Authenticated {
			candidates = append(candidates, sess)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ConnectedAt.Equal(candidates[j].ConnectedAt) {
			return candidates[i].ConnectedAt.Before(candidates[j].ConnectedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	var newOwner string
	if len(candidates) > 0 {
		newOwner = candidates[0].ID
	}
	changed := newOwner != s.ownerID
	s.ownerID = newOwner
	broadcast := append([]*Session(nil), candidates...)
	s.mu.Unlock()

	if !changed || newOwner == "" {
		return
	}
	for _, sess := range broadcast {
		_ = sess.framer.WriteControl(wire.Control{Type: wire.OwnerChanged, OwnerSessionID: newOwner})
	}
}

func (s *Server) isOwner(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID == id
}

func (s *Server) touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastSeen = time.Now()
	}
}

// heartbeatSweep disconnects any session whose LastSeen exceeds
// HeartbeatTimeout, once per HeartbeatTimeout tick.
func (s *Server) heartbeatSweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HeartbeatTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-s.heartbeatStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.opts.HeartbeatTimeout)
			s.mu.Lock()
			var stale []*Session
			for _, sess := range s.sessions {
				if sess.LastSeen.Before(cutoff) {
					stale = append(stale, sess)
				}
			}
			s.mu.Unlock()
			for _, sess := range stale {
				s.logger.Info("disconnecting stale session", "session", sess.ID)
				sess.cancel()
				_ = sess.conn.Close()
			}
		}
	}
}

// Snapshot returns the current authenticated session list for external
// monitors wired through the client-info-provider hook.
func (s *Server) Snapshot() []ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, ClientInfo{
			SessionID:   sess.ID,
			ClientID:    sess.ClientID,
			ConnectedAt: sess.ConnectedAt,
			LastSeen:    sess.LastSeen,
			IsOwner:     sess.ID == s.ownerID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Stop stops the timers, closes every session (cancelling its MCP server
// before its transport), closes the listener, unlinks a filesystem socket,
// clears the registry, and stops the shared runtime. Stop is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
	}

	for _, sess := range sessions {
		sess.cancel()
		_ = sess.conn.Close()
	}

	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()

	if s.endpoint.Network == "unix" {
		_ = os.Remove(s.endpoint.Address)
	}
	_ = registry.Delete(s.opts.DaemonDir, s.opts.ConfigHash)

	return s.rt.Close()
}
