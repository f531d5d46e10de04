// Package bridge implements the proxy bridge: a per-client-process relay
// between a parent stdio transport and the shared daemon over a loopback
// connection, speaking the newline-delimited control/MCP protocol in
// package wire.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolmesh/metamcp/internal/daemon"
	"github.com/toolmesh/metamcp/internal/registry"
	"github.com/toolmesh/metamcp/internal/wire"
)

// DefaultHeartbeatInterval is one-third of the daemon's default heartbeat
// timeout (15s), so two consecutive lost heartbeats never trip the sweep on
// normal jitter.
const DefaultHeartbeatInterval = 5 * time.Second

// ErrNoDaemon is returned by Connect when no registry entry exists and the
// caller disabled spawning.
var ErrNoDaemon = errors.New("no daemon registry entry found")

// SpawnFunc is a host-provided hook that launches the daemon process (or
// schedules it some other way) so the bridge can retry locating its
// registry entry. It is never required: Options.NoSpawn governs whether it
// is consulted at all.
type SpawnFunc func(ctx context.Context) error

// Options configures a Bridge.
type Options struct {
	// Endpoint, when set, is used directly instead of consulting the
	// registry.
	Endpoint     string
	SharedSecret string

	DaemonDir         string
	ConfigHash        string
	ClientID          string
	NoSpawn           bool
	Spawn             SpawnFunc
	HeartbeatInterval time.Duration
}

// Bridge relays MCP JSON-RPC frames between a parent stdio pair and the
// daemon's loopback endpoint.
type Bridge struct {
	opts   Options
	logger *slog.Logger

	conn      net.Conn
	framer    *wire.Framer
	sessionID string
	isOwner   bool

	stopHeartbeat chan struct{}
	wg            sync.WaitGroup
}

// New constructs an unconnected Bridge.
func New(opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	return &Bridge{opts: opts, logger: logger.With("sub-component", "proxy bridge")}
}

// resolveEndpoint implements the endpoint-selection rule: an explicit
// endpoint wins; otherwise the registry is consulted, optionally spawning
// the daemon and re-reading it once.
func (b *Bridge) resolveEndpoint(ctx context.Context) (endpoint, sharedSecret string, err error) {
	if b.opts.Endpoint != "" {
		return b.opts.Endpoint, b.opts.SharedSecret, nil
	}

	entry, ok, err := registry.Read(b.opts.DaemonDir, b.opts.ConfigHash)
	if err != nil {
		return "", "", fmt.Errorf("read daemon registry: %w", err)
	}
	if ok {
		return entry.Endpoint, entry.SharedSecret, nil
	}

	if b.opts.NoSpawn || b.opts.Spawn == nil {
		return "", "", ErrNoDaemon
	}
	if err := b.opts.Spawn(ctx); err != nil {
		return "", "", fmt.Errorf("spawn daemon: %w", err)
	}

	entry, ok, err = registry.Read(b.opts.DaemonDir, b.opts.ConfigHash)
	if err != nil {
		return "", "", fmt.Errorf("read daemon registry after spawn: %w", err)
	}
	if !ok {
		return "", "", ErrNoDaemon
	}
	return entry.Endpoint, entry.SharedSecret, nil
}

// Connect dials the daemon, performs the hello handshake, and starts the
// heartbeat timer. It must be followed by Run to begin forwarding.
func (b *Bridge) Connect(ctx context.Context) error {
	endpointStr, secret, err := b.resolveEndpoint(ctx)
	if err != nil {
		return err
	}

	ep, err := daemon.ParseEndpoint(endpointStr)
	if err != nil {
		return fmt.Errorf("parse daemon endpoint %q: %w", endpointStr, err)
	}

	conn, err := net.Dial(ep.Network, ep.Address)
	if err != nil {
		return fmt.Errorf("dial daemon at %s: %w", ep, err)
	}
	b.conn = conn
	b.framer = wire.NewFramer(conn, conn)

	if err := b.framer.WriteControl(wire.Control{
		Type:         wire.Hello,
		ClientID:     b.opts.ClientID,
		SharedSecret: secret,
	}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

handshake:
	for {
		line, err := b.framer.ReadLine()
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("await helloAck: %w", err)
		}
		ctl, isControl := wire.Classify(line)
		if !isControl {
			_ = conn.Close()
			return fmt.Errorf("expected control frame, got MCP frame during handshake")
		}
		switch ctl.Type {
		case wire.HelloAck:
			b.sessionID = ctl.SessionID
			b.isOwner = ctl.IsOwner
			break handshake
		case wire.ErrorFrame:
			_ = conn.Close()
			return fmt.Errorf("daemon rejected hello: %s", ctl.Message)
		default:
			// An ownerChanged or heartbeat can race ahead of the ack on a
			// busy daemon; skip it rather than failing the handshake.
		}
	}

	b.stopHeartbeat = make(chan struct{})
	b.wg.Add(1)
	go b.heartbeatLoop()

	return nil
}

func (b *Bridge) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopHeartbeat:
			return
		case <-ticker.C:
			if err := b.framer.WriteControl(wire.Control{Type: wire.Heartbeat}); err != nil {
				b.logger.Debug("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

// Run forwards frames bidirectionally between in/out (the parent process's
// stdio pair) and the daemon connection until either side closes or ctx is
// canceled. Control frames arriving from the daemon (ownerChanged) are
// tracked but not forwarded to the parent, which only ever speaks MCP.
func (b *Bridge) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	parent := wire.NewFramer(in, out)

	errCh := make(chan error, 2)

	go func() {
		for {
			line, err := parent.ReadLine()
			if err != nil {
				errCh <- err
				return
			}
			if err := b.framer.WriteLine(line); err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		for {
			line, err := b.framer.ReadLine()
			if err != nil {
				errCh <- err
				return
			}
			ctl, isControl := wire.Classify(line)
			if isControl {
				if ctl.Type == wire.OwnerChanged {
					b.isOwner = ctl.OwnerSessionID == b.sessionID
				}
				continue
			}
			if err := parent.WriteLine(line); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

// Close sends a best-effort goodbye, stops the heartbeat timer, and closes
// the daemon connection.
func (b *Bridge) Close() error {
	if b.framer != nil {
		_ = b.framer.WriteControl(wire.Control{Type: wire.Goodbye})
	}
	if b.stopHeartbeat != nil {
		close(b.stopHeartbeat)
	}
	b.wg.Wait()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// SessionID returns the session id assigned by the daemon on successful
// handshake, or "" before Connect succeeds.
func (b *Bridge) SessionID() string { return b.sessionID }

// IsOwner reports this bridge's most recently observed owner status.
func (b *Bridge) IsOwner() bool { return b.isOwner }
