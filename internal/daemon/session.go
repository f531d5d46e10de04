package daemon

import (
	"context"
	"net"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/toolmesh/metamcp/internal/selection"
	"github.com/toolmesh/metamcp/internal/wire"
)

// Session is the daemon's per-client state: exactly one per accepted
// connection, wiring the connection's framer to an MCP server instance and
// the session's own selection tracker.
type Session struct {
	ID            string
	ClientID      string
	Authenticated bool
	ConnectedAt   time.Time
	LastSeen      time.Time

	conn      net.Conn
	framer    *wire.Framer
	mcpServer *server.MCPServer
	tracker   *selection.Tracker
	cancel    context.CancelFunc
}

// ClientInfo is the read-only session snapshot exposed to external monitors
// through the daemon's client-info-provider hook.
type ClientInfo struct {
	SessionID   string    `json:"sessionId"`
	ClientID    string    `json:"clientId,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	IsOwner     bool      `json:"isOwner"`
}
