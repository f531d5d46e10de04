package upstream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"

	"github.com/toolmesh/metamcp/pkg/credentials"
)

// Status is a ServerConnection's lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// CatalogedTool is an immutable snapshot of an upstream tool.
type CatalogedTool struct {
	Name        string
	Description *string
	InputSchema json.RawMessage
	ServerKey   string
}

// QualifiedName returns "<server-key>:<tool-name>".
func (t CatalogedTool) QualifiedName() string {
	return t.ServerKey + ":" + t.Name
}

// ServerConnection is per-upstream state owned exclusively by the
// Cataloger. Fields are read through the Cataloger's snapshot
// accessors, never mutated directly by callers outside this package.
type ServerConnection struct {
	mu sync.RWMutex

	key    string
	status Status

	lastError     string
	serverName    string
	serverVersion string
	tools         []CatalogedTool
	authPending   bool

	client      client.MCPClient
	credential  credentials.Provider
	connectedAt time.Time
}

// Snapshot is the read-only view of a ServerConnection returned by the
// Cataloger's status accessors.
type Snapshot struct {
	Key           string
	Status        Status
	LastError     string
	ServerName    string
	ServerVersion string
	Tools         []CatalogedTool
	AuthPending   bool
}

func (c *ServerConnection) snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Key:           c.key,
		Status:        c.status,
		LastError:     c.lastError,
		ServerName:    c.serverName,
		ServerVersion: c.serverVersion,
		Tools:         append([]CatalogedTool(nil), c.tools...),
		AuthPending:   c.authPending,
	}
}
