package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolmesh/metamcp/internal/config"
	"github.com/toolmesh/metamcp/internal/sanitize"
	"github.com/toolmesh/metamcp/pkg/credentials"
)

// DefaultConnectTimeout is used when a config.Upstream does not override it.
const DefaultConnectTimeout = 30 * time.Second

// CredentialResolver builds a non-interactive credential provider for an
// upstream's HTTP-stream credential descriptor, or nil when none applies.
type CredentialResolver func(serverKey string, desc *config.Credential) credentials.Provider

// Cataloger owns the set of ServerConnection values: it brings them up and
// down, exposes catalog reads, and routes invocations.
type Cataloger struct {
	mu    sync.RWMutex
	conns map[string]*ServerConnection

	logger         *slog.Logger
	connectTimeout time.Duration
	resolveCred    CredentialResolver
	sanitizeOpts   sanitize.Options
}

// New constructs a Cataloger. resolveCred may be nil, meaning no HTTP-stream
// upstream ever gets a credential attached automatically.
func New(logger *slog.Logger, connectTimeout time.Duration, resolveCred CredentialResolver) *Cataloger {
	if logger == nil {
		logger = slog.Default()
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Cataloger{
		conns:          map[string]*ServerConnection{},
		logger:         logger.With("sub-component", "upstream cataloger"),
		connectTimeout: connectTimeout,
		resolveCred:    resolveCred,
	}
}

// ConnectAll launches connections for every enabled entry in parallel.
// Individual failures never cancel peers:
// they are recorded on the corresponding ServerConnection instead.
func (c *Cataloger) ConnectAll(ctx context.Context, upstreams map[string]config.Upstream) {
	var wg sync.WaitGroup
	for key, cfg := range upstreams {
		if !cfg.Enabled {
			continue
		}
		wg.Add(1)
		go func(key string, cfg config.Upstream) {
			defer wg.Done()
			if err := c.Connect(ctx, key, cfg); err != nil {
				c.logger.Error("connect failed", "server", key, "error", err)
			}
		}(key, cfg)
	}
	wg.Wait()
}

// Connect brings up the connection for key, replacing any prior one.
// Failures are recorded on the ServerConnection (status=error) rather than
// returned, so one bad upstream never aborts its peers in ConnectAll.
func (c *Cataloger) Connect(ctx context.Context, key string, cfg config.Upstream) error {
	if err := c.Disconnect(key); err != nil {
		c.logger.Warn("disconnect before reconnect failed", "server", key, "error", err)
	}

	conn := &ServerConnection{key: key, status: StatusConnecting}
	c.mu.Lock()
	c.conns[key] = conn
	c.mu.Unlock()

	timeout := c.connectTimeout
	if cfg.ConnectTimeoutMs > 0 {
		timeout = time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cred credentials.Provider
	if c.resolveCred != nil && cfg.Transport == config.TransportHTTPStream && cfg.HTTPStream != nil {
		cred = c.resolveCred(key, cfg.HTTPStream.Credential)
	}

	cli, init, err := buildClient(connectCtx, key, cfg, cred)
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			timeoutErr := &ConnectTimeoutError{ServerKey: key}
			conn.mu.Lock()
			conn.status = StatusError
			conn.lastError = timeoutErr.Error()
			conn.mu.Unlock()
			return nil
		}
		if errors.Is(err, credentials.ErrInteractionRequired) {
			// Authorization required with no non-interactive refresh path:
			// record the pending state instead of failing the connect.
			conn.mu.Lock()
			conn.status = StatusError
			conn.authPending = true
			conn.lastError = fmt.Sprintf("authorization required: %v", err)
			conn.mu.Unlock()
			return nil
		}
		// Any other failure. Cleanup is implicit: buildClient already
		// closed any partially-built client on its own error path.
		conn.mu.Lock()
		conn.status = StatusError
		conn.lastError = err.Error()
		conn.mu.Unlock()
		return nil
	}

	tools, err := c.fetchAndSanitizeTools(connectCtx, cli, key)
	if err != nil {
		_ = cli.Close()
		conn.mu.Lock()
		conn.status = StatusError
		conn.lastError = err.Error()
		conn.mu.Unlock()
		return nil
	}

	name, version := "", ""
	if init != nil {
		name, version = init.ServerInfo.Name, init.ServerInfo.Version
	}

	conn.mu.Lock()
	conn.client = cli
	conn.serverName = name
	conn.serverVersion = version
	conn.tools = tools
	conn.status = StatusConnected
	conn.lastError = ""
	conn.authPending = false
	conn.connectedAt = time.Now()
	conn.mu.Unlock()

	c.logger.Info("connected upstream", "server", key, "tools", len(tools))
	return nil
}

func (c *Cataloger) fetchAndSanitizeTools(ctx context.Context, cli interface {
	ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
}, key string) ([]CatalogedTool, error) {
	res, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools for %q: %w", key, err)
	}

	out := make([]CatalogedTool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		desc := sanitize.SanitizeDescription(nonEmptyPtr(t.Description), c.sanitizeOpts)
		out = append(out, CatalogedTool{
			Name:        sanitize.SanitizeToolName(t.Name),
			Description: desc,
			InputSchema: schema,
			ServerKey:   key,
		})
	}
	return out, nil
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Disconnect tears down the client (which owns closing its own transport in
// the right order for stdio subprocesses), marks status disconnected, and
// removes the entry. Idempotent: disconnecting an unknown key is a no-op.
func (c *Cataloger) Disconnect(key string) error {
	c.mu.Lock()
	conn, ok := c.conns[key]
	if ok {
		delete(c.conns, key)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	conn.mu.Lock()
	cli := conn.client
	conn.client = nil
	conn.status = StatusDisconnected
	conn.tools = nil
	conn.mu.Unlock()

	if cli == nil {
		return nil
	}
	// mark3labs/mcp-go's client.Client owns both the wire transport and the
	// RPC layer behind one Close(); it closes the transport (killing a
	// stdio subprocess) before releasing its own state, satisfying the
	// transport-before-client ordering without a second handle to manage.
	// Close is idempotent on the underlying client.
	if err := cli.Close(); err != nil {
		return fmt.Errorf("disconnect %q: %w", key, err)
	}
	return nil
}

// GetAllTools returns every tool across all connected servers.
func (c *Cataloger) GetAllTools() []CatalogedTool {
	c.mu.RLock()
	conns := make([]*ServerConnection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	var out []CatalogedTool
	for _, conn := range conns {
		snap := conn.snapshot()
		if snap.Status != StatusConnected {
			continue
		}
		out = append(out, snap.Tools...)
	}
	return out
}

// GetToolsForServer returns the tools for key if it is connected.
func (c *Cataloger) GetToolsForServer(key string) []CatalogedTool {
	c.mu.RLock()
	conn, ok := c.conns[key]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	snap := conn.snapshot()
	if snap.Status != StatusConnected {
		return nil
	}
	return snap.Tools
}

// GetStatus returns the snapshot for key.
func (c *Cataloger) GetStatus(key string) (Snapshot, bool) {
	c.mu.RLock()
	conn, ok := c.conns[key]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return conn.snapshot(), true
}

// GetAllStatuses returns a snapshot for every known server, sorted by key.
func (c *Cataloger) GetAllStatuses() []Snapshot {
	c.mu.RLock()
	conns := make([]*ServerConnection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	out := make([]Snapshot, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// HasConnections reports whether any upstream is currently connected.
func (c *Cataloger) HasConnections() bool {
	for _, snap := range c.GetAllStatuses() {
		if snap.Status == StatusConnected {
			return true
		}
	}
	return false
}

// FindResult is the outcome of FindTool.
type FindResult struct {
	Tool         CatalogedTool
	ServerKey    string
	Found        bool
	Ambiguous    bool
	Alternatives []string
}

// FindTool resolves a qualified name exactly; a bare name scans all
// connected servers and reports ambiguity when it matches more than one.
func (c *Cataloger) FindTool(name string) FindResult {
	if serverKey, toolName, ok := splitQualified(name); ok {
		tools := c.GetToolsForServer(serverKey)
		for _, t := range tools {
			if t.Name == toolName {
				return FindResult{Tool: t, ServerKey: serverKey, Found: true}
			}
		}
		return FindResult{Found: false}
	}

	var matches []CatalogedTool
	for _, snap := range c.GetAllStatuses() {
		if snap.Status != StatusConnected {
			continue
		}
		for _, t := range snap.Tools {
			if t.Name == name {
				matches = append(matches, t)
			}
		}
	}

	switch len(matches) {
	case 0:
		return FindResult{Found: false}
	case 1:
		return FindResult{Tool: matches[0], ServerKey: matches[0].ServerKey, Found: true}
	default:
		alts := make([]string, 0, len(matches))
		for _, m := range matches {
			alts = append(alts, m.QualifiedName())
		}
		sort.Strings(alts)
		return FindResult{Ambiguous: true, Alternatives: alts}
	}
}

func splitQualified(name string) (serverKey, toolName string, ok bool) {
	idx := strings.Index(name, ":")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// GetConflictingTools returns every bare name that appears under two or
// more connected servers, mapped to its qualified forms.
func (c *Cataloger) GetConflictingTools() map[string][]string {
	byName := map[string][]string{}
	for _, snap := range c.GetAllStatuses() {
		if snap.Status != StatusConnected {
			continue
		}
		for _, t := range snap.Tools {
			byName[t.Name] = append(byName[t.Name], t.QualifiedName())
		}
	}
	out := map[string][]string{}
	for name, quals := range byName {
		if len(quals) >= 2 {
			sort.Strings(quals)
			out[name] = quals
		}
	}
	return out
}

// CallTool resolves name via FindTool and forwards to the owning client
// using the bare upstream tool name.
func (c *Cataloger) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	res := c.FindTool(name)
	if res.Ambiguous {
		return nil, &AmbiguousError{Name: name, Alternatives: res.Alternatives}
	}
	if !res.Found {
		return nil, &NotFoundError{Name: name}
	}

	c.mu.RLock()
	conn, ok := c.conns[res.ServerKey]
	c.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Name: name}
	}

	conn.mu.RLock()
	cli := conn.client
	status := conn.status
	conn.mu.RUnlock()
	if status != StatusConnected || cli == nil {
		return nil, &NotFoundError{Name: name}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = res.Tool.Name
	req.Params.Arguments = args
	return cli.CallTool(ctx, req)
}

// RefreshTools re-fetches and re-sanitizes a single server's tools. On
// failure it marks status=error but leaves the previous tools slice intact
// until the next successful refresh.
func (c *Cataloger) RefreshTools(ctx context.Context, key string) error {
	c.mu.RLock()
	conn, ok := c.conns[key]
	c.mu.RUnlock()
	if !ok {
		return &NotFoundError{Name: key}
	}

	conn.mu.RLock()
	cli := conn.client
	status := conn.status
	conn.mu.RUnlock()
	if status != StatusConnected || cli == nil {
		return nil
	}

	tools, err := c.fetchAndSanitizeTools(ctx, cli, key)
	if err != nil {
		conn.mu.Lock()
		conn.status = StatusError
		conn.lastError = err.Error()
		conn.mu.Unlock()
		return err
	}

	conn.mu.Lock()
	conn.tools = tools
	conn.mu.Unlock()
	return nil
}

// RefreshAllTools runs RefreshTools for every connected server in parallel.
func (c *Cataloger) RefreshAllTools(ctx context.Context) {
	var wg sync.WaitGroup
	for _, snap := range c.GetAllStatuses() {
		if snap.Status != StatusConnected {
			continue
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := c.RefreshTools(ctx, key); err != nil {
				c.logger.Error("refresh failed", "server", key, "error", err)
			}
		}(snap.Key)
	}
	wg.Wait()
}

// DisconnectAll tears down every managed connection, best-effort.
func (c *Cataloger) DisconnectAll() {
	c.mu.RLock()
	keys := make([]string, 0, len(c.conns))
	for k := range c.conns {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	for _, k := range keys {
		if err := c.Disconnect(k); err != nil {
			c.logger.Error("disconnect failed", "server", k, "error", err)
		}
	}
}
