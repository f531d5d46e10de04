// Package upstream implements the upstream cataloger: it owns one
// ServerConnection per configured upstream, brings connections up and down,
// exposes catalog reads, resolves bare and qualified tool names, and routes
// invocations to the owning client.
package upstream

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolmesh/metamcp/internal/config"
	"github.com/toolmesh/metamcp/pkg/credentials"
)

const (
	clientName    = "metamcp"
	clientVersion = "0.1.0"
)

// buildClient constructs and initializes the MCP client for one upstream,
// dispatching on cfg.Transport. It does not sanitize or store the resulting
// tool list — that is the caller's job.
func buildClient(ctx context.Context, key string, cfg config.Upstream, cred credentials.Provider) (client.MCPClient, *mcp.InitializeResult, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		return buildStdioClient(ctx, key, cfg.Stdio)
	case config.TransportHTTPStream:
		return buildHTTPStreamClient(ctx, key, cfg.HTTPStream, cred)
	default:
		return nil, nil, fmt.Errorf("unknown transport %q for server %q", cfg.Transport, key)
	}
}

func buildStdioClient(ctx context.Context, key string, cfg *config.StdioUpstream) (client.MCPClient, *mcp.InitializeResult, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("server %q: stdio transport requires a stdio config", key)
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+config.ResolveEnv(lookupEnvFunc, v))
	}

	var opts []transport.StdioOption
	if cfg.WorkDir != "" {
		workDir := cfg.WorkDir
		opts = append(opts, transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = append(os.Environ(), env...)
			cmd.Dir = workDir
			return cmd, nil
		}))
	}

	cli, err := client.NewStdioMCPClientWithOptions(cfg.Command, env, cfg.Args, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn stdio server %q: %w", key, err)
	}

	init, err := initializeClient(ctx, cli)
	if err != nil {
		_ = cli.Close()
		return nil, nil, err
	}
	return cli, init, nil
}

func buildHTTPStreamClient(ctx context.Context, key string, cfg *config.HTTPStreamUpstream, cred credentials.Provider) (client.MCPClient, *mcp.InitializeResult, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("server %q: http-stream transport requires an httpStream config", key)
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cred != nil {
		var err error
		headers, err = credentials.AttachHeader(ctx, cred, headers)
		if err != nil {
			return nil, nil, err
		}
	}

	cli, err := client.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(headers))
	if err != nil {
		return nil, nil, fmt.Errorf("create http-stream client %q: %w", key, err)
	}
	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("start http-stream client %q: %w", key, err)
	}

	init, err := initializeClient(ctx, cli)
	if err != nil {
		_ = cli.Close()
		return nil, nil, err
	}
	return cli, init, nil
}

func initializeClient(ctx context.Context, cli client.MCPClient) (*mcp.InitializeResult, error) {
	return cli.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	})
}

// lookupEnvFunc is a package-level indirection over os.LookupEnv so tests
// can substitute a fixed environment without mutating the process's.
var lookupEnvFunc = os.LookupEnv
