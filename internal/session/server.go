// Package session builds a thin MCP server bound to the shared runtime,
// exposing the five meta-tools and holding no session-specific state beyond
// its handler closures. The selection tracker is the one piece of
// per-session state, threaded through as a constructor argument.
package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/toolmesh/metamcp/internal/metatools"
	"github.com/toolmesh/metamcp/internal/retriever"
	"github.com/toolmesh/metamcp/internal/selection"
)

const (
	serverName    = "metamcp"
	serverVersion = "0.1.0"
)

// New constructs a *server.MCPServer exposing find_tools, describe_tools,
// execute, list_namespaces, and clear_selection_cache over handlers. tracker
// is this session's Selection Tracker (nil when selection caching is
// disabled); it is captured by the execute and clear_selection_cache
// closures, never stored on the server itself.
func New(handlers *metatools.Handlers, tracker *selection.Tracker) *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(true))

	s.AddTool(mcp.NewTool("find_tools",
		mcp.WithDescription("Search the aggregated tool catalog by keyword."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results.")),
		mcp.WithString("mode", mcp.Description("Search mode: fast, semantic, or hybrid.")),
		mcp.WithString("detail_level", mcp.Description("Result detail level: L0, L1, or L2.")),
	), findToolsHandler(handlers))

	s.AddTool(mcp.NewTool("describe_tools",
		mcp.WithDescription("Resolve full schemas for up to 20 qualified or bare tool names."),
		mcp.WithArray("tool_names", mcp.Required(), mcp.Description("Tool names to resolve.")),
	), describeToolsHandler(handlers))

	s.AddTool(mcp.NewTool("execute",
		mcp.WithDescription("Invoke an upstream tool by name."),
		mcp.WithString("tool_name", mcp.Required(), mcp.Description("Qualified or bare tool name.")),
		mcp.WithObject("arguments", mcp.Description("Arguments forwarded to the upstream tool.")),
		mcp.WithString("confirmation_token", mcp.Description("Token from a prior requires_confirmation response.")),
	), executeHandler(handlers, tracker))

	s.AddTool(mcp.NewTool("list_namespaces",
		mcp.WithDescription("List connected upstream servers and their tool counts."),
		mcp.WithBoolean("include_tools", mcp.Description("Include each server's tool names.")),
	), listNamespacesHandler(handlers))

	s.AddTool(mcp.NewTool("clear_selection_cache",
		mcp.WithDescription("Clear recorded tool co-occurrences and this session's selection tracker."),
	), clearSelectionCacheHandler(handlers, tracker))

	return s
}

// arguments returns req's raw argument map, decoding it from whatever shape
// the transport delivered (already map[string]any for in-process stdio/HTTP
// JSON-RPC, but we handle json.RawMessage defensively too).
func arguments(req mcp.CallToolRequest) map[string]any {
	switch v := req.Params.Arguments.(type) {
	case map[string]any:
		return v
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err == nil {
			return m
		}
	case []byte:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err == nil {
			return m
		}
	}
	return nil
}

func argString(args map[string]any, key, def string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func argStringSlice(args map[string]any, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func argObject(args map[string]any, key string) map[string]any {
	v, ok := args[key]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func findToolsHandler(h *metatools.Handlers) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := arguments(req)
		query := argString(args, "query", "")
		limit := argInt(args, "limit", 0)
		mode := retriever.Mode(argString(args, "mode", ""))
		detail := metatools.DetailLevel(argString(args, "detail_level", ""))

		res, err := h.FindTools(ctx, query, limit, mode, detail)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("find_tools failed: %v", err)), nil
		}
		return jsonResult(res)
	}
}

func describeToolsHandler(h *metatools.Handlers) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		names := argStringSlice(arguments(req), "tool_names")
		return jsonResult(h.DescribeTools(names))
	}
}

func executeHandler(h *metatools.Handlers, tracker *selection.Tracker) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := arguments(req)
		toolName := argString(args, "tool_name", "")
		toolArgs := argObject(args, "arguments")
		token := argString(args, "confirmation_token", "")

		res := h.Execute(ctx, tracker, toolName, toolArgs, token)

		if res.Content != nil {
			return &mcp.CallToolResult{Content: res.Content, IsError: res.IsError}, nil
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode execute result: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(data)}},
			IsError: res.IsError,
		}, nil
	}
}

func listNamespacesHandler(h *metatools.Handlers) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		includeTools := argBool(arguments(req), "include_tools", false)
		return jsonResult(h.ListNamespaces(includeTools))
	}
}

func clearSelectionCacheHandler(h *metatools.Handlers, tracker *selection.Tracker) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := h.ClearSelectionCache(tracker)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("clear_selection_cache failed: %v", err)), nil
		}
		return jsonResult(res)
	}
}
