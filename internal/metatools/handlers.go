// Package metatools implements the five meta-tools: find_tools,
// describe_tools, execute, list_namespaces, clear_selection_cache. Each
// composes the retriever, cataloger, policy engine and selection tracker,
// and every handler reports failures in band (content + isError) rather
// than by returning a Go error across the MCP boundary.
package metatools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolmesh/metamcp/internal/broker/upstream"
	"github.com/toolmesh/metamcp/internal/index"
	"github.com/toolmesh/metamcp/internal/policy"
	"github.com/toolmesh/metamcp/internal/retriever"
	"github.com/toolmesh/metamcp/internal/selection"
)

// DetailLevel selects how much of a tool's shape find_tools/describe_tools
// returns.
type DetailLevel string

const (
	DetailL0 DetailLevel = "L0"
	DetailL1 DetailLevel = "L1"
	DetailL2 DetailLevel = "L2"
)

// Limits carries the findTools operation knobs.
type Limits struct {
	DefaultLimit       int
	MaxLimit           int
	DefaultMode        retriever.Mode
	DefaultDetailLevel DetailLevel
}

// BundleLimits carries the suggested-bundle thresholds find_tools uses.
type BundleLimits struct {
	Enabled                  bool
	MinCooccurrenceThreshold int64
	MaxBundleSuggestions     int
}

// Handlers owns no session state: the one session-scoped value, the
// Selection Tracker, is passed in by the caller on each call rather than
// stored here.
type Handlers struct {
	cataloger *upstream.Cataloger
	retriever *retriever.Retriever
	index     *index.Store
	policy    *policy.Engine
	security  policy.Patterns
	limits    Limits
	bundles   BundleLimits
	logger    *slog.Logger

	useMu    sync.Mutex
	useCount map[string]int64
}

// New constructs the Meta-Tool Handlers over the shared runtime components.
func New(cataloger *upstream.Cataloger, retr *retriever.Retriever, idx *index.Store, eng *policy.Engine, security policy.Patterns, limits Limits, bundles BundleLimits, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		cataloger: cataloger,
		retriever: retr,
		index:     idx,
		policy:    eng,
		security:  security,
		limits:    limits,
		bundles:   bundles,
		logger:    logger.With("sub-component", "meta-tool handlers"),
		useCount:  map[string]int64{},
	}
}

// bumpUseCount records one successful invocation of qualifiedName.
func (h *Handlers) bumpUseCount(qualifiedName string) {
	h.useMu.Lock()
	h.useCount[qualifiedName]++
	h.useMu.Unlock()
}

func (h *Handlers) useCountFor(qualifiedName string) int64 {
	h.useMu.Lock()
	defer h.useMu.Unlock()
	return h.useCount[qualifiedName]
}

func (h *Handlers) visible(serverKey, toolName string) policy.Visibility {
	return h.policy.GetToolVisibility(h.security, serverKey, toolName)
}

// ToolSummary is one entry in find_tools' tools[] at any detail level; the
// zero-valued optional fields are omitted from JSON at lower levels.
type ToolSummary struct {
	Name                 string          `json:"name"`
	ServerKey            string          `json:"serverKey"`
	RequiresConfirmation bool            `json:"requiresConfirmation,omitempty"`
	Description          *string         `json:"description,omitempty"`
	InputSchema          json.RawMessage `json:"inputSchema,omitempty"`
}

// SuggestedBundle is one entry in find_tools' suggestedTools[].
type SuggestedBundle struct {
	Tools     []string `json:"tools"`
	Frequency int64    `json:"frequency"`
}

// FindToolsResult is find_tools' output shape.
type FindToolsResult struct {
	Query          string            `json:"query"`
	TotalMatches   int               `json:"totalMatches"`
	DetailLevel    DetailLevel       `json:"detailLevel"`
	Tools          []ToolSummary     `json:"tools"`
	SuggestedTools []SuggestedBundle `json:"suggestedTools,omitempty"`
}

// FindTools implements find_tools.
func (h *Handlers) FindTools(ctx context.Context, query string, limit int, mode retriever.Mode, detail DetailLevel) (FindToolsResult, error) {
	if limit <= 0 {
		limit = h.limits.DefaultLimit
	}
	if h.limits.MaxLimit > 0 && limit > h.limits.MaxLimit {
		limit = h.limits.MaxLimit
	}
	if mode == "" {
		mode = h.limits.DefaultMode
	}
	if detail == "" {
		detail = h.limits.DefaultDetailLevel
	}

	res, err := h.retriever.Search(query, retriever.SearchOptions{Limit: limit, Mode: mode})
	if err != nil {
		return FindToolsResult{}, fmt.Errorf("find_tools search: %w", err)
	}

	var summaries []ToolSummary
	var filteredKeys []string
	totalVisible := 0
	for _, t := range res.Tools {
		vis := h.visible(t.ServerKey, t.Name)
		if !vis.Visible {
			continue
		}
		totalVisible++
		summaries = append(summaries, shapeTool(t, vis, detail, h.cataloger))
		filteredKeys = append(filteredKeys, t.QualifiedName())
	}

	out := FindToolsResult{
		Query:        query,
		TotalMatches: totalVisible,
		DetailLevel:  detail,
		Tools:        summaries,
	}

	if h.bundles.Enabled && h.bundles.MaxBundleSuggestions > 0 && len(filteredKeys) > 0 {
		bundles, err := h.index.GetSuggestedBundles(filteredKeys, h.bundles.MinCooccurrenceThreshold, h.bundles.MaxBundleSuggestions)
		if err != nil {
			return FindToolsResult{}, fmt.Errorf("find_tools suggested bundles: %w", err)
		}
		for _, b := range bundles {
			out.SuggestedTools = append(out.SuggestedTools, SuggestedBundle{Tools: []string{b.Tool}, Frequency: b.Frequency})
		}
	}
	return out, nil
}

func shapeTool(t index.Tool, vis policy.Visibility, detail DetailLevel, cataloger *upstream.Cataloger) ToolSummary {
	s := ToolSummary{Name: t.Name, ServerKey: t.ServerKey}
	if vis.RequiresConfirmation {
		s.RequiresConfirmation = true
	}
	if detail == DetailL0 {
		return s
	}
	s.Description = t.Description
	if detail == DetailL2 {
		if found := cataloger.FindTool(t.QualifiedName()); found.Found {
			s.InputSchema = found.Tool.InputSchema
		} else {
			s.InputSchema = t.InputSchema
		}
	}
	return s
}

// DescribedTool is one entry in describe_tools' schemas[].
type DescribedTool struct {
	Name                 string          `json:"name"`
	QualifiedName        string          `json:"qualifiedName"`
	Description          *string         `json:"description,omitempty"`
	ServerKey            string          `json:"serverKey"`
	InputSchema          json.RawMessage `json:"inputSchema"`
	RequiresConfirmation bool            `json:"requiresConfirmation,omitempty"`
}

// AmbiguousName is one entry in describe_tools'/execute's ambiguous list.
type AmbiguousName struct {
	Name         string   `json:"name"`
	Alternatives []string `json:"alternatives"`
}

// DescribeToolsResult is describe_tools' output shape.
type DescribeToolsResult struct {
	Schemas   []DescribedTool `json:"schemas"`
	Ambiguous []AmbiguousName `json:"ambiguous,omitempty"`
	NotFound  []string        `json:"notFound,omitempty"`
	Blocked   []string        `json:"blocked,omitempty"`
}

// DescribeTools implements describe_tools.
func (h *Handlers) DescribeTools(toolNames []string) DescribeToolsResult {
	var out DescribeToolsResult
	for _, name := range toolNames {
		res := h.cataloger.FindTool(name)
		if res.Ambiguous {
			out.Ambiguous = append(out.Ambiguous, AmbiguousName{Name: name, Alternatives: res.Alternatives})
			continue
		}
		if !res.Found {
			out.NotFound = append(out.NotFound, name)
			continue
		}
		vis := h.visible(res.Tool.ServerKey, res.Tool.Name)
		if !vis.Visible {
			out.Blocked = append(out.Blocked, name)
			continue
		}
		out.Schemas = append(out.Schemas, DescribedTool{
			Name:                 res.Tool.Name,
			QualifiedName:        res.Tool.QualifiedName(),
			Description:          res.Tool.Description,
			ServerKey:            res.Tool.ServerKey,
			InputSchema:          res.Tool.InputSchema,
			RequiresConfirmation: vis.RequiresConfirmation,
		})
	}
	return out
}

// ExecuteResult is execute's output shape; exactly one of the
// three branches is meaningfully populated for any given call.
type ExecuteResult struct {
	Content              []mcp.Content `json:"content,omitempty"`
	IsError              bool          `json:"isError"`
	Error                string        `json:"error,omitempty"`
	Blocked              bool          `json:"blocked,omitempty"`
	Alternatives         []string      `json:"alternatives,omitempty"`
	RequiresConfirmation bool          `json:"requires_confirmation,omitempty"`
	ConfirmationToken    string        `json:"confirmation_token,omitempty"`
	Message              string        `json:"message,omitempty"`
}

// Execute resolves the tool, applies policy, forwards the call upstream,
// and records usage. tracker is the calling session's selection tracker; it
// may be nil when selection caching is disabled.
func (h *Handlers) Execute(ctx context.Context, tracker *selection.Tracker, toolName string, arguments map[string]any, confirmationToken string) ExecuteResult {
	res := h.cataloger.FindTool(toolName)
	if res.Ambiguous {
		return ExecuteResult{
			IsError:      true,
			Error:        fmt.Sprintf("Ambiguous tool name %q. Use a qualified name.", toolName),
			Alternatives: res.Alternatives,
		}
	}
	if !res.Found {
		return ExecuteResult{IsError: true, Error: fmt.Sprintf("Tool %q not found.", toolName)}
	}

	decision, err := h.policy.Evaluate(ctx, h.security, policy.Context{
		ServerKey:         res.Tool.ServerKey,
		ToolName:          res.Tool.Name,
		ConfirmationToken: confirmationToken,
	})
	if err != nil {
		return ExecuteResult{IsError: true, Error: err.Error()}
	}

	switch decision.Decision {
	case policy.Block:
		return ExecuteResult{IsError: true, Blocked: true, Error: decision.Reason}
	case policy.Confirm:
		return ExecuteResult{
			RequiresConfirmation: true,
			ConfirmationToken:    decision.Token,
			Message:              decision.Reason,
		}
	}

	callRes, err := h.cataloger.CallTool(ctx, res.Tool.QualifiedName(), arguments)
	if err != nil {
		return ExecuteResult{IsError: true, Error: err.Error()}
	}

	out := ExecuteResult{Content: callRes.Content, IsError: callRes.IsError}
	if !out.IsError {
		h.bumpUseCount(res.Tool.QualifiedName())
		if tracker != nil {
			tracker.Track(res.Tool.QualifiedName())
			if tracker.SessionToolCount() >= 2 {
				if err := tracker.FlushToStore(h.index); err != nil {
					h.logger.Error("flush selection co-occurrences failed", "error", err)
				}
			}
		}
	}
	return out
}

// NamespaceInfo is one entry in list_namespaces' namespaces[].
type NamespaceInfo struct {
	Name      string           `json:"name"`
	Status    string           `json:"status"`
	ToolCount int              `json:"toolCount"`
	Error     string           `json:"error,omitempty"`
	Tools     []string         `json:"tools,omitempty"`
	ToolUsage map[string]int64 `json:"toolUsage,omitempty"`
}

// ListNamespacesResult is list_namespaces' output shape.
type ListNamespacesResult struct {
	Namespaces       []NamespaceInfo     `json:"namespaces"`
	TotalNamespaces  int                 `json:"totalNamespaces"`
	ConnectedCount   int                 `json:"connectedCount"`
	ConflictingTools map[string][]string `json:"conflictingTools,omitempty"`
	ConflictNote     string              `json:"conflictNote,omitempty"`
}

// ListNamespaces implements list_namespaces.
func (h *Handlers) ListNamespaces(includeTools bool) ListNamespacesResult {
	statuses := h.cataloger.GetAllStatuses()
	out := ListNamespacesResult{TotalNamespaces: len(statuses)}
	for _, snap := range statuses {
		info := NamespaceInfo{
			Name:      snap.Key,
			Status:    string(snap.Status),
			ToolCount: len(snap.Tools),
			Error:     snap.LastError,
		}
		if snap.Status == upstream.StatusConnected {
			out.ConnectedCount++
		}
		if includeTools && len(snap.Tools) > 0 {
			names := make([]string, 0, len(snap.Tools))
			usage := map[string]int64{}
			for _, t := range snap.Tools {
				names = append(names, t.Name)
				if n := h.useCountFor(t.QualifiedName()); n > 0 {
					usage[t.Name] = n
				}
			}
			sort.Strings(names)
			info.Tools = names
			if len(usage) > 0 {
				info.ToolUsage = usage
			}
		}
		out.Namespaces = append(out.Namespaces, info)
	}

	if conflicts := h.cataloger.GetConflictingTools(); len(conflicts) > 0 {
		out.ConflictingTools = conflicts
		out.ConflictNote = "Some tool names are ambiguous across servers; use qualified names (server:tool) to disambiguate."
	}
	return out
}

// ClearSelectionCacheResult is clear_selection_cache's output shape.
type ClearSelectionCacheResult struct {
	Message         string `json:"message"`
	PatternsRemoved int    `json:"patternsRemoved"`
}

// ClearSelectionCache implements clear_selection_cache. tracker may
// be nil when selection caching is disabled.
func (h *Handlers) ClearSelectionCache(tracker *selection.Tracker) (ClearSelectionCacheResult, error) {
	count, err := h.index.ClearCooccurrences()
	if err != nil {
		return ClearSelectionCacheResult{}, fmt.Errorf("clear_selection_cache: %w", err)
	}
	if tracker != nil {
		tracker.Reset()
	}
	return ClearSelectionCacheResult{
		Message:         "Selection cache cleared.",
		PatternsRemoved: count,
	}, nil
}
