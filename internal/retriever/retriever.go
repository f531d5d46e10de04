// Package retriever is a thin search orchestrator that keeps the index
// store's catalog in lockstep with the upstream cataloger and serves
// find_tools searches over it, plus batch name lookups (GetTools) through
// the cataloger.
package retriever

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/toolmesh/metamcp/internal/broker/upstream"
	"github.com/toolmesh/metamcp/internal/index"
)

// Mode selects which ranking strategy Search uses.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// SearchOptions configures one Search call.
type SearchOptions struct {
	Limit int
	Mode  Mode
}

// SearchResult is Search's return value.
type SearchResult struct {
	Query         string
	EffectiveMode Mode
	TotalMatches  int
	Tools         []index.Tool
}

// GetToolsResult is getTools's return value.
type GetToolsResult struct {
	Tools     []index.Tool
	Ambiguous []AmbiguousLookup
}

// AmbiguousLookup names one ambiguous input to getTools and its alternatives.
type AmbiguousLookup struct {
	Name         string
	Alternatives []string
}

// EmbeddingFunc computes a query embedding for semantic/hybrid search. A nil
// EmbeddingFunc is equivalent to "no embeddings available."
type EmbeddingFunc func(query string) ([]float32, bool)

// Retriever owns one Index Store and references a Cataloger to keep it fed.
type Retriever struct {
	store     *index.Store
	cataloger *upstream.Cataloger
	embed     EmbeddingFunc
	logger    *slog.Logger
}

// New constructs a Retriever. embed may be nil when embeddings.enabled=false.
func New(store *index.Store, cataloger *upstream.Cataloger, embed EmbeddingFunc, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:     store,
		cataloger: cataloger,
		embed:     embed,
		logger:    logger.With("sub-component", "retriever"),
	}
}

// SyncFromCataloger pushes the full current catalog into the index store as
// idempotent upserts, then removes index rows for servers no longer present.
func (r *Retriever) SyncFromCataloger() error {
	statuses := r.cataloger.GetAllStatuses()
	present := make(map[string]bool, len(statuses))
	for _, snap := range statuses {
		present[snap.Key] = true
		if err := r.syncServerLocked(snap.Key, snap.Tools); err != nil {
			return err
		}
	}
	return r.pruneServersNotIn(present)
}

// SyncServerFromCataloger pushes one server's current tool list into the
// index store.
func (r *Retriever) SyncServerFromCataloger(key string) error {
	tools := r.cataloger.GetToolsForServer(key)
	return r.syncServerLocked(key, tools)
}

func (r *Retriever) syncServerLocked(key string, tools []upstream.CatalogedTool) error {
	if len(tools) == 0 {
		return nil
	}
	batch := make([]index.Tool, len(tools))
	for i, t := range tools {
		batch[i] = index.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			ServerKey:   key,
		}
	}
	if _, err := r.store.IndexTools(batch); err != nil {
		return fmt.Errorf("sync server %q into index: %w", key, err)
	}
	return nil
}

func (r *Retriever) pruneServersNotIn(present map[string]bool) error {
	all, err := r.store.GetAllTools()
	if err != nil {
		return fmt.Errorf("list indexed tools: %w", err)
	}
	stale := map[string]bool{}
	for _, t := range all {
		if !present[t.ServerKey] {
			stale[t.ServerKey] = true
		}
	}
	for key := range stale {
		if _, err := r.store.RemoveToolsForServer(key); err != nil {
			return fmt.Errorf("prune stale server %q from index: %w", key, err)
		}
	}
	return nil
}

// Search runs the requested mode, falling back from semantic/hybrid to
// fast when no embeddings are available.
func (r *Retriever) Search(query string, opts SearchOptions) (SearchResult, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeFast
	}

	if query == "" {
		return SearchResult{Query: query, EffectiveMode: mode, TotalMatches: 0, Tools: nil}, nil
	}

	effective := mode
	if (mode == ModeSemantic || mode == ModeHybrid) && r.embed == nil {
		r.logger.Warn("embeddings unavailable, falling back to fast search", "requestedMode", mode)
		effective = ModeFast
	}

	switch effective {
	case ModeSemantic:
		return r.searchSemantic(query, opts.Limit)
	case ModeHybrid:
		return r.searchHybrid(query, opts.Limit)
	default:
		return r.searchFast(query, opts.Limit)
	}
}

func (r *Retriever) searchFast(query string, limit int) (SearchResult, error) {
	hits, err := r.store.Search(query, limit)
	if err != nil {
		return SearchResult{}, fmt.Errorf("fast search: %w", err)
	}
	total, err := r.store.SearchCount(query)
	if err != nil {
		return SearchResult{}, fmt.Errorf("fast search count: %w", err)
	}
	return SearchResult{Query: query, EffectiveMode: ModeFast, TotalMatches: total, Tools: toolsOf(hits)}, nil
}

func (r *Retriever) searchSemantic(query string, limit int) (SearchResult, error) {
	qv, ok := r.embed(query)
	if !ok {
		r.logger.Warn("embedding function declined query, falling back to fast search")
		return r.searchFast(query, limit)
	}
	hits, err := r.store.SearchSemantic(qv, limit)
	if err != nil {
		return SearchResult{}, fmt.Errorf("semantic search: %w", err)
	}
	return SearchResult{Query: query, EffectiveMode: ModeSemantic, TotalMatches: len(hits), Tools: toolsOf(hits)}, nil
}

// searchHybrid takes up to five times limit FTS candidates (100 when limit
// is unset) and re-ranks them by vector similarity to the query, then
// applies the limit. Candidates without an embedding keep their FTS score.
func (r *Retriever) searchHybrid(query string, limit int) (SearchResult, error) {
	qv, ok := r.embed(query)
	if !ok {
		r.logger.Warn("embedding function declined query, falling back to fast search")
		return r.searchFast(query, limit)
	}

	candidateLimit := limit * 5
	if candidateLimit <= 0 {
		candidateLimit = 100
	}
	candidates, err := r.store.Search(query, candidateLimit)
	if err != nil {
		return SearchResult{}, fmt.Errorf("hybrid search candidates: %w", err)
	}
	total, err := r.store.SearchCount(query)
	if err != nil {
		return SearchResult{}, fmt.Errorf("hybrid search count: %w", err)
	}

	reranked := make([]index.SearchHit, 0, len(candidates))
	for _, c := range candidates {
		if c.Tool.Embedding == nil {
			reranked = append(reranked, c)
			continue
		}
		reranked = append(reranked, index.SearchHit{Tool: c.Tool, Score: cosine(qv, c.Tool.Embedding)})
	}
	sortHitsDesc(reranked)
	if limit > 0 && len(reranked) > limit {
		reranked = reranked[:limit]
	}
	return SearchResult{Query: query, EffectiveMode: ModeHybrid, TotalMatches: total, Tools: toolsOf(reranked)}, nil
}

func toolsOf(hits []index.SearchHit) []index.Tool {
	out := make([]index.Tool, len(hits))
	for i, h := range hits {
		out[i] = h.Tool
	}
	return out
}

func sortHitsDesc(hits []index.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// GetTools resolves a batch of names via the Cataloger's FindTool
// semantics, deduplicating resolved tools.
func (r *Retriever) GetTools(names []string) GetToolsResult {
	seen := map[string]bool{}
	var tools []index.Tool
	var ambiguous []AmbiguousLookup

	for _, name := range names {
		res := r.cataloger.FindTool(name)
		if res.Ambiguous {
			ambiguous = append(ambiguous, AmbiguousLookup{Name: name, Alternatives: res.Alternatives})
			continue
		}
		if !res.Found {
			continue
		}
		qn := res.Tool.QualifiedName()
		if seen[qn] {
			continue
		}
		seen[qn] = true
		tools = append(tools, index.Tool{
			Name:        res.Tool.Name,
			Description: res.Tool.Description,
			InputSchema: res.Tool.InputSchema,
			ServerKey:   res.Tool.ServerKey,
		})
	}
	return GetToolsResult{Tools: tools, Ambiguous: ambiguous}
}
