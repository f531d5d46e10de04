// Package runtime assembles the shared, process-wide state that the daemon
// hosts once and every session server shares: one upstream cataloger, one
// index store, one retriever, one background refresher, and the policy
// engine. Both cmd/metamcpd and cmd/metamcp's -no-daemon mode build the
// same assembly through it.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/toolmesh/metamcp/internal/broker/upstream"
	"github.com/toolmesh/metamcp/internal/config"
	"github.com/toolmesh/metamcp/internal/index"
	"github.com/toolmesh/metamcp/internal/metatools"
	"github.com/toolmesh/metamcp/internal/policy"
	"github.com/toolmesh/metamcp/internal/refresh"
	"github.com/toolmesh/metamcp/internal/retriever"
	"github.com/toolmesh/metamcp/internal/selection"
	"github.com/toolmesh/metamcp/internal/statestore"
	"github.com/toolmesh/metamcp/pkg/credentials"
)

// Runtime owns the components shared by every session the Daemon Server
// (or a single in-process stdio session) hosts.
type Runtime struct {
	Config    *config.Config
	Cataloger *upstream.Cataloger
	Store     *index.Store
	Retriever *retriever.Retriever
	Policy    *policy.Engine
	Refresher *refresh.Refresher
	Handlers  *metatools.Handlers

	logger *slog.Logger
}

// New builds the shared runtime: opens the index store, constructs the
// Cataloger and Retriever, connects every enabled upstream in parallel,
// performs an initial index sync, and starts the Background Refresher.
// Callers must eventually call Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	return NewWithEmbedder(ctx, cfg, nil, logger)
}

// NewWithEmbedder is New with an embedding function backing semantic and
// hybrid search. The function is only consulted when embeddings are enabled
// in cfg; a nil embed (or a disabled knob) leaves fast search as the only
// effective mode.
func NewWithEmbedder(ctx context.Context, cfg *config.Config, embed retriever.EmbeddingFunc, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Embeddings.Enabled {
		embed = nil
	}

	store, err := index.Open(cfg.Index.Path)
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}

	tokenStore := statestore.New()
	if cfg.SelectionCache.RedisURL != "" {
		rs, err := statestore.NewRedis(ctx, cfg.SelectionCache.RedisURL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect selection-cache redis: %w", err)
		}
		tokenStore = rs
	}
	engine := policy.NewWithStore(tokenStore)

	cataloger := upstream.New(logger, time.Duration(cfg.Daemon.ConnectTimeoutMs)*time.Millisecond, resolveCredential)
	cataloger.ConnectAll(ctx, cfg.Upstreams)

	retr := retriever.New(store, cataloger, embed, logger)
	if err := retr.SyncFromCataloger(); err != nil {
		logger.Error("initial index sync failed", "error", err)
	}

	refresher := refresh.New(cataloger, store, time.Duration(cfg.Index.RefreshIntervalMs)*time.Millisecond, refresh.Events{
		OnStart:    func() { logger.Debug("refresh:start") },
		OnComplete: func(d refresh.Diff) { logger.Info("refresh:complete", "added", len(d.Added), "removed", len(d.Removed), "modified", len(d.Modified)) },
		OnError:    func(err error) { logger.Error("refresh:error", "error", err) },
	}, logger)
	refresher.Start(ctx)

	handlers := metatools.New(cataloger, retr, store, engine, policy.Patterns{
		Block:   cfg.Security.Block,
		Confirm: cfg.Security.Confirm,
		Allow:   cfg.Security.Allow,
	}, metatools.Limits{
		DefaultLimit:       cfg.FindTools.DefaultLimit,
		MaxLimit:           cfg.FindTools.MaxLimit,
		DefaultMode:        retriever.Mode(cfg.FindTools.DefaultMode),
		DefaultDetailLevel: metatools.DetailLevel(cfg.FindTools.DefaultDetailLevel),
	}, metatools.BundleLimits{
		Enabled:                  cfg.SelectionCache.Enabled,
		MinCooccurrenceThreshold: cfg.SelectionCache.MinCooccurrenceThreshold,
		MaxBundleSuggestions:     cfg.SelectionCache.MaxBundleSuggestions,
	}, logger)

	return &Runtime{
		Config:    cfg,
		Cataloger: cataloger,
		Store:     store,
		Retriever: retr,
		Policy:    engine,
		Refresher: refresher,
		Handlers:  handlers,
		logger:    logger.With("sub-component", "runtime"),
	}, nil
}

// NewTracker returns a fresh Selection Tracker for a new session, or nil
// when selection caching is disabled (matching the Handlers' nil-tolerant
// tracker contract).
func (r *Runtime) NewTracker() *selection.Tracker {
	if !r.Config.SelectionCache.Enabled {
		return nil
	}
	return selection.New()
}

// Close stops the refresher, disconnects every upstream, and closes the
// index store, best-effort and in that order.
func (r *Runtime) Close() error {
	r.Refresher.Stop()
	r.Refresher.Wait()
	r.Cataloger.DisconnectAll()
	if err := r.Store.Close(); err != nil {
		return fmt.Errorf("close index store: %w", err)
	}
	return nil
}

// resolveCredential builds a non-interactive credential provider for an
// HTTP-stream upstream's credential descriptor. A nil descriptor means no
// credential is attached.
func resolveCredential(_ string, desc *config.Credential) credentials.Provider {
	if desc == nil {
		return nil
	}
	if desc.EnvVar != "" {
		return credentials.EnvProvider{EnvVar: desc.EnvVar}
	}
	if desc.SecretFile != "" {
		return credentials.FileProvider{SecretFile: desc.SecretFile}
	}
	return nil
}
