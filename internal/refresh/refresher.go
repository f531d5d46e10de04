// Package refresh implements the background refresher: a periodic timer
// that diffs the cataloger's live catalog against the index store and
// applies the delta, with singleton-in-flight coalescing so concurrent
// ForceRefresh calls never pile up duplicate work.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolmesh/metamcp/internal/broker/upstream"
	"github.com/toolmesh/metamcp/internal/index"
)

// DefaultInterval matches config.DefaultRefreshIntervalMs.
const DefaultInterval = 30 * time.Second

// Diff is the result of comparing two catalog snapshots by qualified name
// and schema hash.
type Diff struct {
	Added    []string
	Removed  []string
	Modified []string
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Events receives the three lifecycle notifications a refresh cycle emits.
// Any callback left nil is simply not invoked.
type Events struct {
	OnStart    func()
	OnComplete func(Diff)
	OnError    func(error)
}

// Refresher owns the periodic timer and the singleton-in-flight invariant.
type Refresher struct {
	cataloger *upstream.Cataloger
	store     *index.Store
	interval  time.Duration
	events    Events
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight chan struct{} // non-nil while a refresh is running; closed on completion
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a Refresher. An interval <= 0 uses DefaultInterval.
func New(cataloger *upstream.Cataloger, store *index.Store, interval time.Duration, events Events, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		cataloger: cataloger,
		store:     store,
		interval:  interval,
		events:    events,
		logger:    logger.With("sub-component", "background refresher"),
	}
}

// Start launches the periodic ticker. Stop (or cancelling ctx) halts future
// ticks but lets an in-progress refresh finish.
func (r *Refresher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.ForceRefresh(runCtx)
			}
		}
	}()
}

// Stop cancels the timer. It does not wait for an in-progress refresh; call
// Wait for that.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the ticker goroutine and any in-flight refresh return.
func (r *Refresher) Wait() {
	r.wg.Wait()
}

// ForceRefresh runs one refresh cycle, or coalesces onto an already-running
// one and returns once it completes.
func (r *Refresher) ForceRefresh(ctx context.Context) {
	r.mu.Lock()
	if r.inFlight != nil {
		done := r.inFlight
		r.mu.Unlock()
		<-done
		return
	}
	done := make(chan struct{})
	r.inFlight = done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight = nil
		r.mu.Unlock()
		close(done)
	}()

	r.runOnce(ctx)
}

func (r *Refresher) runOnce(ctx context.Context) {
	if r.events.OnStart != nil {
		r.events.OnStart()
	}

	before, err := r.snapshot()
	if err != nil {
		r.fail(fmt.Errorf("snapshot before refresh: %w", err))
		return
	}

	r.cataloger.RefreshAllTools(ctx)

	if err := r.resyncIndex(); err != nil {
		r.fail(fmt.Errorf("resync index: %w", err))
		return
	}

	after := r.snapshotFromCataloger()
	diff := diffSnapshots(before, after)

	if err := r.applyDiff(diff); err != nil {
		r.fail(fmt.Errorf("apply diff: %w", err))
		return
	}

	r.logger.Info("refresh complete", "added", len(diff.Added), "removed", len(diff.Removed), "modified", len(diff.Modified))
	if r.events.OnComplete != nil {
		r.events.OnComplete(diff)
	}
}

func (r *Refresher) fail(err error) {
	r.logger.Error("refresh failed", "error", err)
	if r.events.OnError != nil {
		r.events.OnError(err)
	}
}

// snapshot captures the index store's current view as qualifiedName ->
// schema hash, the "before" picture for the diff.
func (r *Refresher) snapshot() (map[string]string, error) {
	tools, err := r.store.GetAllTools()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(tools))
	for _, t := range tools {
		out[t.QualifiedName()] = t.SchemaHash
	}
	return out, nil
}

// snapshotFromCataloger captures the live catalog after RefreshAllTools,
// hashing each tool's schema the same way the index store does so the
// comparison in diffSnapshots is meaningful.
func (r *Refresher) snapshotFromCataloger() map[string]string {
	out := map[string]string{}
	for _, t := range r.cataloger.GetAllTools() {
		out[t.QualifiedName()] = index.HashSchema(t.InputSchema)
	}
	return out
}

func diffSnapshots(before, after map[string]string) Diff {
	var d Diff
	for name := range after {
		if _, ok := before[name]; !ok {
			d.Added = append(d.Added, name)
		} else if before[name] != after[name] {
			d.Modified = append(d.Modified, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	return d
}

// resyncIndex re-pushes every connected server's current tools into the
// index store; this is the upsert half of the cycle, removals are handled
// by applyDiff.
func (r *Refresher) resyncIndex() error {
	for _, snap := range r.cataloger.GetAllStatuses() {
		if snap.Status != upstream.StatusConnected {
			continue
		}
		batch := make([]index.Tool, 0, len(snap.Tools))
		for _, t := range snap.Tools {
			batch = append(batch, index.Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
				ServerKey:   snap.Key,
			})
		}
		if len(batch) == 0 {
			continue
		}
		if _, err := r.store.IndexTools(batch); err != nil {
			return fmt.Errorf("index server %q: %w", snap.Key, err)
		}
	}
	return nil
}

func (r *Refresher) applyDiff(diff Diff) error {
	for _, qn := range diff.Removed {
		serverKey, name, ok := splitQualified(qn)
		if !ok {
			continue
		}
		if _, err := r.store.RemoveTool(name, serverKey); err != nil {
			return err
		}
	}
	return nil
}

func splitQualified(name string) (serverKey, toolName string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}
