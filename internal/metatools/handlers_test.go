package metatools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/metamcp/internal/broker/upstream"
	"github.com/toolmesh/metamcp/internal/index"
	"github.com/toolmesh/metamcp/internal/policy"
	"github.com/toolmesh/metamcp/internal/retriever"
	"github.com/toolmesh/metamcp/internal/selection"
)

func ptr(s string) *string { return &s }

func newTestHandlers(t *testing.T, security policy.Patterns) (*Handlers, *index.Store) {
	t.Helper()
	store, err := index.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cataloger := upstream.New(nil, 0, nil)
	retr := retriever.New(store, cataloger, nil, nil)
	eng := policy.New()
	limits := Limits{DefaultLimit: 10, MaxLimit: 50, DefaultMode: retriever.ModeFast, DefaultDetailLevel: DetailL1}
	bundles := BundleLimits{Enabled: true, MinCooccurrenceThreshold: 1, MaxBundleSuggestions: 5}

	return New(cataloger, retr, store, eng, security, limits, bundles, nil), store
}

func TestFindTools_HidesBlockedByPolicy(t *testing.T) {
	h, store := newTestHandlers(t, policy.Patterns{Allow: []string{"fs:*"}})
	_, err := store.IndexTools([]index.Tool{
		{Name: "read_file", ServerKey: "fs", Description: ptr("reads a file"), InputSchema: []byte(`{}`)},
		{Name: "exec", ServerKey: "shell", Description: ptr("runs a shell command against a file"), InputSchema: []byte(`{}`)},
	})
	require.NoError(t, err)

	res, err := h.FindTools(context.Background(), "file", 10, "", "")
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	assert.Equal(t, "read_file", res.Tools[0].Name)
	assert.Equal(t, 1, res.TotalMatches)
}

func TestFindTools_DetailLevels(t *testing.T) {
	h, store := newTestHandlers(t, policy.Patterns{Allow: []string{"fs:*"}})
	_, err := store.IndexTools([]index.Tool{
		{Name: "read_file", ServerKey: "fs", Description: ptr("reads a file"), InputSchema: []byte(`{"type":"object"}`)},
	})
	require.NoError(t, err)

	l0, err := h.FindTools(context.Background(), "read", 10, "", DetailL0)
	require.NoError(t, err)
	require.Len(t, l0.Tools, 1)
	assert.Nil(t, l0.Tools[0].Description)
	assert.Nil(t, l0.Tools[0].InputSchema)

	l1, err := h.FindTools(context.Background(), "read", 10, "", DetailL1)
	require.NoError(t, err)
	require.NotNil(t, l1.Tools[0].Description)
	assert.Nil(t, l1.Tools[0].InputSchema)

	l2, err := h.FindTools(context.Background(), "read", 10, "", DetailL2)
	require.NoError(t, err)
	assert.NotNil(t, l2.Tools[0].InputSchema)
}

func TestFindTools_EmptyQuery(t *testing.T) {
	h, _ := newTestHandlers(t, policy.Patterns{Allow: []string{"*:*"}})
	res, err := h.FindTools(context.Background(), "", 10, "", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalMatches)
	assert.Empty(t, res.Tools)
}

func TestDescribeTools_NotFound(t *testing.T) {
	h, _ := newTestHandlers(t, policy.Patterns{Allow: []string{"*:*"}})
	res := h.DescribeTools([]string{"fs:missing"})
	assert.Equal(t, []string{"fs:missing"}, res.NotFound)
	assert.Empty(t, res.Schemas)
}

func TestExecute_NotFound(t *testing.T) {
	h, _ := newTestHandlers(t, policy.Patterns{Allow: []string{"*:*"}})
	res := h.Execute(context.Background(), nil, "fs:missing", nil, "")
	assert.True(t, res.IsError)
	assert.Contains(t, res.Error, "not found")
}

func TestDescribeTools_UnconnectedCatalogReportsNotFound(t *testing.T) {
	h, _ := newTestHandlers(t, policy.Patterns{})
	// With no upstream connected the cataloger's lookup finds nothing, so the
	// name lands in notFound before any policy visibility check runs.
	res := h.DescribeTools([]string{"fs:read_file"})
	assert.Equal(t, []string{"fs:read_file"}, res.NotFound)
}

func TestListNamespaces_EmptyCatalog(t *testing.T) {
	h, _ := newTestHandlers(t, policy.Patterns{})
	res := h.ListNamespaces(false)
	assert.Equal(t, 0, res.TotalNamespaces)
	assert.Equal(t, 0, res.ConnectedCount)
	assert.Empty(t, res.Namespaces)
}

func TestClearSelectionCache(t *testing.T) {
	h, store := newTestHandlers(t, policy.Patterns{})
	require.NoError(t, store.RecordCooccurrence("fs:a", "fs:b"))

	tracker := selection.New()
	tracker.Track("fs:a")
	tracker.Track("fs:b")

	res, err := h.ClearSelectionCache(tracker)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternsRemoved)
	assert.Equal(t, 0, tracker.SessionToolCount())
}
