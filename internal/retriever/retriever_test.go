package retriever

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/metamcp/internal/broker/upstream"
	"github.com/toolmesh/metamcp/internal/index"
)

func newTestStore(t *testing.T) *index.Store {
	t.Helper()
	store, err := index.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func ptr(s string) *string { return &s }

func TestSearch_EmptyQuery(t *testing.T) {
	store := newTestStore(t)
	r := New(store, upstream.New(nil, 0, nil), nil, nil)

	res, err := r.Search("", SearchOptions{Limit: 10, Mode: ModeSemantic})
	require.NoError(t, err)
	assert.Equal(t, ModeSemantic, res.EffectiveMode)
	assert.Equal(t, 0, res.TotalMatches)
	assert.Empty(t, res.Tools)
}

func TestSearch_FastFindsIndexed(t *testing.T) {
	store := newTestStore(t)
	_, err := store.IndexTool(index.Tool{Name: "read_file", Description: ptr("reads a file from disk"), ServerKey: "fs", InputSchema: []byte(`{"type":"object"}`)})
	require.NoError(t, err)

	r := New(store, upstream.New(nil, 0, nil), nil, nil)
	res, err := r.Search("read", SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, ModeFast, res.EffectiveMode)
	require.Len(t, res.Tools, 1)
	assert.Equal(t, "read_file", res.Tools[0].Name)
}

func TestSearch_SemanticFallsBackWithoutEmbedder(t *testing.T) {
	store := newTestStore(t)
	_, err := store.IndexTool(index.Tool{Name: "read_file", Description: ptr("reads a file"), ServerKey: "fs", InputSchema: []byte(`{}`)})
	require.NoError(t, err)

	r := New(store, upstream.New(nil, 0, nil), nil, nil)
	res, err := r.Search("read", SearchOptions{Limit: 10, Mode: ModeSemantic})
	require.NoError(t, err)
	assert.Equal(t, ModeFast, res.EffectiveMode)
}

func TestSearch_HybridFallsBackWithoutEmbedder(t *testing.T) {
	store := newTestStore(t)
	r := New(store, upstream.New(nil, 0, nil), nil, nil)
	res, err := r.Search("anything", SearchOptions{Limit: 10, Mode: ModeHybrid})
	require.NoError(t, err)
	assert.Equal(t, ModeFast, res.EffectiveMode)
}

func TestSearch_SemanticRanksByEmbedder(t *testing.T) {
	store := newTestStore(t)
	_, err := store.IndexTools([]index.Tool{
		{Name: "a", ServerKey: "s", InputSchema: []byte(`{}`), Embedding: []float32{1, 0}},
		{Name: "b", ServerKey: "s", InputSchema: []byte(`{}`), Embedding: []float32{0, 1}},
	})
	require.NoError(t, err)

	embed := func(string) ([]float32, bool) { return []float32{1, 0}, true }
	r := New(store, upstream.New(nil, 0, nil), embed, nil)
	res, err := r.Search("q", SearchOptions{Limit: 10, Mode: ModeSemantic})
	require.NoError(t, err)
	require.Len(t, res.Tools, 2)
	assert.Equal(t, "a", res.Tools[0].Name)
}

func TestGetTools_EmptyCatalogResolvesNothing(t *testing.T) {
	c := upstream.New(nil, 0, nil)
	r := New(newTestStore(t), c, nil, nil)

	// Exercise getTools purely through FindTool's public contract since
	// Cataloger has no exported way to seed connections outside Connect;
	// an empty catalog resolves nothing and reports nothing ambiguous.
	res := r.GetTools([]string{"missing", "also_missing"})
	assert.Empty(t, res.Tools)
	assert.Empty(t, res.Ambiguous)
}
