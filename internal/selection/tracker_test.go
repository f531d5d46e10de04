package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	recorded [][]string
	err      error
}

func (f *fakeStore) RecordCooccurrences(keys []string) error {
	f.recorded = append(f.recorded, keys)
	return f.err
}

func TestTracker_TrackAndHas(t *testing.T) {
	tr := New()
	assert.Equal(t, 0, tr.SessionToolCount())
	tr.Track("fs:read_file")
	assert.True(t, tr.Has("fs:read_file"))
	assert.False(t, tr.Has("fs:write_file"))
	assert.Equal(t, 1, tr.SessionToolCount())
}

func TestTracker_TrackIsIdempotent(t *testing.T) {
	tr := New()
	tr.Track("a")
	tr.Track("a")
	assert.Equal(t, 1, tr.SessionToolCount())
}

func TestTracker_SessionToolsSorted(t *testing.T) {
	tr := New()
	tr.Track("b")
	tr.Track("a")
	assert.Equal(t, []string{"a", "b"}, tr.SessionTools())
}

func TestTracker_FlushRequiresTwoTools(t *testing.T) {
	tr := New()
	store := &fakeStore{}
	tr.Track("a")
	require.NoError(t, tr.FlushToStore(store))
	assert.Empty(t, store.recorded)

	tr.Track("b")
	require.NoError(t, tr.FlushToStore(store))
	require.Len(t, store.recorded, 1)
	assert.Equal(t, []string{"a", "b"}, store.recorded[0])
}

func TestTracker_Reset(t *testing.T) {
	tr := New()
	tr.Track("a")
	tr.Reset()
	assert.Equal(t, 0, tr.SessionToolCount())
}
