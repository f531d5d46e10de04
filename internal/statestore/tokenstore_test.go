package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	entry := Entry{ServerKey: "fs", ToolName: "write_file", CreatedAt: time.Now()}
	require.NoError(t, s.Put(ctx, "tok1", entry, time.Minute))

	got, ok, err := s.Get(ctx, "tok1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fs", got.ServerKey)
	assert.Equal(t, "write_file", got.ToolName)

	require.NoError(t, s.Delete(ctx, "tok1"))
	_, ok, err = s.Get(ctx, "tok1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetMissing(t *testing.T) {
	s := New()
	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteMissingIsNoOp(t *testing.T) {
	s := New()
	require.NoError(t, s.Delete(context.Background(), "nope"))
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := Entry{ServerKey: "fs", ToolName: "a", CreatedAt: time.Now().Add(-10 * time.Minute)}
	fresh := Entry{ServerKey: "fs", ToolName: "b", CreatedAt: time.Now()}
	require.NoError(t, s.Put(ctx, "old", old, time.Minute))
	require.NoError(t, s.Put(ctx, "fresh", fresh, time.Minute))

	s.Sweep(5 * time.Minute)

	_, ok, err := s.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClose_InMemoryIsNoOp(t *testing.T) {
	require.NoError(t, New().Close())
}
