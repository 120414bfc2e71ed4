package vectorindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/pkg/types"
)

func TestHNSWIndex_AddAndSearch(t *testing.T) {
	idx := NewHNSWIndex(HNSWConfig{Dimension: 3})
	ctx := context.Background()

	err := idx.Add(ctx, []types.VectorEntry{
		{ID: "a", Vector: []float32{1, 0, 0}},
		{ID: "b", Vector: []float32{0, 1, 0}},
		{ID: "c", Vector: []float32{0.9, 0.1, 0}},
	})
	require.NoError(t, err)

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
}

func TestHNSWIndex_DimensionMismatch(t *testing.T) {
	idx := NewHNSWIndex(HNSWConfig{Dimension: 3})
	err := idx.Add(context.Background(), []types.VectorEntry{{ID: "a", Vector: []float32{1, 0}}})
	require.Error(t, err)
}

func TestHNSWIndex_DeleteIsLazy(t *testing.T) {
	idx := NewHNSWIndex(HNSWConfig{Dimension: 2})
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []types.VectorEntry{{ID: "a", Vector: []float32{1, 0}}}))

	require.NoError(t, idx.Delete(ctx, []string{"a"}))
	assert.False(t, idx.Contains("a"))
	assert.Equal(t, 1, idx.Orphans())
}

func TestHNSWIndex_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")

	idx := NewHNSWIndex(HNSWConfig{Dimension: 2})
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []types.VectorEntry{{ID: "a", Vector: []float32{1, 0}}}))
	require.NoError(t, idx.Save(path))

	loaded := NewHNSWIndex(HNSWConfig{Dimension: 2})
	require.NoError(t, loaded.Load(path))
	assert.True(t, loaded.Contains("a"))
}

func TestHNSWIndex_EmptySearch(t *testing.T) {
	idx := NewHNSWIndex(HNSWConfig{Dimension: 2})
	results, err := idx.Search(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
