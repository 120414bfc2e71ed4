package vectorindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/pkg/types"
)

func TestFlatIndex_AddAndSearch(t *testing.T) {
	idx := NewFlatIndex(2)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []types.VectorEntry{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
	}))

	results, err := idx.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestFlatIndex_DeleteRemoves(t *testing.T) {
	idx := NewFlatIndex(2)
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []types.VectorEntry{{ID: "a", Vector: []float32{1, 0}}}))
	require.NoError(t, idx.Delete(ctx, []string{"a"}))
	assert.False(t, idx.Contains("a"))
}

func TestFlatIndex_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flat.gob")

	idx := NewFlatIndex(2)
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []types.VectorEntry{{ID: "a", Vector: []float32{1, 0}}}))
	require.NoError(t, idx.Save(path))

	loaded := NewFlatIndex(0)
	require.NoError(t, loaded.Load(path))
	assert.True(t, loaded.Contains("a"))
	assert.Equal(t, 2, loaded.Stats().Dimension)
}

func TestFlatIndex_DimensionMismatch(t *testing.T) {
	idx := NewFlatIndex(3)
	err := idx.Add(context.Background(), []types.VectorEntry{{ID: "a", Vector: []float32{1, 0}}})
	require.Error(t, err)
}
