package indexmanager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/internal/chunkstore"
	"memcore/internal/config"
	"memcore/pkg/types"
)

// fakeEmbedProvider returns the same fixed vector for every input, letting
// tests assert on re-embedded search results without a real backend.
type fakeEmbedProvider struct {
	vec []float32
}

func (f *fakeEmbedProvider) Dimension() int { return len(f.vec) }

func (f *fakeEmbedProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vec, nil
}

func (f *fakeEmbedProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func newTestManager(t *testing.T) (*Manager, *chunkstore.ChunkStore) {
	t.Helper()
	dir := t.TempDir()
	store, err := chunkstore.Open(context.Background(), config.StorageConfig{
		DSN:          filepath.Join(dir, "test.db"),
		MaxOpenConns: 1,
		EnableWAL:    true,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.VectorIndexConfig{
		Dimension:    3,
		SnapshotDir:  filepath.Join(dir, "vectors"),
		FlatFallback: true,
	}
	return New(store, cfg, nil), store
}

func insertChunkWithEmbedding(t *testing.T, store *chunkstore.ChunkStore, character string, vec []float32) *types.Chunk {
	t.Helper()
	c, err := types.NewChunk("some content "+character, types.SourceMemory, types.Owner{UserID: "u1", CharacterName: character}, nil)
	require.NoError(t, err)
	c.Embedding = vec
	require.NoError(t, store.Insert(context.Background(), c))
	return c
}

func TestManager_AddAndSearch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "alice", []types.VectorEntry{{ID: "a", Vector: []float32{1, 0, 0}}}))

	results, err := m.Search(ctx, "alice", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestManager_RebuildSingleCharacter(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	c := insertChunkWithEmbedding(t, store, "bob", []float32{0, 0, 1})

	var phases []string
	provider := &fakeEmbedProvider{vec: []float32{0, 1, 0}}
	err := m.RebuildSingleCharacter(ctx, "bob", provider, func(phase string, current, total int, message string) {
		phases = append(phases, phase)
	})
	require.NoError(t, err)
	assert.NotEmpty(t, phases)

	results, err := m.Search(ctx, "bob", []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, c.ID, results[0].ID)
}

func TestManager_RebuildAll(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	insertChunkWithEmbedding(t, store, "alice", []float32{0, 0, 1})
	insertChunkWithEmbedding(t, store, "bob", []float32{0, 0, 1})

	provider := &fakeEmbedProvider{vec: []float32{1, 0, 0}}
	require.NoError(t, m.RebuildAll(ctx, provider, nil))

	results, err := m.Search(ctx, "alice", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestManager_ValidateHealth_DetectsDangling(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "carol", []types.VectorEntry{{ID: "ghost", Vector: []float32{1, 1, 1}}}))

	report, err := m.ValidateHealth(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, report.DanglingVectors)
	assert.Equal(t, 0, report.MissingFromIndex)
}

func TestManager_DetectDimensionMismatch_FlagsShorterProbe(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "dana", []types.VectorEntry{{ID: "a", Vector: []float32{1, 0, 0}}}))

	provider := &fakeEmbedProvider{vec: []float32{1, 0}}
	report, err := m.DetectDimensionMismatch(ctx, "dana", provider, "fake-model")
	require.NoError(t, err)
	assert.True(t, report.Mismatched)
	assert.Equal(t, 3, report.ConfigDim)
	assert.Equal(t, 2, report.ProbeDim)
}

func TestManager_SearchAll_UnionsAcrossCharacters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "alice", []types.VectorEntry{{ID: "a", Vector: []float32{1, 0, 0}}}))
	require.NoError(t, m.Add(ctx, "bob", []types.VectorEntry{{ID: "b", Vector: []float32{1, 0, 0}}}))

	results, err := m.SearchAll(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
