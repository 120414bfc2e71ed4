package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/internal/bm25"
	"memcore/internal/chunkstore"
	"memcore/internal/config"
	"memcore/internal/indexmanager"
	"memcore/internal/taggraph"
	"memcore/pkg/types"
)

// fakeEmbedder returns a fixed vector for every query, or fails when
// failEmbed is set, to exercise the degraded text-search path.
type fakeEmbedder struct {
	vec       []float32
	failEmbed bool
}

func (f *fakeEmbedder) Dimension() int { return len(f.vec) }

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.failEmbed {
		return nil, assertError{}
	}
	return f.vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type assertError struct{}

func (assertError) Error() string { return "embedding unavailable" }

func newTestPipeline(t *testing.T, embedder *fakeEmbedder) (*Pipeline, *chunkstore.ChunkStore, *indexmanager.Manager) {
	t.Helper()
	dir := t.TempDir()
	store, err := chunkstore.Open(context.Background(), config.StorageConfig{
		DSN:          filepath.Join(dir, "test.db"),
		MaxOpenConns: 1,
		EnableWAL:    true,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx := indexmanager.New(store, config.VectorIndexConfig{
		Dimension:    len(embedder.vec),
		SnapshotDir:  filepath.Join(dir, "vectors"),
		FlatFallback: true,
	}, nil)

	tags := taggraph.New()
	p := New("", idx, store, embedder, tags, bm25.DefaultScorer(), nil)
	return p, store, idx
}

func insertChunk(t *testing.T, store *chunkstore.ChunkStore, idx *indexmanager.Manager, content string, vec []float32, tags []string) *types.Chunk {
	t.Helper()
	c, err := types.NewChunk(content, types.SourceMemory, types.Owner{UserID: "u1"}, tags)
	require.NoError(t, err)
	c.Embedding = vec
	require.NoError(t, store.Insert(context.Background(), c))
	require.NoError(t, idx.Add(context.Background(), "", []types.VectorEntry{{ID: c.ID, Vector: vec}}))
	return c
}

func TestSearch_RanksVectorAndBM25Blend(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}
	p, store, idx := newTestPipeline(t, embedder)
	ctx := context.Background()

	insertChunk(t, store, idx, "deadline reminders for the project", []float32{1, 0, 0}, nil)
	insertChunk(t, store, idx, "a completely unrelated grocery list", []float32{0, 1, 0}, nil)

	results, err := p.Search(ctx, Options{Query: "deadline reminders", TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results.Results)
	assert.Contains(t, results.Results[0].Chunk.Content, "deadline")
}

func TestSearch_DegradesToTextSearchOnEmbeddingFailure(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}, failEmbed: true}
	p, store, idx := newTestPipeline(t, embedder)
	ctx := context.Background()

	insertChunk(t, store, idx, "a note about the quarterly deadline", []float32{1, 0, 0}, nil)

	results, err := p.Search(ctx, Options{Query: "deadline", TopK: 5})
	require.NoError(t, err)
	require.Len(t, results.Results, 1)
	assert.True(t, results.Results[0].Degraded)
	assert.Equal(t, 0.5, results.Results[0].VecScore)
}

func TestSearch_TagBoostIncreasesScoreForMatchingTag(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}
	p, store, idx := newTestPipeline(t, embedder)
	ctx := context.Background()

	// The chunk vector is 45 degrees off the query, so the unboosted score
	// (0.6*0.854 + 0.4*1.0 ~ 0.912) stays below the 1.0 cap the boost is
	// clamped to, leaving room for the boost to show.
	c := insertChunk(t, store, idx, "work deadline notes", []float32{1, 1, 0}, []string{"work", "deadline"})
	require.NoError(t, p.tags.RecordChunk(ctx, c.Tags))

	withoutBoost, err := p.Search(ctx, Options{Query: "deadline", TopK: 5})
	require.NoError(t, err)
	withBoost, err := p.Search(ctx, Options{Query: "deadline", TopK: 5, TagBoostEnabled: true})
	require.NoError(t, err)

	require.Len(t, withoutBoost.Results, 1)
	require.Len(t, withBoost.Results, 1)
	assert.Greater(t, withBoost.Results[0].Score, withoutBoost.Results[0].Score)
	assert.Greater(t, withBoost.Results[0].TagBoost, 1.0)
}

func TestSearch_RespectsThresholdAndTopK(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}
	p, store, idx := newTestPipeline(t, embedder)
	ctx := context.Background()

	// Contents differ so the chunk store's content-hash dedup accepts all five.
	for i := 0; i < 5; i++ {
		insertChunk(t, store, idx, "matching content about deadlines "+string(rune('a'+i)), []float32{1, 0, 0}, nil)
	}

	results, err := p.Search(ctx, Options{Query: "deadlines", TopK: 2, Threshold: 0.6})
	require.NoError(t, err)
	assert.Len(t, results.Results, 2)
	for _, r := range results.Results {
		assert.GreaterOrEqual(t, r.Score, 0.6)
	}
}

func TestLexicalRelevance_RewardsCoverageAndFrequency(t *testing.T) {
	high := lexicalRelevance([]string{"deadline", "project"}, "deadline project deadline project deadline")
	low := lexicalRelevance([]string{"deadline", "project"}, "unrelated grocery list")
	assert.Greater(t, high, low)
}

func TestBucketRerank_KeepsBestTwoPerBatch(t *testing.T) {
	items := make([]*candidate, 6)
	for i := range items {
		items[i] = &candidate{chunk: types.Chunk{ID: string(rune('a' + i)), Content: "deadline"}}
	}
	items[0].chunk.Content = "deadline deadline deadline"
	items[1].chunk.Content = "deadline deadline"

	reranked := bucketRerank(items, []string{"deadline"}, 3)
	assert.LessOrEqual(t, len(reranked), len(items))

	// Pass 1 keeps a,b from [a..e] and f from [f]; pass 2 keeps a,b from
	// [a,b,f]; two items end the recursion.
	ids := make([]string, len(reranked))
	for i, c := range reranked {
		ids[i] = c.chunk.ID
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}
