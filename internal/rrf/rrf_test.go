package rrf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/pkg/types"
)

func result(id, content string, score float64) types.SearchResult {
	return types.SearchResult{Chunk: types.Chunk{ID: id, Content: content}, Score: score}
}

func TestFuse_CombinesRanksAcrossSources(t *testing.T) {
	vector := Source{Name: "vector", Weight: 1.0, Items: []types.SearchResult{
		result("a", "alpha content", 0.9),
		result("b", "beta content", 0.5),
	}}
	text := Source{Name: "text", Weight: 1.0, Items: []types.SearchResult{
		result("b", "beta content", 4.0),
		result("a", "alpha content", 1.0),
	}}

	fused := Fuse([]Source{vector, text}, Options{})
	require.Len(t, fused, 2)
	// "a" ranks first in vector and second in text; "b" ranks second in
	// vector and first in text — equal RRF contribution, so both appear,
	// but their scores should match since each is rank 1 once and rank 2 once.
	assert.InDelta(t, fused[0].Score, fused[1].Score, 1e-9)
}

func TestFuse_DedupesByID_KeepsHighestScore(t *testing.T) {
	vector := Source{Name: "vector", Weight: 1.0, Items: []types.SearchResult{result("a", "alpha", 0.9)}}
	text := Source{Name: "text", Weight: 1.0, Items: []types.SearchResult{result("a", "alpha", 2.0)}}

	fused := Fuse([]Source{vector, text}, Options{})
	require.Len(t, fused, 1)
	assert.Equal(t, "a", fused[0].Chunk.ID)
}

func TestFuse_TruncatesToMaxResults(t *testing.T) {
	items := []types.SearchResult{result("a", "a", 1), result("b", "b", 0.8), result("c", "c", 0.5)}
	fused := Fuse([]Source{{Name: "s", Weight: 1, Items: items}}, Options{MaxResults: 2})
	assert.Len(t, fused, 2)
}

func TestFuse_NormalizeScoresCapsAtOne(t *testing.T) {
	items := []types.SearchResult{result("a", "a", 1), result("b", "b", 0.5)}
	fused := Fuse([]Source{{Name: "s", Weight: 1, Items: items}}, Options{NormalizeScores: true})
	assert.Equal(t, 1.0, fused[0].Score)
}

func TestWeightedAverage_BlendsScoresByWeight(t *testing.T) {
	vector := Source{Name: "vector", Weight: 2.0, Items: []types.SearchResult{result("a", "alpha", 1.0)}}
	text := Source{Name: "text", Weight: 1.0, Items: []types.SearchResult{result("a", "alpha", 0.1)}}

	fused := WeightedAverage([]Source{vector, text}, Options{})
	require.Len(t, fused, 1)
	assert.InDelta(t, (2.0*1.0+1.0*0.1)/3.0, fused[0].Score, 1e-9)
}

func TestRemoveNearDuplicates_DropsSameContentDifferentID(t *testing.T) {
	results := []types.SearchResult{
		result("a", "identical content here", 1.0),
		result("b", "identical content here", 0.9),
	}
	deduped := RemoveNearDuplicates(results)
	assert.Len(t, deduped, 1)
	assert.Equal(t, "a", deduped[0].Chunk.ID)
}

func TestRemoveNearDuplicates_DropsReorderedContent(t *testing.T) {
	results := []types.SearchResult{
		result("a", "the deploy pipeline retries failed steps twice before paging", 1.0),
		result("b", "paging before twice steps failed retries pipeline deploy the", 0.9),
	}
	deduped := RemoveNearDuplicates(results)
	assert.Len(t, deduped, 1, "same bag of words in a different order must be treated as a near-duplicate")
	assert.Equal(t, "a", deduped[0].Chunk.ID)
}

func TestRemoveNearDuplicates_KeepsDistinctContent(t *testing.T) {
	results := []types.SearchResult{
		result("a", "the deploy pipeline retries failed steps twice before paging", 1.0),
		result("b", "remember to renew the TLS certificate before it expires", 0.9),
	}
	deduped := RemoveNearDuplicates(results)
	assert.Len(t, deduped, 2)
}
