package relationships

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/pkg/types"
)

func TestAdd_RejectsSelfEdgeAndOutOfRangeStrength(t *testing.T) {
	m := New()
	_, err := m.Add(context.Background(), "a", "a", TypeRelated, 0.5, "")
	assert.Error(t, err)

	_, err = m.Add(context.Background(), "a", "b", TypeRelated, 1.5, "")
	assert.Error(t, err)
}

func TestAdd_IndexesBidirectionalTypesOnBothEndpoints(t *testing.T) {
	m := New()
	_, err := m.Add(context.Background(), "a", "b", TypeRelated, 0.8, "shared context")
	require.NoError(t, err)

	assert.Len(t, m.For("a"), 1)
	assert.Len(t, m.For("b"), 1)
}

func TestParentChildren_RoundTrip(t *testing.T) {
	m := New()
	_, err := m.Add(context.Background(), "parent", "child", TypeParentChild, 1.0, "")
	require.NoError(t, err)

	parent, ok := m.Parent("child")
	require.True(t, ok)
	assert.Equal(t, "parent", parent)

	children := m.Children("parent")
	assert.Equal(t, []string{"child"}, children)
}

func TestSupersededBy_FindsSupersedingChunk(t *testing.T) {
	m := New()
	_, err := m.Add(context.Background(), "new", "old", TypeSupersedes, 0.9, "")
	require.NoError(t, err)

	supersededBy, ok := m.SupersededBy("old")
	require.True(t, ok)
	assert.Equal(t, "new", supersededBy)
}

func newChunk(t *testing.T, content string, tags []string) types.Chunk {
	t.Helper()
	c, err := types.NewChunk(content, types.SourceMemory, types.Owner{CharacterName: "lightmemo"}, tags)
	require.NoError(t, err)
	return *c
}

func TestDetect_FindsContinuationWithinSameLoaderWindow(t *testing.T) {
	m := New()
	existing := newChunk(t, "started debugging the flaky test", nil)
	existing.LoaderID = "session-1"
	existing.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)

	next := newChunk(t, "found the race condition", nil)
	next.LoaderID = "session-1"

	detected := m.Detect(context.Background(), next, []types.Chunk{existing})
	require.NotEmpty(t, detected)
	assert.Equal(t, TypeContinuation, detected[0].Type)
	assert.Equal(t, existing.ID, detected[0].From)
	assert.Equal(t, next.ID, detected[0].To)
}

func TestDetect_FindsSupersedesForProblemThenSolution(t *testing.T) {
	m := New()
	problem := newChunk(t, "build is failing on CI", nil)
	problem.Metadata.Type = "problem"

	solution := newChunk(t, "fixed by pinning the toolchain version", nil)
	solution.Metadata.Type = "solution"

	detected := m.Detect(context.Background(), solution, []types.Chunk{problem})
	require.NotEmpty(t, detected)
	assert.Equal(t, TypeSupersedes, detected[0].Type)
	assert.Equal(t, solution.ID, detected[0].From)
	assert.Equal(t, problem.ID, detected[0].To)
}

func TestDetect_FindsRelatedByCommonTags(t *testing.T) {
	m := New()
	existing := newChunk(t, "deployment checklist", []string{"ops", "deploy", "checklist"})
	next := newChunk(t, "another deployment note", []string{"ops", "deploy"})

	detected := m.Detect(context.Background(), next, []types.Chunk{existing})
	require.NotEmpty(t, detected)
	assert.Equal(t, TypeRelated, detected[0].Type)
}

func TestDetect_SkipsDistantLoaderGap(t *testing.T) {
	m := New()
	existing := newChunk(t, "old note", nil)
	existing.LoaderID = "session-1"
	existing.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)

	next := newChunk(t, "unrelated new note", nil)
	next.LoaderID = "session-1"

	detected := m.Detect(context.Background(), next, []types.Chunk{existing})
	assert.Empty(t, detected)
}

func TestGraph_TraversesUpToMaxDepth(t *testing.T) {
	m := New()
	_, err := m.Add(context.Background(), "a", "b", TypeRelated, 0.5, "")
	require.NoError(t, err)
	_, err = m.Add(context.Background(), "b", "c", TypeRelated, 0.5, "")
	require.NoError(t, err)

	graph := m.Graph("a", 1)
	assert.Contains(t, graph, "a")
	assert.Contains(t, graph, "b")
	assert.NotContains(t, graph, "c")
}
