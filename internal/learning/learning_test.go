package learning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/internal/config"
	"memcore/pkg/types"
)

func testConfig() config.LearningConfig {
	return config.LearningConfig{
		PositiveDelta: 0.1,
		NegativeDelta: 0.1,
		DecayFactor:   0.99,
		DecayInterval: 24 * time.Hour,
	}
}

func TestRecordPositive_IncrementsAndCaps(t *testing.T) {
	s := New(testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.NoError(t, s.RecordPositive(ctx, []string{"deadline"}, "m1"))
	}
	assert.Equal(t, 1.0, s.Weight("deadline", "m1"))
}

func TestRecordNegative_DecrementsAndFloors(t *testing.T) {
	s := New(testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.NoError(t, s.RecordNegative(ctx, []string{"deadline"}, "m1"))
	}
	assert.Equal(t, -1.0, s.Weight("deadline", "m1"))
}

func TestAdjustment_ClampsToBounds(t *testing.T) {
	s := New(testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.RecordPositive(ctx, []string{"a", "b", "c", "d"}, "m1"))
	}
	assert.Equal(t, 0.3, s.Adjustment([]string{"a", "b", "c", "d"}, "m1"))
}

func TestReweight_AppliesClampedAdjustment(t *testing.T) {
	s := New(testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, s.RecordPositive(ctx, []string{"deadline"}, "m1"))

	results := []types.SearchResult{{Chunk: types.Chunk{ID: "m1"}, Score: 0.5}}
	out := s.Reweight([]string{"deadline"}, results)
	assert.InDelta(t, 0.55, out[0].Score, 1e-9)
}

func TestDecay_FadesOldWeightsTowardZero(t *testing.T) {
	s := New(testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, s.RecordPositive(ctx, []string{"deadline"}, "m1"))

	before := s.Weight("deadline", "m1")
	s.Decay(time.Now().UTC().Add(10 * 24 * time.Hour))
	after := s.Weight("deadline", "m1")
	assert.Less(t, after, before)
}

func TestProgress_CountsPositiveAndNegativeEntries(t *testing.T) {
	s := New(testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, s.RecordPositive(ctx, []string{"a"}, "m1"))
	require.NoError(t, s.RecordNegative(ctx, []string{"b"}, "m2"))

	p := s.Progress()
	assert.Equal(t, 2, p.EntryCount)
	assert.Equal(t, 1, p.PositiveEntries)
	assert.Equal(t, 1, p.NegativeEntries)
}
