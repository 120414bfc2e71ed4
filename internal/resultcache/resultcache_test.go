package resultcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/internal/config"
	"memcore/internal/events"
	"memcore/pkg/types"
)

func newTestCache(t *testing.T, ttl time.Duration, maxKeys int) *Cache {
	t.Helper()
	c, err := New(config.CacheConfig{TTL: ttl, MaxKeys: maxKeys}, nil)
	require.NoError(t, err)
	return c
}

func TestKey_IsStableAcrossEquivalentOptions(t *testing.T) {
	opts1 := map[string]interface{}{"query": "a", "top_k": 5}
	opts2 := map[string]interface{}{"top_k": 5, "query": "a"}

	k1, err := Key(opts1)
	require.NoError(t, err)
	k2, err := Key(opts2)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestGetPut_RoundTrips(t *testing.T) {
	c := newTestCache(t, time.Minute, 10)
	want := types.SearchResults{Total: 2}
	c.Put("k1", want)

	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestGet_ExpiresAfterTTL(t *testing.T) {
	c := newTestCache(t, time.Millisecond, 10)
	c.Put("k1", types.SearchResults{Total: 1})

	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestClear_DropsAllEntries(t *testing.T) {
	c := newTestCache(t, time.Minute, 10)
	c.Put("k1", types.SearchResults{Total: 1})
	c.Put("k2", types.SearchResults{Total: 2})

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestSubscribeToBus_ClearsOnChunkWritten(t *testing.T) {
	c := newTestCache(t, time.Minute, 10)
	c.Put("k1", types.SearchResults{Total: 1})

	bus := events.New(nil)
	c.SubscribeToBus(bus)
	bus.Publish(events.Event{Type: events.TypeChunkWritten, ChunkID: "c1"})

	assert.Equal(t, 0, c.Len())
}
