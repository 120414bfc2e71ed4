// Package resultcache provides the coordinator's TTL- and size-bounded
// cache of fused search results, keyed by a stable hash of the full
// query options and invalidated wholesale on any chunk store mutation.
package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"memcore/internal/config"
	"memcore/internal/events"
	"memcore/internal/logging"
	"memcore/pkg/types"
)

const (
	defaultMaxKeys = 1000
	defaultTTL     = 300 * time.Second
)

// entry is one cached result set plus its absolute expiry time.
type entry struct {
	results   types.SearchResults
	expiresAt time.Time
}

// Cache wraps a size-bounded LRU with lazy TTL expiry. Writes evict any
// already-expired entries before inserting, per spec's "expire lazily,
// then evict oldest expiry-time entries on size pressure" policy — the
// LRU's own least-recently-used eviction serves the size bound once
// expired entries are cleared.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *entry]
	ttl    time.Duration
	logger logging.Logger
}

// New builds a Cache from cfg, falling back to spec defaults (1000
// entries, 300s TTL) for zero values.
func New(cfg config.CacheConfig, logger logging.Logger) (*Cache, error) {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	l, err := lru.New[string, *entry](maxKeys)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, ttl: ttl, logger: logger.WithComponent("resultcache")}, nil
}

// Key canonicalizes opts (any JSON-marshalable query-options value) into
// a stable SHA-256 hex digest. Go's json.Marshal already emits
// string-keyed map entries in sorted order, so this is stable across
// calls with equivalent option values regardless of map iteration order.
func Key(opts interface{}) (string, error) {
	b, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns the cached result set for key, if present and unexpired.
func (c *Cache) Get(key string) (types.SearchResults, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return types.SearchResults{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		return types.SearchResults{}, false
	}
	return e.results, true
}

// Put stores results under key with the configured TTL, first sweeping
// any already-expired entries.
func (c *Cache) Put(key string, results types.SearchResults) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()
	c.lru.Add(key, &entry{results: results, expiresAt: time.Now().Add(c.ttl)})
}

func (c *Cache) evictExpiredLocked() {
	now := time.Now()
	for _, k := range c.lru.Keys() {
		v, ok := c.lru.Peek(k)
		if ok && now.After(v.expiresAt) {
			c.lru.Remove(k)
		}
	}
}

// Clear drops every cached entry, correctness over partial invalidation
// on any chunk store mutation.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len reports the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// SubscribeToBus wires Clear to fire on every chunk write or delete
// event, satisfying invariant I5 (cache staleness bound by the next
// mutation, not by TTL alone).
func (c *Cache) SubscribeToBus(bus *events.Bus) {
	clear := func(events.Event) { c.Clear() }
	bus.Subscribe(events.TypeChunkWritten, clear)
	bus.Subscribe(events.TypeChunkDeleted, clear)
}
