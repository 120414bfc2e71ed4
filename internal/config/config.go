// Package config loads memcore's runtime configuration from environment
// variables (and an optional .env file), mirroring the nested,
// subsystem-per-struct shape used across the rest of memcore.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration object, one sub-struct per subsystem.
type Config struct {
	Storage     StorageConfig     `json:"storage"`
	VectorIndex VectorIndexConfig `json:"vector_index"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Search      SearchConfig      `json:"search"`
	Learning    LearningConfig    `json:"learning"`
	Cache       CacheConfig       `json:"cache"`
	Logging     LoggingConfig     `json:"logging"`
	Events      EventsConfig      `json:"events"`
}

// StorageConfig configures the SQLite-backed chunk store.
type StorageConfig struct {
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	BusyTimeout     time.Duration `json:"busy_timeout"`
	EnableWAL       bool          `json:"enable_wal"`
}

// VectorIndexConfig configures the native HNSW vector index and its
// snapshot behavior.
type VectorIndexConfig struct {
	Dimension      int           `json:"dimension"`
	M              int           `json:"m"`
	EfSearch       int           `json:"ef_search"`
	EfConstruction int           `json:"ef_construction"`
	SnapshotDir    string        `json:"snapshot_dir"`
	SnapshotEvery  time.Duration `json:"snapshot_every"`
	FlatFallback   bool          `json:"flat_fallback"`
}

// EmbeddingConfig configures the outbound embedding provider call.
type EmbeddingConfig struct {
	BaseURL        string        `json:"base_url"`
	APIKey         string        `json:"-"`
	Model          string        `json:"model"`
	RequestTimeout time.Duration `json:"request_timeout"`
	MaxRetries     int           `json:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay"`
}

// SearchConfig configures the retrieval pipeline and fusion weights.
type SearchConfig struct {
	DefaultLimit    int     `json:"default_limit"`
	MaxLimit        int     `json:"max_limit"`
	VectorWeight    float64 `json:"vector_weight"`
	BM25Weight      float64 `json:"bm25_weight"`
	TagWeight       float64 `json:"tag_weight"`
	RRFConstantK    int     `json:"rrf_constant_k"`
	DeepModeBuckets int     `json:"deep_mode_buckets"`
	BM25K1          float64 `json:"bm25_k1"`
	BM25B           float64 `json:"bm25_b"`

	// BackendWeights overrides the coordinator's per-backend RRF fusion
	// weight by name (spec.md §9: "implementers should expose these as
	// configuration" rather than pinning lightmemo/deepmemo/diary in
	// code). A nil or missing entry falls back to the coordinator's own
	// defaults.
	BackendWeights map[string]float64 `json:"backend_weights,omitempty"`
}

// LearningConfig configures the learning-weight reranker.
type LearningConfig struct {
	PositiveDelta float64       `json:"positive_delta"`
	NegativeDelta float64       `json:"negative_delta"`
	DecayFactor   float64       `json:"decay_factor"`
	DecayInterval time.Duration `json:"decay_interval"`
}

// CacheConfig configures the TTL+LRU result cache.
type CacheConfig struct {
	Enabled bool          `json:"enabled"`
	MaxKeys int           `json:"max_keys"`
	TTL     time.Duration `json:"ttl"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

// EventsConfig configures the in-process event bus.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// DefaultConfig returns a Config populated with production-sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DSN:          "memcore.db",
			MaxOpenConns: 1,
			BusyTimeout:  5 * time.Second,
			EnableWAL:    true,
		},
		VectorIndex: VectorIndexConfig{
			Dimension:      1536,
			M:              16,
			EfSearch:       64,
			EfConstruction: 200,
			SnapshotDir:    "./data/vectors",
			SnapshotEvery:  5 * time.Minute,
			FlatFallback:   true,
		},
		Embedding: EmbeddingConfig{
			BaseURL:        "https://api.openai.com/v1/embeddings",
			Model:          "text-embedding-3-small",
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 200 * time.Millisecond,
		},
		Search: SearchConfig{
			DefaultLimit:    10,
			MaxLimit:        100,
			VectorWeight:    1.0,
			BM25Weight:      1.0,
			TagWeight:       0.3,
			RRFConstantK:    60,
			DeepModeBuckets: 4,
			BM25K1:          1.5,
			BM25B:           0.75,
		},
		Learning: LearningConfig{
			PositiveDelta: 0.1,
			NegativeDelta: 0.1,
			DecayFactor:   0.99,
			DecayInterval: 24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled: true,
			MaxKeys: 1000,
			TTL:     5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
	}
}

// LoadConfig reads an optional .env file, then overlays environment
// variables on top of DefaultConfig, validating the result.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	loadStorageConfig(cfg)
	loadVectorIndexConfig(cfg)
	loadEmbeddingConfig(cfg)
	loadSearchConfig(cfg)
	loadLearningConfig(cfg)
	loadCacheConfig(cfg)
	loadLoggingConfig(cfg)
	loadEventsConfig(cfg)
}

func loadStorageConfig(cfg *Config) {
	cfg.Storage.DSN = getStringEnv("MEMCORE_STORAGE_DSN", cfg.Storage.DSN)
	cfg.Storage.MaxOpenConns = getIntEnv("MEMCORE_STORAGE_MAX_OPEN_CONNS", cfg.Storage.MaxOpenConns)
	cfg.Storage.BusyTimeout = getDurationEnv("MEMCORE_STORAGE_BUSY_TIMEOUT", cfg.Storage.BusyTimeout)
	cfg.Storage.EnableWAL = getBoolEnv("MEMCORE_STORAGE_ENABLE_WAL", cfg.Storage.EnableWAL)
}

func loadVectorIndexConfig(cfg *Config) {
	cfg.VectorIndex.Dimension = getIntEnv("MEMCORE_VECTOR_DIMENSION", cfg.VectorIndex.Dimension)
	cfg.VectorIndex.M = getIntEnv("MEMCORE_VECTOR_M", cfg.VectorIndex.M)
	cfg.VectorIndex.EfSearch = getIntEnv("MEMCORE_VECTOR_EF_SEARCH", cfg.VectorIndex.EfSearch)
	cfg.VectorIndex.EfConstruction = getIntEnv("MEMCORE_VECTOR_EF_CONSTRUCTION", cfg.VectorIndex.EfConstruction)
	cfg.VectorIndex.SnapshotDir = getStringEnv("MEMCORE_VECTOR_SNAPSHOT_DIR", cfg.VectorIndex.SnapshotDir)
	cfg.VectorIndex.SnapshotEvery = getDurationEnv("MEMCORE_VECTOR_SNAPSHOT_EVERY", cfg.VectorIndex.SnapshotEvery)
	cfg.VectorIndex.FlatFallback = getBoolEnv("MEMCORE_VECTOR_FLAT_FALLBACK", cfg.VectorIndex.FlatFallback)
}

func loadEmbeddingConfig(cfg *Config) {
	cfg.Embedding.BaseURL = getStringEnv("MEMCORE_EMBEDDING_BASE_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.APIKey = getStringEnv("MEMCORE_EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Model = getStringEnv("MEMCORE_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.RequestTimeout = getDurationEnv("MEMCORE_EMBEDDING_REQUEST_TIMEOUT", cfg.Embedding.RequestTimeout)
	cfg.Embedding.MaxRetries = getIntEnv("MEMCORE_EMBEDDING_MAX_RETRIES", cfg.Embedding.MaxRetries)
	cfg.Embedding.RetryBaseDelay = getDurationEnv("MEMCORE_EMBEDDING_RETRY_BASE_DELAY", cfg.Embedding.RetryBaseDelay)
}

func loadSearchConfig(cfg *Config) {
	cfg.Search.DefaultLimit = getIntEnv("MEMCORE_SEARCH_DEFAULT_LIMIT", cfg.Search.DefaultLimit)
	cfg.Search.MaxLimit = getIntEnv("MEMCORE_SEARCH_MAX_LIMIT", cfg.Search.MaxLimit)
	cfg.Search.VectorWeight = getFloatEnv("MEMCORE_SEARCH_VECTOR_WEIGHT", cfg.Search.VectorWeight)
	cfg.Search.BM25Weight = getFloatEnv("MEMCORE_SEARCH_BM25_WEIGHT", cfg.Search.BM25Weight)
	cfg.Search.TagWeight = getFloatEnv("MEMCORE_SEARCH_TAG_WEIGHT", cfg.Search.TagWeight)
	cfg.Search.RRFConstantK = getIntEnv("MEMCORE_SEARCH_RRF_K", cfg.Search.RRFConstantK)
	cfg.Search.DeepModeBuckets = getIntEnv("MEMCORE_SEARCH_DEEP_MODE_BUCKETS", cfg.Search.DeepModeBuckets)
	cfg.Search.BM25K1 = getFloatEnv("MEMCORE_SEARCH_BM25_K1", cfg.Search.BM25K1)
	cfg.Search.BM25B = getFloatEnv("MEMCORE_SEARCH_BM25_B", cfg.Search.BM25B)
}

func loadLearningConfig(cfg *Config) {
	cfg.Learning.PositiveDelta = getFloatEnv("MEMCORE_LEARNING_POSITIVE_DELTA", cfg.Learning.PositiveDelta)
	cfg.Learning.NegativeDelta = getFloatEnv("MEMCORE_LEARNING_NEGATIVE_DELTA", cfg.Learning.NegativeDelta)
	cfg.Learning.DecayFactor = getFloatEnv("MEMCORE_LEARNING_DECAY_FACTOR", cfg.Learning.DecayFactor)
	cfg.Learning.DecayInterval = getDurationEnv("MEMCORE_LEARNING_DECAY_INTERVAL", cfg.Learning.DecayInterval)
}

func loadCacheConfig(cfg *Config) {
	cfg.Cache.Enabled = getBoolEnv("MEMCORE_CACHE_ENABLED", cfg.Cache.Enabled)
	cfg.Cache.MaxKeys = getIntEnv("MEMCORE_CACHE_MAX_KEYS", cfg.Cache.MaxKeys)
	cfg.Cache.TTL = getDurationEnv("MEMCORE_CACHE_TTL", cfg.Cache.TTL)
}

func loadLoggingConfig(cfg *Config) {
	cfg.Logging.Level = getStringEnv("MEMCORE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.JSON = getBoolEnv("MEMCORE_LOG_JSON", cfg.Logging.JSON)
}

func loadEventsConfig(cfg *Config) {
	cfg.Events.BufferSize = getIntEnv("MEMCORE_EVENTS_BUFFER_SIZE", cfg.Events.BufferSize)
}

func getStringEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.VectorIndex.Dimension <= 0 {
		return fmt.Errorf("vector_index.dimension must be positive, got %d", c.VectorIndex.Dimension)
	}
	if c.Search.DefaultLimit <= 0 || c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search.default_limit must be in (0, max_limit=%d], got %d", c.Search.MaxLimit, c.Search.DefaultLimit)
	}
	if c.Search.RRFConstantK <= 0 {
		return fmt.Errorf("search.rrf_constant_k must be positive, got %d", c.Search.RRFConstantK)
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("storage.dsn must not be empty")
	}
	if c.Learning.DecayFactor <= 0 || c.Learning.DecayFactor > 1 {
		return fmt.Errorf("learning.decay_factor must be in (0, 1], got %f", c.Learning.DecayFactor)
	}
	return nil
}
