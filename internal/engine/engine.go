// Package engine wires every memcore subsystem into one explicit value,
// replacing the singleton/global-service-instance pattern (Design Notes
// §9): an Engine owns the chunk store, vector index manager, tag graph,
// coordinator, and caches, constructed once at startup via Open and
// threaded through every caller from there on. There is no package-level
// default instance.
package engine

import (
	"context"
	"fmt"

	"memcore/internal/bm25"
	"memcore/internal/chunkstore"
	"memcore/internal/circuitbreaker"
	"memcore/internal/config"
	"memcore/internal/coordinator"
	"memcore/internal/decay"
	"memcore/internal/embedding"
	"memcore/internal/events"
	"memcore/internal/extractor"
	"memcore/internal/indexmanager"
	"memcore/internal/learning"
	"memcore/internal/logging"
	"memcore/internal/pipeline"
	"memcore/internal/relationships"
	"memcore/internal/resultcache"
	"memcore/internal/retry"
	"memcore/internal/taggraph"
	"memcore/pkg/types"
)

// DefaultBackendNames are the well-known backends spec.md's glossary
// names; a deployment may register additional ones through Options.
var DefaultBackendNames = []string{"lightmemo", "deepmemo", "diary", "knowledge", "notes"}

// Options customizes Open beyond what *config.Config carries: the pieces
// a caller supplies rather than memcore constructing (a real embedding
// provider needs an API key, a real extractor needs an LLM client —
// both are explicitly non-goals of this core, per spec.md §1).
type Options struct {
	Embedder    embedding.Provider // nil selects the retry+circuit-breaker-wrapped OpenAIProvider
	Extractor   extractor.Gateway  // nil selects extractor.NoopGateway
	Backends    []string           // nil selects DefaultBackendNames
	EnableDecay bool               // starts the optional background decay loop
	Summarizer  decay.Summarizer   // required if EnableDecay is true and groups should merge
}

// Engine is the constructed, ready-to-use memory and retrieval core:
// every subsystem in SPEC_FULL.md §5, composed once.
type Engine struct {
	Config *config.Config
	Logger logging.Logger

	Store       *chunkstore.ChunkStore
	Index       *indexmanager.Manager
	Tags        *taggraph.Graph
	Learning    *learning.Store
	Cache       *resultcache.Cache
	Relations   *relationships.Manager
	Bus         *events.Bus
	Embedder    embedding.Provider
	Extractor   extractor.Gateway
	Coordinator *coordinator.Coordinator
	Decay       *decay.Manager

	decayCancel context.CancelFunc
}

// Open constructs a complete Engine: opens the chunk store, seeds the tag
// graph from its durable frequency/cooccurrence tables, builds the index
// manager, learning store, result cache, and one RetrievalPipeline per
// named backend, and wires them all into a MemoryCoordinator. The schema
// migration performed by chunkstore.Open is fatal on failure, matching
// spec.md §4.1 ("failure to migrate is fatal").
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level))

	store, err := chunkstore.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: open chunk store: %w", err)
	}

	bus := events.New(logger)

	tags := taggraph.New()
	if freqs, coocs, err := loadTagSeed(ctx, store); err != nil {
		logger.WarnContext(ctx, "tag graph seed failed, starting empty", "error", err.Error())
	} else {
		count, countErr := store.Count(ctx, types.Filter{})
		if countErr != nil {
			count = 0
		}
		tags.Seed(freqs, coocs, count)
	}

	index := indexmanager.New(store, cfg.VectorIndex, logger)

	learningStore := learning.New(cfg.Learning, logger)

	cache, err := resultcache.New(cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: build result cache: %w", err)
	}
	cache.SubscribeToBus(bus)

	relations := relationships.New()

	embedder := opts.Embedder
	if embedder == nil {
		embedder = defaultEmbedder(cfg)
	}

	extractGateway := opts.Extractor
	if extractGateway == nil {
		extractGateway = extractor.NoopGateway{}
	}
	bestEffortExtractor := extractor.NewBestEffortGateway(extractGateway, logger)

	backendNames := opts.Backends
	if len(backendNames) == 0 {
		backendNames = DefaultBackendNames
	}
	scorer := bm25.DefaultScorer()
	backends := make([]coordinator.Backend, 0, len(backendNames))
	for _, name := range backendNames {
		p := pipeline.New(name, index, store, embedder, tags, scorer, logger)
		backends = append(backends, coordinator.Backend{Name: name, Pipeline: p, Weight: cfg.Search.BackendWeights[name]})
	}

	coord := coordinator.New(backends, coordinator.Deps{
		Store:     store,
		Index:     index,
		Embedder:  embedder,
		Extractor: bestEffortExtractor,
		Tags:      tags,
		Learning:  learningStore,
		Cache:     cache,
		Relations: relations,
		Bus:       bus,
		Logger:    logger,
	})

	eng := &Engine{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Index:       index,
		Tags:        tags,
		Learning:    learningStore,
		Cache:       cache,
		Relations:   relations,
		Bus:         bus,
		Embedder:    embedder,
		Extractor:   bestEffortExtractor,
		Coordinator: coord,
	}

	if opts.EnableDecay {
		decayCfg := decay.DefaultConfig()
		eng.Decay = decay.New(decayCfg, store, index, relations, opts.Summarizer, bus, logger)
		decayCtx, cancel := context.WithCancel(context.Background())
		eng.decayCancel = cancel
		go eng.Decay.RunLoop(decayCtx, types.Filter{})
	}

	return eng, nil
}

// loadTagSeed reads the chunk store's durable per-tag frequency and
// pairwise cooccurrence tables so a restarted Engine's TagGraph starts
// from the same state rather than empty (spec.md §3 lifecycle: "Tag-graph
// entries are ... rebuildable from the chunk set").
func loadTagSeed(ctx context.Context, store *chunkstore.ChunkStore) (map[string]int, map[[2]string]int, error) {
	freqs, err := store.AllTagFrequencies(ctx)
	if err != nil {
		return nil, nil, err
	}
	coocs, err := store.TagCooccurrences(ctx)
	if err != nil {
		return nil, nil, err
	}
	return freqs, coocs, nil
}

// defaultEmbedder builds the OpenAIProvider decorated with retry and
// circuit-breaker wrappers exactly as SPEC_FULL.md §5.11 specifies,
// degrading external transient failures into retries-then-fail-fast
// rather than ad-hoc per-call error handling.
func defaultEmbedder(cfg *config.Config) embedding.Provider {
	base := embedding.NewOpenAIProvider(cfg.Embedding, cfg.VectorIndex.Dimension)

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Embedding.MaxRetries
	retryCfg.InitialDelay = cfg.Embedding.RetryBaseDelay
	retrying := embedding.NewRetryingProvider(base, retry.New(retryCfg))

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	return embedding.NewCircuitBreakingProvider(retrying, breaker)
}

// Close releases the engine's resources: stops any running decay loop,
// saves every vector sub-index, and closes the chunk store.
func (e *Engine) Close() error {
	if e.decayCancel != nil {
		e.decayCancel()
		e.Decay.Stop()
	}
	if err := e.Index.SaveAll(); err != nil {
		e.Logger.Warn("save vector indices on close failed", "error", err.Error())
	}
	return e.Store.Close()
}

// RRFWeights returns cfg.Search.BackendWeights as configured, or the
// lightmemo/deepmemo/diary defaults (0.5, 0.35, 0.15) when none are
// configured. Backends without an entry there (and the coordinator's
// fallback weight for them) are not listed.
func RRFWeights(cfg *config.Config) map[string]float64 {
	if cfg == nil || len(cfg.Search.BackendWeights) == 0 {
		return map[string]float64{"lightmemo": 0.5, "deepmemo": 0.35, "diary": 0.15}
	}
	return cfg.Search.BackendWeights
}
