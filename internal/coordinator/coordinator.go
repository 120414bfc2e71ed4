// Package coordinator fans a single query out across every registered
// memory backend, fuses their per-backend rankings, and applies the
// learning-weight reranker and result cache that sit above any one
// RetrievalPipeline. This is the memory engine's public surface: the
// wave-lens multi-phase search, feedback recording, and creation of new
// memories all live here.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"memcore/internal/bm25"
	"memcore/internal/chunkstore"
	"memcore/internal/embedding"
	memerrors "memcore/internal/errors"
	"memcore/internal/events"
	"memcore/internal/extractor"
	"memcore/internal/indexmanager"
	"memcore/internal/learning"
	"memcore/internal/logging"
	"memcore/internal/pipeline"
	"memcore/internal/relationships"
	"memcore/internal/resultcache"
	"memcore/internal/rrf"
	"memcore/internal/taggraph"
	"memcore/pkg/types"
)

// defaultBackendWeight is the RRF fusion weight applied to any backend
// not named in defaultWeights.
const defaultBackendWeight = 0.3

// defaultWeights are the fusion weights spec.md assigns the well-known
// backend names; a coordinator may still register backends under any
// other name, which fall back to defaultBackendWeight.
var defaultWeights = map[string]float64{
	"lightmemo": 0.5,
	"deepmemo":  0.35,
	"diary":     0.15,
}

// deepSearchRRFK is the RRF rank-offset constant used by DeepSearch in
// place of rrf's own default (60): a larger k narrows the score gap
// between ranks, so appearing in several backends counts for more than a
// high rank in any single one, which is the point of paying for DeepMode.
const deepSearchRRFK = 120

// waveLensDepth and waveLensMinWeight bound the tag-graph expansion walk
// WaveRAGSearch's Lens phase performs before reissuing the search.
const (
	waveLensDepth     = 2
	waveLensMinWeight = 0.05
)

// waveFocusThreshold is the stronger score floor WaveRAGSearch's Focus
// phase applies on top of whatever threshold the caller requested.
const waveFocusThreshold = 0.55

// Backend binds one named RetrievalPipeline (already scoped to a
// source/owner filter and, optionally, a character sub-index) into the
// coordinator's fan-out set.
type Backend struct {
	Name     string
	Pipeline *pipeline.Pipeline
	Weight   float64 // zero selects defaultWeights[Name], or defaultBackendWeight
}

// Coordinator is the memory engine's fan-out, fusion, learning, and
// caching layer above the per-backend pipelines.
type Coordinator struct {
	backends map[string]Backend

	store     *chunkstore.ChunkStore
	index     *indexmanager.Manager
	embedder  embedding.Provider
	extractor extractor.Gateway
	tags      *taggraph.Graph
	learning  *learning.Store
	cache     *resultcache.Cache
	relations *relationships.Manager
	bus       *events.Bus
	logger    logging.Logger
}

// Deps bundles the shared subsystems a Coordinator is wired against, so
// New's signature stays stable as new subsystems are added.
type Deps struct {
	Store     *chunkstore.ChunkStore
	Index     *indexmanager.Manager
	Embedder  embedding.Provider
	Extractor extractor.Gateway
	Tags      *taggraph.Graph
	Learning  *learning.Store
	Cache     *resultcache.Cache
	Relations *relationships.Manager
	Bus       *events.Bus
	Logger    logging.Logger
}

// New builds a Coordinator over backends and deps. At least one backend
// must be registered for any search to return results.
func New(backends []Backend, deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}
	byName := make(map[string]Backend, len(backends))
	for _, b := range backends {
		byName[b.Name] = b
	}
	return &Coordinator{
		backends:  byName,
		store:     deps.Store,
		index:     deps.Index,
		embedder:  deps.Embedder,
		extractor: deps.Extractor,
		tags:      deps.Tags,
		learning:  deps.Learning,
		cache:     deps.Cache,
		relations: deps.Relations,
		bus:       deps.Bus,
		logger:    logger.WithComponent("coordinator"),
	}
}

// weightFor returns the RRF fusion weight a named backend contributes,
// per spec.md's lightmemo/deepmemo/diary defaults and defaultBackendWeight
// for everything else.
func (b Backend) weightFor() float64 {
	if b.Weight != 0 {
		return b.Weight
	}
	if w, ok := defaultWeights[b.Name]; ok {
		return w
	}
	return defaultBackendWeight
}

// SearchOptions parametrizes IntelligentSearch, DeepSearch, and
// WaveRAGSearch.
type SearchOptions struct {
	Query           string
	TopK            int
	Backends        []string // empty means every registered backend
	Threshold       float64
	ApplyLearning   bool
	TagBoostEnabled bool
	Filter          types.Filter
}

// cacheKeyOptions is the JSON shape hashed into the result cache key: a
// narrower view than SearchOptions so cosmetic Go struct changes don't
// silently change cache keys, and so the same options always hash the
// same way regardless of field order.
type cacheKeyOptions struct {
	Mode            string       `json:"mode"`
	Query           string       `json:"query"`
	TopK            int          `json:"top_k"`
	Backends        []string     `json:"backends"`
	Threshold       float64      `json:"threshold"`
	ApplyLearning   bool         `json:"apply_learning"`
	TagBoostEnabled bool         `json:"tag_boost_enabled"`
	Filter          types.Filter `json:"filter"`
}

func (o SearchOptions) cacheKey(mode string) (string, error) {
	backends := append([]string(nil), o.Backends...)
	sort.Strings(backends)
	return resultcache.Key(cacheKeyOptions{
		Mode:            mode,
		Query:           o.Query,
		TopK:            o.TopK,
		Backends:        backends,
		Threshold:       o.Threshold,
		ApplyLearning:   o.ApplyLearning,
		TagBoostEnabled: o.TagBoostEnabled,
		Filter:          o.Filter,
	})
}

// resolveBackends returns the Backend set opts.Backends names, or every
// registered backend when opts.Backends is empty.
func (c *Coordinator) resolveBackends(opts SearchOptions) ([]Backend, error) {
	if len(opts.Backends) == 0 {
		out := make([]Backend, 0, len(c.backends))
		for _, b := range c.backends {
			out = append(out, b)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}
	out := make([]Backend, 0, len(opts.Backends))
	for _, name := range opts.Backends {
		b, ok := c.backends[name]
		if !ok {
			return nil, fmt.Errorf("coordinator: unknown backend %q", name)
		}
		out = append(out, b)
	}
	return out, nil
}

// fanOut runs pipelineOpts against every backend in backends concurrently,
// tagging each result with its origin backend name, and fuses the
// per-backend rankings via weighted RRF with the given rrfK.
func (c *Coordinator) fanOut(ctx context.Context, backends []Backend, pipelineOpts pipeline.Options, rrfK float64, maxResults int) ([]types.SearchResult, error) {
	perBackend := make([][]types.SearchResult, len(backends))

	g, gCtx := errgroup.WithContext(ctx)
	for i, b := range backends {
		i, b := i, b
		g.Go(func() error {
			res, err := b.Pipeline.Search(gCtx, pipelineOpts)
			if err != nil {
				return fmt.Errorf("backend %q: %w", b.Name, err)
			}
			for j := range res.Results {
				res.Results[j].Source = b.Name
			}
			perBackend[i] = res.Results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sources := make([]rrf.Source, len(backends))
	for i, b := range backends {
		sources[i] = rrf.Source{Name: b.Name, Items: perBackend[i], Weight: b.weightFor()}
	}

	fused := rrf.Fuse(sources, rrf.Options{K: rrfK, MaxResults: maxResults})
	return fused, nil
}

// IntelligentSearch is the coordinator's default search operation: cache
// lookup, parallel backend fan-out, weighted RRF fusion, optional
// learning reweight, and threshold/top-k finalization.
func (c *Coordinator) IntelligentSearch(ctx context.Context, opts SearchOptions) (types.SearchResults, error) {
	return c.search(ctx, "intelligent_search", opts, pipeline.Options{
		Query:           opts.Query,
		TopK:            opts.TopK,
		Threshold:       opts.Threshold,
		TagBoostEnabled: opts.TagBoostEnabled,
		Filter:          opts.Filter,
	}, 0)
}

// DeepSearch runs every backend pipeline in deep mode (recursive bucket
// re-ranking of its head results) and fuses with a smaller RRF k, biasing
// the fused ranking toward results multiple backends agree on.
func (c *Coordinator) DeepSearch(ctx context.Context, opts SearchOptions) (types.SearchResults, error) {
	return c.search(ctx, "deep_search", opts, pipeline.Options{
		Query:           opts.Query,
		TopK:            opts.TopK,
		Threshold:       opts.Threshold,
		TagBoostEnabled: opts.TagBoostEnabled,
		DeepMode:        true,
		Filter:          opts.Filter,
	}, deepSearchRRFK)
}

func (c *Coordinator) search(ctx context.Context, mode string, opts SearchOptions, pipelineOpts pipeline.Options, rrfK float64) (types.SearchResults, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	pipelineOpts.TopK = opts.TopK

	var cacheKey string
	if c.cache != nil {
		key, err := opts.cacheKey(mode)
		if err == nil {
			cacheKey = key
			if cached, ok := c.cache.Get(cacheKey); ok {
				return cached, nil
			}
		}
	}

	backends, err := c.resolveBackends(opts)
	if err != nil {
		return types.SearchResults{}, err
	}
	if len(backends) == 0 {
		return types.SearchResults{}, nil
	}

	start := time.Now()
	fused, err := c.fanOut(ctx, backends, pipelineOpts, rrfK, 2*opts.TopK)
	if err != nil {
		return types.SearchResults{}, err
	}

	if opts.ApplyLearning && c.learning != nil {
		tokens := bm25.ASCIITokenizer{}.Tokenize(opts.Query)
		fused = c.learning.Reweight(tokens, fused)
		sort.SliceStable(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })
	}

	fused = filterAndTruncate(fused, opts.Threshold, opts.TopK)

	out := types.SearchResults{Results: fused, Total: len(fused), QueryTime: time.Since(start)}

	if c.cache != nil && cacheKey != "" {
		c.cache.Put(cacheKey, out)
	}
	return out, nil
}

func filterAndTruncate(results []types.SearchResult, threshold float64, topK int) []types.SearchResult {
	out := make([]types.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// WaveRAGSearch runs the three-phase wave-lens algorithm: Lens extracts
// and expands the query's tags through the tag cooccurrence graph,
// Expansion reissues the search with the expanded tags appended to the
// query text and tag boosting switched on, and Focus re-applies a
// stronger score threshold to the expanded results. Results are not
// restricted to chunks that carry the expanded tags.
func (c *Coordinator) WaveRAGSearch(ctx context.Context, opts SearchOptions) (types.SearchResults, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	lensTags := dedupe(bm25.ASCIITokenizer{}.Tokenize(opts.Query))
	expanded := lensTags
	if c.tags != nil && len(lensTags) > 0 {
		expanded = append(append([]string(nil), lensTags...), c.tags.Expand(lensTags, waveLensDepth, waveLensMinWeight)...)
	}

	expansionOpts := opts
	expansionOpts.TagBoostEnabled = true
	expansionOpts.Query = opts.Query + " " + joinTags(expanded)

	result, err := c.IntelligentSearch(ctx, expansionOpts)
	if err != nil {
		return types.SearchResults{}, err
	}

	focusThreshold := opts.Threshold
	if focusThreshold < waveFocusThreshold {
		focusThreshold = waveFocusThreshold
	}
	result.Results = filterAndTruncate(result.Results, focusThreshold, opts.TopK)
	result.Total = len(result.Results)
	return result, nil
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

// CreateMemoryOptions describes a new chunk to persist.
type CreateMemoryOptions struct {
	Content    string
	Backend    string
	Source     types.Source
	Owner      types.Owner
	Tags       []string
	AutoTag    bool
	AutoRelate bool
	Importance int
	Confidence float64
	Metadata   map[string]interface{}
}

// CreateMemory rejects a repeat call with an identical (source, owner,
// content) with a Duplicate error carrying the existing chunk's ID
// (spec.md's create_memory contract: a second call must surface a
// distinguishable duplicate signal, not the prior chunk disguised as a
// fresh success). Otherwise it optionally auto-tags via the extraction
// gateway, embeds, writes the chunk to the store before indexing it (so
// a cancellation after embedding never leaves a dangling index entry
// with no backing row), and publishes TypeChunkWritten.
func (c *Coordinator) CreateMemory(ctx context.Context, opts CreateMemoryOptions) (*types.Chunk, error) {
	if opts.Owner.CharacterName == "" {
		opts.Owner.CharacterName = opts.Backend
	}

	hash := chunkstore.ContentHash(opts.Content)
	if existing, err := c.store.FindByHash(ctx, opts.Source, opts.Owner, hash); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, memerrors.Duplicate("chunk with identical content already exists for this owner").WithDetail("existing_id", existing.ID)
	}

	tags := opts.Tags
	var extracted extractor.Result
	if opts.AutoTag && c.extractor != nil {
		if result, err := c.extractor.Extract(ctx, []string{opts.Content}); err == nil {
			extracted = result
			for _, m := range result.Memories {
				tags = append(tags, m.Tags...)
			}
		}
	}

	chunk, err := types.NewChunk(opts.Content, opts.Source, opts.Owner, tags)
	if err != nil {
		return nil, err
	}
	chunk.Metadata.Importance = opts.Importance
	chunk.Metadata.Confidence = opts.Confidence
	if len(opts.Metadata) > 0 {
		custom, err := json.Marshal(opts.Metadata)
		if err != nil {
			return nil, err
		}
		chunk.Metadata.Custom = custom
	}

	vec, err := c.embedder.Embed(ctx, opts.Content)
	if err != nil {
		return nil, err
	}
	chunk.Embedding = vec
	chunk.ContentHash = hash

	if err := c.store.Insert(ctx, chunk); err != nil {
		return nil, err
	}

	if c.index != nil {
		if err := c.index.Add(ctx, opts.Owner.CharacterName, []types.VectorEntry{{ID: chunk.ID, Vector: vec}}); err != nil {
			return nil, err
		}
	}
	if c.tags != nil {
		if err := c.tags.RecordChunk(ctx, chunk.Tags); err != nil {
			return nil, err
		}
	}
	if c.relations != nil {
		for _, rel := range extracted.Relations {
			// Extraction proposes entity names, not chunk IDs; the new
			// chunk is the only endpoint we can resolve to an ID, so
			// relations mentioning it by content anchor there and carry
			// the extractor's raw endpoint names as context.
			if _, err := c.relations.Add(ctx, chunk.ID, rel.To, relationships.Type(rel.Type), 0.6, rel.From+" -> "+rel.To); err != nil {
				c.logger.WarnContext(ctx, "dropping unusable extracted relation", "error", err.Error())
			}
		}
		if opts.AutoRelate {
			recent, err := c.store.List(ctx, types.Filter{Source: opts.Source, CharacterName: opts.Owner.CharacterName, Limit: 50})
			if err != nil {
				c.logger.WarnContext(ctx, "skipping auto-relate, failed to list recent chunks", "error", err.Error())
			} else {
				c.relations.Detect(ctx, *chunk, recent)
			}
		}
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.TypeChunkWritten, ChunkID: chunk.ID, Character: opts.Owner.CharacterName})
	}

	return chunk, nil
}

// RecordPositiveFeedback tells the learning store that selectedID was the
// correct answer to query, boosting every (query_token, selectedID)
// weight.
func (c *Coordinator) RecordPositiveFeedback(ctx context.Context, query, selectedID string) error {
	tokens := bm25.ASCIITokenizer{}.Tokenize(query)
	if err := c.learning.RecordPositive(ctx, tokens, selectedID); err != nil {
		return err
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.TypeFeedbackRecorded, ChunkID: selectedID})
	}
	return nil
}

// RecordNegativeFeedback tells the learning store that avoidedID should
// rank lower for query, lowering every (query_token, avoidedID) weight.
func (c *Coordinator) RecordNegativeFeedback(ctx context.Context, query, avoidedID string) error {
	tokens := bm25.ASCIITokenizer{}.Tokenize(query)
	if err := c.learning.RecordNegative(ctx, tokens, avoidedID); err != nil {
		return err
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.TypeFeedbackRecorded, ChunkID: avoidedID})
	}
	return nil
}

// GetLearningProgress reports the learning store's current summary
// statistics.
func (c *Coordinator) GetLearningProgress() learning.Progress {
	return c.learning.Progress()
}

// Stats aggregates health and size information across every subsystem the
// coordinator sits above, for the integrated-stats operation.
type Stats struct {
	ChunkCount   int               `json:"chunk_count"`
	TagGraph     taggraph.Stats    `json:"tag_graph"`
	Learning     learning.Progress `json:"learning"`
	CacheEntries int               `json:"cache_entries"`
	Backends     []string          `json:"backends"`
}

// GetIntegratedStats aggregates chunk counts, tag graph size, learning
// progress, and cache occupancy into one snapshot.
func (c *Coordinator) GetIntegratedStats(ctx context.Context) (Stats, error) {
	count, err := c.store.Count(ctx, types.Filter{})
	if err != nil {
		return Stats{}, err
	}

	names := make([]string, 0, len(c.backends))
	for name := range c.backends {
		names = append(names, name)
	}
	sort.Strings(names)

	stats := Stats{ChunkCount: count, Backends: names}
	if c.tags != nil {
		stats.TagGraph = c.tags.Stats()
	}
	if c.learning != nil {
		stats.Learning = c.learning.Progress()
	}
	if c.cache != nil {
		stats.CacheEntries = c.cache.Len()
	}
	return stats, nil
}
