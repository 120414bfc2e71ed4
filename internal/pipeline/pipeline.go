// Package pipeline implements single-backend retrieval: embed the query,
// fan out to a vector index, hydrate and rescore candidates against
// BM25 and the tag cooccurrence graph, and optionally deep-mode re-rank
// the head of the result list.
package pipeline

import (
	"context"
	"math"
	"sort"

	"memcore/internal/bm25"
	"memcore/internal/chunkstore"
	"memcore/internal/embedding"
	memerrors "memcore/internal/errors"
	"memcore/internal/indexmanager"
	"memcore/internal/logging"
	"memcore/internal/taggraph"
	"memcore/pkg/types"
)

const (
	vectorWeight = 0.6
	bm25Weight   = 0.4

	tagBoostAlpha = 2.0
	tagBoostBeta  = 2.0
	tagBoostCap   = 1.3

	deepModeMaxHead   = 10
	deepModeBatchSize = 5
	deepModeMaxDepth  = 3

	lexicalCoverageWeight = 0.7
	lexicalFrequencyWeight = 0.3
)

// Options parametrizes a single RetrievalPipeline run, one call per
// backend per coordinator fan-out.
type Options struct {
	Query           string
	TopK            int
	Threshold       float64
	TagBoostEnabled bool
	DeepMode        bool
	Filter          types.Filter
}

// Pipeline runs single-backend retrieval against one character's
// sub-index (or the global one), the shared chunk store, and the shared
// tag graph.
type Pipeline struct {
	character string

	index    *indexmanager.Manager
	store    *chunkstore.ChunkStore
	embedder embedding.Provider
	tags     *taggraph.Graph
	scorer   *bm25.Scorer
	logger   logging.Logger
}

// New builds a Pipeline bound to character's sub-index (empty string
// means the global index).
func New(character string, index *indexmanager.Manager, store *chunkstore.ChunkStore, embedder embedding.Provider, tags *taggraph.Graph, scorer *bm25.Scorer, logger logging.Logger) *Pipeline {
	if scorer == nil {
		scorer = bm25.DefaultScorer()
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}
	return &Pipeline{
		character: character,
		index:     index,
		store:     store,
		embedder:  embedder,
		tags:      tags,
		scorer:    scorer,
		logger:    logger.WithComponent("pipeline"),
	}
}

// candidate is a chunk carried through the pipeline's internal scoring
// stages before becoming a types.SearchResult.
type candidate struct {
	chunk    types.Chunk
	vecScore float64
	bm25     float64
	final    float64
	tagBoost float64
	degraded bool
}

// Search runs the full nine-step algorithm and returns at most
// opts.TopK results, sorted by final score descending.
func (p *Pipeline) Search(ctx context.Context, opts Options) (types.SearchResults, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	candidates, degraded, err := p.gather(ctx, opts)
	if err != nil {
		return types.SearchResults{}, err
	}

	p.rescore(opts.Query, candidates)

	if opts.TagBoostEnabled && p.tags != nil {
		p.applyTagBoost(opts.Query, candidates)
	}

	if opts.DeepMode {
		candidates = p.deepModeRerank(candidates, opts.Query)
	}

	results := finalize(candidates, opts.Threshold, opts.TopK)

	_ = degraded
	return types.SearchResults{Results: results, Total: len(results)}, nil
}

// gather performs steps 1-5: embed the query, oversample from the vector
// index, filter by owner/source and threshold, hydrate from the chunk
// store, and fall back to text search with a constant score on embedding
// failure.
func (p *Pipeline) gather(ctx context.Context, opts Options) ([]*candidate, bool, error) {
	vec, err := p.embedder.Embed(ctx, opts.Query)
	if err != nil {
		p.logger.WarnContext(ctx, "query embedding failed, degrading to text search", "error", err.Error())
		return p.gatherDegraded(ctx, opts)
	}

	scored, err := p.index.Search(ctx, p.character, vec, 2*opts.TopK)
	if err != nil {
		return nil, false, err
	}

	out := make([]*candidate, 0, len(scored))
	for _, s := range scored {
		if s.Score < opts.Threshold {
			continue
		}
		chunk, err := p.store.Get(ctx, s.ID)
		if err != nil {
			if memerrors.Is(err, memerrors.CodeNotFound) {
				continue
			}
			return nil, false, err
		}
		if !matchesFilter(*chunk, opts.Filter) {
			continue
		}
		out = append(out, &candidate{chunk: *chunk, vecScore: s.Score})
	}
	return out, false, nil
}

// gatherDegraded is step 5: a substring text search with every candidate
// assigned the constant fallback vector score.
func (p *Pipeline) gatherDegraded(ctx context.Context, opts Options) ([]*candidate, bool, error) {
	chunks, err := p.store.TextSearch(ctx, opts.Query, opts.Filter)
	if err != nil {
		return nil, true, err
	}

	out := make([]*candidate, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, &candidate{chunk: c, vecScore: 0.5, degraded: true})
	}
	return out, true, nil
}

// matchesFilter applies the owner/source scoping a vector-index hit must
// satisfy to survive step 3. An unset filter field matches anything.
func matchesFilter(c types.Chunk, f types.Filter) bool {
	if f.Source != "" && c.Source != f.Source {
		return false
	}
	if f.UserID != "" && c.Owner.UserID != f.UserID {
		return false
	}
	if f.AgentID != "" && c.Owner.AgentID != f.AgentID {
		return false
	}
	if f.CharacterName != "" && c.Owner.CharacterName != f.CharacterName {
		return false
	}
	if f.LoaderID != "" && c.LoaderID != f.LoaderID {
		return false
	}
	return true
}

// rescore is step 6: final = 0.6*vec_score + 0.4*bm25_score_normalized,
// where bm25 scores are normalized to [0,1] against the batch's own max.
func (p *Pipeline) rescore(query string, candidates []*candidate) {
	if len(candidates) == 0 {
		return
	}

	docs := make([]bm25.Document, len(candidates))
	for i, c := range candidates {
		docs[i] = bm25.Document{ID: c.chunk.ID, Text: c.chunk.Content}
	}
	scores := p.scorer.Score(query, docs)

	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}

	for _, c := range candidates {
		raw := scores[c.chunk.ID]
		normalized := 0.0
		if maxScore > 0 {
			normalized = raw / maxScore
		}
		c.bm25 = normalized
		c.final = vectorWeight*c.vecScore + bm25Weight*normalized
	}
}

// applyTagBoost is step 7: for every tag the query and a chunk share,
// accumulate strength/penalty terms from the tag graph, normalize the
// sum, and apply a multiplicative factor in [1.0, 1.3] capped so the
// final score never exceeds 1.0.
func (p *Pipeline) applyTagBoost(query string, candidates []*candidate) {
	queryTags := dedupeTags(bm25.ASCIITokenizer{}.Tokenize(query))
	if len(queryTags) == 0 {
		return
	}

	queryTagSet := make(map[string]struct{}, len(queryTags))
	for _, t := range queryTags {
		queryTagSet[t] = struct{}{}
	}

	for _, c := range candidates {
		sum := 0.0
		for _, tag := range c.chunk.Tags {
			if _, ok := queryTagSet[tag]; !ok {
				continue
			}
			info, ok := p.tags.Info(tag)
			if !ok || info.Frequency == 0 {
				continue
			}
			strength := math.Pow(float64(info.Frequency), tagBoostAlpha)
			penalty := math.Log(float64(info.DocumentCount) + tagBoostBeta)
			if penalty <= 0 {
				continue
			}
			sum += strength / penalty
		}
		if sum <= 0 {
			continue
		}
		norm := sum / (sum + 4)
		factor := 1.0 + 0.3*norm
		if factor > tagBoostCap {
			factor = tagBoostCap
		}
		c.tagBoost = factor
		c.final = math.Min(1.0, c.final*factor)
	}
}

func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// deepModeRerank is step 8: recursively bucket the top N (N<=10)
// candidates into batches of 5, keeping the best 2 per batch by lexical
// relevance, down to depth 3, then appends the untouched tail.
func (p *Pipeline) deepModeRerank(candidates []*candidate, query string) []*candidate {
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].final > candidates[j].final })

	headSize := deepModeMaxHead
	if headSize > len(candidates) {
		headSize = len(candidates)
	}
	head := candidates[:headSize]
	tail := candidates[headSize:]

	queryTokens := bm25.ASCIITokenizer{}.Tokenize(query)
	reranked := bucketRerank(head, queryTokens, deepModeMaxDepth)

	out := make([]*candidate, 0, len(reranked)+len(tail))
	out = append(out, reranked...)
	out = append(out, tail...)
	return out
}

func bucketRerank(items []*candidate, queryTokens []string, depth int) []*candidate {
	if depth <= 0 || len(items) <= 2 {
		return items
	}

	var kept []*candidate
	for start := 0; start < len(items); start += deepModeBatchSize {
		end := start + deepModeBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := append([]*candidate(nil), items[start:end]...)
		sort.SliceStable(batch, func(i, j int) bool {
			return lexicalRelevance(queryTokens, batch[i].chunk.Content) > lexicalRelevance(queryTokens, batch[j].chunk.Content)
		})
		keep := 2
		if keep > len(batch) {
			keep = len(batch)
		}
		kept = append(kept, batch[:keep]...)
	}

	if len(kept) == len(items) {
		return kept
	}
	return bucketRerank(kept, queryTokens, depth-1)
}

// lexicalRelevance is the "simple lexical relevance function" of step 8:
// token-overlap coverage weighted 0.7 plus log-frequency of the matched
// terms weighted 0.3.
func lexicalRelevance(queryTokens []string, content string) float64 {
	unique := dedupeTags(queryTokens)
	if len(unique) == 0 {
		return 0
	}

	termFreq := make(map[string]int)
	for _, t := range bm25.ASCIITokenizer{}.Tokenize(content) {
		termFreq[t]++
	}

	matched := 0
	freqSum := 0
	for _, t := range unique {
		if f, ok := termFreq[t]; ok {
			matched++
			freqSum += f
		}
	}

	coverage := float64(matched) / float64(len(unique))
	logFreq := math.Log(1 + float64(freqSum))
	return lexicalCoverageWeight*coverage + lexicalFrequencyWeight*logFreq
}

// finalize is step 9: apply the threshold again, sort by final score
// descending (ties broken by ID for determinism), and truncate to topK.
func finalize(candidates []*candidate, threshold float64, topK int) []types.SearchResult {
	filtered := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.final >= threshold {
			filtered = append(filtered, c)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].final != filtered[j].final {
			return filtered[i].final > filtered[j].final
		}
		return filtered[i].chunk.ID < filtered[j].chunk.ID
	})

	if len(filtered) > topK {
		filtered = filtered[:topK]
	}

	out := make([]types.SearchResult, len(filtered))
	for i, c := range filtered {
		out[i] = types.SearchResult{
			Chunk:    c.chunk,
			Score:    c.final,
			Degraded: c.degraded,
			TagBoost: c.tagBoost,
			BM25:     c.bm25,
			VecScore: c.vecScore,
		}
	}
	return out
}
