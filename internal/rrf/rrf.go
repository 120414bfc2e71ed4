// Package rrf fuses pre-ranked result lists from multiple retrieval
// backends into a single ranking, via weighted Reciprocal Rank Fusion or
// a simpler weighted-average combiner.
package rrf

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"memcore/pkg/types"
)

// Source is one backend's pre-ranked contribution to the fusion. Items
// must already be ranked (most relevant first); ties are broken by input
// order.
type Source struct {
	Name   string
	Items  []types.SearchResult
	Weight float64
}

// Options controls post-processing applied after fusion.
type Options struct {
	// K is the RRF rank-offset constant. Zero selects the default (60).
	K float64
	// MinScore drops fused results scoring below this threshold (applied
	// after score normalization, if NormalizeScores is set).
	MinScore float64
	// MaxResults truncates the fused list to at most this many results.
	// Zero means unlimited.
	MaxResults int
	// NormalizeScores divides every fused score by the maximum score in
	// the batch, mapping the range to [0,1].
	NormalizeScores bool
}

const defaultK = 60.0

// Fuse combines sources via weighted Reciprocal Rank Fusion:
// score(d) = sum_i w_i / (k + rank_i(d) + 1). Duplicate documents across
// sources are merged, keeping the representative with the highest
// original score; the fused score still accumulates every source's
// contribution.
func Fuse(sources []Source, opts Options) []types.SearchResult {
	k := opts.K
	if k == 0 {
		k = defaultK
	}

	type accumulator struct {
		representative types.SearchResult
		bestScore      float64
		fused          float64
	}

	byKey := make(map[string]*accumulator)
	var order []string

	for _, src := range sources {
		weight := src.Weight
		if weight == 0 {
			weight = 1.0
		}
		for rank, item := range src.Items {
			key := dedupeKey(item)
			acc, exists := byKey[key]
			if !exists {
				acc = &accumulator{representative: item, bestScore: item.Score}
				byKey[key] = acc
				order = append(order, key)
			} else if item.Score > acc.bestScore {
				acc.representative = item
				acc.bestScore = item.Score
			}
			acc.fused += weight / (k + float64(rank+1))
		}
	}

	results := make([]types.SearchResult, 0, len(order))
	for _, key := range order {
		acc := byKey[key]
		r := acc.representative
		r.Score = acc.fused
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	return postProcess(results, opts)
}

// WeightedAverage combines sources by a simple per-document weighted
// average of original scores, rather than rank-based fusion. Useful when
// callers want magnitude-aware blending instead of RRF's rank-only view.
func WeightedAverage(sources []Source, opts Options) []types.SearchResult {
	type accumulator struct {
		representative types.SearchResult
		bestScore      float64
		weightedSum    float64
		weightTotal    float64
	}

	byKey := make(map[string]*accumulator)
	var order []string

	for _, src := range sources {
		weight := src.Weight
		if weight == 0 {
			weight = 1.0
		}
		for _, item := range src.Items {
			key := dedupeKey(item)
			acc, exists := byKey[key]
			if !exists {
				acc = &accumulator{representative: item, bestScore: item.Score}
				byKey[key] = acc
				order = append(order, key)
			} else if item.Score > acc.bestScore {
				acc.representative = item
				acc.bestScore = item.Score
			}
			acc.weightedSum += weight * item.Score
			acc.weightTotal += weight
		}
	}

	results := make([]types.SearchResult, 0, len(order))
	for _, key := range order {
		acc := byKey[key]
		r := acc.representative
		if acc.weightTotal > 0 {
			r.Score = acc.weightedSum / acc.weightTotal
		}
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	return postProcess(results, opts)
}

func postProcess(results []types.SearchResult, opts Options) []types.SearchResult {
	if opts.NormalizeScores && len(results) > 0 {
		max := results[0].Score
		if max > 0 {
			for i := range results {
				results[i].Score /= max
			}
		}
	}

	if opts.MinScore > 0 {
		filtered := results[:0:0]
		for _, r := range results {
			if r.Score >= opts.MinScore {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	if opts.MaxResults > 0 && len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}

	return RemoveNearDuplicates(results)
}

// dedupeKey extracts a stable identity for a search result: the chunk's
// own ID when present, otherwise a content fingerprint.
func dedupeKey(r types.SearchResult) string {
	if r.Chunk.ID != "" {
		return r.Chunk.ID
	}
	return contentFingerprint(r.Chunk.Content)
}

// contentFingerprint hashes the first 300 normalized (lower-cased,
// whitespace-collapsed) characters of content, used as a fallback
// dedup/near-dup key when no stable ID is available.
func contentFingerprint(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	if len(normalized) > 300 {
		normalized = normalized[:300]
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// nearDuplicateFingerprint builds an order-independent fingerprint from
// the sorted bag of the first 20 significant (length >= 2, after
// lower-casing and whitespace splitting) tokens in content. Unlike
// contentFingerprint's exact-prefix hash, this catches documents that
// say the same thing in a different word order or with a reworded lead.
func nearDuplicateFingerprint(content string) string {
	fields := strings.Fields(strings.ToLower(content))
	tokens := make([]string, 0, 20)
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		tokens = append(tokens, f)
		if len(tokens) == 20 {
			break
		}
	}
	sort.Strings(tokens)
	sum := sha256.Sum256([]byte(strings.Join(tokens, " ")))
	return hex.EncodeToString(sum[:])
}

// RemoveNearDuplicates drops later results whose near-duplicate
// fingerprint matches an earlier (higher-ranked) result's, even when
// their chunk IDs and exact content prefixes differ. Order is preserved
// for the surviving results.
func RemoveNearDuplicates(results []types.SearchResult) []types.SearchResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]types.SearchResult, 0, len(results))
	for _, r := range results {
		fp := nearDuplicateFingerprint(r.Chunk.Content)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, r)
	}
	return out
}
