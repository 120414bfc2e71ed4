// Package bm25 scores a candidate set of documents against a query using
// Okapi BM25, with pluggable tokenization for ASCII/Latin and CJK text.
package bm25

import (
	"math"
)

// Scorer computes Okapi BM25 scores over a fixed candidate batch. IDF is
// local to the batch passed to Score, not computed over a global corpus.
type Scorer struct {
	K1        float64
	B         float64
	Tokenizer Tokenizer
}

// DefaultScorer returns a Scorer with spec-standard BM25 parameters
// (k1=1.5, b=0.75) and the ASCII/Latin tokenizer.
func DefaultScorer() *Scorer {
	return &Scorer{K1: 1.5, B: 0.75, Tokenizer: ASCIITokenizer{}}
}

// Document is one candidate to be scored.
type Document struct {
	ID   string
	Text string
}

// Score ranks docs against query, returning a map from document ID to its
// score (empty when the query has no terms). Document length outliers (more than 10x the
// batch's mean token length) receive a 0.9 downweight to prevent long-tail
// documents from dominating purely on length.
func (s *Scorer) Score(query string, docs []Document) map[string]float64 {
	scores := make(map[string]float64, len(docs))
	if len(docs) == 0 {
		return scores
	}

	queryTerms := s.Tokenizer.Tokenize(query)
	if len(queryTerms) == 0 {
		return scores
	}

	tokenized := make([][]string, len(docs))
	docFreq := make(map[string]int)
	totalLen := 0

	for i, d := range docs {
		terms := s.Tokenizer.Tokenize(d.Text)
		tokenized[i] = terms
		totalLen += len(terms)

		seen := make(map[string]struct{}, len(terms))
		for _, t := range terms {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			docFreq[t]++
		}
	}

	n := len(docs)
	avgLen := float64(totalLen) / float64(n)
	meanLen := avgLen

	idf := make(map[string]float64, len(queryTerms))
	for _, t := range dedupe(queryTerms) {
		df := docFreq[t]
		idf[t] = math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1)
	}

	for i, d := range docs {
		terms := tokenized[i]
		termFreq := make(map[string]int, len(terms))
		for _, t := range terms {
			termFreq[t]++
		}

		docLen := float64(len(terms))
		score := 0.0
		for _, qt := range queryTerms {
			f := float64(termFreq[qt])
			if f == 0 {
				continue
			}
			numerator := f * (s.K1 + 1)
			denominator := f + s.K1*(1-s.B+s.B*docLen/avgLen)
			score += idf[qt] * numerator / denominator
		}

		if meanLen > 0 && docLen > 10*meanLen {
			score *= 0.9
		}

		scores[d.ID] = score
	}

	return scores
}

func dedupe(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
