// Package learning maintains the sparse (query_token, memory_id) weight
// table the retrieval coordinator uses to reweight results based on past
// positive and negative feedback signals.
package learning

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"memcore/internal/config"
	"memcore/internal/logging"
	"memcore/pkg/types"
)

const (
	minWeight = -1.0
	maxWeight = 1.0

	minAdjustment = -0.3
	maxAdjustment = 0.3
)

// entry holds one (token, memory_id) weight plus the time it was last
// touched by a feedback signal, used to compute decay's elapsed-days
// factor.
type entry struct {
	weight      float64
	lastUpdated time.Time
}

// Store is the sparse, atomically-updated-per-entry learning weight
// table described by the coordinator's reweight step.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cfg     config.LearningConfig
	logger  logging.Logger
}

// New returns an empty Store.
func New(cfg config.LearningConfig, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}
	return &Store{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  logger.WithComponent("learning"),
	}
}

func key(token, memoryID string) string {
	return token + "|" + memoryID
}

// RecordPositive bumps the weight of every (token, memoryID) pair by
// cfg.PositiveDelta, capped at +1.0.
func (s *Store) RecordPositive(_ context.Context, queryTokens []string, memoryID string) error {
	s.adjustWeights(queryTokens, memoryID, s.cfg.PositiveDelta, maxWeight)
	return nil
}

// RecordNegative lowers the weight of every (token, memoryID) pair by
// cfg.NegativeDelta, floored at -1.0.
func (s *Store) RecordNegative(_ context.Context, queryTokens []string, memoryID string) error {
	s.adjustWeights(queryTokens, memoryID, -s.cfg.NegativeDelta, minWeight)
	return nil
}

func (s *Store) adjustWeights(queryTokens []string, memoryID string, delta, bound float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, tok := range queryTokens {
		k := key(tok, memoryID)
		e, ok := s.entries[k]
		if !ok {
			e = &entry{}
			s.entries[k] = e
		}
		e.weight += delta
		if delta > 0 && e.weight > bound {
			e.weight = bound
		}
		if delta < 0 && e.weight < bound {
			e.weight = bound
		}
		e.lastUpdated = now
	}
}

// Weight returns the stored weight for (token, memoryID), or 0 if no
// feedback has ever touched that pair.
func (s *Store) Weight(token, memoryID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key(token, memoryID)]
	if !ok {
		return 0
	}
	return e.weight
}

// Adjustment sums Weight(tok, memoryID) across queryTokens and clamps
// the result to [-0.3, +0.3], the bound the coordinator applies before
// reweighting a result's score.
func (s *Store) Adjustment(queryTokens []string, memoryID string) float64 {
	sum := 0.0
	for _, tok := range queryTokens {
		sum += s.Weight(tok, memoryID)
	}
	if sum > maxAdjustment {
		return maxAdjustment
	}
	if sum < minAdjustment {
		return minAdjustment
	}
	return sum
}

// Reweight applies new_score = clip(old_score * (1 + adjustment), 0, 1)
// to every result, using the per-result memory ID looked up against
// queryTokens.
func (s *Store) Reweight(queryTokens []string, results []types.SearchResult) []types.SearchResult {
	for i := range results {
		adj := s.Adjustment(queryTokens, results[i].Chunk.ID)
		score := results[i].Score * (1 + adj)
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		results[i].Score = score
	}
	return results
}

// Decay multiplies every entry's weight by cfg.DecayFactor raised to the
// number of elapsed days since it was last touched, so weights untouched
// by fresh feedback fade back toward zero. Intended to run periodically
// (e.g. once a day) from the engine's background routines.
func (s *Store) Decay(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.entries {
		days := now.Sub(e.lastUpdated).Hours() / 24
		if days <= 0 {
			continue
		}
		e.weight *= math.Pow(s.cfg.DecayFactor, days)
		e.lastUpdated = now
		if math.Abs(e.weight) < 1e-6 {
			delete(s.entries, k)
		}
	}
}

// Progress summarizes the learning store's current state for
// MemoryCoordinator.GetLearningProgress.
type Progress struct {
	EntryCount       int     `json:"entry_count"`
	PositiveEntries  int     `json:"positive_entries"`
	NegativeEntries  int     `json:"negative_entries"`
	AverageMagnitude float64 `json:"average_magnitude"`
}

// Progress reports summary statistics over every stored weight.
func (s *Store) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Progress
	var magnitudeSum float64
	for _, e := range s.entries {
		p.EntryCount++
		magnitudeSum += math.Abs(e.weight)
		switch {
		case e.weight > 0:
			p.PositiveEntries++
		case e.weight < 0:
			p.NegativeEntries++
		}
	}
	if p.EntryCount > 0 {
		p.AverageMagnitude = magnitudeSum / float64(p.EntryCount)
	}
	return p
}

// String is a human-readable one-line summary, used in log messages.
func (p Progress) String() string {
	return fmt.Sprintf("entries=%d positive=%d negative=%d avg_magnitude=%.4f",
		p.EntryCount, p.PositiveEntries, p.NegativeEntries, p.AverageMagnitude)
}
