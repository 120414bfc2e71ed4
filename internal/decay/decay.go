// Package decay implements optional periodic importance decay over the
// chunk store: chunks whose relevance has fallen below a deletion floor
// are removed, chunks below a summarization floor are merged into a
// single successor chunk linked by internal/relationships, and chunks in
// between are left alone (their stored importance is a caller-supplied
// value, not something this package rewrites in place).
//
// Not named in spec.md's component table, but the metadata model's
// "importance 0-10" field has to mean something over the chunk's
// lifetime, and memcore's teacher already builds exactly this kind of
// background routine (internal/decay/memory_decay.go). Wired as an
// optional background routine on Engine, off by default.
package decay

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"memcore/internal/chunkstore"
	"memcore/internal/events"
	"memcore/internal/indexmanager"
	"memcore/internal/logging"
	"memcore/internal/relationships"
	"memcore/pkg/types"
)

// Strategy names a time-decay curve applied to a chunk's base score.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyAdaptive    Strategy = "adaptive"
)

// Config controls the decay manager's scoring and scheduling.
type Config struct {
	Strategy Strategy

	// BaseDecayRate is the fraction of score removed per 30 days under
	// the linear strategy, and the adaptive strategy's first-week rate.
	BaseDecayRate float64

	// SummarizationThreshold: chunks scoring below this (and above
	// DeletionThreshold) are candidates for merge-into-successor.
	SummarizationThreshold float64

	// DeletionThreshold: chunks scoring below this are deleted outright.
	DeletionThreshold float64

	// RetentionPeriod is the minimum chunk age before decay applies at
	// all; anything younger is skipped regardless of score.
	RetentionPeriod time.Duration

	// Interval is how often RunLoop invokes Run.
	Interval time.Duration

	// ImportanceBoost multiplies the base score for chunks whose
	// metadata.Type matches a key here (e.g. "decision" chunks decay
	// slower than idle chatter).
	ImportanceBoost map[string]float64
}

// DefaultConfig mirrors the teacher's DefaultDecayConfig numbers.
func DefaultConfig() Config {
	return Config{
		Strategy:               StrategyAdaptive,
		BaseDecayRate:          0.1,
		SummarizationThreshold: 0.4,
		DeletionThreshold:      0.1,
		RetentionPeriod:        7 * 24 * time.Hour,
		Interval:               24 * time.Hour,
		ImportanceBoost: map[string]float64{
			"decision": 2.0,
			"problem":  1.5,
			"solution": 1.8,
			"learning": 1.6,
			"error":    1.7,
		},
	}
}

// Summarizer condenses a group of chunks into one successor chunk's
// content. Best-effort: a failure just skips that group this round.
type Summarizer interface {
	Summarize(ctx context.Context, chunks []types.Chunk) (string, error)
}

// Manager runs the decay process, either once (Run) or on a ticker
// (RunLoop), against a ChunkStore and its paired sub-index.
type Manager struct {
	cfg        Config
	store      *chunkstore.ChunkStore
	index      *indexmanager.Manager
	relations  *relationships.Manager
	summarizer Summarizer
	bus        *events.Bus
	logger     logging.Logger

	stopCh  chan struct{}
	running bool
}

// New builds a decay Manager. summarizer may be nil, in which case
// summarization-eligible chunks are left in place rather than merged.
func New(cfg Config, store *chunkstore.ChunkStore, index *indexmanager.Manager, relations *relationships.Manager, summarizer Summarizer, bus *events.Bus, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		index:      index,
		relations:  relations,
		summarizer: summarizer,
		bus:        bus,
		logger:     logger.WithComponent("decay"),
		stopCh:     make(chan struct{}),
	}
}

// RunLoop runs Run on cfg.Interval until ctx is cancelled or Stop is
// called. Intended to be started in its own goroutine.
func (m *Manager) RunLoop(ctx context.Context, filter types.Filter) {
	m.running = true
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	if _, err := m.Run(ctx, filter); err != nil {
		m.logger.ErrorContext(ctx, "initial decay run failed", "error", err)
	}
	for {
		select {
		case <-ticker.C:
			if _, err := m.Run(ctx, filter); err != nil {
				m.logger.ErrorContext(ctx, "decay run failed", "error", err)
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends a running RunLoop.
func (m *Manager) Stop() {
	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

// Report summarizes one Run's effect.
type Report struct {
	Scanned      int
	Deleted      int
	Summarized   int
	SkippedGroup int
}

// scored pairs a chunk with its computed relevance score.
type scored struct {
	chunk types.Chunk
	score float64
}

// Run scans filter-matching chunks once, deletes those below
// DeletionThreshold, and merges groups below SummarizationThreshold
// (grouped by loader ID, split on time gaps) into one successor chunk
// each via the summarizer, linking the successor to its sources with a
// relationships.TypeSupersedes edge.
func (m *Manager) Run(ctx context.Context, filter types.Filter) (Report, error) {
	chunks, err := m.store.List(ctx, filter)
	if err != nil {
		return Report{}, fmt.Errorf("decay: list chunks: %w", err)
	}

	now := time.Now().UTC()
	var toDelete []types.Chunk
	toSummarize := make(map[string][]scored)

	for _, c := range chunks {
		age := now.Sub(c.CreatedAt)
		if age < m.cfg.RetentionPeriod {
			continue
		}
		sc := m.score(c, age)
		switch {
		case sc < m.cfg.DeletionThreshold:
			toDelete = append(toDelete, c)
		case sc < m.cfg.SummarizationThreshold:
			toSummarize[c.LoaderID] = append(toSummarize[c.LoaderID], scored{chunk: c, score: sc})
		}
	}

	report := Report{Scanned: len(chunks)}

	for loaderID, group := range toSummarize {
		for _, g := range m.splitByTimeGap(group, 4*time.Hour) {
			if len(g) < 2 || m.summarizer == nil {
				report.SkippedGroup++
				continue
			}
			if err := m.summarizeGroup(ctx, loaderID, g); err != nil {
				m.logger.WarnContext(ctx, "summarize group failed", "loader_id", loaderID, "error", err)
				report.SkippedGroup++
				continue
			}
			report.Summarized += len(g)
		}
	}

	for _, c := range toDelete {
		if err := m.deleteChunk(ctx, c); err != nil {
			m.logger.WarnContext(ctx, "delete decayed chunk failed", "id", c.ID, "error", err)
			continue
		}
		report.Deleted++
	}

	m.logger.InfoContext(ctx, "decay run complete",
		"scanned", report.Scanned, "deleted", report.Deleted,
		"summarized", report.Summarized, "skipped_groups", report.SkippedGroup)
	return report, nil
}

// score computes a chunk's current relevance: a base of 1.0, time-decayed
// per cfg.Strategy, boosted by metadata.Type membership in
// ImportanceBoost, and boosted again by relationship fan-in (chunks other
// chunks point back to are more load-bearing than isolated ones).
func (m *Manager) score(c types.Chunk, age time.Duration) float64 {
	s := m.applyTimeDecay(1.0, age)

	if boost, ok := m.cfg.ImportanceBoost[c.Metadata.Type]; ok {
		s *= boost
	}
	if c.Metadata.Importance > 0 {
		s *= 1.0 + float64(c.Metadata.Importance)/20.0 // up to +50% at importance 10
	}
	if m.relations != nil {
		if n := len(m.relations.For(c.ID)); n > 0 {
			s *= 1.0 + float64(n)/10.0
		}
	}
	return math.Max(0.0, math.Min(1.0, s))
}

func (m *Manager) applyTimeDecay(score float64, age time.Duration) float64 {
	days := age.Hours() / 24.0
	switch m.cfg.Strategy {
	case StrategyLinear:
		return score * math.Max(0.0, 1.0-(m.cfg.BaseDecayRate*days/30.0))
	case StrategyExponential:
		return score * math.Pow(0.5, days/30.0)
	case StrategyAdaptive:
		switch {
		case days < 7:
			return score * (1.0 - m.cfg.BaseDecayRate*0.1*days/7.0)
		case days < 30:
			return score * (0.9 - m.cfg.BaseDecayRate*0.3*(days-7)/23.0)
		default:
			return score * math.Pow(0.6, (days-30)/30.0)
		}
	default:
		return score
	}
}

// splitByTimeGap orders a group by CreatedAt and splits it wherever two
// consecutive chunks are more than maxGap apart, so a stale-but-unrelated
// pair sharing a loader ID is never merged into one summary.
func (m *Manager) splitByTimeGap(group []scored, maxGap time.Duration) [][]scored {
	if len(group) == 0 {
		return nil
	}
	sort.Slice(group, func(i, j int) bool {
		return group[i].chunk.CreatedAt.Before(group[j].chunk.CreatedAt)
	})

	var groups [][]scored
	current := []scored{group[0]}
	for i := 1; i < len(group); i++ {
		gap := group[i].chunk.CreatedAt.Sub(group[i-1].chunk.CreatedAt)
		if gap > maxGap {
			groups = append(groups, current)
			current = []scored{group[i]}
			continue
		}
		current = append(current, group[i])
	}
	return append(groups, current)
}

func (m *Manager) summarizeGroup(ctx context.Context, loaderID string, group []scored) error {
	source := make([]types.Chunk, len(group))
	for i, g := range group {
		source[i] = g.chunk
	}

	content, err := m.summarizer.Summarize(ctx, source)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	tags := make([]string, 0)
	for _, c := range source {
		tags = append(tags, c.Tags...)
	}
	successor, err := types.NewChunk(content, source[0].Source, source[0].Owner, types.NormalizeTags(tags))
	if err != nil {
		return fmt.Errorf("build successor chunk: %w", err)
	}
	successor.LoaderID = loaderID
	successor.Metadata.Type = "summary"

	if err := m.store.Insert(ctx, successor); err != nil {
		return fmt.Errorf("insert successor: %w", err)
	}

	for _, c := range source {
		if m.relations != nil {
			if _, err := m.relations.Add(ctx, successor.ID, c.ID, relationships.TypeSupersedes, 1.0, "decay summarization"); err != nil {
				m.logger.WarnContext(ctx, "record supersedes edge failed", "error", err)
			}
		}
		if err := m.deleteChunk(ctx, c); err != nil {
			m.logger.WarnContext(ctx, "delete superseded chunk failed", "id", c.ID, "error", err)
		}
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.TypeChunkWritten, ChunkID: successor.ID, OccurredAt: time.Now().UTC()})
	}
	return nil
}

// deleteChunk removes a chunk's row, its index entry (no dangling
// vectors, per spec.md I6), and publishes TypeChunkDeleted.
func (m *Manager) deleteChunk(ctx context.Context, c types.Chunk) error {
	if err := m.store.Delete(ctx, c.ID); err != nil {
		return err
	}
	if m.index != nil {
		if err := m.index.Delete(ctx, c.Owner.CharacterName, []string{c.ID}); err != nil {
			m.logger.WarnContext(ctx, "delete from index failed", "id", c.ID, "error", err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.TypeChunkDeleted, ChunkID: c.ID, OccurredAt: time.Now().UTC()})
	}
	return nil
}
