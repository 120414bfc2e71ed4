// Package indexmanager owns one VectorIndex per character (plus a default
// global index for cross-character search), lazy-loads and saves them
// together, and rebuilds them from the chunk store's durable embeddings
// when a sub-index is missing, corrupt, or dimension-mismatched.
package indexmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"memcore/internal/chunkstore"
	"memcore/internal/config"
	"memcore/internal/embedding"
	memerrors "memcore/internal/errors"
	"memcore/internal/logging"
	"memcore/internal/vectorindex"
	"memcore/pkg/types"
)

// rebuildBatchSize is how many chunks are re-embedded per provider call
// during a full or scoped rebuild.
const rebuildBatchSize = 10

// dimensionProbeText is embedded with no dimension-truncation parameter
// to discover a provider's actual native output dimension, exposing
// proxies that silently shorten vectors.
const dimensionProbeText = "memcore dimension probe"

// GlobalCharacter names the cross-character sub-index used when a chunk
// carries no character_name, and as the fan-out target for searches that
// aren't scoped to one character.
const GlobalCharacter = "_global"

// ProgressFunc reports rebuild progress: phase is a short label
// ("deleting", "reading", "embedding", "inserting", "complete", or
// "recover" during RecoverFromBackingStore), current/total describe item
// counts within that phase, and message is a human-readable detail.
type ProgressFunc func(phase string, current, total int, message string)

// Manager owns the set of per-character VectorIndex instances.
type Manager struct {
	mu      sync.RWMutex
	indices map[string]vectorindex.Index

	store  *chunkstore.ChunkStore
	cfg    config.VectorIndexConfig
	logger logging.Logger
}

// New returns an empty Manager backed by store for rebuilds.
func New(store *chunkstore.ChunkStore, cfg config.VectorIndexConfig, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}
	return &Manager{
		indices: make(map[string]vectorindex.Index),
		store:   store,
		cfg:     cfg,
		logger:  logger.WithComponent("indexmanager"),
	}
}

func (m *Manager) newIndex() vectorindex.Index {
	if m.cfg.FlatFallback {
		return vectorindex.NewFlatIndex(m.cfg.Dimension)
	}
	return vectorindex.NewHNSWIndex(vectorindex.HNSWConfig{
		Dimension: m.cfg.Dimension,
		M:         m.cfg.M,
		EfSearch:  m.cfg.EfSearch,
	})
}

func (m *Manager) snapshotPath(character string) string {
	return filepath.Join(m.cfg.SnapshotDir, character+".idx")
}

// indexFor lazily creates the sub-index for character, loading it from
// its snapshot when one is readable (starting empty otherwise), and
// normalizes an empty name to GlobalCharacter.
func (m *Manager) indexFor(character string) vectorindex.Index {
	if character == "" {
		character = GlobalCharacter
	}

	m.mu.RLock()
	idx, ok := m.indices[character]
	m.mu.RUnlock()
	if ok {
		return idx
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.indices[character]; ok {
		return idx
	}
	idx = m.newIndex()
	if err := idx.Load(m.snapshotPath(character)); err != nil {
		m.logger.Debug(fmt.Sprintf("no existing snapshot for %q, starting empty: %v", character, err))
	}
	m.indices[character] = idx
	return idx
}

// Add inserts entries into character's sub-index, creating it if needed.
func (m *Manager) Add(ctx context.Context, character string, entries []types.VectorEntry) error {
	return m.indexFor(character).Add(ctx, entries)
}

// Delete removes ids from character's sub-index.
func (m *Manager) Delete(ctx context.Context, character string, ids []string) error {
	return m.indexFor(character).Delete(ctx, ids)
}

// Search queries a single character's sub-index.
func (m *Manager) Search(ctx context.Context, character string, query []float32, k int) ([]types.ScoredID, error) {
	return m.indexFor(character).Search(ctx, query, k)
}

// SearchAll fans out across every loaded sub-index and unions the results
// by score, descending. Used for cross-character queries.
func (m *Manager) SearchAll(ctx context.Context, query []float32, k int) ([]types.ScoredID, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.indices))
	for name := range m.indices {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var union []types.ScoredID
	for _, name := range names {
		results, err := m.Search(ctx, name, query, k)
		if err != nil {
			return nil, err
		}
		union = append(union, results...)
	}

	sortScoredDescending(union)
	if len(union) > k {
		union = union[:k]
	}
	return union, nil
}

// SaveAll persists every loaded sub-index to its snapshot path.
func (m *Manager) SaveAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, idx := range m.indices {
		if err := idx.Save(m.snapshotPath(name)); err != nil {
			return memerrors.Storage(fmt.Sprintf("save sub-index %q", name), err)
		}
	}
	return nil
}

// RebuildSingleCharacter discards character's in-memory sub-index and
// rebuilds it by re-embedding (via provider) every chunk matching that
// character, writing each fresh vector back to its chunk row as well as
// into the new index.
func (m *Manager) RebuildSingleCharacter(ctx context.Context, character string, provider embedding.Provider, progress ProgressFunc) error {
	if character == "" {
		character = GlobalCharacter
	}

	filter := types.Filter{}
	if character != GlobalCharacter {
		filter.CharacterName = character
	}
	return m.rebuildFromFilter(ctx, character, filter, provider, progress)
}

// RebuildSingleDiary rebuilds the sub-index restricted to a single
// (source=diary, loaderID) batch — the loader-scoped equivalent of
// RebuildSingleCharacter for diary-sourced ingest batches.
func (m *Manager) RebuildSingleDiary(ctx context.Context, character, loaderID string, provider embedding.Provider, progress ProgressFunc) error {
	if character == "" {
		character = GlobalCharacter
	}
	return m.rebuildFromFilter(ctx, character, types.Filter{Source: types.SourceDiary, LoaderID: loaderID}, provider, progress)
}

// RebuildAll deletes every sub-index's snapshot, re-instantiates fresh
// indices at the provider's current dimension, and re-embeds every chunk
// in the store in batches of rebuildBatchSize, writing each vector back
// to its chunk row and into the matching sub-index.
func (m *Manager) RebuildAll(ctx context.Context, provider embedding.Provider, progress ProgressFunc) error {
	probe, err := provider.Embed(ctx, dimensionProbeText)
	if err != nil {
		return memerrors.ExternalTransient("rebuild dimension probe failed", err)
	}

	report(progress, "deleting", 0, 0, "dropping existing sub-index snapshots")
	m.mu.Lock()
	for name, idx := range m.indices {
		idx.Close()
		delete(m.indices, name)
	}
	snapshots, _ := filepath.Glob(filepath.Join(m.cfg.SnapshotDir, "*.idx*"))
	for _, path := range snapshots {
		os.Remove(path)
	}
	m.cfg.Dimension = len(probe)
	m.mu.Unlock()

	return m.rebuildFromFilter(ctx, "", types.Filter{}, provider, progress)
}

// rebuildFromFilter is the shared re-embedding procedure behind
// RebuildSingleCharacter, RebuildSingleDiary, and RebuildAll: (i) read
// matching chunks from the store, (ii) embed their content in batches,
// (iii) write the fresh vector back to the chunk row, (iv) group by
// character and insert into a freshly built sub-index per character (a
// loader-scoped filter instead adds into the character's existing
// sub-index, so its other vectors are kept), (v) save every rebuilt
// sub-index.
func (m *Manager) rebuildFromFilter(ctx context.Context, scopedCharacter string, filter types.Filter, provider embedding.Provider, progress ProgressFunc) error {
	report(progress, "reading", 0, 0, "scanning chunk store")
	chunks, err := m.store.List(ctx, filter)
	if err != nil {
		return err
	}

	byCharacter := make(map[string][]types.VectorEntry)
	total := len(chunks)

	for batchStart := 0; batchStart < total; batchStart += rebuildBatchSize {
		end := batchStart + rebuildBatchSize
		if end > total {
			end = total
		}
		batch := chunks[batchStart:end]

		report(progress, "embedding", batchStart, total, fmt.Sprintf("embedding chunks %d-%d of %d", batchStart+1, end, total))

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vectors, err := provider.EmbedBatch(ctx, texts)
		if err != nil {
			return memerrors.ExternalTransient("rebuild embedding batch failed", err)
		}

		report(progress, "inserting", batchStart, total, "writing fresh vectors back to the store")
		for i, c := range batch {
			vec := vectors[i]
			if err := m.store.Update(ctx, c.ID, types.ChunkPatch{Embedding: vec}); err != nil {
				return err
			}
			character := c.Owner.CharacterName
			if character == "" {
				character = GlobalCharacter
			}
			byCharacter[character] = append(byCharacter[character], types.VectorEntry{ID: c.ID, Vector: vec})
		}
	}

	characters := make([]string, 0, len(byCharacter))
	for character := range byCharacter {
		characters = append(characters, character)
	}
	if scopedCharacter != "" && len(byCharacter) == 0 {
		characters = []string{scopedCharacter}
	}

	for i, character := range characters {
		entries := byCharacter[character]
		report(progress, "inserting", i, len(characters), fmt.Sprintf("building sub-index %q (%d vectors)", character, len(entries)))

		fresh := m.newIndex()
		if filter.LoaderID != "" {
			fresh = m.indexFor(character)
		}
		if len(entries) > 0 {
			if err := fresh.Add(ctx, entries); err != nil {
				return err
			}
		}
		if err := fresh.Save(m.snapshotPath(character)); err != nil {
			return err
		}

		m.mu.Lock()
		if old, ok := m.indices[character]; ok && old != fresh {
			old.Close()
		}
		m.indices[character] = fresh
		m.mu.Unlock()
	}

	report(progress, "complete", total, total, "rebuild complete")
	return nil
}

// RecoverFromBackingStore loads every sub-index from its snapshot path,
// falling back for any sub-index whose snapshot is missing or fails to
// load to reconstructing it directly from the chunk store's already
// persisted embeddings, with no re-embedding (spec's dangling-vector /
// referential-integrity invariant: a sub-index is always recoverable
// from the chunk store alone).
func (m *Manager) RecoverFromBackingStore(ctx context.Context, characters []string, progress ProgressFunc) error {
	for i, character := range characters {
		report(progress, "recover", i, len(characters), fmt.Sprintf("recovering %q", character))

		idx := m.newIndex()
		if err := idx.Load(m.snapshotPath(character)); err != nil {
			m.logger.Warn(fmt.Sprintf("snapshot for %q unreadable, recovering from stored embeddings: %v", character, err))
			if err := m.recoverCharacterFromStore(ctx, character); err != nil {
				return err
			}
			continue
		}

		m.mu.Lock()
		m.indices[character] = idx
		m.mu.Unlock()
	}
	return nil
}

// recoverCharacterFromStore rebuilds character's sub-index from chunk rows
// that already carry a stored embedding, with no provider call — the
// no-re-embedding counterpart to rebuildFromFilter, used only when a
// snapshot fails to load.
func (m *Manager) recoverCharacterFromStore(ctx context.Context, character string) error {
	entries, _, err := m.entriesForCharacter(ctx, character)
	if err != nil {
		return err
	}

	fresh := m.newIndex()
	if len(entries) > 0 {
		if err := fresh.Add(ctx, entries); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if old, ok := m.indices[character]; ok {
		old.Close()
	}
	m.indices[character] = fresh
	m.mu.Unlock()

	return fresh.Save(m.snapshotPath(character))
}

// HealthReport describes the result of ValidateHealth for one character.
type HealthReport struct {
	Character        string `json:"character"`
	IndexedCount      int    `json:"indexed_count"`
	StoreCount        int    `json:"store_count"`
	DanglingVectors   int    `json:"dangling_vectors"`
	MissingFromIndex  int    `json:"missing_from_index"`
	DimensionMismatch bool   `json:"dimension_mismatch"`
}

// ValidateHealth cross-checks character's sub-index against the chunk
// store: vectors indexed for IDs the store no longer has (dangling,
// invariant I6), and chunks with embeddings that never made it into the
// index (missing).
func (m *Manager) ValidateHealth(ctx context.Context, character string) (HealthReport, error) {
	idx := m.indexFor(character)
	indexedIDs := idx.AllIDs()
	indexedSet := make(map[string]struct{}, len(indexedIDs))
	for _, id := range indexedIDs {
		indexedSet[id] = struct{}{}
	}

	filter := types.Filter{}
	if character != GlobalCharacter {
		filter.CharacterName = character
	}
	chunks, err := m.store.List(ctx, filter)
	if err != nil {
		return HealthReport{}, err
	}

	storeSet := make(map[string]struct{}, len(chunks))
	missing := 0
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		storeSet[c.ID] = struct{}{}
		if _, ok := indexedSet[c.ID]; !ok {
			missing++
		}
	}

	dangling := 0
	for id := range indexedSet {
		if _, ok := storeSet[id]; !ok {
			dangling++
		}
	}

	return HealthReport{
		Character:         character,
		IndexedCount:      len(indexedIDs),
		StoreCount:        len(storeSet),
		DanglingVectors:   dangling,
		MissingFromIndex:  missing,
		DimensionMismatch: idx.Stats().Dimension != m.cfg.Dimension,
	}, nil
}

// DimensionMismatchReport is the result of probing a provider's actual
// native output dimension against what a sub-index and the manager's
// configuration expect.
type DimensionMismatchReport struct {
	Mismatched bool   `json:"mismatched"`
	IndexDim   int    `json:"index_dim"`
	ConfigDim  int    `json:"config_dim"`
	ProbeDim   int    `json:"probe_dim"`
	ModelID    string `json:"model_id"`
}

// DetectDimensionMismatch embeds a fixed probe string through provider
// with no truncation parameter, to discover the provider's actual native
// output dimension — this exposes proxies that silently shorten vectors,
// which provider.Dimension() alone would not catch (spec invariant I2:
// a single dimension per index).
func (m *Manager) DetectDimensionMismatch(ctx context.Context, character string, provider embedding.Provider, modelID string) (DimensionMismatchReport, error) {
	idx := m.indexFor(character)
	indexDim := idx.Stats().Dimension

	probe, err := provider.Embed(ctx, dimensionProbeText)
	if err != nil {
		return DimensionMismatchReport{}, memerrors.ExternalTransient("dimension probe embedding failed", err)
	}
	probeDim := len(probe)

	mismatched := probeDim != m.cfg.Dimension
	if indexDim != 0 {
		mismatched = mismatched || probeDim != indexDim
	}

	return DimensionMismatchReport{
		Mismatched: mismatched,
		IndexDim:   indexDim,
		ConfigDim:  m.cfg.Dimension,
		ProbeDim:   probeDim,
		ModelID:    modelID,
	}, nil
}

func (m *Manager) entriesForCharacter(ctx context.Context, character string) ([]types.VectorEntry, int, error) {
	if character == GlobalCharacter {
		all, err := m.store.AllChunkIDsWithEmbeddings(ctx)
		return all, len(all), err
	}

	chunks, err := m.store.List(ctx, types.Filter{CharacterName: character})
	if err != nil {
		return nil, 0, err
	}
	entries := make([]types.VectorEntry, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		entries = append(entries, types.VectorEntry{ID: c.ID, Vector: c.Embedding})
	}
	return entries, len(chunks), nil
}

func report(progress ProgressFunc, phase string, current, total int, message string) {
	if progress != nil {
		progress(phase, current, total, message)
	}
}

// sortScoredDescending orders by score descending, breaking ties by id
// ascending so SearchAll's fan-out merge is deterministic regardless of
// the order its per-character searches complete in.
func sortScoredDescending(items []types.ScoredID) {
	less := func(a, b types.ScoredID) bool {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.ID < b.ID
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && less(items[j], items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
