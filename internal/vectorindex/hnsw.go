package vectorindex

import (
	"bufio"
	"context"
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	memerrors "memcore/internal/errors"
	"memcore/pkg/types"
)

// HNSWConfig configures an HNSWIndex.
type HNSWConfig struct {
	Dimension int
	M         int
	EfSearch  int
}

// HNSWIndex is the native ANN backend, built on github.com/coder/hnsw.
// coder/hnsw works over integer keys, so HNSWIndex keeps a string<->key
// mapping alongside the graph; deletes are lazy (the node stays in the
// graph, only the mapping is dropped) because deleting the graph's last
// remaining node is unsafe in the underlying library.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig

	idToKey map[string]uint64
	keyToID map[uint64]string
	nextKey uint64

	closed bool
}

type hnswMetadata struct {
	IDToKey map[string]uint64
	NextKey uint64
	Config  HNSWConfig
}

// NewHNSWIndex builds an empty HNSWIndex for the given dimension.
func NewHNSWIndex(cfg HNSWConfig) *HNSWIndex {
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:   graph,
		config:  cfg,
		idToKey: make(map[string]uint64),
		keyToID: make(map[uint64]string),
	}
}

// Add implements Index.
func (idx *HNSWIndex) Add(ctx context.Context, entries []types.VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return memerrors.Cancelled(err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return memerrors.Storage("hnsw index is closed", nil)
	}

	for _, e := range entries {
		if len(e.Vector) != idx.config.Dimension {
			return memerrors.IndexConsistency(
				DimensionMismatchError{Expected: idx.config.Dimension, Got: len(e.Vector)}.Error())
		}
	}

	for _, e := range entries {
		if existingKey, exists := idx.idToKey[e.ID]; exists {
			delete(idx.keyToID, existingKey)
			delete(idx.idToKey, e.ID)
		}

		key := idx.nextKey
		idx.nextKey++

		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		normalizeInPlace(vec)

		idx.graph.Add(hnsw.MakeNode(key, vec))
		idx.idToKey[e.ID] = key
		idx.keyToID[key] = e.ID
	}

	return nil
}

// Search implements Index.
func (idx *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]types.ScoredID, error) {
	if err := ctx.Err(); err != nil {
		return nil, memerrors.Cancelled(err)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, memerrors.Storage("hnsw index is closed", nil)
	}
	if len(query) != idx.config.Dimension {
		return nil, memerrors.IndexConsistency(
			DimensionMismatchError{Expected: idx.config.Dimension, Got: len(query)}.Error())
	}
	if idx.graph.Len() == 0 {
		return nil, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	nodes := idx.graph.Search(normalized, k)

	results := make([]types.ScoredID, 0, len(nodes))
	for _, node := range nodes {
		id, exists := idx.keyToID[node.Key]
		if !exists {
			continue // lazily-deleted node, still resident in the graph
		}
		distance := idx.graph.Distance(normalized, node.Value)
		results = append(results, types.ScoredID{ID: id, Score: cosineDistanceToScore(distance)})
	}
	return results, nil
}

// Delete implements Index using lazy deletion.
func (idx *HNSWIndex) Delete(ctx context.Context, ids []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return memerrors.Storage("hnsw index is closed", nil)
	}

	for _, id := range ids {
		if key, exists := idx.idToKey[id]; exists {
			delete(idx.keyToID, key)
			delete(idx.idToKey, id)
		}
	}
	return nil
}

// Contains implements Index.
func (idx *HNSWIndex) Contains(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, exists := idx.idToKey[id]
	return exists
}

// AllIDs implements Index.
func (idx *HNSWIndex) AllIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := make([]string, 0, len(idx.idToKey))
	for id := range idx.idToKey {
		ids = append(ids, id)
	}
	return ids
}

// Stats implements Index.
func (idx *HNSWIndex) Stats() types.IndexStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return types.IndexStats{Total: len(idx.idToKey), Dimension: idx.config.Dimension, NativeMode: true}
}

// Orphans reports nodes that remain in the underlying graph after lazy
// deletion; the index manager uses this to decide when a full rebuild
// (rather than incremental writes) is worth the cost.
func (idx *HNSWIndex) Orphans() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.graph.Len() - len(idx.idToKey)
}

// Save implements Index, writing the graph and ID mapping as two files
// (path and path+".meta") via an atomic temp-file-then-rename.
func (idx *HNSWIndex) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return memerrors.Storage("hnsw index is closed", nil)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return memerrors.Storage("create snapshot directory", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return memerrors.Storage("create snapshot file", err)
	}
	if err := idx.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return memerrors.Storage("export hnsw graph", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return memerrors.Storage("close snapshot file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return memerrors.Storage("rename snapshot file", err)
	}

	return idx.saveMetadata(path + ".meta")
}

func (idx *HNSWIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return memerrors.Storage("create snapshot metadata file", err)
	}

	meta := hnswMetadata{IDToKey: idx.idToKey, NextKey: idx.nextKey, Config: idx.config}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return memerrors.Storage("encode snapshot metadata", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return memerrors.Storage("close snapshot metadata file", err)
	}
	return os.Rename(tmpPath, path)
}

// Load implements Index, replacing the graph and mapping with what's on
// disk at path (and path+".meta").
func (idx *HNSWIndex) Load(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return memerrors.Storage("hnsw index is closed", nil)
	}

	if err := idx.loadMetadata(path + ".meta"); err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return memerrors.Storage("open snapshot file", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	if err := idx.graph.Import(reader); err != nil {
		return memerrors.Storage("import hnsw graph", err)
	}
	return nil
}

func (idx *HNSWIndex) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return memerrors.Storage("open snapshot metadata file", err)
	}
	defer file.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return memerrors.Storage("decode snapshot metadata", err)
	}

	idx.idToKey = meta.IDToKey
	idx.keyToID = make(map[uint64]string, len(meta.IDToKey))
	idx.nextKey = meta.NextKey
	idx.config = meta.Config
	for id, key := range idx.idToKey {
		idx.keyToID[key] = id
	}
	return nil
}

// Close implements Index.
func (idx *HNSWIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.closed = true
	idx.graph = nil
	return nil
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// cosineDistanceToScore converts coder/hnsw's cosine distance (0 for
// identical vectors, 2 for opposite) into a [0,1] similarity score.
func cosineDistanceToScore(distance float32) float64 {
	return 1.0 - float64(distance)/2.0
}

var _ Index = (*HNSWIndex)(nil)
