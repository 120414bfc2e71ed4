// Package vectorindex provides approximate and exact nearest-neighbor
// search over chunk embeddings, backing the dense-retrieval half of the
// retrieval pipeline.
package vectorindex

import (
	"context"
	"fmt"

	"memcore/pkg/types"
)

// Index is the contract both the native HNSW index and the brute-force
// flat fallback satisfy. A single Index holds vectors of one fixed
// dimension; mixing dimensions is a caller error (see
// ErrDimensionMismatch).
type Index interface {
	// Add inserts or replaces the vectors for the given entries.
	Add(ctx context.Context, entries []types.VectorEntry) error
	// Search returns the k nearest neighbors to query, ordered by
	// descending similarity score.
	Search(ctx context.Context, query []float32, k int) ([]types.ScoredID, error)
	// Delete removes the given IDs from the index, if present.
	Delete(ctx context.Context, ids []string) error
	// Contains reports whether id currently has a vector in the index.
	Contains(id string) bool
	// AllIDs returns every ID currently indexed, for consistency checks
	// against the chunk store.
	AllIDs() []string
	// Stats reports size and dimension of the index.
	Stats() types.IndexStats
	// Save persists the index to path.
	Save(path string) error
	// Load replaces the index's contents with what's stored at path.
	Load(path string) error
	// Close releases any resources held by the index.
	Close() error
}

// DimensionMismatchError reports that a vector's length didn't match the
// index's configured dimension.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
