package types

// VectorEntry is one row of the vector index: a chunk ID paired with its
// embedding. All entries in a single index share the same vector length
// (the index dimension).
type VectorEntry struct {
	ID     string    `json:"id"`
	Vector []float32 `json:"vector"`
}

// ScoredID pairs an ID with a similarity score in [0,1], higher is more
// similar.
type ScoredID struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// IndexStats describes the current state of a VectorIndex.
type IndexStats struct {
	Total      int  `json:"total"`
	Dimension  int  `json:"dimension"`
	NativeMode bool `json:"native_mode"`
}
