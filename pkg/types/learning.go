package types

// Signal is the feedback direction recorded against a (query token, memory
// id) pair.
type Signal string

const (
	SignalPositive Signal = "positive"
	SignalNegative Signal = "negative"
)

// LearningRecord is one entry of the learning weight table.
type LearningRecord struct {
	QueryToken string  `json:"query_token"`
	MemoryID   string  `json:"memory_id"`
	Weight     float64 `json:"weight"`
}
