// Package types provides the core data structures shared across memcore:
// chunks, tags, vector entries, learning records and async tasks.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies the backend a chunk originated from.
type Source string

const (
	SourceKnowledge Source = "knowledge"
	SourceMemory    Source = "memory"
	SourceDiary     Source = "diary"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceKnowledge, SourceMemory, SourceDiary:
		return true
	}
	return false
}

// Owner scopes a chunk to a user/agent/character triple. Any field may be
// empty; an empty Owner matches no scoping filter.
type Owner struct {
	UserID        string `json:"user_id,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	CharacterName string `json:"character_name,omitempty"`
}

// IsZero reports whether the owner carries no scoping information.
func (o Owner) IsZero() bool {
	return o.UserID == "" && o.AgentID == "" && o.CharacterName == ""
}

// Metadata is the tagged-variant bag attached to a chunk: the small set of
// concrete shapes the retrieval core actually consumes, plus an opaque
// passthrough blob for anything else (Design Notes: "dynamic unknown
// metadata bags" replaced by a concrete shape + opaque extension).
type Metadata struct {
	Importance int             `json:"importance"` // 0-10
	Confidence float64         `json:"confidence"`  // 0-1
	Type       string          `json:"type,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Custom     json.RawMessage `json:"custom,omitempty"`
}

// Validate checks metadata invariants.
func (m Metadata) Validate() error {
	if m.Importance < 0 || m.Importance > 10 {
		return errors.New("metadata: importance must be between 0 and 10")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return errors.New("metadata: confidence must be between 0 and 1")
	}
	return nil
}

// Chunk is the atomic unit of stored memory (spec.md §3).
type Chunk struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Source      Source    `json:"source"`
	Owner       Owner     `json:"owner"`
	LoaderID    string    `json:"loader_id,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Metadata    Metadata  `json:"metadata"`
	Tags        []string  `json:"tags"`
}

// NewChunk builds a new chunk with a fresh ID, normalized tags and
// trimmed content. The caller is responsible for setting ContentHash and
// Embedding once computed.
func NewChunk(content string, source Source, owner Owner, tags []string) (*Chunk, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("chunk: content cannot be empty")
	}
	if !source.Valid() {
		return nil, fmt.Errorf("chunk: invalid source %q", source)
	}

	now := time.Now().UTC()
	return &Chunk{
		ID:        uuid.New().String(),
		Content:   content,
		Source:    source,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      NormalizeTags(tags),
	}, nil
}

// Validate checks the chunk invariants from spec.md §3.
func (c *Chunk) Validate() error {
	if c.ID == "" {
		return errors.New("chunk: id cannot be empty")
	}
	if strings.TrimSpace(c.Content) == "" {
		return errors.New("chunk: content cannot be empty")
	}
	if !c.Source.Valid() {
		return fmt.Errorf("chunk: invalid source %q", c.Source)
	}
	if err := c.Metadata.Validate(); err != nil {
		return err
	}
	return nil
}

// NormalizeTags lower-cases, trims and de-duplicates tags while preserving
// first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ChunkPatch describes a partial update to a chunk (ChunkStore.Update).
type ChunkPatch struct {
	Content     *string
	ContentHash *string
	Embedding   []float32
	Metadata    *Metadata
	Tags        []string
	LoaderID    *string
}

// Filter narrows ChunkStore.List / DeleteByFilter / Count queries.
type Filter struct {
	Source        Source
	UserID        string
	AgentID       string
	CharacterName string
	LoaderID      string
	Limit         int
	Offset        int
}
