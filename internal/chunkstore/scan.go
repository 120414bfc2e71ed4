package chunkstore

import (
	"context"
	"database/sql"
	"encoding/json"

	memerrors "memcore/internal/errors"
	"memcore/pkg/types"
)

const selectChunkColumns = `SELECT
	id, source, user_id, agent_id, character_name, loader_id,
	content, content_hash, importance, confidence, chunk_type,
	custom_metadata, embedding, created_at, updated_at
FROM chunks`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row rowScanner) (*types.Chunk, error) {
	var c types.Chunk
	var source string
	var customBlob []byte
	var embeddingBlob []byte

	err := row.Scan(
		&c.ID, &source, &c.Owner.UserID, &c.Owner.AgentID, &c.Owner.CharacterName, &c.LoaderID,
		&c.Content, &c.ContentHash, &c.Metadata.Importance, &c.Metadata.Confidence, &c.Metadata.Type,
		&customBlob, &embeddingBlob, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Source = types.Source(source)
	if len(customBlob) > 0 {
		c.Metadata.Custom = json.RawMessage(customBlob)
	}
	embedding, decodeErr := decodeEmbedding(embeddingBlob)
	if decodeErr != nil {
		return nil, decodeErr
	}
	c.Embedding = embedding
	return &c, nil
}

// loadTags populates c.Tags from chunk_tags, ordered alphabetically.
func (s *ChunkStore) loadTags(ctx context.Context, c *types.Chunk) error {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM chunk_tags WHERE chunk_id = ? ORDER BY tag`, c.ID)
	if err != nil {
		return memerrors.Storage("load chunk tags", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return memerrors.Storage("scan chunk tag", err)
		}
		tags = append(tags, tag)
	}
	c.Tags = tags
	return rows.Err()
}

// replaceTags diffs oldTags against newTags, inserting/removing
// chunk_tags rows and adjusting the tags.frequency counters for exactly
// the tags that changed membership (invariant I4: tag frequency tracks
// actual chunk_tags membership).
func (s *ChunkStore) replaceTags(ctx context.Context, tx *sql.Tx, chunkID string, oldTags, newTags []string) error {
	oldSet := toSet(oldTags)
	newSet := toSet(newTags)

	for tag := range newSet {
		if _, existed := oldSet[tag]; existed {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO chunk_tags (chunk_id, tag) VALUES (?, ?)`, chunkID, tag); err != nil {
			return memerrors.Storage("insert chunk tag", err)
		}
		if err := bumpTagFrequency(ctx, tx, tag, 1); err != nil {
			return err
		}
	}

	for tag := range oldSet {
		if _, stillPresent := newSet[tag]; stillPresent {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_tags WHERE chunk_id = ? AND tag = ?`, chunkID, tag); err != nil {
			return memerrors.Storage("delete chunk tag", err)
		}
		if err := bumpTagFrequency(ctx, tx, tag, -1); err != nil {
			return err
		}
	}
	return nil
}

// decrementTagFrequencies lowers tags.frequency by one for every tag
// associated with chunkID. It is called before the chunk row itself is
// deleted; the chunk_tags rows go with that row via ON DELETE CASCADE.
func (s *ChunkStore) decrementTagFrequencies(ctx context.Context, tx *sql.Tx, chunkID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT tag FROM chunk_tags WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return memerrors.Storage("select chunk tags for delete", err)
	}
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			rows.Close()
			return memerrors.Storage("scan chunk tag", err)
		}
		tags = append(tags, tag)
	}
	rows.Close()

	for _, tag := range tags {
		if err := bumpTagFrequency(ctx, tx, tag, -1); err != nil {
			return err
		}
	}
	return nil
}

func bumpTagFrequency(ctx context.Context, tx *sql.Tx, tag string, delta int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tags (tag, frequency) VALUES (?, MAX(?, 0))
		ON CONFLICT(tag) DO UPDATE SET frequency = MAX(frequency + ?, 0)`,
		tag, delta, delta)
	if err != nil {
		return memerrors.Storage("update tag frequency", err)
	}
	return nil
}

func toSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}

// whereClauseFor builds a " WHERE ..." SQL fragment (or "" if filter is
// empty) and its bind args from a types.Filter.
func whereClauseFor(filter types.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, string(filter.Source))
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.CharacterName != "" {
		conds = append(conds, "character_name = ?")
		args = append(args, filter.CharacterName)
	}
	if filter.LoaderID != "" {
		conds = append(conds, "loader_id = ?")
		args = append(args, filter.LoaderID)
	}

	if len(conds) == 0 {
		return "", nil
	}

	where := " WHERE "
	for i, cond := range conds {
		if i > 0 {
			where += " AND "
		}
		where += cond
	}
	return where, args
}
