// Package chunkstore provides the single-writer, many-reader SQLite
// backing store for chunks: the durable source of truth that the vector
// index and tag graph are rebuilt from.
package chunkstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"memcore/internal/config"
	memerrors "memcore/internal/errors"
	"memcore/internal/logging"
	"memcore/pkg/types"
)

// ChunkStore is the embedded relational store for chunks, their tags and
// a small key-value area used by the learning store and index manager for
// persisted cursors. A single *sql.DB connection is shared; SQLite's own
// locking plus WAL mode give single-writer/many-reader semantics without
// memcore needing its own write mutex.
type ChunkStore struct {
	db     *sql.DB
	logger logging.Logger
}

// Open creates (or opens) the SQLite database at cfg.DSN, applies
// pragmas, and ensures the schema exists.
func Open(ctx context.Context, cfg config.StorageConfig, logger logging.Logger) (*ChunkStore, error) {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}
	logger = logger.WithComponent("chunkstore")

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, memerrors.Storage("open sqlite database", err)
	}
	db.SetMaxOpenConns(maxInt(cfg.MaxOpenConns, 1))

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, memerrors.Storage("ping sqlite database", err)
	}

	if err := applyPragmas(ctx, db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &ChunkStore{db: db, logger: logger}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB, cfg config.StorageConfig) error {
	pragmas := []string{"PRAGMA foreign_keys=ON"}
	if cfg.EnableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return memerrors.Storage(fmt.Sprintf("execute %s", p), err)
		}
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return memerrors.Storage("begin schema migration", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return memerrors.Storage("apply schema statement", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return memerrors.Storage("commit schema migration", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *ChunkStore) Close() error { return s.db.Close() }

// ContentHash computes the deduplication hash for a chunk's content, used
// to enforce the (source, user_id, agent_id, content) uniqueness invariant.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

// Insert writes a new chunk, its tags, and bumps tag frequencies in the
// same transaction. Returns a Duplicate error if (source, user_id,
// agent_id, content_hash) already exists. The owner's character_name is
// not part of that key, so identical content under two character names of
// the same user and agent is a duplicate.
func (s *ChunkStore) Insert(ctx context.Context, c *types.Chunk) error {
	if err := c.Validate(); err != nil {
		return memerrors.ValidationWrap("invalid chunk", err)
	}
	if c.ContentHash == "" {
		c.ContentHash = ContentHash(c.Content)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerrors.Storage("begin insert transaction", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM chunks WHERE source = ? AND user_id = ? AND agent_id = ? AND content_hash = ?`,
		string(c.Source), c.Owner.UserID, c.Owner.AgentID, c.ContentHash).Scan(&existingID)
	if err == nil {
		return memerrors.Duplicate("chunk with identical content already exists for this owner").WithDetail("existing_id", existingID)
	}
	if err != sql.ErrNoRows {
		return memerrors.Storage("check duplicate chunk", err)
	}

	customJSON, err := marshalCustom(c.Metadata.Custom)
	if err != nil {
		return memerrors.ValidationWrap("encode metadata.custom", err)
	}
	embeddingBlob, err := encodeEmbedding(c.Embedding)
	if err != nil {
		return memerrors.Internal("encode embedding", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chunks (
			id, source, user_id, agent_id, character_name, loader_id,
			content, content_hash, importance, confidence, chunk_type,
			custom_metadata, embedding, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Source), c.Owner.UserID, c.Owner.AgentID, c.Owner.CharacterName, c.LoaderID,
		c.Content, c.ContentHash, c.Metadata.Importance, c.Metadata.Confidence, c.Metadata.Type,
		customJSON, embeddingBlob, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			// A concurrent Insert won the race between our pre-check and
			// this statement; look up who it was so the caller still
			// gets a usable existing_id rather than a bare storage error.
			var raceID string
			if scanErr := tx.QueryRowContext(ctx,
				`SELECT id FROM chunks WHERE source = ? AND user_id = ? AND agent_id = ? AND content_hash = ?`,
				string(c.Source), c.Owner.UserID, c.Owner.AgentID, c.ContentHash).Scan(&raceID); scanErr == nil {
				return memerrors.Duplicate("chunk with identical content already exists for this owner").WithDetail("existing_id", raceID)
			}
			return memerrors.Duplicate("chunk with identical content already exists for this owner")
		}
		return memerrors.Storage("insert chunk", err)
	}

	if err := s.replaceTags(ctx, tx, c.ID, nil, c.Tags); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return memerrors.Storage("commit insert transaction", err)
	}
	return nil
}

// Get fetches a chunk by ID, returning a NotFound error if absent.
func (s *ChunkStore) Get(ctx context.Context, id string) (*types.Chunk, error) {
	row := s.db.QueryRowContext(ctx, selectChunkColumns+` WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, memerrors.NotFound(fmt.Sprintf("chunk %q not found", id))
	}
	if err != nil {
		return nil, memerrors.Storage("scan chunk", err)
	}
	if err := s.loadTags(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// FindByHash looks up a chunk by its dedup key (source, owner.UserID,
// owner.AgentID, content_hash), returning (nil, nil) when there is no
// match. owner.CharacterName is not consulted.
func (s *ChunkStore) FindByHash(ctx context.Context, source types.Source, owner types.Owner, hash string) (*types.Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		selectChunkColumns+` WHERE source = ? AND user_id = ? AND agent_id = ? AND content_hash = ?`,
		string(source), owner.UserID, owner.AgentID, hash)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memerrors.Storage("scan chunk", err)
	}
	if err := s.loadTags(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Update applies patch to the chunk with the given ID in a single
// transaction, refreshing UpdatedAt and tag frequencies as needed.
func (s *ChunkStore) Update(ctx context.Context, id string, patch types.ChunkPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerrors.Storage("begin update transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectChunkColumns+` WHERE id = ?`, id)
	existing, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return memerrors.NotFound(fmt.Sprintf("chunk %q not found", id))
	}
	if err != nil {
		return memerrors.Storage("scan chunk for update", err)
	}

	if patch.Content != nil {
		existing.Content = *patch.Content
	}
	if patch.ContentHash != nil {
		existing.ContentHash = *patch.ContentHash
	}
	if patch.Embedding != nil {
		existing.Embedding = patch.Embedding
	}
	if patch.Metadata != nil {
		existing.Metadata = *patch.Metadata
	}
	if patch.LoaderID != nil {
		existing.LoaderID = *patch.LoaderID
	}
	existing.UpdatedAt = time.Now().UTC()

	customJSON, err := marshalCustom(existing.Metadata.Custom)
	if err != nil {
		return memerrors.ValidationWrap("encode metadata.custom", err)
	}
	embeddingBlob, err := encodeEmbedding(existing.Embedding)
	if err != nil {
		return memerrors.Internal("encode embedding", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE chunks SET content = ?, content_hash = ?, importance = ?, confidence = ?,
			chunk_type = ?, custom_metadata = ?, embedding = ?, loader_id = ?, updated_at = ?
		WHERE id = ?`,
		existing.Content, existing.ContentHash, existing.Metadata.Importance, existing.Metadata.Confidence,
		existing.Metadata.Type, customJSON, embeddingBlob, existing.LoaderID, existing.UpdatedAt, id)
	if err != nil {
		return memerrors.Storage("update chunk", err)
	}

	if patch.Tags != nil {
		if err := s.replaceTags(ctx, tx, id, existing.Tags, types.NormalizeTags(patch.Tags)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return memerrors.Storage("commit update transaction", err)
	}
	return nil
}

// Delete removes a single chunk (and its tag rows, via ON DELETE CASCADE).
func (s *ChunkStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerrors.Storage("begin delete transaction", err)
	}
	defer tx.Rollback()

	if err := s.decrementTagFrequencies(ctx, tx, id); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, id)
	if err != nil {
		return memerrors.Storage("delete chunk", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return memerrors.NotFound(fmt.Sprintf("chunk %q not found", id))
	}

	if err := tx.Commit(); err != nil {
		return memerrors.Storage("commit delete transaction", err)
	}
	return nil
}

// DeleteByFilter removes every chunk matching filter, returning the
// number of rows deleted.
func (s *ChunkStore) DeleteByFilter(ctx context.Context, filter types.Filter) (int, error) {
	where, args := whereClauseFor(filter)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, memerrors.Storage("begin delete-by-filter transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks`+where, args...)
	if err != nil {
		return 0, memerrors.Storage("select chunks for filtered delete", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, memerrors.Storage("scan chunk id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.decrementTagFrequencies(ctx, tx, id); err != nil {
			return 0, err
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM chunks`+where, args...)
	if err != nil {
		return 0, memerrors.Storage("delete chunks by filter", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, memerrors.Storage("commit delete-by-filter transaction", err)
	}
	return int(n), nil
}

// List returns chunks matching filter, ordered by created_at descending.
func (s *ChunkStore) List(ctx context.Context, filter types.Filter) ([]types.Chunk, error) {
	where, args := whereClauseFor(filter)
	query := selectChunkColumns + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, memerrors.Storage("list chunks", err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, memerrors.Storage("scan chunk row", err)
		}
		if err := s.loadTags(ctx, c); err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Count reports how many chunks match filter.
func (s *ChunkStore) Count(ctx context.Context, filter types.Filter) (int, error) {
	where, args := whereClauseFor(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`+where, args...).Scan(&n); err != nil {
		return 0, memerrors.Storage("count chunks", err)
	}
	return n, nil
}

// TextSearch returns chunks whose content contains query as a
// case-insensitive substring, scoped by filter. It backs the degraded
// (embedding-unavailable) retrieval path; ranked BM25 scoring happens in
// the bm25 package over this candidate set, not in SQL.
func (s *ChunkStore) TextSearch(ctx context.Context, query string, filter types.Filter) ([]types.Chunk, error) {
	where, args := whereClauseFor(filter)
	likeClause := "content LIKE ? ESCAPE '\\'"
	pattern := "%" + escapeLike(query) + "%"

	var fullWhere string
	var fullArgs []interface{}
	if where == "" {
		fullWhere = " WHERE " + likeClause
		fullArgs = append([]interface{}{pattern})
	} else {
		fullWhere = where + " AND " + likeClause
		fullArgs = append(append([]interface{}{}, args...), pattern)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectChunkColumns+fullWhere+fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit), fullArgs...)
	if err != nil {
		return nil, memerrors.Storage("text search chunks", err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, memerrors.Storage("scan chunk row", err)
		}
		if err := s.loadTags(ctx, c); err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AllTagFrequencies returns every tag with a non-zero frequency, used to
// seed the tag cooccurrence graph on startup.
func (s *ChunkStore) AllTagFrequencies(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag, frequency FROM tags WHERE frequency > 0`)
	if err != nil {
		return nil, memerrors.Storage("list tag frequencies", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var tag string
		var freq int
		if err := rows.Scan(&tag, &freq); err != nil {
			return nil, memerrors.Storage("scan tag frequency", err)
		}
		out[tag] = freq
	}
	return out, rows.Err()
}

// TagCooccurrences returns, for every pair of tags that appear together on
// at least one chunk, how many chunks share them. Used to seed the PMI
// weights in the tag cooccurrence graph.
func (s *ChunkStore) TagCooccurrences(ctx context.Context) (map[[2]string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.tag, b.tag, COUNT(*)
		FROM chunk_tags a
		JOIN chunk_tags b ON a.chunk_id = b.chunk_id AND a.tag < b.tag
		GROUP BY a.tag, b.tag`)
	if err != nil {
		return nil, memerrors.Storage("list tag cooccurrences", err)
	}
	defer rows.Close()

	out := make(map[[2]string]int)
	for rows.Next() {
		var a, b string
		var count int
		if err := rows.Scan(&a, &b, &count); err != nil {
			return nil, memerrors.Storage("scan tag cooccurrence", err)
		}
		out[[2]string{a, b}] = count
	}
	return out, rows.Err()
}

// AllChunkIDsWithEmbeddings streams every (id, embedding) pair that has a
// non-nil embedding, for rebuilding the vector index from the store.
func (s *ChunkStore) AllChunkIDsWithEmbeddings(ctx context.Context) ([]types.VectorEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, memerrors.Storage("list chunk embeddings", err)
	}
	defer rows.Close()

	var out []types.VectorEntry
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, memerrors.Storage("scan chunk embedding", err)
		}
		vec, err := decodeEmbedding(blob)
		if err != nil {
			return nil, memerrors.Storage("decode chunk embedding", err)
		}
		if len(vec) == 0 {
			continue
		}
		out = append(out, types.VectorEntry{ID: id, Vector: vec})
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func marshalCustom(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return []byte(raw), nil
}

func encodeEmbedding(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEmbedding(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var vec []float32
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&vec); err != nil {
		return nil, err
	}
	return vec, nil
}
