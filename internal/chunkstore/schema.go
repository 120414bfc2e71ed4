package chunkstore

// schemaStatements creates memcore's tables idempotently. Order matters:
// chunk_tags references chunks via chunk_id, so chunks is created first.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS chunks (
		id              TEXT PRIMARY KEY,
		source          TEXT NOT NULL,
		user_id         TEXT NOT NULL DEFAULT '',
		agent_id        TEXT NOT NULL DEFAULT '',
		character_name  TEXT NOT NULL DEFAULT '',
		loader_id       TEXT NOT NULL DEFAULT '',
		content         TEXT NOT NULL,
		content_hash    TEXT NOT NULL,
		importance      INTEGER NOT NULL DEFAULT 0,
		confidence      REAL NOT NULL DEFAULT 0,
		chunk_type      TEXT NOT NULL DEFAULT '',
		custom_metadata BLOB,
		embedding       BLOB,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL,
		UNIQUE (source, user_id, agent_id, content_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_owner ON chunks (source, user_id, agent_id, character_name)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_loader ON chunks (loader_id)`,
	`CREATE TABLE IF NOT EXISTS chunk_tags (
		chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
		tag      TEXT NOT NULL,
		PRIMARY KEY (chunk_id, tag)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunk_tags_tag ON chunk_tags (tag)`,
	`CREATE TABLE IF NOT EXISTS tags (
		tag       TEXT PRIMARY KEY,
		frequency INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS kv_store (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
}
