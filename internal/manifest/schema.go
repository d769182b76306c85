// Package manifest provides the transactional table catalog: table versions,
// commits, segments and idempotency keys.
package manifest

// The manifest is a SQLite database and the source of truth for which
// segment objects make up each table version. A segment uploaded to object
// storage is invisible until the commit registering it is durable.

// CreateTablesTableSQL holds one row per table with its live version.
const CreateTablesTableSQL = `
CREATE TABLE IF NOT EXISTS tables (
    name TEXT PRIMARY KEY,
    current_version INTEGER NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateTableVersionsTableSQL freezes the schema and partitioning of each
// table version. createOrReplace opens a new version.
const CreateTableVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS table_versions (
    table_name TEXT NOT NULL,
    version INTEGER NOT NULL,
    schema_json TEXT NOT NULL,
    partition_json TEXT NOT NULL,
    key_column TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    replaced_at INTEGER,
    PRIMARY KEY (table_name, version),
    FOREIGN KEY (table_name) REFERENCES tables(name)
)`

// CreateCommitsTableSQL records every successful append or create. seq is a
// global commit order used to return rows in commit order.
const CreateCommitsTableSQL = `
CREATE TABLE IF NOT EXISTS commits (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    commit_id TEXT NOT NULL UNIQUE,
    table_name TEXT NOT NULL,
    version INTEGER NOT NULL,
    operation TEXT NOT NULL,
    source TEXT NOT NULL,
    idempotency_key TEXT,
    row_count INTEGER NOT NULL,
    segment_count INTEGER NOT NULL,
    ingested_at INTEGER NOT NULL,
    committed_at INTEGER NOT NULL
)`

// CreateSegmentsTableSQL lists the immutable segment objects of each commit.
const CreateSegmentsTableSQL = `
CREATE TABLE IF NOT EXISTS segments (
    segment_id TEXT PRIMARY KEY,
    commit_id TEXT NOT NULL,
    table_name TEXT NOT NULL,
    version INTEGER NOT NULL,
    partition_key TEXT NOT NULL,
    object_path TEXT NOT NULL,
    sidecar_path TEXT,
    key_column TEXT,
    row_count INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    stats_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    tombstoned_at INTEGER,
    FOREIGN KEY (commit_id) REFERENCES commits(commit_id)
)`

// CreateIdempotencyKeysTableSQL maps a caller key to the commit that used
// it, scoped to a table version.
const CreateIdempotencyKeysTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    table_name TEXT NOT NULL,
    version INTEGER NOT NULL,
    key TEXT NOT NULL,
    commit_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, version, key),
    FOREIGN KEY (commit_id) REFERENCES commits(commit_id)
)`

// CreateIndexesSQL creates indexes for live segment lookups.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_segments_live ON segments(table_name, version, partition_key)
		WHERE tombstoned_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_segments_commit ON segments(commit_id)`,
	`CREATE INDEX IF NOT EXISTS idx_commits_table ON commits(table_name, version, seq)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the manifest.
func AllSchemaSQL() []string {
	statements := []string{
		CreateTablesTableSQL,
		CreateTableVersionsTableSQL,
		CreateCommitsTableSQL,
		CreateSegmentsTableSQL,
		CreateIdempotencyKeysTableSQL,
	}
	return append(statements, CreateIndexesSQL...)
}
