package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/orderlake/pkg/types"
)

var (
	// ErrTableNotFound is returned when a table has never been created.
	ErrTableNotFound = errors.New("manifest: table not found")

	// ErrVersionConflict is returned when a commit targets a table version
	// that was replaced before the commit could register.
	ErrVersionConflict = errors.New("manifest: table version changed")
)

// DuplicateKeyError reports that an idempotency key was already used by a
// commit on the same table version.
type DuplicateKeyError struct {
	Table    string
	Version  int64
	Key      string
	CommitID string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("manifest: idempotency key %q already committed to %s v%d as %s",
		e.Key, e.Table, e.Version, e.CommitID)
}

// Commit operations.
const (
	OperationCreate = "create"
	OperationAppend = "append"
)

// Catalog manages table metadata in manifest.db.
type Catalog interface {
	// CreateTableVersion opens a new version of the table, tombstoning every
	// segment of the previous version. When initial is non-nil its commit
	// and segments are registered in the same transaction.
	CreateTableVersion(ctx context.Context, def *TableDefinition, initial *CommitRecord, segments []*SegmentRecord) (*TableRecord, error)

	// GetTable returns the current version of a table.
	GetTable(ctx context.Context, name string) (*TableRecord, error)

	// ListTables returns the current version of every table, sorted by name.
	ListTables(ctx context.Context) ([]*TableRecord, error)

	// CommitAppend registers a commit and its segments atomically. A reused
	// idempotency key yields a *DuplicateKeyError and registers nothing.
	CommitAppend(ctx context.Context, commit *CommitRecord, segments []*SegmentRecord) error

	// FindCommitByKey returns the commit that used an idempotency key, or nil.
	FindCommitByKey(ctx context.Context, table string, version int64, key string) (*CommitRecord, error)

	// ListCommits returns the commits of a table version in commit order.
	ListCommits(ctx context.Context, table string, version int64) ([]*CommitRecord, error)

	// ListSegments returns live segments of a table version whose partition
	// values match every entry of partitions, in commit order.
	ListSegments(ctx context.Context, table string, version int64, partitions map[string]string) ([]*SegmentRecord, error)

	// Stats returns row, segment and commit totals for a table version.
	Stats(ctx context.Context, table string, version int64) (*VersionStats, error)

	// PartitionKeys returns the distinct live partition keys of a table version.
	PartitionKeys(ctx context.Context, table string, version int64) ([]types.PartitionKey, error)

	// Close closes the catalog database connections.
	Close() error
}

// TableDefinition is the frozen shape of a table version.
type TableDefinition struct {
	Name         string
	Schema       *types.Schema
	Partitioning types.PartitionSpec
	KeyColumn    string
}

// TableRecord represents the current version of a table.
type TableRecord struct {
	TableDefinition
	Version          int64
	CreatedAt        time.Time
	VersionCreatedAt time.Time
}

// CommitRecord represents a registered append or create.
type CommitRecord struct {
	Seq            int64     `json:"seq"`
	CommitID       string    `json:"commit_id"`
	Table          string    `json:"table"`
	Version        int64     `json:"version"`
	Operation      string    `json:"operation"`
	Source         string    `json:"source"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	RowCount       int64     `json:"row_count"`
	SegmentCount   int       `json:"segment_count"`
	IngestedAt     time.Time `json:"ingested_at"`
	CommittedAt    time.Time `json:"committed_at"`
}

// ColumnStats holds the rendered min/max of a column within a segment.
type ColumnStats struct {
	Min       string `json:"min,omitempty"`
	Max       string `json:"max,omitempty"`
	NullCount int64  `json:"null_count"`
}

// SegmentRecord represents one immutable segment object.
type SegmentRecord struct {
	SegmentID    string
	CommitID     string
	CommitSeq    int64
	Table        string
	Version      int64
	PartitionKey types.PartitionKey
	ObjectPath   string
	SidecarPath  string
	KeyColumn    string
	RowCount     int64
	SizeBytes    int64
	Stats        map[string]ColumnStats
	CreatedAt    time.Time
}

// VersionStats aggregates a table version.
type VersionStats struct {
	RowCount     int64
	SegmentCount int64
	CommitCount  int64
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
	now    func() time.Time
}

// NewCatalog creates a new SQLite-based catalog.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	catalog := &SQLiteCatalog{db: db, dbPath: dbPath, now: time.Now}

	// Schema must exist before the read pool opens the file.
	if err := catalog.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to initialize schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	catalog.readDB = readDB

	return catalog, nil
}

func (c *SQLiteCatalog) initSchema() error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	return nil
}

// CreateTableVersion implements Catalog.
func (c *SQLiteCatalog) CreateTableVersion(ctx context.Context, def *TableDefinition, initial *CommitRecord, segments []*SegmentRecord) (*TableRecord, error) {
	schemaJSON, err := json.Marshal(def.Schema)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to encode schema: %w", err)
	}
	partitionJSON, err := json.Marshal(def.Partitioning)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to encode partitioning: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := c.now().UTC()
	createdAt := now

	var current int64
	var createdNanos int64
	err = tx.QueryRowContext(ctx,
		"SELECT current_version, created_at FROM tables WHERE name = ?", def.Name).
		Scan(&current, &createdNanos)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tables (name, current_version, created_at) VALUES (?, 1, ?)",
			def.Name, now.UnixNano()); err != nil {
			return nil, fmt.Errorf("manifest: failed to insert table: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("manifest: failed to read table: %w", err)
	default:
		createdAt = time.Unix(0, createdNanos).UTC()
		if _, err := tx.ExecContext(ctx,
			"UPDATE table_versions SET replaced_at = ? WHERE table_name = ? AND version = ?",
			now.UnixNano(), def.Name, current); err != nil {
			return nil, fmt.Errorf("manifest: failed to retire version: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE segments SET tombstoned_at = ? WHERE table_name = ? AND tombstoned_at IS NULL",
			now.UnixNano(), def.Name); err != nil {
			return nil, fmt.Errorf("manifest: failed to tombstone segments: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE tables SET current_version = ? WHERE name = ?", current+1, def.Name); err != nil {
			return nil, fmt.Errorf("manifest: failed to bump version: %w", err)
		}
	}
	version := current + 1

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO table_versions (table_name, version, schema_json, partition_json, key_column, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		def.Name, version, string(schemaJSON), string(partitionJSON), def.KeyColumn, now.UnixNano()); err != nil {
		return nil, fmt.Errorf("manifest: failed to insert table version: %w", err)
	}

	if initial != nil {
		initial.Table = def.Name
		initial.Version = version
		initial.Operation = OperationCreate
		if err := c.insertCommitTx(ctx, tx, initial, segments); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("manifest: failed to commit transaction: %w", err)
	}

	return &TableRecord{
		TableDefinition:  *def,
		Version:          version,
		CreatedAt:        createdAt,
		VersionCreatedAt: now,
	}, nil
}

// CommitAppend implements Catalog.
func (c *SQLiteCatalog) CommitAppend(ctx context.Context, commit *CommitRecord, segments []*SegmentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT current_version FROM tables WHERE name = ?", commit.Table).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrTableNotFound, commit.Table)
	}
	if err != nil {
		return fmt.Errorf("manifest: failed to read table: %w", err)
	}
	if current != commit.Version {
		return fmt.Errorf("%w: %s is at v%d, commit targets v%d", ErrVersionConflict, commit.Table, current, commit.Version)
	}

	// Check idempotency key first
	if commit.IdempotencyKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			"SELECT commit_id FROM idempotency_keys WHERE table_name = ? AND version = ? AND key = ?",
			commit.Table, commit.Version, commit.IdempotencyKey).Scan(&existing)
		if err == nil {
			return &DuplicateKeyError{Table: commit.Table, Version: commit.Version, Key: commit.IdempotencyKey, CommitID: existing}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("manifest: failed to check idempotency key: %w", err)
		}
	}

	commit.Operation = OperationAppend
	if err := c.insertCommitTx(ctx, tx, commit, segments); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: failed to commit transaction: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) insertCommitTx(ctx context.Context, tx *sql.Tx, commit *CommitRecord, segments []*SegmentRecord) error {
	now := c.now().UTC()
	commit.CommittedAt = now
	commit.SegmentCount = len(segments)

	var key sql.NullString
	if commit.IdempotencyKey != "" {
		key = sql.NullString{String: commit.IdempotencyKey, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO commits (
			commit_id, table_name, version, operation, source, idempotency_key,
			row_count, segment_count, ingested_at, committed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		commit.CommitID, commit.Table, commit.Version, commit.Operation, commit.Source, key,
		commit.RowCount, commit.SegmentCount, commit.IngestedAt.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("manifest: failed to insert commit: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("manifest: failed to read commit sequence: %w", err)
	}
	commit.Seq = seq

	for _, seg := range segments {
		statsJSON, err := json.Marshal(seg.Stats)
		if err != nil {
			return fmt.Errorf("manifest: failed to encode stats: %w", err)
		}
		seg.CommitID = commit.CommitID
		seg.CommitSeq = seq
		seg.Table = commit.Table
		seg.Version = commit.Version
		seg.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO segments (
				segment_id, commit_id, table_name, version, partition_key, object_path,
				sidecar_path, key_column, row_count, size_bytes, stats_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			seg.SegmentID, seg.CommitID, seg.Table, seg.Version, string(seg.PartitionKey), seg.ObjectPath,
			seg.SidecarPath, seg.KeyColumn, seg.RowCount, seg.SizeBytes, string(statsJSON), now.UnixNano()); err != nil {
			return fmt.Errorf("manifest: failed to insert segment %s: %w", seg.SegmentID, err)
		}
	}

	if key.Valid {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (table_name, version, key, commit_id, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			commit.Table, commit.Version, commit.IdempotencyKey, commit.CommitID, now.UnixNano()); err != nil {
			return fmt.Errorf("manifest: failed to insert idempotency key: %w", err)
		}
	}
	return nil
}

const selectTableSQL = `
	SELECT t.name, t.current_version, t.created_at,
		v.schema_json, v.partition_json, v.key_column, v.created_at
	FROM tables t
	JOIN table_versions v ON v.table_name = t.name AND v.version = t.current_version`

// GetTable implements Catalog.
func (c *SQLiteCatalog) GetTable(ctx context.Context, name string) (*TableRecord, error) {
	row := c.readDB.QueryRowContext(ctx, selectTableSQL+" WHERE t.name = ?", name)
	rec, err := scanTable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return rec, err
}

// ListTables implements Catalog.
func (c *SQLiteCatalog) ListTables(ctx context.Context) ([]*TableRecord, error) {
	rows, err := c.readDB.QueryContext(ctx, selectTableSQL+" ORDER BY t.name")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list tables: %w", err)
	}
	defer rows.Close()

	var out []*TableRecord
	for rows.Next() {
		rec, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTable(row rowScanner) (*TableRecord, error) {
	var (
		rec                    TableRecord
		createdAt, versionAt   int64
		schemaJSON, partitions string
	)
	if err := row.Scan(&rec.Name, &rec.Version, &createdAt, &schemaJSON, &partitions, &rec.KeyColumn, &versionAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("manifest: failed to scan table: %w", err)
	}
	rec.Schema = &types.Schema{}
	if err := json.Unmarshal([]byte(schemaJSON), rec.Schema); err != nil {
		return nil, fmt.Errorf("manifest: corrupt schema for %s: %w", rec.Name, err)
	}
	if err := json.Unmarshal([]byte(partitions), &rec.Partitioning); err != nil {
		return nil, fmt.Errorf("manifest: corrupt partitioning for %s: %w", rec.Name, err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.VersionCreatedAt = time.Unix(0, versionAt).UTC()
	return &rec, nil
}

const selectCommitSQL = `
	SELECT seq, commit_id, table_name, version, operation, source, idempotency_key,
		row_count, segment_count, ingested_at, committed_at
	FROM commits`

// FindCommitByKey implements Catalog.
func (c *SQLiteCatalog) FindCommitByKey(ctx context.Context, table string, version int64, key string) (*CommitRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		selectCommitSQL+" WHERE table_name = ? AND version = ? AND idempotency_key = ?",
		table, version, key)
	rec, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListCommits implements Catalog.
func (c *SQLiteCatalog) ListCommits(ctx context.Context, table string, version int64) ([]*CommitRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		selectCommitSQL+" WHERE table_name = ? AND version = ? ORDER BY seq", table, version)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list commits: %w", err)
	}
	defer rows.Close()

	var out []*CommitRecord
	for rows.Next() {
		rec, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanCommit(row rowScanner) (*CommitRecord, error) {
	var (
		rec                     CommitRecord
		key                     sql.NullString
		ingestedAt, committedAt int64
	)
	if err := row.Scan(&rec.Seq, &rec.CommitID, &rec.Table, &rec.Version, &rec.Operation, &rec.Source, &key,
		&rec.RowCount, &rec.SegmentCount, &ingestedAt, &committedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("manifest: failed to scan commit: %w", err)
	}
	rec.IdempotencyKey = key.String
	rec.IngestedAt = time.Unix(0, ingestedAt).UTC()
	rec.CommittedAt = time.Unix(0, committedAt).UTC()
	return &rec, nil
}

// ListSegments implements Catalog.
func (c *SQLiteCatalog) ListSegments(ctx context.Context, table string, version int64, partitions map[string]string) ([]*SegmentRecord, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT s.segment_id, s.commit_id, c.seq, s.table_name, s.version, s.partition_key,
			s.object_path, s.sidecar_path, s.key_column, s.row_count, s.size_bytes,
			s.stats_json, s.created_at
		FROM segments s
		JOIN commits c ON c.commit_id = s.commit_id
		WHERE s.table_name = ? AND s.version = ? AND s.tombstoned_at IS NULL
		ORDER BY c.seq, s.segment_id`, table, version)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list segments: %w", err)
	}
	defer rows.Close()

	var out []*SegmentRecord
	for rows.Next() {
		var (
			seg                SegmentRecord
			key, statsJSON     string
			sidecar, keyColumn sql.NullString
			createdAt          int64
		)
		if err := rows.Scan(&seg.SegmentID, &seg.CommitID, &seg.CommitSeq, &seg.Table, &seg.Version, &key,
			&seg.ObjectPath, &sidecar, &keyColumn, &seg.RowCount, &seg.SizeBytes,
			&statsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan segment: %w", err)
		}
		seg.PartitionKey = types.PartitionKey(key)
		if !matchesPartitions(seg.PartitionKey, partitions) {
			continue
		}
		seg.SidecarPath = sidecar.String
		seg.KeyColumn = keyColumn.String
		seg.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := json.Unmarshal([]byte(statsJSON), &seg.Stats); err != nil {
			return nil, fmt.Errorf("manifest: corrupt stats for segment %s: %w", seg.SegmentID, err)
		}
		out = append(out, &seg)
	}
	return out, rows.Err()
}

func matchesPartitions(key types.PartitionKey, filter map[string]string) bool {
	if len(filter) == 0 {
		return true
	}
	values := key.Values()
	for col, want := range filter {
		if got, ok := values[col]; !ok || got != want {
			return false
		}
	}
	return true
}

// Stats implements Catalog.
func (c *SQLiteCatalog) Stats(ctx context.Context, table string, version int64) (*VersionStats, error) {
	var stats VersionStats
	err := c.readDB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(row_count), 0), COUNT(*)
		FROM segments
		WHERE table_name = ? AND version = ? AND tombstoned_at IS NULL`, table, version).
		Scan(&stats.RowCount, &stats.SegmentCount)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to aggregate segments: %w", err)
	}
	err = c.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM commits WHERE table_name = ? AND version = ?", table, version).
		Scan(&stats.CommitCount)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to count commits: %w", err)
	}
	return &stats, nil
}

// PartitionKeys implements Catalog.
func (c *SQLiteCatalog) PartitionKeys(ctx context.Context, table string, version int64) ([]types.PartitionKey, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT DISTINCT partition_key FROM segments
		WHERE table_name = ? AND version = ? AND tombstoned_at IS NULL`, table, version)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list partition keys: %w", err)
	}
	defer rows.Close()

	var keys []types.PartitionKey
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan partition key: %w", err)
		}
		keys = append(keys, types.PartitionKey(k))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, rows.Err()
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	var firstErr error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if err := c.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
