// Package partition builds and reads the immutable SQLite segment files that
// hold each partition of a table commit.
package partition

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/orderlake/pkg/types"
)

// Segment file layout.
const (
	// RowsTable holds the segment rows, one SQL column per schema column.
	RowsTable = "rows"
	// OrdinalColumn preserves the input order of rows within a segment.
	OrdinalColumn = "_ordinal"
	// MetaTable holds segment-level metadata such as the frozen schema.
	MetaTable = "_orderlake_meta"
)

// SegmentBuilder creates SQLite segments from rows.
type SegmentBuilder interface {
	// Build writes rows of one partition to a new segment file.
	Build(ctx context.Context, schema *types.Schema, key types.PartitionKey, rows []types.Row) (*SegmentInfo, error)
}

// SegmentInfo contains metadata about a created segment.
type SegmentInfo struct {
	SegmentID    string
	PartitionKey types.PartitionKey
	SQLitePath   string
	KeysPath     string
	KeyColumn    string
	RowCount     int64
	SizeBytes    int64
	MinMaxStats  map[string]MinMax
	CreatedAt    time.Time
}

// Builder implements SegmentBuilder.
type Builder struct {
	outputDir string
	keyColumn string
	targetFPR float64
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithKeyColumn builds a key sidecar over the named column.
func WithKeyColumn(column string) BuilderOption {
	return func(b *Builder) { b.keyColumn = column }
}

// WithFalsePositiveRate sets the target false positive rate of key sidecars.
func WithFalsePositiveRate(p float64) BuilderOption {
	return func(b *Builder) {
		if p > 0 && p < 1 {
			b.targetFPR = p
		}
	}
}

// NewBuilder creates a new segment builder writing under outputDir.
func NewBuilder(outputDir string, opts ...BuilderOption) *Builder {
	b := &Builder{outputDir: outputDir, targetFPR: 0.01}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates a segment with the given schema.
func (b *Builder) Build(ctx context.Context, schema *types.Schema, key types.PartitionKey, rows []types.Row) (*SegmentInfo, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("partition: cannot build segment with empty rows")
	}

	segmentID := uuid.New().String()
	createdAt := time.Now().UTC()

	if err := os.MkdirAll(b.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("partition: failed to create output directory: %w", err)
	}

	sqlitePath := filepath.Clean(filepath.Join(b.outputDir, segmentID+".sqlite"))

	if err := b.writeSegment(ctx, sqlitePath, schema, key, rows); err != nil {
		os.Remove(sqlitePath)
		os.Remove(sqlitePath + "-wal")
		os.Remove(sqlitePath + "-shm")
		return nil, err
	}

	stats := NewStatsTracker(schema)
	for _, row := range rows {
		stats.Update(row)
	}

	fileInfo, err := os.Stat(sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("partition: failed to stat SQLite file: %w", err)
	}

	info := &SegmentInfo{
		SegmentID:    segmentID,
		PartitionKey: key,
		SQLitePath:   sqlitePath,
		RowCount:     int64(len(rows)),
		SizeBytes:    fileInfo.Size(),
		MinMaxStats:  stats.GetMinMaxStats(),
		CreatedAt:    createdAt,
	}

	if idx := schema.Index(b.keyColumn); b.keyColumn != "" && idx >= 0 {
		keysPath := filepath.Join(b.outputDir, segmentID+".keys")
		if err := WriteKeySidecar(keysPath, rows, idx, b.targetFPR); err != nil {
			os.Remove(sqlitePath)
			return nil, err
		}
		info.KeysPath = keysPath
		info.KeyColumn = b.keyColumn
	}

	return info, nil
}

func (b *Builder) writeSegment(ctx context.Context, path string, schema *types.Schema, key types.PartitionKey, rows []types.Row) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("partition: failed to create SQLite database: %w", err)
	}
	defer db.Close()
	// One connection so PRAGMAs and the transaction share a session.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better write performance during build
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("partition: failed to set journal mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, createRowsTableSQL(schema)); err != nil {
		return fmt.Errorf("partition: failed to create rows table: %w", err)
	}
	if b.keyColumn != "" && schema.Index(b.keyColumn) >= 0 {
		idx := fmt.Sprintf("CREATE INDEX idx_rows_key ON %s(%s)", RowsTable, quoteIdent(b.keyColumn))
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("partition: failed to create index: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("partition: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertRowSQL(schema))
	if err != nil {
		return fmt.Errorf("partition: failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	args := make([]any, schema.Len()+1)
	for i, row := range rows {
		args[0] = int64(i)
		for j, col := range schema.Columns {
			v, err := EncodeValue(row[j], col)
			if err != nil {
				return fmt.Errorf("partition: row %d: %w", i, err)
			}
			args[j+1] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("partition: failed to insert row: %w", err)
		}
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("partition: failed to encode schema: %w", err)
	}
	metaSQL := fmt.Sprintf("CREATE TABLE %s (key TEXT PRIMARY KEY, value TEXT NOT NULL) WITHOUT ROWID", MetaTable)
	if _, err := tx.ExecContext(ctx, metaSQL); err != nil {
		return fmt.Errorf("partition: failed to create meta table: %w", err)
	}
	for k, v := range map[string]string{
		"schema":        string(schemaJSON),
		"partition_key": string(key),
		"row_count":     fmt.Sprint(len(rows)),
	} {
		if _, err := tx.ExecContext(ctx, "INSERT INTO "+MetaTable+" (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("partition: failed to write meta: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("partition: failed to commit rows: %w", err)
	}

	// Checkpoint WAL and switch to DELETE mode for immutability
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("partition: failed to checkpoint WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return fmt.Errorf("partition: failed to set journal mode to DELETE: %w", err)
	}

	// Close database to finalize
	if err := db.Close(); err != nil {
		return fmt.Errorf("partition: failed to close database: %w", err)
	}
	return nil
}

func createRowsTableSQL(schema *types.Schema) string {
	cols := make([]string, 0, schema.Len()+1)
	cols = append(cols, OrdinalColumn+" INTEGER PRIMARY KEY")
	for _, c := range schema.Columns {
		def := quoteIdent(c.Name) + " " + sqlType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", RowsTable, strings.Join(cols, ",\n\t"))
}

func insertRowSQL(schema *types.Schema) string {
	names := make([]string, 0, schema.Len()+1)
	names = append(names, OrdinalColumn)
	for _, c := range schema.Columns {
		names = append(names, quoteIdent(c.Name))
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", RowsTable, strings.Join(names, ", "), marks)
}

// sqlType maps a column type to its SQLite storage class.
func sqlType(t types.ColumnType) string {
	switch t {
	case types.TypeInteger, types.TypeTimestamp:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
