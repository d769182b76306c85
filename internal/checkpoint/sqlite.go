package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	olerrors "github.com/arkilian/orderlake/internal/errors"
)

const createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    query TEXT NOT NULL,
    file TEXT NOT NULL,
    committed_at INTEGER NOT NULL,
    PRIMARY KEY (query, file)
) WITHOUT ROWID`

// SQLiteStore keeps processed files in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens or creates the checkpoint database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCheckpointsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// ProcessedSet implements Store.
func (s *SQLiteStore) ProcessedSet(ctx context.Context, query string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT file FROM checkpoints WHERE query = ?", query)
	if err != nil {
		return nil, olerrors.NewCheckpointError("failed to read processed set", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, olerrors.NewCheckpointError("failed to scan processed file", err)
		}
		set[f] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, olerrors.NewCheckpointError("failed to read processed set", err)
	}
	return set, nil
}

// AppendProcessed implements Store.
func (s *SQLiteStore) AppendProcessed(ctx context.Context, query string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return olerrors.NewCheckpointError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, f := range files {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO checkpoints (query, file, committed_at) VALUES (?, ?, ?)",
			query, f, now); err != nil {
			return olerrors.NewCheckpointError("failed to record "+f, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return olerrors.NewCheckpointError("failed to commit checkpoint", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
