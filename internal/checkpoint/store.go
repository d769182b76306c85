// Package checkpoint provides durable per-query records of the source files
// a streaming query has fully committed.
package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/arkilian/orderlake/internal/config"
)

// Store records processed files per query. A file is appended only after
// its rows are durably committed, so the processed set never runs ahead of
// the table.
type Store interface {
	// ProcessedSet returns every file recorded for query.
	ProcessedSet(ctx context.Context, query string) (map[string]struct{}, error)

	// AppendProcessed durably records files for query. Files of one call
	// are recorded together or not at all.
	AppendProcessed(ctx context.Context, query string, files ...string) error

	// Close releases the store.
	Close() error
}

// New opens the store backend selected by cfg.
func New(cfg config.CheckpointConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Dir, logger)
	case "sqlite":
		return NewSQLiteStore(filepath.Join(cfg.Dir, "checkpoints.db"))
	default:
		return nil, fmt.Errorf("checkpoint: unknown backend %q", cfg.Backend)
	}
}
