// Package table implements the transactional table append engine: tables are
// versioned sets of immutable SQLite segments registered in the manifest.
package table

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkilian/orderlake/internal/config"
	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/manifest"
	"github.com/arkilian/orderlake/internal/observability"
	"github.com/arkilian/orderlake/internal/partition"
	"github.com/arkilian/orderlake/internal/storage"
	"github.com/arkilian/orderlake/pkg/types"
)

// DefaultKeyColumn is indexed with a bloom sidecar when present in a schema.
const DefaultKeyColumn = "order_id"

// Commit status labels.
const (
	statusSuccess   = "success"
	statusFailed    = "failed"
	statusDuplicate = "duplicate"
)

// CommitResult describes a successful commit.
type CommitResult struct {
	CommitID   string               `json:"commit_id"`
	Table      string               `json:"table"`
	Version    int64                `json:"version"`
	Rows       int64                `json:"rows"`
	Partitions []types.PartitionKey `json:"partitions"`
}

// AppendOptions controls a single append.
type AppendOptions struct {
	// IdempotencyKey, when set, makes the append at most once per table
	// version. A repeated key yields a DuplicateAppendRisk error.
	IdempotencyKey string
}

// CreateOption configures CreateOrReplace.
type CreateOption func(*createOptions)

type createOptions struct {
	keyColumn      string
	keyColumnSet   bool
	idempotencyKey string
}

// WithKeyColumn overrides the column indexed by key sidecars. An empty name
// disables sidecars.
func WithKeyColumn(column string) CreateOption {
	return func(o *createOptions) {
		o.keyColumn = column
		o.keyColumnSet = true
	}
}

// WithInitialKey records an idempotency key for the initial batch.
func WithInitialKey(key string) CreateOption {
	return func(o *createOptions) { o.idempotencyKey = key }
}

// ScanFilter restricts a scan to partitions whose values match exactly.
type ScanFilter struct {
	Partitions map[string]string
}

// Engine appends batches to tables atomically.
type Engine struct {
	catalog           manifest.Catalog
	store             storage.ObjectStorage
	workDir           string
	uploadConcurrency int
	fpr               float64
	fetcher           *storage.Fetcher
	logger            *zap.Logger
	metrics           *observability.Metrics
	stats             *observability.IngestStats
	now               func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the Prometheus metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithIngestStats sets the status-API statistics tracker.
func WithIngestStats(s *observability.IngestStats) Option {
	return func(e *Engine) { e.stats = s }
}

// NewEngine creates an engine over a manifest catalog and object store.
func NewEngine(catalog manifest.Catalog, store storage.ObjectStorage, cfg config.TableConfig, opts ...Option) (*Engine, error) {
	if cfg.WorkDir == "" {
		return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig, "table work_dir is required")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("table: failed to create work dir: %w", err)
	}
	e := &Engine{
		catalog:           catalog,
		store:             store,
		workDir:           cfg.WorkDir,
		uploadConcurrency: cfg.UploadConcurrency,
		fpr:               cfg.BloomFalsePositiveRate,
		logger:            zap.NewNop(),
		stats:             observability.NewIngestStats(),
		now:               time.Now,
	}
	if e.uploadConcurrency < 1 {
		e.uploadConcurrency = 4
	}
	for _, opt := range opts {
		opt(e)
	}
	e.fetcher = storage.NewFetcher(store, e.uploadConcurrency, filepath.Join(cfg.WorkDir, "cache"))
	return e, nil
}

// Stats returns the ingestion statistics tracker.
func (e *Engine) Stats() *observability.IngestStats {
	return e.stats
}

// CreateOrReplace opens a new version of the table with the given schema and
// partitioning. Every row of the previous version stops being visible. When
// initial is non-nil it becomes the first commit of the new version, in the
// same manifest transaction.
func (e *Engine) CreateOrReplace(ctx context.Context, name string, schema *types.Schema, spec types.PartitionSpec, initial *types.Batch, opts ...CreateOption) (*CommitResult, error) {
	start := e.now()
	if name == "" {
		return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig, "table name is required")
	}
	if err := schema.Validate(); err != nil {
		return nil, olerrors.Wrap(olerrors.ErrCategorySchema, olerrors.CodeSchemaMismatch, "invalid table schema", err)
	}
	if err := spec.Validate(schema); err != nil {
		return nil, olerrors.Wrap(olerrors.ErrCategorySchema, olerrors.CodeSchemaMismatch, "invalid partitioning", err)
	}

	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	keyColumn := o.keyColumn
	if !o.keyColumnSet && schema.Index(DefaultKeyColumn) >= 0 {
		keyColumn = DefaultKeyColumn
	}
	if keyColumn != "" && schema.Index(keyColumn) < 0 {
		return nil, olerrors.NewSchemaMismatch("key column " + keyColumn + " is not in the schema")
	}

	def := &manifest.TableDefinition{Name: name, Schema: schema, Partitioning: spec, KeyColumn: keyColumn}

	var (
		commit   *manifest.CommitRecord
		written  *writtenCommit
		commitID = uuid.New().String()
	)
	if initial != nil {
		if err := partition.ValidateBatch(schema, initial); err != nil {
			e.observeFailure(name, initial.Source, start, err)
			return nil, err
		}
		var err error
		written, err = e.writeSegments(ctx, def, commitID, initial)
		if err != nil {
			e.observeFailure(name, initial.Source, start, err)
			return nil, err
		}
		defer written.cleanupLocal()
		commit = &manifest.CommitRecord{
			CommitID:       commitID,
			Source:         initial.Source,
			IdempotencyKey: o.idempotencyKey,
			RowCount:       int64(initial.Len()),
			IngestedAt:     initial.IngestedAt,
		}
	}

	var segments []*manifest.SegmentRecord
	if written != nil {
		segments = written.segments
	}
	rec, err := e.catalog.CreateTableVersion(ctx, def, commit, segments)
	if err != nil {
		if written != nil {
			e.deleteObjects(written.objects)
		}
		cerr := olerrors.NewCommitFailure("failed to create table "+name, err)
		e.observeFailure(name, sourceOf(initial), start, cerr)
		return nil, cerr
	}

	result := &CommitResult{Table: name, Version: rec.Version}
	if commit != nil {
		result.CommitID = commit.CommitID
		result.Rows = commit.RowCount
		result.Partitions = written.partitions
		e.observeSuccess(name, initial.Source, int(commit.RowCount), start)
	}
	e.logger.Info("table version created",
		zap.String("table", name),
		zap.Int64("version", rec.Version),
		zap.Int64("rows", result.Rows),
		zap.String("commit_id", result.CommitID))
	return result, nil
}

// Append atomically adds the batch to the current version of the table.
// Either every row becomes visible or none does.
func (e *Engine) Append(ctx context.Context, name string, batch *types.Batch, opts AppendOptions) (*CommitResult, error) {
	start := e.now()

	rec, err := e.getTable(ctx, name)
	if err != nil {
		return nil, err
	}

	if err := partition.ValidateBatch(rec.Schema, batch); err != nil {
		e.observeFailure(name, batch.Source, start, err)
		return nil, err
	}

	if opts.IdempotencyKey != "" {
		prior, err := e.catalog.FindCommitByKey(ctx, name, rec.Version, opts.IdempotencyKey)
		if err != nil {
			cerr := olerrors.NewCommitFailure("failed to check idempotency key", err)
			e.observeFailure(name, batch.Source, start, cerr)
			return nil, cerr
		}
		if prior != nil {
			return nil, e.duplicate(name, opts.IdempotencyKey, prior.CommitID, start)
		}
	}

	commitID := uuid.New().String()
	written, err := e.writeSegments(ctx, &rec.TableDefinition, commitID, batch)
	if err != nil {
		e.observeFailure(name, batch.Source, start, err)
		return nil, err
	}
	defer written.cleanupLocal()

	commit := &manifest.CommitRecord{
		CommitID:       commitID,
		Table:          name,
		Version:        rec.Version,
		Source:         batch.Source,
		IdempotencyKey: opts.IdempotencyKey,
		RowCount:       int64(batch.Len()),
		IngestedAt:     batch.IngestedAt,
	}
	if err := e.catalog.CommitAppend(ctx, commit, written.segments); err != nil {
		e.deleteObjects(written.objects)

		var dup *manifest.DuplicateKeyError
		if errors.As(err, &dup) {
			return nil, e.duplicate(name, dup.Key, dup.CommitID, start)
		}
		cerr := olerrors.NewCommitFailure("failed to commit append to "+name, err).
			WithDetails(map[string]interface{}{olerrors.DetailFile: batch.Source, olerrors.DetailTable: name})
		e.observeFailure(name, batch.Source, start, cerr)
		return nil, cerr
	}

	e.observeSuccess(name, batch.Source, batch.Len(), start)
	e.logger.Debug("append committed",
		zap.String("table", name),
		zap.String("source", batch.Source),
		zap.String("commit_id", commitID),
		zap.Int("rows", batch.Len()),
		zap.Int("segments", len(written.segments)))

	return &CommitResult{
		CommitID:   commitID,
		Table:      name,
		Version:    rec.Version,
		Rows:       commit.RowCount,
		Partitions: written.partitions,
	}, nil
}

// Describe returns the current version of a table with its totals.
func (e *Engine) Describe(ctx context.Context, name string) (*types.TableInfo, error) {
	rec, err := e.getTable(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.describe(ctx, rec)
}

// Tables describes every table in the manifest.
func (e *Engine) Tables(ctx context.Context) ([]*types.TableInfo, error) {
	recs, err := e.catalog.ListTables(ctx)
	if err != nil {
		return nil, olerrors.NewInternalError("failed to list tables", err)
	}
	out := make([]*types.TableInfo, 0, len(recs))
	for _, rec := range recs {
		info, err := e.describe(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (e *Engine) describe(ctx context.Context, rec *manifest.TableRecord) (*types.TableInfo, error) {
	stats, err := e.catalog.Stats(ctx, rec.Name, rec.Version)
	if err != nil {
		return nil, olerrors.NewInternalError("failed to read table stats", err)
	}
	return &types.TableInfo{
		Name:         rec.Name,
		Schema:       rec.Schema,
		Partitioning: rec.Partitioning,
		Version:      rec.Version,
		CreatedAt:    rec.VersionCreatedAt,
		RowCount:     stats.RowCount,
		SegmentCount: stats.SegmentCount,
		CommitCount:  stats.CommitCount,
	}, nil
}

// Commits returns the commit history of the current table version.
func (e *Engine) Commits(ctx context.Context, name string) ([]*manifest.CommitRecord, error) {
	rec, err := e.getTable(ctx, name)
	if err != nil {
		return nil, err
	}
	commits, err := e.catalog.ListCommits(ctx, name, rec.Version)
	if err != nil {
		return nil, olerrors.NewInternalError("failed to list commits", err)
	}
	return commits, nil
}

// Partitions returns the live partition keys of the current table version.
func (e *Engine) Partitions(ctx context.Context, name string) ([]types.PartitionKey, error) {
	rec, err := e.getTable(ctx, name)
	if err != nil {
		return nil, err
	}
	keys, err := e.catalog.PartitionKeys(ctx, name, rec.Version)
	if err != nil {
		return nil, olerrors.NewInternalError("failed to list partitions", err)
	}
	return keys, nil
}

func (e *Engine) getTable(ctx context.Context, name string) (*manifest.TableRecord, error) {
	rec, err := e.catalog.GetTable(ctx, name)
	if errors.Is(err, manifest.ErrTableNotFound) {
		return nil, olerrors.NewTableNotFound(name)
	}
	if err != nil {
		return nil, olerrors.NewInternalError("failed to read table "+name, err)
	}
	return rec, nil
}

func (e *Engine) duplicate(table, key, commitID string, start time.Time) error {
	e.stats.RecordDuplicate(table)
	e.metrics.ObserveCommit(table, statusDuplicate, 0, e.now().Sub(start))
	return olerrors.NewDuplicateAppendRisk(table, key, commitID)
}

func (e *Engine) observeSuccess(table, source string, rows int, start time.Time) {
	e.stats.RecordCommit(table, source, rows)
	e.metrics.ObserveCommit(table, statusSuccess, rows, e.now().Sub(start))
}

func (e *Engine) observeFailure(table, source string, start time.Time, err error) {
	e.stats.RecordFailure(table, err)
	e.metrics.ObserveCommit(table, statusFailed, 0, e.now().Sub(start))
	e.logger.Warn("commit failed",
		zap.String("table", table),
		zap.String("source", source),
		zap.Error(err))
}

func sourceOf(b *types.Batch) string {
	if b == nil {
		return ""
	}
	return b.Source
}
