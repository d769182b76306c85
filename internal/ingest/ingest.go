// Package ingest turns one raw order file into one stamped batch: parse every
// record, normalize it onto the table schema and stamp provenance. The batch
// job and the stream coordinators share it so both paths produce identical rows.
package ingest

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/arkilian/orderlake/internal/config"
	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/format"
	"github.com/arkilian/orderlake/internal/normalize"
	"github.com/arkilian/orderlake/internal/observability"
	"github.com/arkilian/orderlake/internal/stamp"
	"github.com/arkilian/orderlake/pkg/types"
)

// Ingestor converts files of one format into batches of one schema.
type Ingestor struct {
	parser     format.Parser
	normalizer *normalize.Normalizer
	stamper    *stamp.Stamper
	policy     config.ParseFailurePolicy
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// Result is the outcome of ingesting one file.
type Result struct {
	Batch *types.Batch

	// Skipped counts records dropped under the skip_and_log policy
	Skipped int
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithPolicy sets the per-record failure policy. The default fails the file.
func WithPolicy(p config.ParseFailurePolicy) Option {
	return func(i *Ingestor) {
		if p != "" {
			i.policy = p
		}
	}
}

// WithStamper overrides the provenance stamper.
func WithStamper(s *stamp.Stamper) Option {
	return func(i *Ingestor) { i.stamper = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Ingestor) { i.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// New creates an ingestor. The normalizer schema must carry the stamper's
// provenance columns.
func New(parser format.Parser, normalizer *normalize.Normalizer, opts ...Option) (*Ingestor, error) {
	i := &Ingestor{
		parser:     parser,
		normalizer: normalizer,
		stamper:    stamp.New(),
		policy:     config.PolicyFailFile,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = zap.NewNop()
	}
	if err := i.stamper.Check(normalizer.Schema()); err != nil {
		return nil, err
	}
	return i, nil
}

// Schema returns the schema of produced batches.
func (i *Ingestor) Schema() *types.Schema {
	return i.normalizer.Schema()
}

// Parser returns the underlying parser.
func (i *Ingestor) Parser() format.Parser {
	return i.parser
}

// IngestFile reads every record of file from r. Under fail_file the first
// parse or cast failure aborts with an error attributed to file; under
// skip_and_log bad records are counted, logged and dropped.
func (i *Ingestor) IngestFile(ctx context.Context, file string, r io.Reader) (*Result, error) {
	var (
		rows    []types.Row
		skipped int
	)

	onErr := func(err error) error {
		attributed := withFile(err, file)
		if i.policy != config.PolicySkipAndLog {
			return attributed
		}
		skipped++
		i.metrics.ObserveParseFailure(file)
		i.logger.Warn("skipping bad record", zap.String("file", file), zap.Error(attributed))
		return nil
	}

	emit := func(rec types.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := i.normalizer.Normalize(rec)
		if err != nil {
			return onErr(err)
		}
		rows = append(rows, row)
		return nil
	}

	if err := i.parser.Parse(file, r, emit, onErr); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		i.metrics.ObserveParseFailure(file)
		return nil, withFile(err, file)
	}

	batch, err := i.stamper.NewBatch(file, i.normalizer.Schema(), rows)
	if err != nil {
		return nil, withFile(err, file)
	}
	if skipped > 0 {
		i.logger.Info("file ingested with skipped records",
			zap.String("file", file),
			zap.Int("rows", len(rows)),
			zap.Int("skipped", skipped))
	}
	return &Result{Batch: batch, Skipped: skipped}, nil
}

func withFile(err error, file string) error {
	if oe, ok := olerrors.As(err); ok {
		if _, set := oe.Detail(olerrors.DetailFile); set {
			return err
		}
		return oe.WithFile(file)
	}
	return olerrors.NewParseFailure(file, 0, "failed to read input", err)
}
