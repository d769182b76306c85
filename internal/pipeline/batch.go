package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/arkilian/orderlake/internal/config"
	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/ingest"
	"github.com/arkilian/orderlake/internal/observability"
	"github.com/arkilian/orderlake/internal/stamp"
	"github.com/arkilian/orderlake/internal/table"
	"github.com/arkilian/orderlake/pkg/types"
)

// Table is the part of the append engine the batch job drives.
type Table interface {
	CreateOrReplace(ctx context.Context, name string, schema *types.Schema, spec types.PartitionSpec, initial *types.Batch, opts ...table.CreateOption) (*table.CommitResult, error)
	Append(ctx context.Context, name string, batch *types.Batch, opts table.AppendOptions) (*table.CommitResult, error)
}

// Step is one file of the historical load.
type Step struct {
	// File is relative to the batch directory
	File   string
	Source Source

	// Replace opens a new table version with this file instead of appending
	Replace bool
}

// StepReport is the outcome of one step.
type StepReport struct {
	File      string `json:"file"`
	Rows      int64  `json:"rows"`
	Skipped   int    `json:"skipped"`
	CommitID  string `json:"commit_id,omitempty"`
	Version   int64  `json:"version"`
	Attempts  int    `json:"attempts"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// BatchReport summarizes a run of the batch job.
type BatchReport struct {
	Table    string        `json:"table"`
	Steps    []StepReport  `json:"steps"`
	Duration time.Duration `json:"duration"`
}

// Rows returns the rows committed by the run.
func (r *BatchReport) Rows() int64 {
	var n int64
	for _, s := range r.Steps {
		n += s.Rows
	}
	return n
}

// BatchJob loads the historical order files: the 2017 file replaces the
// table, then 2018 and 2019 are appended.
type BatchJob struct {
	table   Table
	cfg     config.BatchConfig
	steps   []Step
	stamper *stamp.Stamper
	logger  *zap.Logger
	metrics *observability.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// BatchOption configures a BatchJob.
type BatchOption func(*BatchJob)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) BatchOption {
	return func(j *BatchJob) { j.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) BatchOption {
	return func(j *BatchJob) { j.metrics = m }
}

// WithStamper overrides the provenance stamper.
func WithStamper(s *stamp.Stamper) BatchOption {
	return func(j *BatchJob) { j.stamper = s }
}

// WithSteps replaces the default three-file sequence.
func WithSteps(steps ...Step) BatchOption {
	return func(j *BatchJob) { j.steps = steps }
}

// DefaultSteps is the 2017 replace followed by the 2018 and 2019 appends.
func DefaultSteps(cfg config.BatchConfig) []Step {
	return []Step{
		{File: cfg.File2017, Source: Source2017(), Replace: true},
		{File: cfg.File2018, Source: Source2018()},
		{File: cfg.File2019, Source: Source2019()},
	}
}

// NewBatchJob creates the job.
func NewBatchJob(t Table, cfg config.BatchConfig, opts ...BatchOption) *BatchJob {
	j := &BatchJob{
		table:   t,
		cfg:     cfg,
		steps:   DefaultSteps(cfg),
		stamper: stamp.New(),
		logger:  zap.NewNop(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = zap.NewNop()
	}
	return j
}

// maxRetryBackoff caps the delay between commit retries of one file.
const maxRetryBackoff = 30 * time.Second

// BatchKey is the idempotency key of one historical file.
func BatchKey(tableName, file string) string {
	return "batch:" + tableName + ":" + file
}

// Run executes every step in order and aborts on the first failure, naming
// the file. Re-running the job replaces the table again, so the result is
// the same as running it once.
func (j *BatchJob) Run(ctx context.Context) (*BatchReport, error) {
	start := time.Now()
	schema := CanonicalSchema(j.cfg.Table)
	report := &BatchReport{Table: j.cfg.Table}

	for _, step := range j.steps {
		sr, err := j.runStep(ctx, schema, step)
		if err != nil {
			j.logger.Error("batch step failed", zap.String("file", step.File), zap.Error(err))
			return report, err
		}
		report.Steps = append(report.Steps, *sr)
	}
	report.Duration = time.Since(start)
	j.logger.Info("batch load complete",
		zap.String("table", j.cfg.Table),
		zap.Int64("rows", report.Rows()),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (j *BatchJob) runStep(ctx context.Context, schema *types.Schema, step Step) (*StepReport, error) {
	path := filepath.Join(j.cfg.Dir, step.File)
	parser, norm, err := step.Source.Build(schema)
	if err != nil {
		return nil, err
	}
	ing, err := ingest.New(parser, norm,
		ingest.WithPolicy(j.cfg.ParseFailurePolicy),
		ingest.WithStamper(j.stamper),
		ingest.WithLogger(j.logger),
		ingest.WithMetrics(j.metrics))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, olerrors.NewParseFailure(path, 0, "cannot open batch file", err)
	}
	res, err := ing.IngestFile(ctx, path, f)
	f.Close()
	if err != nil {
		return nil, err
	}

	sr := &StepReport{File: step.File, Skipped: res.Skipped}
	key := BatchKey(j.cfg.Table, step.File)

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxRetryBackoff),
		backoff.WithMaxElapsedTime(0))
	for attempt := 0; ; attempt++ {
		sr.Attempts = attempt + 1
		var result *table.CommitResult
		if step.Replace {
			result, err = j.table.CreateOrReplace(ctx, j.cfg.Table, schema, types.PartitionSpec{}, res.Batch,
				table.WithInitialKey(key))
		} else {
			result, err = j.table.Append(ctx, j.cfg.Table, res.Batch, table.AppendOptions{IdempotencyKey: key})
		}

		if err == nil {
			sr.Rows, sr.CommitID, sr.Version = result.Rows, result.CommitID, result.Version
			j.logger.Info("batch step committed",
				zap.String("file", step.File),
				zap.Bool("replace", step.Replace),
				zap.Int64("rows", sr.Rows),
				zap.Int("skipped", sr.Skipped),
				zap.String("commit_id", sr.CommitID))
			return sr, nil
		}
		if errors.Is(err, olerrors.ErrDuplicateAppendRisk) {
			// A lost acknowledgement: the file is already in this version.
			sr.Duplicate = true
			j.logger.Warn("batch file already committed", zap.String("file", step.File), zap.Error(err))
			return sr, nil
		}
		if !olerrors.IsRetryable(err) || attempt >= j.cfg.MaxCommitRetries {
			return nil, withFile(err, path)
		}
		wait := bo.NextBackOff()
		j.logger.Warn("batch commit failed, retrying",
			zap.String("file", step.File),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := j.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func withFile(err error, file string) error {
	if oe, ok := olerrors.As(err); ok {
		if _, set := oe.Detail(olerrors.DetailFile); !set {
			return oe.WithFile(file)
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
