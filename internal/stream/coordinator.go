// Package stream runs micro-batch streaming queries. Each query discovers
// unprocessed files in a source, ingests them, appends one batch per file to
// its table and then durably records the files in its checkpoint, in that
// order, so a file is never checkpointed before its rows are committed.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/arkilian/orderlake/internal/checkpoint"
	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/format"
	"github.com/arkilian/orderlake/internal/ingest"
	"github.com/arkilian/orderlake/internal/normalize"
	"github.com/arkilian/orderlake/internal/observability"
	"github.com/arkilian/orderlake/internal/stamp"
	"github.com/arkilian/orderlake/internal/table"
	"github.com/arkilian/orderlake/pkg/types"
)

// maxRetryBackoff caps the delay between commit retries.
const maxRetryBackoff = 30 * time.Second

// State is a coordinator state.
type State string

const (
	StateIdle          State = "IDLE"
	StateDiscover      State = "DISCOVER"
	StateParse         State = "PARSE"
	StateCommit        State = "COMMIT"
	StateAdvanceOffset State = "ADVANCE_OFFSET"
	StateStopped       State = "STOPPED"
	StateFailed        State = "FAILED"
)

var allStates = []string{
	string(StateIdle), string(StateDiscover), string(StateParse), string(StateCommit),
	string(StateAdvanceOffset), string(StateStopped), string(StateFailed),
}

// transitions lists the legal successors of each state. Every running state
// may also fall back to IDLE when its context is cancelled.
var transitions = map[State][]State{
	StateIdle:          {StateDiscover, StateStopped, StateFailed},
	StateDiscover:      {StateIdle, StateParse, StateFailed},
	StateParse:         {StateCommit, StateIdle, StateFailed},
	StateCommit:        {StateAdvanceOffset, StateParse, StateIdle, StateFailed},
	StateAdvanceOffset: {StateIdle, StateFailed},
	StateFailed:        {},
	StateStopped:       {},
}

// Errors returned by coordinators.
var (
	ErrFailed         = errors.New("stream: query failed")
	ErrStopped        = errors.New("stream: query stopped")
	ErrAlreadyRunning = errors.New("stream: query already running")
)

// assertTransition reports whether from may move to to.
func assertTransition(from, to State) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("stream: illegal transition %s -> %s", from, to)
}

// Appender commits batches. *table.Engine implements it.
type Appender interface {
	Append(ctx context.Context, name string, batch *types.Batch, opts table.AppendOptions) (*table.CommitResult, error)
}

// Query describes one streaming query.
type Query struct {
	// Name identifies the query and its checkpoint
	Name string

	Source     Source
	Parser     format.Parser
	Normalizer *normalize.Normalizer

	// Stamper overrides the default provenance stamper
	Stamper *stamp.Stamper

	// Table is the destination table, which must already exist
	Table string

	// FilesPerTrigger bounds the files of one micro-batch; default 1
	FilesPerTrigger int

	// TriggerInterval is the delay between triggers when started
	TriggerInterval time.Duration

	// MaxCommitRetries bounds re-parse+commit attempts after a retryable failure
	MaxCommitRetries int

	// RetryBackoff is the base delay between commit retries, doubled per
	// attempt up to maxRetryBackoff
	RetryBackoff time.Duration
}

// Status is a snapshot of a coordinator.
type Status struct {
	Query          string    `json:"query"`
	Table          string    `json:"table"`
	State          State     `json:"state"`
	FilesProcessed int64     `json:"files_processed"`
	RowsCommitted  int64     `json:"rows_committed"`
	Duplicates     int64     `json:"duplicates"`
	LastCommitID   string    `json:"last_commit_id,omitempty"`
	LastFile       string    `json:"last_file,omitempty"`
	LastTrigger    time.Time `json:"last_trigger,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Progress reports what one micro-batch did.
type Progress struct {
	Files []string
	Rows  int64
}

// Coordinator drives one query through its micro-batch state machine. At
// most one micro-batch runs at a time.
type Coordinator struct {
	query       Query
	ingestor    *ingest.Ingestor
	appender    Appender
	checkpoints checkpoint.Store
	logger      *zap.Logger
	metrics     *observability.Metrics
	sleep       func(ctx context.Context, d time.Duration) error

	runMu sync.Mutex

	mu      sync.Mutex
	status  Status
	failure error
	stopCh  chan struct{}
	done    chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// withSleep replaces the retry backoff sleep in tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

// NewCoordinator creates a coordinator in IDLE. The query's normalizer schema
// is frozen for the lifetime of the coordinator.
func NewCoordinator(q Query, appender Appender, checkpoints checkpoint.Store, opts ...Option) (*Coordinator, error) {
	if q.Name == "" {
		return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig, "stream query needs a name")
	}
	if q.Source == nil || q.Parser == nil || q.Normalizer == nil {
		return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig,
			"stream query "+q.Name+" needs a source, parser and normalizer")
	}
	if q.Table == "" {
		return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig, "stream query "+q.Name+" needs a table")
	}
	if q.FilesPerTrigger <= 0 {
		q.FilesPerTrigger = 1
	}
	if q.MaxCommitRetries < 0 {
		q.MaxCommitRetries = 0
	}

	c := &Coordinator{
		query:       q,
		appender:    appender,
		checkpoints: checkpoints,
		logger:      zap.NewNop(),
		sleep:       sleepContext,
		status:      Status{Query: q.Name, Table: q.Table, State: StateIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("query", q.Name))

	ingOpts := []ingest.Option{ingest.WithLogger(c.logger), ingest.WithMetrics(c.metrics)}
	if q.Stamper != nil {
		ingOpts = append(ingOpts, ingest.WithStamper(q.Stamper))
	}
	ing, err := ingest.New(q.Parser, q.Normalizer, ingOpts...)
	if err != nil {
		return nil, err
	}
	c.ingestor = ing
	c.metrics.SetState(q.Name, allStates, string(StateIdle))
	return c, nil
}

// Name returns the query name.
func (c *Coordinator) Name() string {
	return c.query.Name
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the error that moved the coordinator to FAILED, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *Coordinator) transition(to State) error {
	c.mu.Lock()
	from := c.status.State
	if err := assertTransition(from, to); err != nil {
		c.mu.Unlock()
		c.logger.Error("illegal state transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return olerrors.NewInternalError("coordinator state machine violated", err)
	}
	c.status.State = to
	c.mu.Unlock()

	c.metrics.SetState(c.query.Name, allStates, string(to))
	c.logger.Debug("state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// fail moves the coordinator to FAILED and returns the wrapped cause.
func (c *Coordinator) fail(err error) error {
	c.mu.Lock()
	c.failure = err
	c.status.LastError = err.Error()
	c.mu.Unlock()

	if terr := c.transition(StateFailed); terr != nil {
		return terr
	}
	c.logger.Error("query failed", zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrFailed, c.query.Name, err)
}

// abort returns to IDLE after a cancellation, without touching the checkpoint.
func (c *Coordinator) abort(err error) error {
	if terr := c.transition(StateIdle); terr != nil {
		return terr
	}
	return err
}

// checkRunnable rejects terminal coordinators.
func (c *Coordinator) checkRunnable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status.State {
	case StateFailed:
		return fmt.Errorf("%w: %s: %w", ErrFailed, c.query.Name, c.failure)
	case StateStopped:
		return ErrStopped
	}
	return nil
}

// RunOnce runs one micro-batch synchronously: discover up to FilesPerTrigger
// unprocessed files, ingest and commit each, then advance the checkpoint.
// It returns an empty Progress when nothing is pending.
func (c *Coordinator) RunOnce(ctx context.Context) (*Progress, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if err := c.checkRunnable(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.status.LastTrigger = time.Now().UTC()
	c.mu.Unlock()

	if err := c.transition(StateDiscover); err != nil {
		return nil, err
	}
	files, err := c.discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, c.abort(ctx.Err())
		}
		return nil, c.fail(err)
	}
	if len(files) == 0 {
		return &Progress{}, c.transition(StateIdle)
	}
	c.logger.Info("micro-batch discovered files", zap.Strings("files", files))

	progress := &Progress{Files: files}
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.query.RetryBackoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxRetryBackoff),
		backoff.WithMaxElapsedTime(0))
	for attempt := 0; ; attempt++ {
		if err := c.transition(StateParse); err != nil {
			return nil, err
		}
		batches, err := c.parse(ctx, files)
		if err != nil {
			if ctx.Err() != nil {
				return nil, c.abort(ctx.Err())
			}
			return nil, c.fail(err)
		}

		if err := c.transition(StateCommit); err != nil {
			return nil, err
		}
		rows, err := c.commit(ctx, batches)
		progress.Rows += rows
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, c.abort(ctx.Err())
		}
		if !olerrors.IsRetryable(err) || attempt >= c.query.MaxCommitRetries {
			return nil, c.fail(err)
		}

		wait := bo.NextBackOff()
		c.logger.Warn("commit failed, retrying micro-batch",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := c.sleep(ctx, wait); err != nil {
			return nil, c.abort(err)
		}
	}

	if err := c.transition(StateAdvanceOffset); err != nil {
		return nil, err
	}
	if err := c.checkpoints.AppendProcessed(ctx, c.query.Name, files...); err != nil {
		if ctx.Err() != nil {
			return nil, c.abort(ctx.Err())
		}
		return nil, c.fail(err)
	}
	c.metrics.ObserveFilesProcessed(c.query.Name, len(files))

	c.mu.Lock()
	c.status.FilesProcessed += int64(len(files))
	c.status.LastFile = files[len(files)-1]
	c.mu.Unlock()

	c.logger.Info("micro-batch complete",
		zap.Int("files", len(files)),
		zap.Int64("rows", progress.Rows))
	return progress, c.transition(StateIdle)
}

// RunUntilIdle runs micro-batches until no unprocessed file remains.
func (c *Coordinator) RunUntilIdle(ctx context.Context) (*Progress, error) {
	total := &Progress{}
	for {
		p, err := c.RunOnce(ctx)
		if err != nil {
			return total, err
		}
		if len(p.Files) == 0 {
			return total, nil
		}
		total.Files = append(total.Files, p.Files...)
		total.Rows += p.Rows
	}
}

// discover returns the first FilesPerTrigger files, in lexical order, that
// the checkpoint has not recorded.
func (c *Coordinator) discover(ctx context.Context) ([]string, error) {
	listed, err := c.query.Source.List(ctx)
	if err != nil {
		return nil, err
	}
	processed, err := c.checkpoints.ProcessedSet(ctx, c.query.Name)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, f := range listed {
		if _, done := processed[f]; !done {
			pending = append(pending, f)
		}
	}
	sort.Strings(pending)
	if len(pending) > c.query.FilesPerTrigger {
		pending = pending[:c.query.FilesPerTrigger]
	}
	return pending, nil
}

// parse ingests every file into one batch per file. Any failure fails the
// whole micro-batch.
func (c *Coordinator) parse(ctx context.Context, files []string) ([]*types.Batch, error) {
	batches := make([]*types.Batch, 0, len(files))
	for _, f := range files {
		r, err := c.query.Source.Open(ctx, f)
		if err != nil {
			return nil, olerrors.NewParseFailure(f, 0, "failed to open input", err)
		}
		res, err := c.ingestor.IngestFile(ctx, f, r)
		r.Close()
		if err != nil {
			return nil, err
		}
		batches = append(batches, res.Batch)
	}
	return batches, nil
}

// commit appends every batch under its file's idempotency key. A key that is
// already committed means an earlier run crashed between commit and
// checkpoint; the batch is not written again.
func (c *Coordinator) commit(ctx context.Context, batches []*types.Batch) (int64, error) {
	var rows int64
	for _, b := range batches {
		key := IdempotencyKey(c.query.Name, b.Source)
		res, err := c.appender.Append(ctx, c.query.Table, b, table.AppendOptions{IdempotencyKey: key})
		if errors.Is(err, olerrors.ErrDuplicateAppendRisk) {
			prior := ""
			if oe, ok := olerrors.As(err); ok {
				if v, ok := oe.Detail(olerrors.DetailCommit); ok {
					prior = fmt.Sprint(v)
				}
			}
			c.logger.Warn("file already committed, advancing offset without rewriting",
				zap.String("file", b.Source),
				zap.String("idempotency_key", key),
				zap.String("prior_commit_id", prior))
			c.mu.Lock()
			c.status.Duplicates++
			c.mu.Unlock()
			continue
		}
		if err != nil {
			return rows, err
		}
		rows += res.Rows
		c.mu.Lock()
		c.status.RowsCommitted += res.Rows
		c.status.LastCommitID = res.CommitID
		c.mu.Unlock()
	}
	return rows, nil
}

// IdempotencyKey is the append key of one file of one query.
func IdempotencyKey(query, file string) string {
	return "stream:" + query + ":" + file
}

// Start runs the query in a goroutine: one trigger immediately, then one per
// TriggerInterval. The loop ends when ctx is cancelled, Stop is called or the
// query fails.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.checkRunnable(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	stopCh, done := c.stopCh, c.done
	c.mu.Unlock()

	interval := c.query.TriggerInterval
	if interval <= 0 {
		interval = time.Second
	}
	go c.loop(ctx, interval, stopCh, done)
	c.logger.Info("query started", zap.Duration("trigger_interval", interval))
	return nil
}

func (c *Coordinator) loop(ctx context.Context, interval time.Duration, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrFailed) || errors.Is(err, ErrStopped) {
				return
			}
			if ctx.Err() == nil {
				c.logger.Warn("micro-batch aborted", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the trigger loop, waits for an in-flight micro-batch to finish
// and moves the coordinator to STOPPED. A failed coordinator stays FAILED.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	stopCh, done := c.stopCh, c.done
	c.stopCh = nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-done
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.State() == StateIdle {
		if err := c.transition(StateStopped); err == nil {
			c.logger.Info("query stopped")
		}
	}
}

// Wait blocks until a started trigger loop ends.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
