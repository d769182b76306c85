package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/orderlake/internal/checkpoint"
	"github.com/arkilian/orderlake/internal/config"
	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/format"
	"github.com/arkilian/orderlake/internal/manifest"
	"github.com/arkilian/orderlake/internal/normalize"
	"github.com/arkilian/orderlake/internal/storage"
	"github.com/arkilian/orderlake/internal/table"
	"github.com/arkilian/orderlake/pkg/types"
)

const lineItemsTable = "line_items"

func lineItemSchema() *types.Schema {
	return types.NewSchema(lineItemsTable,
		types.Column{Name: "order_id", Type: types.TypeString, Nullable: true},
		types.Column{Name: "product_id", Type: types.TypeString, Nullable: true},
		types.Column{Name: "product_quantity", Type: types.TypeInteger, Nullable: true},
		types.Column{Name: "product_sold_price", Type: types.TypeDecimal, Precision: 10, Scale: 2, Nullable: true},
		types.Column{Name: "ingest_file_name", Type: types.TypeString},
		types.Column{Name: "ingested_at", Type: types.TypeTimestamp},
	)
}

func order(id string, products int) string {
	s := fmt.Sprintf(`{"orderId":%q,"submittedAt":"2020-01-15T10:00:00Z","products":[`, id)
	for i := 0; i < products; i++ {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf(`{"productId":"P%d","quantity":%d,"soldPrice":1.25}`, i, i+1)
	}
	return s + "]}"
}

type env struct {
	t           *testing.T
	dir         string
	landing     string
	engine      *table.Engine
	checkpoints checkpoint.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	catalog, err := manifest.NewCatalog(filepath.Join(dir, "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	engine, err := table.NewEngine(catalog, store, config.TableConfig{
		WorkDir:                filepath.Join(dir, "work"),
		UploadConcurrency:      2,
		BloomFalsePositiveRate: 0.01,
	})
	require.NoError(t, err)

	_, err = engine.CreateOrReplace(context.Background(), lineItemsTable, lineItemSchema(), types.PartitionSpec{}, nil)
	require.NoError(t, err)

	e := &env{t: t, dir: dir, landing: filepath.Join(dir, "landing"), engine: engine}
	require.NoError(t, os.MkdirAll(e.landing, 0755))
	e.checkpoints = e.openCheckpoints()
	return e
}

func (e *env) openCheckpoints() checkpoint.Store {
	cp, err := checkpoint.NewFileStore(filepath.Join(e.dir, "checkpoints"), nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { cp.Close() })
	return cp
}

func (e *env) land(name string, orders ...string) string {
	path := filepath.Join(e.landing, name)
	var content string
	for _, o := range orders {
		content += o + "\n"
	}
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (e *env) query(name string) Query {
	parser, err := format.NewJSONLines(
		[]format.Path{{Name: "order_id", Path: "orderId"}},
		"products",
		[]format.Path{
			{Name: "product_id", Path: "productId"},
			{Name: "product_quantity", Path: "quantity"},
			{Name: "product_sold_price", Path: "soldPrice"},
		},
	)
	require.NoError(e.t, err)
	norm, err := normalize.New(normalize.Config{
		Passthrough: []string{"order_id", "product_id", "product_quantity", "product_sold_price"},
		Reserved:    []string{"ingest_file_name", "ingested_at"},
	}, lineItemSchema())
	require.NoError(e.t, err)

	src, err := NewDirSource(e.landing, "*.json")
	require.NoError(e.t, err)
	return Query{
		Name:             name,
		Source:           src,
		Parser:           parser,
		Normalizer:       norm,
		Table:            lineItemsTable,
		FilesPerTrigger:  1,
		TriggerInterval:  10 * time.Millisecond,
		MaxCommitRetries: 2,
	}
}

func (e *env) coordinator(q Query, appender Appender) *Coordinator {
	if appender == nil {
		appender = e.engine
	}
	c, err := NewCoordinator(q, appender, e.checkpoints, withSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(e.t, err)
	return c
}

func (e *env) rows() []types.Row {
	rows, err := e.engine.Scan(context.Background(), lineItemsTable, table.ScanFilter{})
	require.NoError(e.t, err)
	return rows
}

// flakyAppender fails the first n appends with a retryable commit failure.
type flakyAppender struct {
	Appender
	failures atomic.Int32
	err      error
}

func (f *flakyAppender) Append(ctx context.Context, name string, b *types.Batch, opts table.AppendOptions) (*table.CommitResult, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, f.err
	}
	return f.Appender.Append(ctx, name, b, opts)
}

func TestAssertTransition(t *testing.T) {
	assert.NoError(t, assertTransition(StateIdle, StateDiscover))
	assert.NoError(t, assertTransition(StateCommit, StateParse))
	assert.NoError(t, assertTransition(StateAdvanceOffset, StateIdle))
	assert.Error(t, assertTransition(StateIdle, StateCommit))
	assert.Error(t, assertTransition(StateParse, StateAdvanceOffset))
	assert.Error(t, assertTransition(StateFailed, StateIdle))
	assert.Error(t, assertTransition(StateStopped, StateDiscover))
}

func TestRunOnce_OneFilePerTrigger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.land("a.json", order("o1", 3))
	b := e.land("b.json", order("o2", 1), order("o3", 2))

	c := e.coordinator(e.query("line_items"), nil)
	p, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, p.Files)
	assert.EqualValues(t, 3, p.Rows)
	assert.Equal(t, StateIdle, c.State())

	p, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, p.Files)
	assert.EqualValues(t, 3, p.Rows)

	p, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, p.Files, "nothing pending")

	processed, err := e.checkpoints.ProcessedSet(ctx, "line_items")
	require.NoError(t, err)
	assert.Len(t, processed, 2)

	rows := e.rows()
	require.Len(t, rows, 6)
	assert.Equal(t, "o1", rows[0][0])
	assert.Equal(t, a, rows[0][4])
	assert.Equal(t, rows[0][5], rows[2][5], "one ingested_at per file")

	st := c.Status()
	assert.EqualValues(t, 2, st.FilesProcessed)
	assert.EqualValues(t, 6, st.RowsCommitted)
	assert.Equal(t, b, st.LastFile)
	assert.NotEmpty(t, st.LastCommitID)
}

func TestRunUntilIdle_UnionWithoutDuplicates(t *testing.T) {
	e := newEnv(t)
	const n = 5
	for i := 0; i < n; i++ {
		e.land(fmt.Sprintf("%02d.json", i), order(fmt.Sprintf("o%d", i), 2))
	}

	q := e.query("line_items")
	q.FilesPerTrigger = 2
	c := e.coordinator(q, nil)

	p, err := c.RunUntilIdle(context.Background())
	require.NoError(t, err)
	assert.Len(t, p.Files, n)

	rows := e.rows()
	require.Len(t, rows, 2*n)
	seen := make(map[string]int)
	for _, r := range rows {
		seen[r[0].(string)]++
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, 2, seen[fmt.Sprintf("o%d", i)])
	}

	processed, err := e.checkpoints.ProcessedSet(context.Background(), "line_items")
	require.NoError(t, err)
	assert.Len(t, processed, n)
}

func TestRestart_SkipsProcessedFiles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.land("a.json", order("o1", 1))

	first := e.coordinator(e.query("line_items"), nil)
	_, err := first.RunUntilIdle(ctx)
	require.NoError(t, err)
	first.Stop()
	assert.Equal(t, StateStopped, first.State())

	require.NoError(t, e.checkpoints.Close())
	e.checkpoints = e.openCheckpoints()

	e.land("b.json", order("o2", 1))
	second := e.coordinator(e.query("line_items"), nil)
	p, err := second.RunUntilIdle(ctx)
	require.NoError(t, err)
	require.Len(t, p.Files, 1)
	assert.Equal(t, filepath.Join(e.landing, "b.json"), p.Files[0])
	assert.Len(t, e.rows(), 2)
}

func TestCrashBetweenCommitAndAdvance_IsNotReappended(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.land("a.json", order("o1", 2))

	// The earlier run committed a.json but died before its checkpoint write.
	parsed := e.coordinator(e.query("line_items"), nil)
	batches, err := parsed.parse(ctx, []string{a})
	require.NoError(t, err)
	_, err = e.engine.Append(ctx, lineItemsTable, batches[0], table.AppendOptions{IdempotencyKey: IdempotencyKey("line_items", a)})
	require.NoError(t, err)

	c := e.coordinator(e.query("line_items"), nil)
	p, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, p.Files)
	assert.Zero(t, p.Rows)
	assert.EqualValues(t, 1, c.Status().Duplicates)
	assert.Len(t, e.rows(), 2, "rows not written twice")

	processed, err := e.checkpoints.ProcessedSet(ctx, "line_items")
	require.NoError(t, err)
	assert.Contains(t, processed, a, "offset advanced")
}

func TestParseFailure_FailsWithoutSideEffects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.land("a.json", order("o1", 1), `{"orderId": broken`)

	c := e.coordinator(e.query("line_items"), nil)
	_, err := c.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, err, olerrors.ErrParseFailure)
	assert.Equal(t, StateFailed, c.State())
	assert.NotEmpty(t, c.Status().LastError)

	assert.Empty(t, e.rows())
	processed, err := e.checkpoints.ProcessedSet(ctx, "line_items")
	require.NoError(t, err)
	assert.Empty(t, processed)

	_, err = c.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrFailed, "failed coordinator stays failed")
}

func TestRetryableCommitFailure_RetriesThenSucceeds(t *testing.T) {
	e := newEnv(t)
	e.land("a.json", order("o1", 2))

	flaky := &flakyAppender{Appender: e.engine, err: olerrors.NewCommitFailure("manifest busy", errors.New("locked"))}
	flaky.failures.Store(2)

	c := e.coordinator(e.query("line_items"), flaky)
	p, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.Rows)
	assert.Len(t, e.rows(), 2)
}

func TestRetryableCommitFailure_ExhaustsRetries(t *testing.T) {
	e := newEnv(t)
	e.land("a.json", order("o1", 2))

	flaky := &flakyAppender{Appender: e.engine, err: olerrors.NewCommitFailure("manifest busy", errors.New("locked"))}
	flaky.failures.Store(10)

	c := e.coordinator(e.query("line_items"), flaky)
	_, err := c.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, olerrors.ErrCommitFailure)
	assert.Equal(t, StateFailed, c.State())
	assert.EqualValues(t, 10-3, flaky.failures.Load(), "one attempt plus two retries")
}

func TestRetryBackoff_DoublesUpToCap(t *testing.T) {
	e := newEnv(t)
	e.land("a.json", order("o1", 2))

	flaky := &flakyAppender{Appender: e.engine, err: olerrors.NewCommitFailure("manifest busy", errors.New("locked"))}
	flaky.failures.Store(70)

	q := e.query("line_items")
	q.RetryBackoff = time.Second
	q.MaxCommitRetries = 70
	var waits []time.Duration
	c, err := NewCoordinator(q, flaky, e.checkpoints, withSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))
	require.NoError(t, err)

	p, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.Rows)
	require.Len(t, waits, 70)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, waits[:3])
	for i, d := range waits {
		require.Positive(t, d, "wait %d overflowed", i)
		require.LessOrEqual(t, d, maxRetryBackoff, "wait %d", i)
	}
	assert.Equal(t, maxRetryBackoff, waits[69])
}

func TestNonRetryableCommitFailure_FailsImmediately(t *testing.T) {
	e := newEnv(t)
	e.land("a.json", order("o1", 1))

	flaky := &flakyAppender{Appender: e.engine, err: olerrors.NewSchemaMismatch("drift")}
	flaky.failures.Store(1)

	c := e.coordinator(e.query("line_items"), flaky)
	_, err := c.RunOnce(context.Background())
	assert.ErrorIs(t, err, olerrors.ErrSchemaMismatch)
	assert.Equal(t, StateFailed, c.State())
}

type brokenCheckpoint struct{ checkpoint.Store }

func (brokenCheckpoint) AppendProcessed(context.Context, string, ...string) error {
	return olerrors.NewCheckpointError("disk full", errors.New("ENOSPC"))
}

func TestCheckpointFailure_Fails(t *testing.T) {
	e := newEnv(t)
	e.land("a.json", order("o1", 1))

	c, err := NewCoordinator(e.query("line_items"), e.engine, brokenCheckpoint{e.checkpoints})
	require.NoError(t, err)
	_, err = c.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, olerrors.ErrCategoryCheckpoint, olerrors.GetCategory(err))
	assert.Equal(t, StateFailed, c.State())
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	e.land("a.json", order("o1", 1))
	e.land("b.json", order("o2", 1))

	c := e.coordinator(e.query("line_items"), nil)
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return c.Status().FilesProcessed == 2 }, 5*time.Second, 10*time.Millisecond)
	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	assert.Len(t, e.rows(), 2)

	_, err := c.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestManager_ConcurrentQueriesOwnCheckpoints(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.land("a.json", order("o1", 1))
	e.land("b.json", order("o2", 1))

	m := NewManager(nil)
	require.NoError(t, m.Add(e.coordinator(e.query("first"), nil)))
	require.NoError(t, m.Add(e.coordinator(e.query("second"), nil)))
	assert.Error(t, m.Add(e.coordinator(e.query("first"), nil)))

	require.NoError(t, m.RunUntilIdle(ctx))

	// Both queries write the same table, each once per file.
	assert.Len(t, e.rows(), 4)
	for _, q := range []string{"first", "second"} {
		processed, err := e.checkpoints.ProcessedSet(ctx, q)
		require.NoError(t, err)
		assert.Len(t, processed, 2, q)
	}

	statuses := m.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "first", statuses[0].Query)
	assert.EqualValues(t, 2, statuses[1].FilesProcessed)
}

func TestManager_StartStop(t *testing.T) {
	e := newEnv(t)
	e.land("a.json", order("o1", 1))

	m := NewManager(nil)
	require.NoError(t, m.Add(e.coordinator(e.query("first"), nil)))
	require.NoError(t, m.Add(e.coordinator(e.query("second"), nil)))
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		for _, st := range m.Status() {
			if st.FilesProcessed != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	m.Stop()
	for _, st := range m.Status() {
		assert.Equal(t, StateStopped, st.State)
	}
}
