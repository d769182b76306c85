package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/orderlake/internal/checkpoint"
	"github.com/arkilian/orderlake/internal/config"
	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/manifest"
	"github.com/arkilian/orderlake/internal/storage"
	"github.com/arkilian/orderlake/internal/stream"
	"github.com/arkilian/orderlake/internal/table"
	"github.com/arkilian/orderlake/pkg/types"
)

type harness struct {
	t      *testing.T
	dir    string
	engine *table.Engine
	cfg    config.BatchConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	catalog, err := manifest.NewCatalog(filepath.Join(dir, "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })
	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	engine, err := table.NewEngine(catalog, store, config.TableConfig{WorkDir: filepath.Join(dir, "work")})
	require.NoError(t, err)

	cfg := config.DefaultConfig().Batch
	cfg.Dir = filepath.Join(dir, "batch")
	require.NoError(t, os.MkdirAll(cfg.Dir, 0755))
	return &harness{t: t, dir: dir, engine: engine, cfg: cfg}
}

func (h *harness) write(name, content string) {
	require.NoError(h.t, os.WriteFile(filepath.Join(h.cfg.Dir, name), []byte(content), 0644))
}

func (h *harness) scan(name string) []types.Row {
	rows, err := h.engine.Scan(context.Background(), name, table.ScanFilter{})
	require.NoError(h.t, err)
	return rows
}

// fixedWidthLine renders values at the 2017 offsets.
func fixedWidthLine(values map[string]string) string {
	last := Layout2017[len(Layout2017)-1]
	buf := []byte(strings.Repeat(" ", last.Start-1+last.Length))
	for _, f := range Layout2017 {
		v := values[f.Name]
		if len(v) > f.Length {
			v = v[:f.Length]
		}
		copy(buf[f.Start-1:], v)
	}
	return string(buf)
}

func (h *harness) writeHistory() {
	h.write(h.cfg.File2017, fixedWidthLine(map[string]string{
		"submitted_at": "2017-03-01", "order_id": "1001", "customer_id": "C1",
		"sales_rep_state": "CA", "product_id": "P1", "product_quantity": "2", "product_sold_price": "10.00",
	})+"\n"+fixedWidthLine(map[string]string{
		"submitted_at": "2017-04-01", "order_id": "1002", "shipping_address_zip": "94105",
	})+"\n")

	header := strings.Join(CanonicalColumns(), "\t")
	row := make([]string, len(CanonicalColumns()))
	for i := range row {
		row[i] = "null"
	}
	row[0], row[1], row[4] = "2018-05-05", "2001", "123-45-6789"
	h.write(h.cfg.File2018, header+"\n"+strings.Join(row, "\t")+"\n")

	h.write(h.cfg.File2019, "submittedAt,orderId,customerId,salesRepSsn,productQuantity\n"+
		"2019-01-01,3001,C9,null,4\n"+
		"2019-01-02,3002,C10,,1\n")
}

func TestBatchJob_LoadsThreeFormats(t *testing.T) {
	h := newHarness(t)
	h.writeHistory()

	report, err := NewBatchJob(h.engine, h.cfg).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Steps, 3)
	assert.EqualValues(t, 5, report.Rows())

	rows := h.scan(h.cfg.Table)
	require.Len(t, rows, 5)
	schema := CanonicalSchema(h.cfg.Table)
	for _, r := range rows {
		assert.Len(t, r, schema.Len(), "every row has exactly the canonical columns")
	}

	idx := schema.Index
	assert.Equal(t, "1001", rows[0][idx("order_id")], "fixed-width value trimmed")
	assert.Equal(t, "CA", rows[0][idx("sales_rep_state")])
	assert.Nil(t, rows[1][idx("customer_id")], "blank fixed-width field is null")
	assert.Equal(t, "94105", rows[1][idx("shipping_address_zip")])

	assert.Equal(t, "2001", rows[2][idx("order_id")])
	assert.Equal(t, "123-45-6789", rows[2][idx("sales_rep_ssn")])
	assert.Nil(t, rows[2][idx("customer_id")], "null token in TSV")

	assert.Equal(t, "3001", rows[3][idx("order_id")], "camelCase header mapped")
	assert.Nil(t, rows[3][idx("sales_rep_ssn")], "null token in CSV")
	assert.Equal(t, "4", rows[3][idx("product_quantity")])

	file := idx("ingest_file_name")
	assert.Equal(t, filepath.Join(h.cfg.Dir, h.cfg.File2017), rows[0][file])
	assert.Equal(t, filepath.Join(h.cfg.Dir, h.cfg.File2019), rows[4][file])
	at := idx("ingested_at")
	assert.Equal(t, rows[3][at], rows[4][at], "one ingested_at per file")
}

func TestBatchJob_RerunReplaces(t *testing.T) {
	h := newHarness(t)
	h.writeHistory()
	ctx := context.Background()

	_, err := NewBatchJob(h.engine, h.cfg).Run(ctx)
	require.NoError(t, err)
	first := h.scan(h.cfg.Table)

	report, err := NewBatchJob(h.engine, h.cfg).Run(ctx)
	require.NoError(t, err)
	second := h.scan(h.cfg.Table)

	require.Len(t, second, len(first))
	orderIdx := CanonicalSchema(h.cfg.Table).Index("order_id")
	for i := range first {
		assert.Equal(t, first[i][orderIdx], second[i][orderIdx])
	}
	for _, s := range report.Steps {
		assert.False(t, s.Duplicate, "appends are keyed per table version")
	}

	info, err := h.engine.Describe(ctx, h.cfg.Table)
	require.NoError(t, err)
	assert.EqualValues(t, 2, info.Version)
}

func TestBatchJob_FailFileAbortsNamingFile(t *testing.T) {
	h := newHarness(t)
	h.writeHistory()
	h.write(h.cfg.File2019, "submittedAt,orderId\n2019-01-01,3001,extra\n")

	_, err := NewBatchJob(h.engine, h.cfg).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, olerrors.ErrParseFailure)
	assert.Contains(t, err.Error(), h.cfg.File2019)

	rows := h.scan(h.cfg.Table)
	assert.Len(t, rows, 3, "earlier files stay committed, nothing from the bad file")
}

func TestBatchJob_SkipAndLog(t *testing.T) {
	h := newHarness(t)
	h.writeHistory()
	h.write(h.cfg.File2019, "submittedAt,orderId\n2019-01-01,3001,extra\n2019-01-02,3002\n")
	h.cfg.ParseFailurePolicy = config.PolicySkipAndLog

	report, err := NewBatchJob(h.engine, h.cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Steps[2].Skipped)
	assert.EqualValues(t, 1, report.Steps[2].Rows)
	assert.Len(t, h.scan(h.cfg.Table), 4)
}

func TestBatchJob_MissingFile(t *testing.T) {
	h := newHarness(t)
	_, err := NewBatchJob(h.engine, h.cfg).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), h.cfg.File2017)
}

// lossyTable commits appends but reports the first one as failed, as if the
// acknowledgement was lost.
type lossyTable struct {
	*table.Engine
	lost atomic.Bool
}

func (l *lossyTable) Append(ctx context.Context, name string, b *types.Batch, opts table.AppendOptions) (*table.CommitResult, error) {
	res, err := l.Engine.Append(ctx, name, b, opts)
	if err == nil && l.lost.CompareAndSwap(false, true) {
		return nil, olerrors.NewCommitFailure("connection reset", errors.New("EOF"))
	}
	return res, err
}

func TestBatchJob_RetryAfterLostAckDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	h.writeHistory()

	job := NewBatchJob(&lossyTable{Engine: h.engine}, h.cfg)
	job.sleep = func(context.Context, time.Duration) error { return nil }
	report, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Steps[1].Attempts)
	assert.True(t, report.Steps[1].Duplicate)
	assert.Len(t, h.scan(h.cfg.Table), 5)
}

func TestStreamPresets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	cfg := config.DefaultConfig().Stream
	require.NoError(t, EnsureStreamTables(ctx, h.engine, cfg))
	require.NoError(t, EnsureStreamTables(ctx, h.engine, cfg), "existing tables are kept")

	landing := filepath.Join(h.dir, "landing")
	require.NoError(t, os.MkdirAll(landing, 0755))
	order := `{"customerId":"C1","orderId":"O-77","products":[` +
		`{"productId":"P1","quantity":1,"soldPrice":10.5},` +
		`{"productId":"P2","quantity":2,"soldPrice":3.25},` +
		`{"productId":"P3","quantity":3,"soldPrice":1}],` +
		`"salesRepId":"R9","shippingAddress":{"address":"1 Main","attention":"Bo","city":"Austin","state":"TX","zip":73301},` +
		`"submittedAt":"2020-01-15T10:00:00.000+0000"}`
	require.NoError(t, os.WriteFile(filepath.Join(landing, "01.json"), []byte(order+"\n"), 0644))

	src, err := stream.NewDirSource(landing, cfg.Pattern)
	require.NoError(t, err)
	queries, err := StreamQueries(cfg, src)
	require.NoError(t, err)
	require.Len(t, queries, 2)

	cp, err := checkpoint.NewFileStore(filepath.Join(h.dir, "checkpoints"), nil)
	require.NoError(t, err)
	defer cp.Close()

	m := stream.NewManager(nil)
	for _, q := range queries {
		c, err := stream.NewCoordinator(q, h.engine, cp)
		require.NoError(t, err)
		require.NoError(t, m.Add(c))
	}
	require.NoError(t, m.RunUntilIdle(ctx))

	orders := h.scan(cfg.OrdersTable)
	require.Len(t, orders, 1)
	ordersSchema := OrdersStreamSchema(cfg.OrdersTable)
	assert.Equal(t, time.Date(2020, 1, 15, 10, 0, 0, 0, time.UTC), orders[0][ordersSchema.Index("submitted_at")].(time.Time).UTC())
	assert.Equal(t, int64(73301), orders[0][ordersSchema.Index("shipping_address_zip")])
	assert.Equal(t, "2020-01", orders[0][ordersSchema.Index(PartitionColumn)])

	parts, err := h.engine.Partitions(ctx, cfg.OrdersTable)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, types.PartitionKey("submitted_yyyy_mm=2020-01"), parts[0])

	items := h.scan(cfg.LineItemsTable)
	require.Len(t, items, 3, "one row per product")
	ls := LineItemsSchema(cfg.LineItemsTable)
	for _, r := range items {
		assert.Equal(t, "O-77", r[ls.Index("order_id")])
	}
	assert.True(t, decimal.RequireFromString("10.50").Equal(items[0][ls.Index("product_sold_price")].(decimal.Decimal)))
	assert.Equal(t, int64(3), items[2][ls.Index("product_quantity")])
}

func TestStreamQueries_UnknownQuery(t *testing.T) {
	cfg := config.DefaultConfig().Stream
	cfg.Queries = []string{"returns"}
	_, err := StreamQueries(cfg, nil)
	assert.ErrorIs(t, err, olerrors.ErrConfiguration)
}
