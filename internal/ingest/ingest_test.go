package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/orderlake/internal/config"
	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/format"
	"github.com/arkilian/orderlake/internal/normalize"
	"github.com/arkilian/orderlake/internal/stamp"
	"github.com/arkilian/orderlake/pkg/types"
)

var fixedClock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func schema() *types.Schema {
	return types.NewSchema("orders",
		types.Column{Name: "order_id", Type: types.TypeString, Nullable: true},
		types.Column{Name: "product_quantity", Type: types.TypeInteger, Nullable: true},
		types.Column{Name: "ingest_file_name", Type: types.TypeString},
		types.Column{Name: "ingested_at", Type: types.TypeTimestamp},
	)
}

func newIngestor(t *testing.T, opts ...Option) *Ingestor {
	t.Helper()
	parser, err := format.New(format.Descriptor{Kind: format.KindDelimited, Delimiter: ","})
	require.NoError(t, err)
	norm, err := normalize.New(normalize.Config{
		Mapping:  map[string]string{"orderId": "order_id", "productQuantity": "product_quantity"},
		Reserved: []string{"ingest_file_name", "ingested_at"},
	}, schema())
	require.NoError(t, err)

	opts = append([]Option{WithStamper(stamp.New(stamp.WithClock(func() time.Time { return fixedClock })))}, opts...)
	ing, err := New(parser, norm, opts...)
	require.NoError(t, err)
	return ing
}

func TestIngestFile_StampsEveryRow(t *testing.T) {
	ing := newIngestor(t)
	res, err := ing.IngestFile(context.Background(), "2019.csv",
		strings.NewReader("orderId,productQuantity\n1001,2\n1002,null\n"))
	require.NoError(t, err)
	require.Equal(t, 2, res.Batch.Len())
	assert.Zero(t, res.Skipped)
	assert.Equal(t, "2019.csv", res.Batch.Source)
	assert.Equal(t, fixedClock, res.Batch.IngestedAt)

	assert.Equal(t, types.Row{"1001", int64(2), "2019.csv", fixedClock}, res.Batch.Rows[0])
	assert.Nil(t, res.Batch.Rows[1][1])
}

func TestIngestFile_FailFileAttributesFile(t *testing.T) {
	ing := newIngestor(t)
	_, err := ing.IngestFile(context.Background(), "2019.csv",
		strings.NewReader("orderId,productQuantity\n1001,2\n1002,two\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, olerrors.ErrCastFailure))

	oe, ok := olerrors.As(err)
	require.True(t, ok)
	file, _ := oe.Detail(olerrors.DetailFile)
	line, _ := oe.Detail(olerrors.DetailLine)
	column, _ := oe.Detail(olerrors.DetailColumn)
	assert.Equal(t, "2019.csv", file)
	assert.Equal(t, 3, line)
	assert.Equal(t, "product_quantity", column)
}

func TestIngestFile_SkipAndLogDropsBadRecords(t *testing.T) {
	ing := newIngestor(t, WithPolicy(config.PolicySkipAndLog))
	res, err := ing.IngestFile(context.Background(), "2018.csv",
		strings.NewReader("orderId,productQuantity\n1001,2\n1002,two\n1003,1,extra\n1004,4\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	require.Equal(t, 2, res.Batch.Len())
	assert.Equal(t, "1001", res.Batch.Rows[0][0])
	assert.Equal(t, "1004", res.Batch.Rows[1][0])
}

func TestIngestFile_CancelledContext(t *testing.T) {
	ing := newIngestor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ing.IngestFile(ctx, "2019.csv", strings.NewReader("orderId,productQuantity\n1,1\n"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RequiresProvenanceColumns(t *testing.T) {
	parser, err := format.New(format.Descriptor{Kind: format.KindDelimited, Delimiter: ","})
	require.NoError(t, err)
	bare := types.NewSchema("bare", types.Column{Name: "order_id", Type: types.TypeString, Nullable: true})
	norm, err := normalize.New(normalize.Config{Passthrough: []string{"order_id"}}, bare)
	require.NoError(t, err)

	_, err = New(parser, norm)
	assert.ErrorIs(t, err, olerrors.ErrSchemaMismatch)
}
