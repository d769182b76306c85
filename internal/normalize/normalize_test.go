package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/pkg/types"
)

func ordersSchema() *types.Schema {
	return types.NewSchema("orders",
		types.Column{Name: "submitted_at", Type: types.TypeTimestamp, Nullable: true},
		types.Column{Name: "order_id", Type: types.TypeString, Nullable: true},
		types.Column{Name: "product_quantity", Type: types.TypeInteger, Nullable: true},
		types.Column{Name: "product_sold_price", Type: types.TypeDecimal, Precision: 10, Scale: 2, Nullable: true},
		types.Column{Name: "submitted_yyyy_mm", Type: types.TypeString, Nullable: true},
		types.Column{Name: "ingest_file_name", Type: types.TypeString, Nullable: true},
	)
}

func record(line int, kv ...any) types.Record {
	r := types.NewRecord(line, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		r.Fields[kv[i].(string)] = kv[i+1]
	}
	return r
}

func baseConfig() Config {
	return Config{
		Mapping: map[string]string{
			"submittedAt": "submitted_at",
			"orderId":     "order_id",
			"quantity":    "product_quantity",
			"soldPrice":   "product_sold_price",
		},
		Derived:  []Derivation{{Target: "submitted_yyyy_mm", Source: "submitted_at", Transform: TransformMonth}},
		Reserved: []string{"ingest_file_name"},
	}
}

func TestNormalize_RenameCastDerive(t *testing.T) {
	n, err := New(baseConfig(), ordersSchema())
	require.NoError(t, err)

	row, err := n.Normalize(record(1,
		"submittedAt", "2020-02-29T23:00:00Z",
		"orderId", "A1",
		"quantity", "3",
		"soldPrice", "4.5",
		"salesRepId", "dropped",
	))
	require.NoError(t, err)
	require.Len(t, row, 6)
	assert.Equal(t, time.Date(2020, 2, 29, 23, 0, 0, 0, time.UTC), row[0])
	assert.Equal(t, "A1", row[1])
	assert.Equal(t, int64(3), row[2])
	assert.True(t, decimal.RequireFromString("4.50").Equal(row[3].(decimal.Decimal)))
	assert.Equal(t, "2020-02", row[4])
	assert.Nil(t, row[5])
}

func TestNormalize_MissingValuesAndDefaults(t *testing.T) {
	cfg := baseConfig()
	cfg.Defaults = map[string]string{"product_quantity": "1"}
	delete(cfg.Mapping, "quantity")
	n, err := New(cfg, ordersSchema())
	require.NoError(t, err)

	row, err := n.Normalize(record(2, "orderId", "A2"))
	require.NoError(t, err)
	assert.Nil(t, row[0])
	assert.Equal(t, int64(1), row[2])
	assert.Nil(t, row[3])
	assert.Nil(t, row[4], "month of a null timestamp is null")
}

func TestNormalize_OrderIndependent(t *testing.T) {
	n, err := New(baseConfig(), ordersSchema())
	require.NoError(t, err)

	a := record(1, "orderId", "X", "quantity", "2", "soldPrice", "1", "submittedAt", "2019-05-01")
	b := record(1, "submittedAt", "2019-05-01", "soldPrice", "1", "quantity", "2", "orderId", "X")
	ra, err := n.Normalize(a)
	require.NoError(t, err)
	rb, err := n.Normalize(b)
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
}

func TestNormalize_CastFailureCarriesLine(t *testing.T) {
	n, err := New(baseConfig(), ordersSchema())
	require.NoError(t, err)

	_, err = n.Normalize(record(9, "orderId", "X", "quantity", "many"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, olerrors.ErrCastFailure))
	oe, _ := olerrors.As(err)
	line, _ := oe.Detail(olerrors.DetailLine)
	col, _ := oe.Detail(olerrors.DetailColumn)
	assert.Equal(t, 9, line)
	assert.Equal(t, "product_quantity", col)
}

func TestNew_SchemaMismatchWhenUncovered(t *testing.T) {
	cfg := baseConfig()
	delete(cfg.Mapping, "orderId")
	_, err := New(cfg, ordersSchema())
	require.Error(t, err)
	assert.True(t, errors.Is(err, olerrors.ErrSchemaMismatch))
	assert.Contains(t, err.Error(), "order_id")
}

func TestNew_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown target", func(c *Config) { c.Mapping["x"] = "nope" }},
		{"two sources one target", func(c *Config) { c.Mapping["order"] = "order_id" }},
		{"renamed and passthrough", func(c *Config) { c.Passthrough = []string{"orderId"} }},
		{"bad default", func(c *Config) { c.Defaults = map[string]string{"product_quantity": "x"} }},
		{"unknown transform", func(c *Config) { c.Derived[0].Transform = "year" }},
		{"derived over mapped", func(c *Config) { c.Derived[0].Target = "order_id" }},
		{"reserved unknown", func(c *Config) { c.Reserved = append(c.Reserved, "ghost") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, ordersSchema())
			require.Error(t, err)
			assert.Equal(t, olerrors.ErrCategoryConfiguration, olerrors.GetCategory(err))
		})
	}
}

func TestNormalize_Passthrough(t *testing.T) {
	schema := types.NewSchema("s",
		types.Column{Name: "order_id", Type: types.TypeString, Nullable: true},
		types.Column{Name: "customer_id", Type: types.TypeString, Nullable: true},
	)
	n, err := New(Config{Passthrough: []string{"order_id", "customer_id"}}, schema)
	require.NoError(t, err)
	row, err := n.Normalize(record(1, "order_id", "1", "customer_id", nil, "extra", "no"))
	require.NoError(t, err)
	assert.Equal(t, types.Row{"1", nil}, row)
}
