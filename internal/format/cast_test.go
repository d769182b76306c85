package format

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

var priceCol = types.Column{Name: "product_sold_price", Type: types.TypeDecimal, Precision: 10, Scale: 2, Nullable: true}

func TestCast_Integer(t *testing.T) {
	col := types.Column{Name: "product_quantity", Type: types.TypeInteger}
	v, err := Cast(" 42 ", col)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = Cast("3.0", col)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = Cast("3.5", col)
	assert.True(t, errors.Is(err, olerrors.ErrCastFailure))

	for _, in := range []string{"99999999999999999999", "1e30", "9223372036854775808.0", "-9223372036854775809"} {
		_, err = Cast(in, col)
		assert.True(t, errors.Is(err, olerrors.ErrCastFailure), in)
	}

	v, err = Cast("-9223372036854775808.0", col)
	require.NoError(t, err)
	assert.Equal(t, int64(-9223372036854775808), v)

	_, err = Cast("abc", col)
	oe, ok := olerrors.As(err)
	require.True(t, ok)
	c, _ := oe.Detail(olerrors.DetailColumn)
	assert.Equal(t, "product_quantity", c)
}

func TestCast_Decimal(t *testing.T) {
	v, err := Cast("10.456", priceCol)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("10.46").Equal(v.(decimal.Decimal)))

	_, err = Cast("123456789.00", priceCol)
	assert.True(t, errors.Is(err, olerrors.ErrCastFailure), "9 integer digits exceed decimal(10,2)")

	v, err = Cast("99999999.99", priceCol)
	require.NoError(t, err)
	assert.Equal(t, "99999999.99", v.(decimal.Decimal).StringFixed(2))
}

func TestCast_Timestamp(t *testing.T) {
	col := types.Column{Name: "submitted_at", Type: types.TypeTimestamp}
	want := time.Date(2020, 1, 15, 10, 0, 0, 0, time.UTC)

	for _, in := range []string{
		"2020-01-15T10:00:00Z",
		"2020-01-15T10:00:00.000+0000",
		"2020-01-15T10:00:00",
		"2020-01-15 10:00:00",
		"1579082400",
	} {
		v, err := Cast(in, col)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(v.(time.Time)), in)
	}

	_, err := Cast("yesterday", col)
	assert.True(t, errors.Is(err, olerrors.ErrCastFailure))

	for _, in := range []any{"9999-12-31", "1500-01-01", time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)} {
		_, err = Cast(in, col)
		assert.True(t, errors.Is(err, olerrors.ErrCastFailure), "%v is not storable", in)
	}
	v, err := Cast("2262-04-11", col)
	require.NoError(t, err)
	assert.Equal(t, 2262, v.(time.Time).Year())
}

func TestCast_NilAndString(t *testing.T) {
	v, err := Cast(nil, priceCol)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = Cast("abc", types.Column{Name: "s", Type: types.TypeString})
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
}
