package partition

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arkilian/orderlake/internal/format"
	"github.com/arkilian/orderlake/pkg/types"
)

// Values are stored as: string and decimal as TEXT (decimals in exact
// string form), integer as INTEGER, timestamp as INTEGER nanoseconds since
// the Unix epoch in UTC.

// EncodeValue converts a row value to its SQLite representation.
func EncodeValue(v any, col types.Column) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case types.TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case types.TypeInteger:
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case types.TypeDecimal:
		if d, ok := v.(decimal.Decimal); ok {
			return d.StringFixed(int32(col.Scale)), nil
		}
	case types.TypeTimestamp:
		if t, ok := v.(time.Time); ok {
			if err := format.CheckTimestamp(t); err != nil {
				return nil, fmt.Errorf("column %q: %w", col.Name, err)
			}
			return t.UTC().UnixNano(), nil
		}
	}
	return nil, fmt.Errorf("column %q: cannot encode %T as %s", col.Name, v, col.Type)
}

// DecodeValue converts a scanned SQLite value back to a row value.
func DecodeValue(raw any, col types.Column) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch col.Type {
	case types.TypeString:
		switch x := raw.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case types.TypeInteger:
		if n, ok := raw.(int64); ok {
			return n, nil
		}
	case types.TypeDecimal:
		var s string
		switch x := raw.(type) {
		case string:
			s = x
		case []byte:
			s = string(x)
		default:
			return nil, fmt.Errorf("column %q: unexpected stored type %T", col.Name, raw)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		return d, nil
	case types.TypeTimestamp:
		if n, ok := raw.(int64); ok {
			return time.Unix(0, n).UTC(), nil
		}
	}
	return nil, fmt.Errorf("column %q: unexpected stored type %T for %s", col.Name, raw, col.Type)
}
