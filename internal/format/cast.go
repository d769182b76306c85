package format

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/pkg/types"
)

// timestampLayouts are tried in order when casting text to a timestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Timestamps are stored as int64 nanoseconds since the Unix epoch, so only
// instants in [MinTimestamp, MaxTimestamp] are representable.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// CheckTimestamp rejects instants outside the storable range.
func CheckTimestamp(t time.Time) error {
	if t.Before(MinTimestamp) || t.After(MaxTimestamp) {
		return fmt.Errorf("timestamp %s outside %d-%d", t.Format(time.RFC3339), MinTimestamp.Year(), MaxTimestamp.Year())
	}
	return nil
}

// Cast converts a parsed value to the Go representation of col's type.
// nil stays nil; nullability is enforced by the caller. Failures are
// CAST_FAILURE errors naming the column and the raw value.
func Cast(raw any, col types.Column) (any, error) {
	if raw == nil {
		return nil, nil
	}

	switch col.Type {
	case types.TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		default:
			return fmt.Sprint(v), nil
		}

	case types.TypeInteger:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case string:
			n, err := parseInteger(v)
			if err != nil {
				return nil, olerrors.NewCastFailure(col.Name, raw, err)
			}
			return n, nil
		}

	case types.TypeDecimal:
		var d decimal.Decimal
		switch v := raw.(type) {
		case decimal.Decimal:
			d = v
		case int64:
			d = decimal.NewFromInt(v)
		case string:
			parsed, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, olerrors.NewCastFailure(col.Name, raw, err)
			}
			d = parsed
		default:
			return nil, olerrors.NewCastFailure(col.Name, raw, fmt.Errorf("unsupported source type %T", raw))
		}
		d = d.Round(int32(col.Scale))
		if err := CheckPrecision(d, col); err != nil {
			return nil, olerrors.NewCastFailure(col.Name, raw, err)
		}
		return d, nil

	case types.TypeTimestamp:
		switch v := raw.(type) {
		case time.Time:
			if err := CheckTimestamp(v); err != nil {
				return nil, olerrors.NewCastFailure(col.Name, raw, err)
			}
			return v.UTC(), nil
		case string:
			ts, err := ParseTimestamp(v)
			if err != nil {
				return nil, olerrors.NewCastFailure(col.Name, raw, err)
			}
			return ts, nil
		}
	}

	return nil, olerrors.NewCastFailure(col.Name, raw,
		fmt.Errorf("cannot convert %T to %s", raw, col.Type))
}

// parseInteger accepts an optionally signed integer, also written with a
// zero fractional part ("3.0") as some exports do.
func parseInteger(s string) (int64, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return n, nil
	}
	d, derr := decimal.NewFromString(s)
	if derr != nil || !d.IsInteger() {
		return 0, err
	}
	if !d.BigInt().IsInt64() {
		return 0, fmt.Errorf("%s out of int64 range", s)
	}
	return d.IntPart(), nil
}

// CheckPrecision rejects decimals with more integer digits than the column
// allows.
func CheckPrecision(d decimal.Decimal, col types.Column) error {
	intDigits := col.Precision - col.Scale
	limit := decimal.New(1, int32(intDigits))
	if d.Abs().GreaterThanOrEqual(limit) {
		return fmt.Errorf("%s exceeds decimal(%d,%d)", d.String(), col.Precision, col.Scale)
	}
	return nil
}

// ParseTimestamp parses the supported layouts, or integer epoch seconds.
// Results are in UTC and within the storable range.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := parseTimestamp(strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	if err := CheckTimestamp(t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
