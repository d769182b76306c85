package partition

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/arkilian/orderlake/pkg/types"
)

// MinMax holds min/max values and the null count for a column.
type MinMax struct {
	Min       any
	Max       any
	NullCount int64
}

// StatsTracker tracks per-column min/max statistics during segment build.
type StatsTracker struct {
	schema   *types.Schema
	rowCount int64
	stats    []MinMax
}

// NewStatsTracker creates a new statistics tracker.
func NewStatsTracker(schema *types.Schema) *StatsTracker {
	return &StatsTracker{schema: schema, stats: make([]MinMax, schema.Len())}
}

// Update updates statistics with a new row.
func (s *StatsTracker) Update(row types.Row) {
	s.rowCount++
	for i, v := range row {
		st := &s.stats[i]
		if v == nil {
			st.NullCount++
			continue
		}
		if st.Min == nil || less(v, st.Min) {
			st.Min = v
		}
		if st.Max == nil || less(st.Max, v) {
			st.Max = v
		}
	}
}

// GetMinMaxStats returns the computed statistics by column name.
func (s *StatsTracker) GetMinMaxStats() map[string]MinMax {
	out := make(map[string]MinMax, len(s.stats))
	for i, c := range s.schema.Columns {
		out[c.Name] = s.stats[i]
	}
	return out
}

// RowCount returns the number of rows tracked.
func (s *StatsTracker) RowCount() int64 {
	return s.rowCount
}

// less orders two non-nil values of the same column type.
func less(a, b any) bool {
	switch x := a.(type) {
	case string:
		y, _ := b.(string)
		return x < y
	case int64:
		y, _ := b.(int64)
		return x < y
	case decimal.Decimal:
		y, _ := b.(decimal.Decimal)
		return x.LessThan(y)
	case time.Time:
		y, _ := b.(time.Time)
		return x.Before(y)
	}
	return false
}
