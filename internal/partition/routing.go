package partition

import (
	"fmt"

	"github.com/arkilian/orderlake/pkg/types"
)

// Router determines the partition key for a row from identity partition
// columns.
type Router struct {
	columns []string
	index   []int
}

// Group is the rows of one partition, in input order.
type Group struct {
	Key  types.PartitionKey
	Rows []types.Row
}

// NewRouter creates a router for the given partition spec.
func NewRouter(schema *types.Schema, spec types.PartitionSpec) (*Router, error) {
	if err := spec.Validate(schema); err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}
	index := make([]int, len(spec.Columns))
	for i, c := range spec.Columns {
		index[i] = schema.Index(c)
	}
	return &Router{columns: spec.Columns, index: index}, nil
}

// RouteRow computes the partition key for a single row.
func (r *Router) RouteRow(row types.Row) types.PartitionKey {
	if len(r.columns) == 0 {
		return types.Unpartitioned
	}
	values := make([]string, len(r.index))
	for i, idx := range r.index {
		values[i] = types.FormatPartitionValue(row[idx])
	}
	return types.NewPartitionKey(r.columns, values)
}

// RouteRows groups rows by partition key. Groups are ordered by the first
// row that routed to them, and rows keep their input order within a group.
func (r *Router) RouteRows(rows []types.Row) []Group {
	var groups []Group
	pos := make(map[types.PartitionKey]int)
	for _, row := range rows {
		key := r.RouteRow(row)
		i, ok := pos[key]
		if !ok {
			i = len(groups)
			pos[key] = i
			groups = append(groups, Group{Key: key})
		}
		groups[i].Rows = append(groups[i].Rows, row)
	}
	return groups
}
