package partition

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/arkilian/orderlake/pkg/types"
)

// ReadSegment returns every row of a segment file in input order.
func ReadSegment(ctx context.Context, path string, schema *types.Schema) ([]types.Row, error) {
	return querySegment(ctx, path, schema, "", nil)
}

// LookupSegment returns the rows of a segment whose column equals value.
func LookupSegment(ctx context.Context, path string, schema *types.Schema, column string, value any) ([]types.Row, error) {
	col, ok := schema.Column(column)
	if !ok {
		return nil, fmt.Errorf("partition: unknown column %q", column)
	}
	encoded, err := EncodeValue(value, col)
	if err != nil {
		return nil, fmt.Errorf("partition: %w", err)
	}
	return querySegment(ctx, path, schema, quoteIdent(column)+" = ?", []any{encoded})
}

func querySegment(ctx context.Context, path string, schema *types.Schema, where string, args []any) ([]types.Row, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("partition: failed to open segment: %w", err)
	}
	defer db.Close()

	names := make([]string, schema.Len())
	for i, c := range schema.Columns {
		names[i] = quoteIdent(c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(names, ", "), RowsTable)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY " + OrdinalColumn

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("partition: failed to query segment %s: %w", path, err)
	}
	defer rows.Close()

	var out []types.Row
	raw := make([]any, schema.Len())
	ptrs := make([]any, schema.Len())
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("partition: failed to scan row: %w", err)
		}
		row := make(types.Row, schema.Len())
		for i, col := range schema.Columns {
			v, err := DecodeValue(raw[i], col)
			if err != nil {
				return nil, fmt.Errorf("partition: segment %s: %w", path, err)
			}
			row[i] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
