package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// NullPartitionValue is the partition value used for null column values.
const NullPartitionValue = "__null__"

// PartitionSpec declares identity partitioning on one or more columns.
type PartitionSpec struct {
	Columns []string `json:"columns" yaml:"columns"`
}

// IsPartitioned reports whether any partition column is declared.
func (p PartitionSpec) IsPartitioned() bool {
	return len(p.Columns) > 0
}

// Validate checks that every partition column exists in the schema.
func (p PartitionSpec) Validate(s *Schema) error {
	seen := make(map[string]struct{}, len(p.Columns))
	for _, c := range p.Columns {
		if s.Index(c) < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownPartitionColumn, c)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateColumn, c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// PartitionKey is the rendered partition of a row, e.g. "submitted_yyyy_mm=2020-01".
type PartitionKey string

// Unpartitioned is the key used by tables with no partition columns.
const Unpartitioned PartitionKey = ""

// NewPartitionKey renders column/value pairs as "col=value/col=value".
// Values are path-escaped so a "/" inside a value cannot split the key.
func NewPartitionKey(columns, values []string) PartitionKey {
	if len(columns) == 0 {
		return Unpartitioned
	}
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c + "=" + url.PathEscape(values[i])
	}
	return PartitionKey(strings.Join(parts, "/"))
}

// Values parses the key back into column/value pairs.
func (k PartitionKey) Values() map[string]string {
	out := make(map[string]string)
	if k == Unpartitioned {
		return out
	}
	for _, part := range strings.Split(string(k), "/") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if unescaped, err := url.PathUnescape(value); err == nil {
			value = unescaped
		}
		out[name] = value
	}
	return out
}

// FormatPartitionValue renders a column value for use in a partition key.
func FormatPartitionValue(v any) string {
	switch x := v.(type) {
	case nil:
		return NullPartitionValue
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// TableInfo describes the current version of a table.
type TableInfo struct {
	Name         string        `json:"name"`
	Schema       *Schema       `json:"schema"`
	Partitioning PartitionSpec `json:"partitioning"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	RowCount     int64         `json:"row_count"`
	SegmentCount int64         `json:"segment_count"`
	CommitCount  int64         `json:"commit_count"`
}
