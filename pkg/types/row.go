// Package types provides the core data model shared by parsers, the
// normalizer and the table engine.
package types

import (
	"time"
)

// Record is one parsed source record keyed by source column name.
// Values are strings or nil; casting happens during normalization.
type Record struct {
	// Line is the 1-based line in the source file the record came from
	Line int

	// Fields holds the raw values by source column name
	Fields map[string]any
}

// NewRecord returns an empty record for the given source line.
func NewRecord(line int, size int) Record {
	return Record{Line: line, Fields: make(map[string]any, size)}
}

// Get returns the raw value of a source column and whether it was present.
func (r Record) Get(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Row is an ordered tuple of values, one per schema column. Values are
// string, int64, decimal.Decimal, time.Time or nil.
type Row []any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Batch is one atomic unit of rows derived from one source file.
type Batch struct {
	// Source is the originating file name
	Source string `json:"source"`

	// IngestedAt is the single ingestion instant shared by every row
	IngestedAt time.Time `json:"ingested_at"`

	// Schema is the schema the rows conform to
	Schema *Schema `json:"schema"`

	// Rows holds the batch content in source order
	Rows []Row `json:"-"`
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	return len(b.Rows)
}
