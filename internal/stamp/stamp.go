// Package stamp attaches provenance columns to every row of a batch.
package stamp

import (
	"fmt"
	"time"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/pkg/types"
)

// Default provenance column names.
const (
	FileColumn = "ingest_file_name"
	TimeColumn = "ingested_at"
)

// Stamper writes the source file name and one ingestion instant into rows.
type Stamper struct {
	clock      func() time.Time
	fileColumn string
	timeColumn string
}

// Option configures a Stamper.
type Option func(*Stamper)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Stamper) { s.clock = clock }
}

// WithColumns overrides the provenance column names.
func WithColumns(fileColumn, timeColumn string) Option {
	return func(s *Stamper) {
		s.fileColumn = fileColumn
		s.timeColumn = timeColumn
	}
}

// New creates a stamper using the wall clock and the default columns.
func New(opts ...Option) *Stamper {
	s := &Stamper{
		clock:      time.Now,
		fileColumn: FileColumn,
		timeColumn: TimeColumn,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Columns returns the provenance column names.
func (s *Stamper) Columns() []string {
	return []string{s.fileColumn, s.timeColumn}
}

// Check verifies the schema carries both provenance columns with usable types.
func (s *Stamper) Check(schema *types.Schema) error {
	fc, ok := schema.Column(s.fileColumn)
	if !ok || fc.Type != types.TypeString {
		return olerrors.NewSchemaMismatch(fmt.Sprintf("schema %s needs %s:string", schema.Name, s.fileColumn))
	}
	tc, ok := schema.Column(s.timeColumn)
	if !ok || tc.Type != types.TypeTimestamp {
		return olerrors.NewSchemaMismatch(fmt.Sprintf("schema %s needs %s:timestamp", schema.Name, s.timeColumn))
	}
	return nil
}

// Stamp captures the clock once and writes the batch source and that instant
// into every row, so all rows of one batch share a single ingested_at.
func (s *Stamper) Stamp(b *types.Batch) error {
	if err := s.Check(b.Schema); err != nil {
		return err
	}
	fi := b.Schema.Index(s.fileColumn)
	ti := b.Schema.Index(s.timeColumn)

	at := s.clock().UTC()
	b.IngestedAt = at
	for i, row := range b.Rows {
		if len(row) != b.Schema.Len() {
			return olerrors.NewSchemaMismatch(fmt.Sprintf("row %d has %d values, schema has %d", i, len(row), b.Schema.Len())).
				WithDetails(map[string]interface{}{olerrors.DetailRow: i})
		}
		row[fi] = b.Source
		row[ti] = at
	}
	return nil
}

// NewBatch builds and stamps a batch in one step.
func (s *Stamper) NewBatch(source string, schema *types.Schema, rows []types.Row) (*types.Batch, error) {
	b := &types.Batch{Source: source, Schema: schema, Rows: rows}
	if err := s.Stamp(b); err != nil {
		return nil, err
	}
	return b, nil
}
