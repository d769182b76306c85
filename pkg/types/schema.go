package types

import (
	"fmt"
	"strings"
)

// ColumnType is the semantic type of a table column.
type ColumnType string

const (
	TypeString    ColumnType = "string"
	TypeInteger   ColumnType = "integer"
	TypeDecimal   ColumnType = "decimal"
	TypeTimestamp ColumnType = "timestamp"
)

// MaxDecimalPrecision bounds the precision accepted for decimal columns.
const MaxDecimalPrecision = 38

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeDecimal, TypeTimestamp:
		return true
	}
	return false
}

// Column defines a single column in a table schema.
type Column struct {
	// Name is the case-sensitive column name
	Name string `json:"name" yaml:"name"`

	// Type is the semantic column type
	Type ColumnType `json:"type" yaml:"type"`

	// Precision and Scale apply to decimal columns only
	Precision int `json:"precision,omitempty" yaml:"precision,omitempty"`
	Scale     int `json:"scale,omitempty" yaml:"scale,omitempty"`

	// Nullable indicates whether the column can contain null values
	Nullable bool `json:"nullable" yaml:"nullable"`
}

// String renders the column as name:type, with decimal parameters when present.
func (c Column) String() string {
	if c.Type == TypeDecimal {
		return fmt.Sprintf("%s:decimal(%d,%d)", c.Name, c.Precision, c.Scale)
	}
	return fmt.Sprintf("%s:%s", c.Name, c.Type)
}

// Schema is an ordered list of columns bound to a table.
type Schema struct {
	// Name identifies the schema, usually the table it describes
	Name string `json:"name" yaml:"name"`

	// Columns defines the columns in order
	Columns []Column `json:"columns" yaml:"columns"`
}

// NewSchema builds a schema from columns.
func NewSchema(name string, cols ...Column) *Schema {
	return &Schema{Name: name, Columns: cols}
}

// Index returns the position of the named column, or -1.
func (s *Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Column returns the named column.
func (s *Schema) Column(name string) (Column, bool) {
	if i := s.Index(name); i >= 0 {
		return s.Columns[i], true
	}
	return Column{}, false
}

// Names returns the column names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Len returns the number of columns.
func (s *Schema) Len() int {
	return len(s.Columns)
}

// Validate checks the schema definition itself.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return ErrEmptySchema
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return ErrEmptyColumnName
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateColumn, c.Name)
		}
		seen[c.Name] = struct{}{}
		if !c.Type.Valid() {
			return fmt.Errorf("%w: %s has type %q", ErrUnknownColumnType, c.Name, c.Type)
		}
		if c.Type == TypeDecimal {
			if c.Precision <= 0 || c.Precision > MaxDecimalPrecision || c.Scale < 0 || c.Scale > c.Precision {
				return fmt.Errorf("%w: %s", ErrInvalidDecimal, c.String())
			}
		}
	}
	return nil
}

// Equal reports whether both schemas have the same columns in the same order
// with identical types and nullability. The schema name is ignored.
func (s *Schema) Equal(other *Schema) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range s.Columns {
		if c != other.Columns[i] {
			return false
		}
	}
	return true
}

// Diff describes how other differs from s. It returns an empty string when
// the schemas are equal.
func (s *Schema) Diff(other *Schema) string {
	var parts []string
	for _, c := range s.Columns {
		oc, ok := other.Column(c.Name)
		switch {
		case !ok:
			parts = append(parts, "missing "+c.Name)
		case oc != c:
			parts = append(parts, fmt.Sprintf("%s declared as %s", oc.String(), c.String()))
		}
	}
	for _, oc := range other.Columns {
		if s.Index(oc.Name) < 0 {
			parts = append(parts, "unexpected "+oc.Name)
		}
	}
	if len(parts) == 0 && !s.Equal(other) {
		parts = append(parts, "column order differs")
	}
	return strings.Join(parts, "; ")
}

// String renders the schema as a comma separated name:type list.
func (s *Schema) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}
