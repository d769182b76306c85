package partition

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/format"
	"github.com/arkilian/orderlake/pkg/types"
)

// maxReportedErrors caps how many row errors a single validation reports.
const maxReportedErrors = 20

// ValidationError represents a schema validation error.
type ValidationError struct {
	RowIndex int
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d, field %q: %s", e.RowIndex, e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// SchemaValidator validates rows against a declared schema.
type SchemaValidator struct {
	schema *types.Schema
}

// NewSchemaValidator creates a new schema validator.
func NewSchemaValidator(schema *types.Schema) *SchemaValidator {
	return &SchemaValidator{schema: schema}
}

// ValidateRow validates a single row against the schema.
func (v *SchemaValidator) ValidateRow(row types.Row, rowIndex int) []*ValidationError {
	if len(row) != v.schema.Len() {
		return []*ValidationError{{
			RowIndex: rowIndex,
			Message:  fmt.Sprintf("row has %d values, schema has %d columns", len(row), v.schema.Len()),
		}}
	}

	var errs []*ValidationError
	for i, col := range v.schema.Columns {
		if msg := checkValue(row[i], col); msg != "" {
			errs = append(errs, &ValidationError{RowIndex: rowIndex, Field: col.Name, Message: msg})
		}
	}
	return errs
}

// Validate validates all rows and returns ValidationErrors, or nil.
func (v *SchemaValidator) Validate(rows []types.Row) error {
	var errs ValidationErrors
	for i, row := range rows {
		errs = append(errs, v.ValidateRow(row, i)...)
		if len(errs) >= maxReportedErrors {
			errs = errs[:maxReportedErrors]
			break
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkValue(value any, col types.Column) string {
	if value == nil {
		if !col.Nullable {
			return "null value in non-nullable column"
		}
		return ""
	}
	switch col.Type {
	case types.TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected string, got %T", value)
		}
	case types.TypeInteger:
		if _, ok := value.(int64); !ok {
			return fmt.Sprintf("expected int64, got %T", value)
		}
	case types.TypeDecimal:
		d, ok := value.(decimal.Decimal)
		if !ok {
			return fmt.Sprintf("expected decimal, got %T", value)
		}
		if err := format.CheckPrecision(d, col); err != nil {
			return err.Error()
		}
	case types.TypeTimestamp:
		ts, ok := value.(time.Time)
		if !ok {
			return fmt.Sprintf("expected time.Time, got %T", value)
		}
		if err := format.CheckTimestamp(ts); err != nil {
			return err.Error()
		}
	default:
		return fmt.Sprintf("unknown column type %q", col.Type)
	}
	return ""
}

// ValidateBatch checks a batch against a table schema without coercion.
// The batch schema must equal the table schema and every row must conform.
func ValidateBatch(table *types.Schema, batch *types.Batch) error {
	if batch.Schema == nil {
		return olerrors.NewSchemaMismatch("batch has no schema").WithFile(batch.Source)
	}
	if !table.Equal(batch.Schema) {
		return olerrors.NewSchemaMismatch("batch schema differs from table schema: " + table.Diff(batch.Schema)).
			WithFile(batch.Source)
	}

	err := NewSchemaValidator(table).Validate(batch.Rows)
	if err == nil {
		return nil
	}
	errs := err.(ValidationErrors)
	first := errs[0]
	return olerrors.Wrap(olerrors.ErrCategorySchema, olerrors.CodeSchemaMismatch, "batch rows do not conform to table schema", errs).
		WithDetails(map[string]interface{}{
			olerrors.DetailFile:   batch.Source,
			olerrors.DetailRow:    first.RowIndex,
			olerrors.DetailColumn: first.Field,
		})
}
