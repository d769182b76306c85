package types

import "errors"

// Schema definition errors
var (
	ErrEmptySchema            = errors.New("schema has no columns")
	ErrEmptyColumnName        = errors.New("column name is empty")
	ErrDuplicateColumn        = errors.New("duplicate column")
	ErrUnknownColumnType      = errors.New("unknown column type")
	ErrInvalidDecimal         = errors.New("invalid decimal precision or scale")
	ErrUnknownPartitionColumn = errors.New("partition column not in schema")
)
