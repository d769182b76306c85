// Package format implements the record parsers that turn raw order files into
// source-named records. One Parser exists per descriptor; call sites select a
// variant through New and never branch on the file format themselves.
package format

import (
	"fmt"
	"io"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/pkg/types"
)

// Kind names a supported input format.
type Kind string

const (
	KindFixedWidth Kind = "fixed_width"
	KindDelimited  Kind = "delimited"
	KindJSONLines  Kind = "jsonl"
)

// DefaultNullToken is the literal that delimited parsers map to null.
const DefaultNullToken = "null"

// EmitFunc receives each parsed record. Returning an error stops parsing.
type EmitFunc func(types.Record) error

// ErrorFunc receives a per-record parse failure. Returning nil skips the
// record and continues; returning an error stops parsing with that error.
// A nil ErrorFunc fails on the first bad record.
type ErrorFunc func(err error) error

// Parser decodes one file into records.
type Parser interface {
	// Kind reports the format variant.
	Kind() Kind

	// Columns returns the source column names the parser produces, in order.
	// Delimited parsers only know their columns after the header is read.
	Columns() []string

	// Parse reads every record of file from r.
	Parse(file string, r io.Reader, emit EmitFunc, onErr ErrorFunc) error
}

// Field is a fixed-width column at a 1-based start offset.
type Field struct {
	Name   string `json:"name" yaml:"name"`
	Start  int    `json:"start" yaml:"start"`
	Length int    `json:"length" yaml:"length"`
}

// Path is a named JSON projection, e.g. {zip, shippingAddress.zip}.
type Path struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// Descriptor configures a parser.
type Descriptor struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// Fixed width
	Fields       []Field `json:"fields,omitempty" yaml:"fields,omitempty"`
	RecordLength int     `json:"record_length,omitempty" yaml:"record_length,omitempty"`

	// Delimited
	Delimiter string   `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	NullToken string   `json:"null_token,omitempty" yaml:"null_token,omitempty"`
	KeepEmpty bool     `json:"keep_empty,omitempty" yaml:"keep_empty,omitempty"`
	Header    []string `json:"header,omitempty" yaml:"header,omitempty"` // set when the file has no header line

	// JSON lines
	Projection        []Path `json:"projection,omitempty" yaml:"projection,omitempty"`
	Explode           string `json:"explode,omitempty" yaml:"explode,omitempty"`
	ExplodeProjection []Path `json:"explode_projection,omitempty" yaml:"explode_projection,omitempty"`
}

// New builds the parser for a descriptor. Descriptor problems are returned
// as configuration errors before any input is read.
func New(desc Descriptor) (Parser, error) {
	switch desc.Kind {
	case KindFixedWidth:
		return NewFixedWidth(desc.Fields, desc.RecordLength)
	case KindDelimited:
		return NewDelimited(desc)
	case KindJSONLines:
		return NewJSONLines(desc.Projection, desc.Explode, desc.ExplodeProjection)
	default:
		return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig,
			fmt.Sprintf("unknown format %q", desc.Kind))
	}
}

// failRecord routes a per-record failure through onErr.
func failRecord(onErr ErrorFunc, err error) error {
	if onErr == nil {
		return err
	}
	return onErr(err)
}
