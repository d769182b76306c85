package format

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/pkg/types"
)

// Delimited parses tab or comma separated text with a header line. Columns
// reflects the most recent header, so one Delimited should not parse two
// files concurrently.
type Delimited struct {
	delimiter rune
	nullToken string
	keepEmpty bool
	fixed     []string
	header    []string
}

// NewDelimited builds a delimited parser. The delimiter may be given as a
// single character, "\t" or "tab".
func NewDelimited(desc Descriptor) (*Delimited, error) {
	var delim rune
	switch desc.Delimiter {
	case "", ",":
		delim = ','
	case "\t", `\t`, "tab":
		delim = '\t'
	default:
		runes := []rune(desc.Delimiter)
		if len(runes) != 1 || runes[0] == '"' || runes[0] == '\r' || runes[0] == '\n' {
			return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig,
				fmt.Sprintf("invalid delimiter %q", desc.Delimiter))
		}
		delim = runes[0]
	}

	token := desc.NullToken
	if token == "" {
		token = DefaultNullToken
	}

	p := &Delimited{delimiter: delim, nullToken: token, keepEmpty: desc.KeepEmpty}
	if len(desc.Header) > 0 {
		if err := checkHeader(desc.Header); err != nil {
			return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig, err.Error())
		}
		p.fixed = append([]string(nil), desc.Header...)
		p.header = p.fixed
	}
	return p, nil
}

// Kind implements Parser.
func (p *Delimited) Kind() Kind { return KindDelimited }

// Columns returns the header of the last parsed file, or the configured header.
func (p *Delimited) Columns() []string {
	return append([]string(nil), p.header...)
}

// Value maps one raw field to its parsed value: the null token, and empty
// fields unless configured otherwise, become nil.
func (p *Delimited) Value(raw string) any {
	if raw == p.nullToken {
		return nil
	}
	if raw == "" && !p.keepEmpty {
		return nil
	}
	return raw
}

// ParseFields decodes one data record against header.
func (p *Delimited) ParseFields(header, fields []string, lineNo int) (types.Record, error) {
	if len(fields) != len(header) {
		return types.Record{}, fmt.Errorf("expected %d fields, found %d", len(header), len(fields))
	}
	rec := types.NewRecord(lineNo, len(header))
	for i, name := range header {
		rec.Fields[name] = p.Value(fields[i])
	}
	return rec, nil
}

// Parse implements Parser.
func (p *Delimited) Parse(file string, r io.Reader, emit EmitFunc, onErr ErrorFunc) error {
	cr := csv.NewReader(r)
	cr.Comma = p.delimiter
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	if p.delimiter == '\t' {
		cr.LazyQuotes = true
	}

	header := p.fixed
	if header == nil {
		fields, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return olerrors.NewParseFailure(file, 1, "cannot read header", err)
		}
		header = make([]string, len(fields))
		for i, f := range fields {
			header[i] = strings.TrimSpace(strings.TrimPrefix(f, "\ufeff"))
		}
		if err := checkHeader(header); err != nil {
			return olerrors.NewParseFailure(file, 1, "invalid header", err)
		}
		p.header = header
	}

	for {
		fields, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			line := 0
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				line = perr.StartLine
			}
			if ferr := failRecord(onErr, olerrors.NewParseFailure(file, line, "malformed record", err)); ferr != nil {
				return ferr
			}
			continue
		}
		line, _ := cr.FieldPos(0)
		rec, err := p.ParseFields(header, fields, line)
		if err != nil {
			if ferr := failRecord(onErr, olerrors.NewParseFailure(file, line, "field count mismatch", err)); ferr != nil {
				return ferr
			}
			continue
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
}

func checkHeader(header []string) error {
	seen := make(map[string]struct{}, len(header))
	for i, name := range header {
		if name == "" {
			return fmt.Errorf("column %d has an empty name", i+1)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate column %s", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
