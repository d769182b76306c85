package format

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/pkg/types"
)

// FixedWidth parses lines whose columns sit at fixed character offsets.
type FixedWidth struct {
	fields []Field
}

// NewFixedWidth validates the layout. Offsets are 1-based character
// positions; fields may not overlap and, when recordLength is positive,
// must end within it.
func NewFixedWidth(fields []Field, recordLength int) (*FixedWidth, error) {
	if len(fields) == 0 {
		return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidLayout, "fixed-width layout has no fields")
	}

	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		switch {
		case f.Name == "":
			return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidLayout, "fixed-width field with empty name")
		case f.Start < 1:
			return nil, layoutError(f, "start must be at least 1")
		case f.Length < 1:
			return nil, layoutError(f, "length must be at least 1")
		case recordLength > 0 && f.Start+f.Length-1 > recordLength:
			return nil, layoutError(f, fmt.Sprintf("ends past record length %d", recordLength))
		}
		if _, dup := seen[f.Name]; dup {
			return nil, layoutError(f, "duplicate field name")
		}
		seen[f.Name] = struct{}{}
	}

	sorted := make([]Field, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.Start <= prev.Start+prev.Length-1 {
			return nil, layoutError(cur, fmt.Sprintf("overlaps %s(%d,%d)", prev.Name, prev.Start, prev.Length))
		}
	}

	out := make([]Field, len(fields))
	copy(out, fields)
	return &FixedWidth{fields: out}, nil
}

func layoutError(f Field, msg string) error {
	return olerrors.NewConfigurationError(olerrors.CodeInvalidLayout,
		fmt.Sprintf("field %s(%d,%d): %s", f.Name, f.Start, f.Length, msg)).
		WithDetails(map[string]interface{}{olerrors.DetailColumn: f.Name})
}

// Kind implements Parser.
func (p *FixedWidth) Kind() Kind { return KindFixedWidth }

// Columns implements Parser.
func (p *FixedWidth) Columns() []string {
	names := make([]string, len(p.fields))
	for i, f := range p.fields {
		names[i] = f.Name
	}
	return names
}

// Extract returns the trimmed value at a field, or nil if it is empty or
// the line ends before the field starts.
func Extract(line []rune, f Field) any {
	start := f.Start - 1
	if start >= len(line) {
		return nil
	}
	end := start + f.Length
	if end > len(line) {
		end = len(line)
	}
	v := strings.TrimSpace(string(line[start:end]))
	if v == "" {
		return nil
	}
	return v
}

// ParseLine decodes one line. Fixed-width lines never fail individually.
func (p *FixedWidth) ParseLine(line string, lineNo int) types.Record {
	var runes []rune
	if isASCII(line) {
		runes = make([]rune, len(line))
		for i := 0; i < len(line); i++ {
			runes[i] = rune(line[i])
		}
	} else {
		runes = []rune(line)
	}

	rec := types.NewRecord(lineNo, len(p.fields))
	for _, f := range p.fields {
		rec.Fields[f.Name] = Extract(runes, f)
	}
	return rec
}

// Parse implements Parser. Blank lines are skipped.
func (p *FixedWidth) Parse(file string, r io.Reader, emit EmitFunc, onErr ErrorFunc) error {
	sc := newLineScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !utf8.ValidString(line) {
			perr := olerrors.NewParseFailure(file, lineNo, "line is not valid UTF-8", nil)
			if err := failRecord(onErr, perr); err != nil {
				return err
			}
			continue
		}
		if err := emit(p.ParseLine(line, lineNo)); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return olerrors.NewParseFailure(file, lineNo+1, "read failed", err)
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

const maxLineSize = 16 * 1024 * 1024

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return sc
}
