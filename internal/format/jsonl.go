package format

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/pkg/types"
)

// JSONLines parses one JSON object per line, projecting dotted paths into
// flat columns and optionally exploding an array into one record per element.
type JSONLines struct {
	projection []compiledPath
	explode    gval.Evaluable
	explodeKey string
	elements   []compiledPath
}

type compiledPath struct {
	name string
	eval gval.Evaluable
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ToJSONPath converts a dotted path such as shippingAddress.zip into a
// JSONPath expression. Paths already starting with $ are returned unchanged.
func ToJSONPath(dotted string) string {
	if strings.HasPrefix(dotted, "$") {
		return dotted
	}
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(dotted, ".") {
		if identRe.MatchString(seg) {
			b.WriteString(".")
			b.WriteString(seg)
		} else {
			fmt.Fprintf(&b, "[%q]", seg)
		}
	}
	return b.String()
}

func compilePaths(paths []Path) ([]compiledPath, error) {
	out := make([]compiledPath, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p.Name == "" || p.Path == "" {
			return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig,
				fmt.Sprintf("projection %q -> %q needs a name and a path", p.Path, p.Name))
		}
		if _, dup := seen[p.Name]; dup {
			return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig,
				fmt.Sprintf("duplicate projection column %s", p.Name))
		}
		seen[p.Name] = struct{}{}
		eval, err := jsonpath.New(ToJSONPath(p.Path))
		if err != nil {
			return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig,
				fmt.Sprintf("invalid path %q: %v", p.Path, err))
		}
		out = append(out, compiledPath{name: p.Name, eval: eval})
	}
	return out, nil
}

// NewJSONLines compiles the projections. When explode is set, elements are
// projected with explodeProjection and every parent projection is repeated
// on each element record.
func NewJSONLines(projection []Path, explode string, explodeProjection []Path) (*JSONLines, error) {
	p := &JSONLines{}
	var err error
	if p.projection, err = compilePaths(projection); err != nil {
		return nil, err
	}
	if explode == "" {
		if len(explodeProjection) > 0 {
			return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig,
				"explode projection given without an explode path")
		}
		if len(p.projection) == 0 {
			return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig, "json projection is empty")
		}
		return p, nil
	}

	if p.explode, err = jsonpath.New(ToJSONPath(explode)); err != nil {
		return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig,
			fmt.Sprintf("invalid explode path %q: %v", explode, err))
	}
	p.explodeKey = explode
	if p.elements, err = compilePaths(explodeProjection); err != nil {
		return nil, err
	}
	if len(p.elements) == 0 {
		return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig,
			fmt.Sprintf("explode %s has no element projection", explode))
	}
	for _, e := range p.elements {
		for _, parent := range p.projection {
			if e.name == parent.name {
				return nil, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig,
					fmt.Sprintf("column %s projected from both parent and element", e.name))
			}
		}
	}
	return p, nil
}

// Kind implements Parser.
func (p *JSONLines) Kind() Kind { return KindJSONLines }

// Columns implements Parser.
func (p *JSONLines) Columns() []string {
	names := make([]string, 0, len(p.projection)+len(p.elements))
	for _, c := range p.projection {
		names = append(names, c.name)
	}
	for _, c := range p.elements {
		names = append(names, c.name)
	}
	return names
}

// ParseObject decodes one JSON object into one record, or one record per
// element of the exploded array. A missing or empty array yields no records.
func (p *JSONLines) ParseObject(data []byte, lineNo int) ([]types.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	if _, ok := doc.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("expected a JSON object, found %T", doc)
	}

	ctx := context.Background()
	parent := types.NewRecord(lineNo, len(p.projection)+len(p.elements))
	for _, c := range p.projection {
		parent.Fields[c.name] = lookup(ctx, c.eval, doc)
	}
	if p.explode == nil {
		return []types.Record{parent}, nil
	}

	raw, err := p.explode(ctx, doc)
	if err != nil || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s is %T, not an array", p.explodeKey, raw)
	}

	out := make([]types.Record, 0, len(items))
	for _, item := range items {
		rec := types.NewRecord(lineNo, len(parent.Fields)+len(p.elements))
		for k, v := range parent.Fields {
			rec.Fields[k] = v
		}
		for _, c := range p.elements {
			rec.Fields[c.name] = lookup(ctx, c.eval, item)
		}
		out = append(out, rec)
	}
	return out, nil
}

// lookup evaluates a path; a missing path yields nil.
func lookup(ctx context.Context, eval gval.Evaluable, doc interface{}) any {
	v, err := eval(ctx, doc)
	if err != nil {
		return nil
	}
	return scalar(v)
}

// scalar renders a decoded JSON value as the string form used for casting.
func scalar(v interface{}) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// Parse implements Parser. Blank lines are skipped.
func (p *JSONLines) Parse(file string, r io.Reader, emit EmitFunc, onErr ErrorFunc) error {
	sc := newLineScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		recs, err := p.ParseObject(line, lineNo)
		if err != nil {
			if ferr := failRecord(onErr, olerrors.NewParseFailure(file, lineNo, "malformed JSON record", err)); ferr != nil {
				return ferr
			}
			continue
		}
		for _, rec := range recs {
			if err := emit(rec); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return olerrors.NewParseFailure(file, lineNo+1, "read failed", err)
	}
	return nil
}
