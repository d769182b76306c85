// Package normalize maps source-named records onto a table schema: renames,
// passthrough, defaults, derived columns and type casts.
package normalize

import (
	"fmt"
	"sort"
	"strings"
	"time"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/format"
	"github.com/arkilian/orderlake/pkg/types"
)

// Transform names a derivation function.
type Transform string

const (
	// TransformMonth renders a timestamp as yyyy-MM.
	TransformMonth Transform = "month"
	// TransformIdentity copies the source value.
	TransformIdentity Transform = "identity"
)

// Derivation computes Target from the already-normalized Source column.
type Derivation struct {
	Target    string    `json:"target" yaml:"target"`
	Source    string    `json:"source" yaml:"source"`
	Transform Transform `json:"transform" yaml:"transform"`
}

// Config declares how source columns reach the schema.
type Config struct {
	// Mapping renames source columns to schema columns.
	Mapping map[string]string `json:"mapping,omitempty" yaml:"mapping,omitempty"`

	// Passthrough lists source columns kept under their own name.
	Passthrough []string `json:"passthrough,omitempty" yaml:"passthrough,omitempty"`

	// Defaults fill schema columns the source does not provide, as raw text
	// cast like any other value.
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Derived columns are computed after mapping.
	Derived []Derivation `json:"derived,omitempty" yaml:"derived,omitempty"`

	// Reserved columns are filled later (e.g. by the stamper) and left nil.
	Reserved []string `json:"reserved,omitempty" yaml:"reserved,omitempty"`
}

// Normalizer converts records to rows of a fixed schema.
type Normalizer struct {
	schema *types.Schema
	// sources[i] is the source column feeding schema column i, or "".
	sources  []string
	defaults []any
	derived  []derivedCol
}

type derivedCol struct {
	target, source int
	transform      Transform
}

// New validates cfg against schema. Mapping problems are configuration
// errors; a schema column nothing can fill is a schema mismatch. Both are
// reported before any record is processed.
func New(cfg Config, schema *types.Schema) (*Normalizer, error) {
	if err := schema.Validate(); err != nil {
		return nil, olerrors.NewSchemaMismatch(err.Error())
	}

	n := &Normalizer{
		schema:   schema,
		sources:  make([]string, schema.Len()),
		defaults: make([]any, schema.Len()),
	}
	covered := make([]bool, schema.Len())

	bind := func(source, target string) error {
		idx := schema.Index(target)
		if idx < 0 {
			return mappingError(fmt.Sprintf("%s maps to %s, which is not in schema %s", source, target, schema.Name), target)
		}
		if n.sources[idx] != "" {
			return mappingError(fmt.Sprintf("%s and %s both map to %s", n.sources[idx], source, target), target)
		}
		n.sources[idx] = source
		covered[idx] = true
		return nil
	}

	// Deterministic error reporting regardless of map order.
	sourcesSorted := make([]string, 0, len(cfg.Mapping))
	for src := range cfg.Mapping {
		sourcesSorted = append(sourcesSorted, src)
	}
	sort.Strings(sourcesSorted)
	for _, src := range sourcesSorted {
		if err := bind(src, cfg.Mapping[src]); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Passthrough {
		if _, renamed := cfg.Mapping[name]; renamed {
			return nil, mappingError(fmt.Sprintf("%s is both renamed and passed through", name), name)
		}
		if err := bind(name, name); err != nil {
			return nil, err
		}
	}

	for name, raw := range cfg.Defaults {
		idx := schema.Index(name)
		if idx < 0 {
			return nil, mappingError(fmt.Sprintf("default for unknown column %s", name), name)
		}
		v, err := format.Cast(raw, schema.Columns[idx])
		if err != nil {
			return nil, mappingError(fmt.Sprintf("default for %s: %v", name, err), name)
		}
		n.defaults[idx] = v
		covered[idx] = true
	}

	for _, d := range cfg.Derived {
		t, s := schema.Index(d.Target), schema.Index(d.Source)
		switch {
		case t < 0 || s < 0:
			return nil, mappingError(fmt.Sprintf("derivation %s <- %s references unknown columns", d.Target, d.Source), d.Target)
		case n.sources[t] != "":
			return nil, mappingError(fmt.Sprintf("%s is both mapped and derived", d.Target), d.Target)
		}
		switch d.Transform {
		case TransformMonth, TransformIdentity:
		default:
			return nil, mappingError(fmt.Sprintf("unknown transform %q", d.Transform), d.Target)
		}
		n.derived = append(n.derived, derivedCol{target: t, source: s, transform: d.Transform})
		covered[t] = true
	}

	for _, name := range cfg.Reserved {
		idx := schema.Index(name)
		if idx < 0 {
			return nil, mappingError(fmt.Sprintf("reserved column %s not in schema", name), name)
		}
		covered[idx] = true
	}

	var missing []string
	for i, ok := range covered {
		if !ok {
			missing = append(missing, schema.Columns[i].Name)
		}
	}
	if len(missing) > 0 {
		return nil, olerrors.NewSchemaMismatch(fmt.Sprintf("no source mapping or default for %s in schema %s",
			strings.Join(missing, ", "), schema.Name)).
			WithDetails(map[string]interface{}{olerrors.DetailColumn: missing[0]})
	}
	return n, nil
}

func mappingError(msg, column string) error {
	return olerrors.NewConfigurationError(olerrors.CodeInvalidMapping, msg).
		WithDetails(map[string]interface{}{olerrors.DetailColumn: column})
}

// Schema returns the target schema.
func (n *Normalizer) Schema() *types.Schema {
	return n.schema
}

// Normalize produces a row under the target schema. Source columns that are
// neither mapped nor passed through are dropped; absent ones become nil or
// their default. Cast failures carry the record's line.
func (n *Normalizer) Normalize(rec types.Record) (types.Row, error) {
	row := make(types.Row, n.schema.Len())
	for i, col := range n.schema.Columns {
		src := n.sources[i]
		if src == "" {
			row[i] = n.defaults[i]
			continue
		}
		raw, ok := rec.Get(src)
		if !ok || raw == nil {
			row[i] = n.defaults[i]
			continue
		}
		v, err := format.Cast(raw, col)
		if err != nil {
			return nil, attribute(err, rec.Line)
		}
		row[i] = v
	}

	for _, d := range n.derived {
		v, err := derive(row[d.source], d.transform)
		if err != nil {
			col := n.schema.Columns[d.target]
			return nil, attribute(olerrors.NewCastFailure(col.Name, row[d.source], err), rec.Line)
		}
		if v != nil {
			if v, err = format.Cast(v, n.schema.Columns[d.target]); err != nil {
				return nil, attribute(err, rec.Line)
			}
		}
		row[d.target] = v
	}
	return row, nil
}

func attribute(err error, line int) error {
	if oe, ok := olerrors.As(err); ok {
		return oe.WithDetails(map[string]interface{}{olerrors.DetailLine: line})
	}
	return err
}

func derive(v any, t Transform) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TransformIdentity:
		return v, nil
	case TransformMonth:
		var ts time.Time
		switch x := v.(type) {
		case time.Time:
			ts = x
		case string:
			parsed, err := format.ParseTimestamp(x)
			if err != nil {
				return nil, err
			}
			ts = parsed
		default:
			return nil, fmt.Errorf("cannot derive month from %T", v)
		}
		return ts.UTC().Format("2006-01"), nil
	}
	return nil, fmt.Errorf("unknown transform %q", t)
}
