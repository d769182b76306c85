package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/arkilian/orderlake/internal/config"
	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/stream"
	"github.com/arkilian/orderlake/internal/table"
	"github.com/arkilian/orderlake/pkg/types"
)

// Catalog is the part of the engine stream table setup needs.
type Catalog interface {
	Describe(ctx context.Context, name string) (*types.TableInfo, error)
	CreateOrReplace(ctx context.Context, name string, schema *types.Schema, spec types.PartitionSpec, initial *types.Batch, opts ...table.CreateOption) (*table.CommitResult, error)
}

type streamPreset struct {
	table     func(cfg config.StreamConfig) string
	schema    func(name string) *types.Schema
	partition types.PartitionSpec
	source    func() Source
}

var streamPresets = map[string]streamPreset{
	OrdersQuery: {
		table:     func(cfg config.StreamConfig) string { return cfg.OrdersTable },
		schema:    OrdersStreamSchema,
		partition: OrdersStreamPartitioning(),
		source:    OrdersStreamSource,
	},
	LineItemsQuery: {
		table:  func(cfg config.StreamConfig) string { return cfg.LineItemsTable },
		schema: LineItemsSchema,
		source: LineItemsSource,
	},
}

func preset(name string) (streamPreset, error) {
	p, ok := streamPresets[name]
	if !ok {
		return p, olerrors.NewConfigurationError(olerrors.CodeInvalidConfig, fmt.Sprintf("unknown stream query %q", name))
	}
	return p, nil
}

// EnsureStreamTables creates the destination table of every configured query
// that does not exist yet. Existing tables are left untouched so a restarted
// stream keeps its rows.
func EnsureStreamTables(ctx context.Context, c Catalog, cfg config.StreamConfig) error {
	for _, q := range cfg.Queries {
		p, err := preset(q)
		if err != nil {
			return err
		}
		name := p.table(cfg)
		info, err := c.Describe(ctx, name)
		switch {
		case err == nil:
			if !info.Schema.Equal(p.schema(name)) {
				return olerrors.NewSchemaMismatch(fmt.Sprintf("table %s exists with schema %s", name, info.Schema))
			}
		case errors.Is(err, olerrors.ErrTableNotFound):
			if _, err := c.CreateOrReplace(ctx, name, p.schema(name), p.partition, nil); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

// StreamQueries builds the configured streaming queries over src. Every
// query reads the same landing files and keeps its own checkpoint.
func StreamQueries(cfg config.StreamConfig, src stream.Source) ([]stream.Query, error) {
	queries := make([]stream.Query, 0, len(cfg.Queries))
	for _, q := range cfg.Queries {
		p, err := preset(q)
		if err != nil {
			return nil, err
		}
		name := p.table(cfg)
		parser, norm, err := p.source().Build(p.schema(name))
		if err != nil {
			return nil, err
		}
		queries = append(queries, stream.Query{
			Name:             q,
			Source:           src,
			Parser:           parser,
			Normalizer:       norm,
			Table:            name,
			FilesPerTrigger:  cfg.FilesPerTrigger,
			TriggerInterval:  cfg.TriggerInterval,
			MaxCommitRetries: cfg.MaxCommitRetries,
			RetryBackoff:     cfg.RetryBackoff,
		})
	}
	return queries, nil
}
