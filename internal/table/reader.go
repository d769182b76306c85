package table

import (
	"context"

	"go.uber.org/zap"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/format"
	"github.com/arkilian/orderlake/internal/manifest"
	"github.com/arkilian/orderlake/internal/partition"
	"github.com/arkilian/orderlake/pkg/types"
)

// Scan returns the rows of the current table version, in commit order and
// then row order. The filter prunes whole segments through the manifest.
func (e *Engine) Scan(ctx context.Context, name string, filter ScanFilter) ([]types.Row, error) {
	rec, err := e.getTable(ctx, name)
	if err != nil {
		return nil, err
	}
	segments, err := e.catalog.ListSegments(ctx, name, rec.Version, filter.Partitions)
	if err != nil {
		return nil, olerrors.NewInternalError("failed to list segments", err)
	}

	local, err := e.fetchSegments(ctx, segments)
	if err != nil {
		return nil, err
	}

	var out []types.Row
	for _, seg := range segments {
		rows, err := partition.ReadSegment(ctx, local[seg.ObjectPath], rec.Schema)
		if err != nil {
			return nil, olerrors.NewInternalError("failed to read segment "+seg.SegmentID, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Lookup returns the rows whose key column equals value. value is cast to
// the key column type. Segments whose key sidecar rules the value out are
// never downloaded.
func (e *Engine) Lookup(ctx context.Context, name string, value string) ([]types.Row, error) {
	rec, err := e.getTable(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.KeyColumn == "" {
		return nil, olerrors.NewSchemaMismatch("table " + name + " has no key column")
	}
	col, _ := rec.Schema.Column(rec.KeyColumn)
	key, err := format.Cast(value, col)
	if err != nil {
		return nil, err
	}

	segments, err := e.catalog.ListSegments(ctx, name, rec.Version, nil)
	if err != nil {
		return nil, olerrors.NewInternalError("failed to list segments", err)
	}

	candidates, err := e.pruneByKey(ctx, segments, partition.KeyString(key))
	if err != nil {
		return nil, err
	}
	e.logger.Debug("lookup pruned segments",
		zap.String("table", name),
		zap.Int("segments", len(segments)),
		zap.Int("candidates", len(candidates)))

	local, err := e.fetchSegments(ctx, candidates)
	if err != nil {
		return nil, err
	}

	var out []types.Row
	for _, seg := range candidates {
		rows, err := partition.LookupSegment(ctx, local[seg.ObjectPath], rec.Schema, rec.KeyColumn, key)
		if err != nil {
			return nil, olerrors.NewInternalError("failed to read segment "+seg.SegmentID, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// pruneByKey keeps segments whose key sidecar may contain key. Segments
// without a sidecar are always kept.
func (e *Engine) pruneByKey(ctx context.Context, segments []*manifest.SegmentRecord, key string) ([]*manifest.SegmentRecord, error) {
	var sidecars []string
	for _, seg := range segments {
		if seg.SidecarPath != "" {
			sidecars = append(sidecars, seg.SidecarPath)
		}
	}
	fetched, err := e.fetcher.Fetch(ctx, sidecars)
	if err != nil {
		return nil, olerrors.NewInternalError("failed to fetch key sidecars", err)
	}

	var out []*manifest.SegmentRecord
	for _, seg := range segments {
		if seg.SidecarPath == "" {
			out = append(out, seg)
			continue
		}
		keys, err := partition.ReadKeySidecar(fetched.LocalPaths[seg.SidecarPath])
		if err != nil {
			return nil, olerrors.NewInternalError("failed to load key sidecar", err)
		}
		if keys.MayContain(key) {
			out = append(out, seg)
		}
	}
	return out, nil
}

func (e *Engine) fetchSegments(ctx context.Context, segments []*manifest.SegmentRecord) (map[string]string, error) {
	paths := make([]string, len(segments))
	for i, seg := range segments {
		paths[i] = seg.ObjectPath
	}
	fetched, err := e.fetcher.Fetch(ctx, paths)
	if err != nil {
		return nil, olerrors.NewInternalError("failed to fetch segments", err)
	}
	return fetched.LocalPaths, nil
}
