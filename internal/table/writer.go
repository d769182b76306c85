package table

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/internal/manifest"
	"github.com/arkilian/orderlake/internal/partition"
	"github.com/arkilian/orderlake/pkg/types"
)

// writtenCommit holds the uploaded, not yet registered, segments of a commit.
type writtenCommit struct {
	segments   []*manifest.SegmentRecord
	objects    []string
	partitions []types.PartitionKey
	localDir   string
}

func (w *writtenCommit) cleanupLocal() {
	if w != nil && w.localDir != "" {
		os.RemoveAll(w.localDir)
	}
}

// ObjectPrefix is the storage prefix of every object of a table.
func ObjectPrefix(table string) string {
	return path.Join("tables", table) + "/"
}

// writeSegments routes the batch by partition, builds one segment per
// partition locally and uploads segments and key sidecars in parallel.
// Uploaded objects stay invisible until the manifest registers them.
func (e *Engine) writeSegments(ctx context.Context, def *manifest.TableDefinition, commitID string, batch *types.Batch) (*writtenCommit, error) {
	router, err := partition.NewRouter(def.Schema, def.Partitioning)
	if err != nil {
		return nil, olerrors.Wrap(olerrors.ErrCategorySchema, olerrors.CodeSchemaMismatch, "cannot route batch", err)
	}
	groups := router.RouteRows(batch.Rows)

	w := &writtenCommit{localDir: filepath.Join(e.workDir, "build", commitID)}
	builder := partition.NewBuilder(w.localDir,
		partition.WithKeyColumn(def.KeyColumn),
		partition.WithFalsePositiveRate(e.fpr))

	infos := make([]*partition.SegmentInfo, 0, len(groups))
	for _, g := range groups {
		info, err := builder.Build(ctx, def.Schema, g.Key, g.Rows)
		if err != nil {
			w.cleanupLocal()
			return nil, olerrors.NewCommitFailure("failed to build segment", err).WithFile(batch.Source)
		}
		infos = append(infos, info)
		w.partitions = append(w.partitions, g.Key)
	}

	prefix := path.Join(ObjectPrefix(def.Name), commitID)
	w.segments = make([]*manifest.SegmentRecord, len(infos))
	for i, info := range infos {
		seg := &manifest.SegmentRecord{
			SegmentID:    info.SegmentID,
			PartitionKey: info.PartitionKey,
			ObjectPath:   path.Join(prefix, info.SegmentID+".sqlite"),
			KeyColumn:    info.KeyColumn,
			RowCount:     info.RowCount,
			SizeBytes:    info.SizeBytes,
			Stats:        renderStats(info.MinMaxStats),
		}
		w.objects = append(w.objects, seg.ObjectPath)
		if info.KeysPath != "" {
			seg.SidecarPath = path.Join(prefix, info.SegmentID+".keys")
			w.objects = append(w.objects, seg.SidecarPath)
		}
		w.segments[i] = seg
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.uploadConcurrency)
	for i, info := range infos {
		seg, info := w.segments[i], info
		g.Go(func() error {
			if err := e.store.Upload(gctx, info.SQLitePath, seg.ObjectPath); err != nil {
				return err
			}
			if seg.SidecarPath != "" {
				return e.store.Upload(gctx, info.KeysPath, seg.SidecarPath)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.deleteObjects(w.objects)
		w.cleanupLocal()
		return nil, olerrors.NewUploadFailure("failed to upload segments", err).WithFile(batch.Source)
	}
	return w, nil
}

// deleteObjects removes uploaded objects best-effort. It runs on its own
// context so a cancelled append still cleans up.
func (e *Engine) deleteObjects(objects []string) {
	ctx := context.Background()
	for _, obj := range objects {
		if err := e.store.Delete(ctx, obj); err != nil {
			e.logger.Warn("failed to delete orphaned object", zap.String("object", obj), zap.Error(err))
		}
	}
}

func renderStats(stats map[string]partition.MinMax) map[string]manifest.ColumnStats {
	out := make(map[string]manifest.ColumnStats, len(stats))
	for col, mm := range stats {
		cs := manifest.ColumnStats{NullCount: mm.NullCount}
		if mm.Min != nil {
			cs.Min = types.FormatPartitionValue(mm.Min)
		}
		if mm.Max != nil {
			cs.Max = types.FormatPartitionValue(mm.Max)
		}
		out[col] = cs
	}
	return out
}
