// Package app wires the orderlake components into one process: the table
// engine and its storage, the historical batch job, the streaming queries
// and the status servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	grpcapi "github.com/arkilian/orderlake/internal/api/grpc"
	httpapi "github.com/arkilian/orderlake/internal/api/http"
	"github.com/arkilian/orderlake/internal/checkpoint"
	"github.com/arkilian/orderlake/internal/config"
	"github.com/arkilian/orderlake/internal/logging"
	"github.com/arkilian/orderlake/internal/manifest"
	"github.com/arkilian/orderlake/internal/observability"
	"github.com/arkilian/orderlake/internal/pipeline"
	"github.com/arkilian/orderlake/internal/server"
	"github.com/arkilian/orderlake/internal/storage"
	"github.com/arkilian/orderlake/internal/stream"
	"github.com/arkilian/orderlake/internal/table"
)

// App owns the shared resources of one orderlake process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Shared resources
	metrics     *observability.Metrics
	storage     storage.ObjectStorage
	catalog     manifest.Catalog
	engine      *table.Engine
	checkpoints checkpoint.Store
	shutdown    *server.ShutdownManager

	// Workloads, built on demand
	streams *stream.Manager
	health  *grpcapi.HealthServer

	mu     sync.Mutex
	opened bool
}

// Option configures an App.
type Option func(*App)

// WithLogger overrides the logger built from the logging configuration.
func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New validates cfg and prepares its directories. Resources are opened by Open.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		l, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		a.logger = l
	}
	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{Logger: a.logger})
	return a, nil
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Engine returns the table engine. Open must have been called.
func (a *App) Engine() *table.Engine { return a.engine }

// Metrics returns the metrics registry. Open must have been called.
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Open initializes storage, the manifest catalog, the table engine and the
// checkpoint store. Every resource is registered for release on Close.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil
	}

	var err error
	a.metrics = observability.NewMetrics(observability.MetricsConfig{
		Enabled:   a.cfg.Metrics.Enabled,
		Namespace: a.cfg.Metrics.Namespace,
	})

	a.storage, err = storage.New(ctx, a.cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.logger.Info("storage initialized", zap.String("type", a.cfg.Storage.Type))

	catalog, err := manifest.NewCatalog(a.cfg.Manifest.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize manifest catalog: %w", err)
	}
	a.catalog = catalog
	a.shutdown.RegisterCloser("manifest", catalog)
	a.logger.Info("manifest catalog initialized", zap.String("path", a.cfg.Manifest.Path))

	a.engine, err = table.NewEngine(a.catalog, a.storage, a.cfg.Table,
		table.WithLogger(a.logger),
		table.WithMetrics(a.metrics),
		table.WithIngestStats(observability.NewIngestStats()))
	if err != nil {
		return fmt.Errorf("failed to initialize table engine: %w", err)
	}

	a.checkpoints, err = checkpoint.New(a.cfg.Checkpoint, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize checkpoint store: %w", err)
	}
	a.shutdown.RegisterCloser("checkpoints", a.checkpoints)
	a.logger.Info("checkpoint store initialized",
		zap.String("backend", a.cfg.Checkpoint.Backend),
		zap.String("dir", a.cfg.Checkpoint.Dir))

	a.opened = true
	return nil
}

// RunBatch runs the historical load once. The run counts as in-flight work
// so shutdown waits for it.
func (a *App) RunBatch(ctx context.Context) (*pipeline.BatchReport, error) {
	if err := a.Open(ctx); err != nil {
		return nil, err
	}
	if !a.shutdown.Track() {
		return nil, errors.New("app is shutting down")
	}
	defer a.shutdown.Done()

	job := pipeline.NewBatchJob(a.engine, a.cfg.Batch,
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(a.metrics))
	return job.Run(ctx)
}

// Streams builds the configured streaming queries, creating their tables on
// first use. The manager is built once.
func (a *App) Streams(ctx context.Context) (*stream.Manager, error) {
	if err := a.Open(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.streams != nil {
		return a.streams, nil
	}

	src, err := a.landingSource()
	if err != nil {
		return nil, err
	}
	if err := pipeline.EnsureStreamTables(ctx, a.engine, a.cfg.Stream); err != nil {
		return nil, err
	}
	queries, err := pipeline.StreamQueries(a.cfg.Stream, src)
	if err != nil {
		return nil, err
	}

	m := stream.NewManager(a.logger)
	for _, q := range queries {
		c, err := stream.NewCoordinator(q, a.engine, a.checkpoints,
			stream.WithLogger(a.logger),
			stream.WithMetrics(a.metrics))
		if err != nil {
			return nil, err
		}
		if err := m.Add(c); err != nil {
			return nil, err
		}
	}
	a.streams = m
	return m, nil
}

func (a *App) landingSource() (stream.Source, error) {
	if a.cfg.Stream.LandingPrefix != "" {
		cache := filepath.Join(a.cfg.DataDir, "landing-cache")
		return stream.NewObjectSource(a.storage, a.cfg.Stream.LandingPrefix, a.cfg.Stream.Pattern, cache)
	}
	return stream.NewDirSource(a.cfg.Stream.LandingDir, a.cfg.Stream.Pattern)
}

// Serve runs the workloads selected by the mode together with the HTTP
// status API and the gRPC health server, and blocks until a signal, ctx
// cancellation or a server failure. Shutdown stops the streams first, then
// closes the servers and the shared resources.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}

	if a.cfg.ShouldRunBatch() {
		report, err := a.RunBatch(ctx)
		if err != nil {
			a.Close()
			return fmt.Errorf("batch load failed: %w", err)
		}
		a.logger.Info("batch load finished",
			zap.String("table", report.Table),
			zap.Int64("rows", report.Rows()),
			zap.Int("files", len(report.Steps)))
	}

	// The HTTP API needs a nil interface, not a typed nil, when no stream runs.
	var streams httpapi.Streams
	var statuses grpcapi.StatusSource
	if a.cfg.ShouldRunStream() {
		m, err := a.Streams(ctx)
		if err != nil {
			a.Close()
			return fmt.Errorf("failed to build stream queries: %w", err)
		}
		a.shutdown.OnShutdownStart(m.Stop)
		if err := m.Start(ctx); err != nil {
			a.Close()
			return err
		}
		streams, statuses = m, m
	}

	// A server failure cancels serveCtx, which makes ListenForSignals run
	// the shutdown before Serve returns.
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	failed := make(chan error, 1)

	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(serveCtx, statuses, errCh); err != nil {
			a.Close()
			return err
		}
	}

	handler := httpapi.NewRouter(httpapi.Deps{
		Tables:  a.engine,
		Streams: streams,
		Stats:   a.engine.Stats(),
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	srv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.shutdown.Middleware(handler),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.cfg.HTTP.Addr))
		if err := a.shutdown.RunHTTP(srv); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		select {
		case err := <-errCh:
			a.logger.Error("server failed", zap.Error(err))
			failed <- err
			cancel()
		case <-serveCtx.Done():
		}
	}()

	a.logger.Info("orderlake started", zap.String("mode", string(a.cfg.Mode)))
	err := a.shutdown.ListenForSignals(serveCtx)
	select {
	case f := <-failed:
		return errors.Join(f, err)
	default:
		return err
	}
}

func (a *App) startGRPC(ctx context.Context, statuses grpcapi.StatusSource, errCh chan<- error) error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for grpc on %s: %w", a.cfg.GRPC.Addr, err)
	}
	a.health = grpcapi.NewHealthServer(statuses, a.logger)
	srv := grpcapi.NewServer(a.health, a.logger)

	a.shutdown.OnShutdownStart(a.health.Shutdown)
	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		stopGracefully(srv, 10*time.Second)
		return nil
	}))

	go a.health.Run(ctx, time.Second)
	go func() {
		a.logger.Info("grpc health server listening", zap.String("addr", a.cfg.GRPC.Addr))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	return nil
}

// stopGracefully waits for pending RPCs up to timeout, then forces the stop.
func stopGracefully(srv *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		srv.Stop()
	}
}

// Close stops the streams and releases every resource opened by the app.
func (a *App) Close() error {
	return a.shutdown.Shutdown(context.Background(), "closed")
}
