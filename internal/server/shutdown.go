// Package server manages process lifecycle: signal handling, draining of
// in-flight work and ordered release of shared resources.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownManager coordinates graceful shutdown. Work units (HTTP requests,
// batch runs) are tracked so shutdown can wait for them; closers run in
// reverse registration order once the work has drained.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	logger          *zap.Logger

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	inFlight       int64
	isShuttingDown int32

	closers   []namedCloser
	closersMu sync.Mutex

	onShutdownStart []func()
	callbacksMu     sync.Mutex
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown. Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight work. Default: 15 seconds
	DrainTimeout time.Duration

	Logger *zap.Logger
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ShutdownManager{
		shutdownTimeout: cfg.ShutdownTimeout,
		drainTimeout:    cfg.DrainTimeout,
		logger:          cfg.Logger,
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterCloser adds a named resource released during shutdown. Closers run
// LIFO, so register shared stores before the components that use them.
func (sm *ShutdownManager) RegisterCloser(name string, closer io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, closer: closer})
}

// OnShutdownStart registers a callback run as soon as shutdown begins,
// before draining. Stream managers stop their trigger loops here.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.callbacksMu.Lock()
	defer sm.callbacksMu.Unlock()
	sm.onShutdownStart = append(sm.onShutdownStart, fn)
}

// ListenForSignals blocks until SIGTERM or SIGINT, ctx cancellation or a
// shutdown started elsewhere, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown runs the start callbacks, drains in-flight work and closes every
// registered resource. Only the first call does anything.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var errs []error

	sm.shutdownOnce.Do(func() {
		sm.logger.Info("shutting down", zap.String("reason", reason))
		atomic.StoreInt32(&sm.isShuttingDown, 1)
		close(sm.shutdownCh)

		sm.callbacksMu.Lock()
		callbacks := sm.onShutdownStart
		sm.callbacksMu.Unlock()
		for _, fn := range callbacks {
			fn()
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		if err := sm.drainInFlight(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain failed: %w", err))
		}

		sm.closersMu.Lock()
		closers := sm.closers
		sm.closersMu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.closer.Close(); err != nil {
				sm.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
		sm.logger.Info("shutdown complete")
	})

	return errors.Join(errs...)
}

func (sm *ShutdownManager) drainInFlight(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&sm.inFlight) == 0 {
			return nil
		}
		select {
		case <-drainCtx.Done():
			if remaining := atomic.LoadInt64(&sm.inFlight); remaining > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight operations", remaining)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// Track registers one unit of in-flight work. It returns false once
// shutdown has begun, in which case the work must not start.
func (sm *ShutdownManager) Track() bool {
	if atomic.LoadInt32(&sm.isShuttingDown) == 1 {
		return false
	}
	atomic.AddInt64(&sm.inFlight, 1)
	return true
}

// Done marks one tracked unit of work finished.
func (sm *ShutdownManager) Done() {
	atomic.AddInt64(&sm.inFlight, -1)
}

// IsShuttingDown reports whether shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return atomic.LoadInt32(&sm.isShuttingDown) == 1
}

// InFlightCount returns the number of tracked units of work.
func (sm *ShutdownManager) InFlightCount() int64 {
	return atomic.LoadInt64(&sm.inFlight)
}

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// RunHTTP runs srv until shutdown. The server is registered as a closer
// and drained with http.Server.Shutdown.
func (sm *ShutdownManager) RunHTTP(srv *http.Server) error {
	sm.RegisterCloser("http", CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-sm.shutdownCh:
		return <-errCh
	}
}

// Middleware tracks requests as in-flight work and rejects new ones with 503
// during shutdown.
func (sm *ShutdownManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sm.Track() {
			w.Header().Set("Connection", "close")
			http.Error(w, "service unavailable: shutting down", http.StatusServiceUnavailable)
			return
		}
		defer sm.Done()
		next.ServeHTTP(w, r)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
