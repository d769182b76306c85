// Package grpc exposes the standard gRPC health service, reporting one
// service per streaming query plus the overall server under "".
package grpc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/arkilian/orderlake/internal/stream"
)

// StatusSource reports the status of every streaming query.
type StatusSource interface {
	Status() []stream.Status
}

// HealthServer maps streaming query states onto gRPC serving status.
type HealthServer struct {
	health  *health.Server
	streams StatusSource
	logger  *zap.Logger

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewHealthServer creates a health server. streams may be nil when no
// streaming query is configured.
func NewHealthServer(streams StatusSource, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthServer{
		health:  health.NewServer(),
		streams: streams,
		logger:  logger,
		last:    make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	h.Refresh()
	return h
}

// Register installs the health service on s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
}

// ServingStatus maps a query state. Only FAILED and STOPPED queries stop
// serving; every other state is part of normal progress.
func ServingStatus(state stream.State) healthpb.HealthCheckResponse_ServingStatus {
	switch state {
	case stream.StateFailed, stream.StateStopped:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_SERVING
	}
}

// Refresh publishes the current query states. The overall service is
// NOT_SERVING as soon as one query has failed.
func (h *HealthServer) Refresh() {
	h.mu.Lock()
	defer h.mu.Unlock()
	overall := healthpb.HealthCheckResponse_SERVING
	if h.streams != nil {
		for _, st := range h.streams.Status() {
			s := ServingStatus(st.State)
			if st.State == stream.StateFailed {
				overall = healthpb.HealthCheckResponse_NOT_SERVING
			}
			h.set(st.Query, s)
		}
	}
	h.set("", overall)
}

func (h *HealthServer) set(service string, s healthpb.HealthCheckResponse_ServingStatus) {
	if prev, ok := h.last[service]; ok && prev == s {
		return
	}
	h.last[service] = s
	h.health.SetServingStatus(service, s)
	h.logger.Debug("health status changed", zap.String("service", service), zap.String("status", s.String()))
}

// Run refreshes the published status every interval until ctx is done.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Refresh()
		}
	}
}

// Shutdown marks every service NOT_SERVING so clients drain away before
// the listener closes.
func (h *HealthServer) Shutdown() {
	h.health.Shutdown()
}

// LoggingInterceptor logs every unary call with its request ID.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("request_id", extractRequestID(ctx)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return resp, err
	}
}

// NewServer builds a gRPC server carrying the health service.
func NewServer(h *HealthServer, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(logger)))
	h.Register(s)
	return s
}

func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
