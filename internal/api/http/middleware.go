// Package http serves the operator API: table inspection, streaming query
// status and triggers, ingest statistics and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	olerrors "github.com/arkilian/orderlake/internal/errors"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// RequestIDMiddleware propagates X-Request-ID, generating one when absent.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware turns a handler panic into a 500 reply.
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panic",
						zap.Any("panic", p),
						zap.String("path", r.URL.Path),
						zap.String("request_id", GetRequestID(r.Context())))
					writeError(w, r, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware writes one access log line per request.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", GetRequestID(r.Context())))
		})
	}
}

// ChainMiddleware applies middlewares so the first one is outermost.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// DefaultMiddleware returns the standard chain for API handlers.
func DefaultMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return ChainMiddleware(
		RequestIDMiddleware,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	)
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch olerrors.GetCategory(err) {
	case olerrors.ErrCategoryNotFound:
		return http.StatusNotFound
	case olerrors.ErrCategoryParse, olerrors.ErrCategorySchema, olerrors.ErrCategoryConfiguration:
		return http.StatusBadRequest
	case olerrors.ErrCategoryCommit:
		if olerrors.IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure replies with the status and details of err.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error(), RequestID: GetRequestID(r.Context())}
	if oe, ok := olerrors.As(err); ok {
		resp.Code = oe.Code
		resp.Details = oe.Details
	}
	writeJSON(w, statusFor(err), resp)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message, RequestID: GetRequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID returns the request ID stored by RequestIDMiddleware.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
