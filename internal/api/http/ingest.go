package http

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/arkilian/orderlake/internal/observability"
	"github.com/arkilian/orderlake/internal/stream"
)

// Streams is the control surface of the streaming queries.
type Streams interface {
	Status() []stream.Status
	Get(name string) (*stream.Coordinator, bool)
}

// TriggerResponse reports a manually triggered micro-batch.
type TriggerResponse struct {
	Query     string        `json:"query"`
	Files     []string      `json:"files"`
	Rows      int64         `json:"rows"`
	Status    stream.Status `json:"status"`
	RequestID string        `json:"request_id"`
}

// IngestHandler serves ingestion status endpoints:
//
//	GET  /v1/streams
//	GET  /v1/streams/{query}
//	POST /v1/streams/{query}/trigger
//	GET  /v1/stats
type IngestHandler struct {
	streams Streams
	stats   *observability.IngestStats
	logger  *zap.Logger
}

// NewIngestHandler creates an ingest handler. streams may be nil when no
// streaming query is configured.
func NewIngestHandler(streams Streams, stats *observability.IngestStats, logger *zap.Logger) *IngestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{streams: streams, stats: stats, logger: logger}
}

// Register mounts the handler routes on mux.
func (h *IngestHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/streams", h.list)
	mux.HandleFunc("GET /v1/streams/{query}", h.status)
	mux.HandleFunc("POST /v1/streams/{query}/trigger", h.trigger)
	mux.HandleFunc("GET /v1/stats", h.statsSnapshot)
}

func (h *IngestHandler) list(w http.ResponseWriter, r *http.Request) {
	statuses := []stream.Status{}
	if h.streams != nil {
		statuses = append(statuses, h.streams.Status()...)
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (h *IngestHandler) coordinator(w http.ResponseWriter, r *http.Request) (*stream.Coordinator, bool) {
	name := r.PathValue("query")
	if h.streams == nil {
		writeError(w, r, http.StatusNotFound, "unknown stream query "+name)
		return nil, false
	}
	c, ok := h.streams.Get(name)
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown stream query "+name)
		return nil, false
	}
	return c, true
}

func (h *IngestHandler) status(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Status())
}

// trigger runs one micro-batch now. The micro-batch is not tied to the
// request context so a disconnecting client cannot abort it halfway.
func (h *IngestHandler) trigger(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	progress, err := c.RunOnce(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, stream.ErrStopped):
		writeError(w, r, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Warn("manual trigger failed", zap.String("query", c.Name()), zap.Error(err))
		writeFailure(w, r, err)
		return
	}
	files := progress.Files
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, TriggerResponse{
		Query:     c.Name(),
		Files:     files,
		Rows:      progress.Rows,
		Status:    c.Status(),
		RequestID: GetRequestID(r.Context()),
	})
}

func (h *IngestHandler) statsSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := []observability.TableStats{}
	if h.stats != nil {
		snapshot = append(snapshot, h.stats.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Deps are the components the API exposes.
type Deps struct {
	Tables  TableReader
	Streams Streams
	Stats   *observability.IngestStats
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// NewRouter builds the API handler with the default middleware chain.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Tables != nil {
		NewQueryHandler(d.Tables).Register(mux)
	}
	NewIngestHandler(d.Streams, d.Stats, d.Logger).Register(mux)
	if d.Metrics.Enabled() {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}
	return DefaultMiddleware(d.Logger)(mux)
}
