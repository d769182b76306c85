package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/arkilian/orderlake/internal/manifest"
	"github.com/arkilian/orderlake/internal/table"
	"github.com/arkilian/orderlake/pkg/types"
)

// TableReader is the read side of the append engine.
type TableReader interface {
	Tables(ctx context.Context) ([]*types.TableInfo, error)
	Describe(ctx context.Context, name string) (*types.TableInfo, error)
	Scan(ctx context.Context, name string, filter table.ScanFilter) ([]types.Row, error)
	Lookup(ctx context.Context, name, value string) ([]types.Row, error)
	Commits(ctx context.Context, name string) ([]*manifest.CommitRecord, error)
}

// RowsResponse carries table rows in schema column order.
type RowsResponse struct {
	Table     string          `json:"table"`
	Columns   []string        `json:"columns"`
	Rows      [][]interface{} `json:"rows"`
	Total     int             `json:"total"`
	RequestID string          `json:"request_id"`
}

// QueryHandler serves table inspection endpoints:
//
//	GET /v1/tables
//	GET /v1/tables/{name}
//	GET /v1/tables/{name}/rows?limit=N&<partition column>=<value>
//	GET /v1/tables/{name}/lookup?key=<value>
//	GET /v1/tables/{name}/commits
type QueryHandler struct {
	tables TableReader
}

// NewQueryHandler creates a query handler.
func NewQueryHandler(tables TableReader) *QueryHandler {
	return &QueryHandler{tables: tables}
}

// Register mounts the handler routes on mux.
func (h *QueryHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/tables", h.list)
	mux.HandleFunc("GET /v1/tables/{name}", h.describe)
	mux.HandleFunc("GET /v1/tables/{name}/rows", h.rows)
	mux.HandleFunc("GET /v1/tables/{name}/lookup", h.lookup)
	mux.HandleFunc("GET /v1/tables/{name}/commits", h.commits)
}

func (h *QueryHandler) list(w http.ResponseWriter, r *http.Request) {
	infos, err := h.tables.Tables(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if infos == nil {
		infos = []*types.TableInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *QueryHandler) describe(w http.ResponseWriter, r *http.Request) {
	info, err := h.tables.Describe(r.Context(), r.PathValue("name"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *QueryHandler) rows(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	info, err := h.tables.Describe(r.Context(), name)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	filter := table.ScanFilter{}
	for _, col := range info.Partitioning.Columns {
		if v := r.URL.Query().Get(col); v != "" {
			if filter.Partitions == nil {
				filter.Partitions = make(map[string]string)
			}
			filter.Partitions[col] = v
		}
	}

	rows, err := h.tables.Scan(r.Context(), name, filter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.render(r, info, rows, limit))
}

func (h *QueryHandler) lookup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	key := r.URL.Query().Get("key")
	if strings.TrimSpace(key) == "" {
		writeError(w, r, http.StatusBadRequest, "key is required")
		return
	}
	info, err := h.tables.Describe(r.Context(), name)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	rows, err := h.tables.Lookup(r.Context(), name, key)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.render(r, info, rows, 0))
}

func (h *QueryHandler) commits(w http.ResponseWriter, r *http.Request) {
	commits, err := h.tables.Commits(r.Context(), r.PathValue("name"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if commits == nil {
		commits = []*manifest.CommitRecord{}
	}
	writeJSON(w, http.StatusOK, commits)
}

func (h *QueryHandler) render(r *http.Request, info *types.TableInfo, rows []types.Row, limit int) RowsResponse {
	resp := RowsResponse{
		Table:     info.Name,
		Columns:   info.Schema.Names(),
		Rows:      [][]interface{}{},
		Total:     len(rows),
		RequestID: GetRequestID(r.Context()),
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	for _, row := range rows {
		resp.Rows = append(resp.Rows, []interface{}(row))
	}
	return resp
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
