package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for ingestion. A disabled Metrics
// accepts every call and records nothing.
type Metrics struct {
	RowsCommitted    *prometheus.CounterVec
	CommitsTotal     *prometheus.CounterVec
	ParseFailures    *prometheus.CounterVec
	FilesProcessed   *prometheus.CounterVec
	CommitDuration   *prometheus.HistogramVec
	CoordinatorState *prometheus.GaugeVec

	registry *prometheus.Registry
	enabled  bool
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	m := &Metrics{
		enabled:  cfg.Enabled,
		registry: prometheus.NewRegistry(),
	}
	if !cfg.Enabled {
		return m
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "orderlake"
	}

	m.RowsCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rows_committed_total",
			Help:      "Rows durably appended by table",
		},
		[]string{"table"},
	)
	m.CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "commits_total",
			Help:      "Append commits by table and outcome",
		},
		[]string{"table", "status"}, // "success", "error", "duplicate"
	)
	m.ParseFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "parse_failures_total",
			Help:      "Records that could not be parsed or cast",
		},
		[]string{"source"},
	)
	m.FilesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stream_files_processed_total",
			Help:      "Files marked processed in a stream checkpoint",
		},
		[]string{"query"},
	)
	m.CommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "commit_duration_seconds",
			Help:      "Time spent in append commits",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"table"},
	)
	m.CoordinatorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "stream_state",
			Help:      "Current coordinator state (1 for the active state)",
		},
		[]string{"query", "state"},
	)

	m.registry.MustRegister(
		m.RowsCommitted,
		m.CommitsTotal,
		m.ParseFailures,
		m.FilesProcessed,
		m.CommitDuration,
		m.CoordinatorState,
		prometheus.NewGoCollector(),
	)
	return m
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// ObserveCommit records the outcome of an append.
func (m *Metrics) ObserveCommit(table, status string, rows int, elapsed time.Duration) {
	if !m.Enabled() {
		return
	}
	m.CommitsTotal.WithLabelValues(table, status).Inc()
	if status == "success" {
		m.RowsCommitted.WithLabelValues(table).Add(float64(rows))
	}
	m.CommitDuration.WithLabelValues(table).Observe(elapsed.Seconds())
}

// ObserveParseFailure counts a record that failed to parse.
func (m *Metrics) ObserveParseFailure(source string) {
	if !m.Enabled() {
		return
	}
	m.ParseFailures.WithLabelValues(source).Inc()
}

// ObserveFilesProcessed counts files advanced in a query's checkpoint.
func (m *Metrics) ObserveFilesProcessed(query string, n int) {
	if !m.Enabled() {
		return
	}
	m.FilesProcessed.WithLabelValues(query).Add(float64(n))
}

// SetState marks state as the active coordinator state for query.
func (m *Metrics) SetState(query string, states []string, active string) {
	if !m.Enabled() {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1
		}
		m.CoordinatorState.WithLabelValues(query, s).Set(v)
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
