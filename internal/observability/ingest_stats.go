// Package observability provides ingestion statistics and Prometheus metrics.
package observability

import (
	"sort"
	"sync"
	"time"
)

// IngestStats tracks per-table ingestion activity for the status API.
type IngestStats struct {
	mu     sync.RWMutex
	tables map[string]*TableStats
	now    func() time.Time
}

// TableStats holds ingestion statistics for one table.
type TableStats struct {
	Table       string           `json:"table"`
	Commits     int64            `json:"commits"`
	Rows        int64            `json:"rows"`
	Files       map[string]int64 `json:"files"` // source file → rows committed
	Failures    int64            `json:"failures"`
	Duplicates  int64            `json:"duplicates"`
	LastCommit  time.Time        `json:"last_commit"`
	LastFailure string           `json:"last_failure,omitempty"`
}

// NewIngestStats creates a new ingestion statistics tracker.
func NewIngestStats() *IngestStats {
	return &IngestStats{
		tables: make(map[string]*TableStats),
		now:    time.Now,
	}
}

func (s *IngestStats) table(name string) *TableStats {
	ts, ok := s.tables[name]
	if !ok {
		ts = &TableStats{Table: name, Files: make(map[string]int64)}
		s.tables[name] = ts
	}
	return ts
}

// RecordCommit records a successful append of rows from file into table.
// This method is O(1) and thread-safe.
func (s *IngestStats) RecordCommit(table, file string, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.table(table)
	ts.Commits++
	ts.Rows += int64(rows)
	ts.Files[file] += int64(rows)
	ts.LastCommit = s.now()
}

// RecordFailure records a failed ingestion attempt against table.
func (s *IngestStats) RecordFailure(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.table(table)
	ts.Failures++
	if err != nil {
		ts.LastFailure = err.Error()
	}
}

// RecordDuplicate records a batch that was already committed under its key.
func (s *IngestStats) RecordDuplicate(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(table).Duplicates++
}

// Get returns a copy of the stats for one table.
func (s *IngestStats) Get(table string) (TableStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.tables[table]
	if !ok {
		return TableStats{}, false
	}
	return ts.copy(), true
}

// Snapshot returns a copy of every table's stats sorted by rows descending.
func (s *IngestStats) Snapshot() []TableStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TableStats, 0, len(s.tables))
	for _, ts := range s.tables {
		out = append(out, ts.copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rows != out[j].Rows {
			return out[i].Rows > out[j].Rows
		}
		return out[i].Table < out[j].Table
	})
	return out
}

func (ts *TableStats) copy() TableStats {
	cp := *ts
	cp.Files = make(map[string]int64, len(ts.Files))
	for f, n := range ts.Files {
		cp.Files[f] = n
	}
	return cp
}
