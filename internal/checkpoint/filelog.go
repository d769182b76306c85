package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	olerrors "github.com/arkilian/orderlake/internal/errors"
)

// frameHeaderSize is the [length:4][crc32:4] prefix of every entry.
const frameHeaderSize = 8

// Entry is one durable append to a query log.
type Entry struct {
	Seq         uint64   `json:"seq"`
	Files       []string `json:"files"`
	CommittedAt int64    `json:"committed_at"`
}

// FileStore keeps one append-only log per query under dir. Entries are
// framed as [length:4 LE][crc32:4 LE][json payload] and fsynced on append.
type FileStore struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	logs map[string]*queryLog
}

type queryLog struct {
	file    *os.File
	seq     uint64
	entries []*Entry
}

// NewFileStore creates a file-backed store, creating dir if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: failed to create directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger, logs: make(map[string]*queryLog)}, nil
}

// ProcessedSet implements Store.
func (s *FileStore) ProcessedSet(ctx context.Context, query string) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.open(query)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, e := range log.entries {
		for _, f := range e.Files {
			set[f] = struct{}{}
		}
	}
	return set, nil
}

// AppendProcessed implements Store.
func (s *FileStore) AppendProcessed(ctx context.Context, query string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.open(query)
	if err != nil {
		return err
	}

	entry := &Entry{Seq: log.seq + 1, Files: append([]string(nil), files...), CommittedAt: time.Now().UnixNano()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return olerrors.NewCheckpointError("failed to serialize entry", err)
	}

	if err := writeFrame(log.file, payload); err != nil {
		return olerrors.NewCheckpointError("failed to append to log for "+query, err)
	}
	log.seq = entry.Seq
	log.entries = append(log.entries, entry)
	return nil
}

// Entries returns the recorded entries of a query in append order.
func (s *FileStore) Entries(query string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, err := s.open(query)
	if err != nil {
		return nil, err
	}
	return append([]*Entry(nil), log.entries...), nil
}

// Close closes every open log.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for q, log := range s.logs {
		if err := log.file.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to fsync on close: %w", err)
		}
		if err := log.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.logs, q)
	}
	return firstErr
}

// LogPath returns the log file of a query.
func (s *FileStore) LogPath(query string) string {
	return filepath.Join(s.dir, sanitize(query)+".log")
}

// open loads a query log on first use. A torn tail left by a crash during
// append is truncated so later appends stay readable. Callers hold s.mu.
func (s *FileStore) open(query string) (*queryLog, error) {
	if log, ok := s.logs[query]; ok {
		return log, nil
	}

	path := s.LogPath(query)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, olerrors.NewCheckpointError("failed to open log", err)
	}

	entries, validEnd, err := readEntries(file, func(offset int64) {
		s.logger.Warn("checkpoint: CRC mismatch, skipping entry",
			zap.String("query", query),
			zap.String("path", path),
			zap.Int64("offset", offset))
	})
	if err != nil {
		file.Close()
		return nil, olerrors.NewCheckpointError("failed to read log", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, olerrors.NewCheckpointError("failed to stat log", err)
	}
	if stat.Size() > validEnd {
		s.logger.Warn("checkpoint: truncating torn tail",
			zap.String("query", query),
			zap.Int64("size", stat.Size()),
			zap.Int64("valid_end", validEnd))
		if err := file.Truncate(validEnd); err != nil {
			file.Close()
			return nil, olerrors.NewCheckpointError("failed to truncate log", err)
		}
	}
	if _, err := file.Seek(validEnd, io.SeekStart); err != nil {
		file.Close()
		return nil, olerrors.NewCheckpointError("failed to seek log", err)
	}

	log := &queryLog{file: file, entries: entries}
	for _, e := range entries {
		if e.Seq > log.seq {
			log.seq = e.Seq
		}
	}
	s.logs[query] = log
	return log, nil
}

// writeFrame writes [length:4][crc32:4][payload] in one write and fsyncs.
func writeFrame(w *os.File, payload []byte) error {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[frameHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	// Fsync for durability
	if err := w.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}
	return nil
}

// readEntries reads every complete entry from the start of r and returns
// the offset just past the last complete frame. Frames with a bad CRC are
// reported and skipped.
func readEntries(r io.ReadSeeker, onCorrupt func(offset int64)) ([]*Entry, int64, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}

	var (
		entries []*Entry
		offset  int64
	)
	reader := bytes.NewReader(data)
	for {
		var header [frameHeaderSize]byte
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			// EOF or truncated header
			break
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])
		if int64(length) > int64(reader.Len()) {
			// Truncated write - stop reading
			break
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			break
		}

		frameStart := offset
		offset += int64(frameHeaderSize) + int64(length)

		if crc32.ChecksumIEEE(payload) != crc {
			if onCorrupt != nil {
				onCorrupt(frameStart)
			}
			continue
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			if onCorrupt != nil {
				onCorrupt(frameStart)
			}
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, offset, nil
}

// sanitize maps a query name to a safe file name. Bytes outside
// [A-Za-z0-9._-] are written as %XX, so distinct names never share a log.
func sanitize(query string) string {
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
