package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/arkilian/orderlake/internal/storage"
)

// Source lists and opens the input files of a landing zone. File identifiers
// are stable across restarts; they are what the checkpoint records.
type Source interface {
	// List returns every file currently available, in any order.
	List(ctx context.Context) ([]string, error)

	// Open returns a reader over one listed file.
	Open(ctx context.Context, file string) (io.ReadCloser, error)
}

// DirSource reads files from a local directory. Only regular files whose
// base name matches Pattern are listed; an empty pattern lists everything.
type DirSource struct {
	Dir     string
	Pattern string
}

// NewDirSource creates a directory source. The pattern is checked up front.
func NewDirSource(dir, pattern string) (*DirSource, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("stream: invalid pattern %q: %w", pattern, err)
	}
	return &DirSource{Dir: dir, Pattern: pattern}, nil
}

// List implements Source. A missing directory lists as empty.
func (s *DirSource) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stream: failed to list %s: %w", s.Dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if s.Pattern != "" {
			if ok, _ := filepath.Match(s.Pattern, e.Name()); !ok {
				continue
			}
		}
		files = append(files, filepath.Join(s.Dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Open implements Source.
func (s *DirSource) Open(ctx context.Context, file string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("stream: failed to open %s: %w", file, err)
	}
	return f, nil
}

// ObjectSource reads files under an object storage prefix. Files are
// downloaded into a local directory before parsing.
type ObjectSource struct {
	store   storage.ObjectStorage
	prefix  string
	pattern string
	fetcher *storage.Fetcher
}

// NewObjectSource creates a source over prefix, downloading into dir.
func NewObjectSource(store storage.ObjectStorage, prefix, pattern, dir string) (*ObjectSource, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("stream: invalid pattern %q: %w", pattern, err)
	}
	return &ObjectSource{
		store:   store,
		prefix:  prefix,
		pattern: pattern,
		fetcher: storage.NewFetcher(store, 1, dir),
	}, nil
}

// List implements Source.
func (s *ObjectSource) List(ctx context.Context) ([]string, error) {
	objects, err := s.store.ListObjects(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("stream: failed to list %s: %w", s.prefix, err)
	}
	var files []string
	for _, obj := range objects {
		if s.pattern != "" {
			if ok, _ := path.Match(s.pattern, path.Base(obj.Path)); !ok {
				continue
			}
		}
		files = append(files, obj.Path)
	}
	sort.Strings(files)
	return files, nil
}

// Open implements Source.
func (s *ObjectSource) Open(ctx context.Context, file string) (io.ReadCloser, error) {
	res, err := s.fetcher.Fetch(ctx, []string{file})
	if err != nil {
		return nil, fmt.Errorf("stream: failed to download %s: %w", file, err)
	}
	f, err := os.Open(res.LocalPaths[file])
	if err != nil {
		return nil, fmt.Errorf("stream: failed to open %s: %w", file, err)
	}
	return f, nil
}
