package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Fetcher downloads sets of objects into a local directory in parallel.
// Objects already present in the directory are reused, which is safe
// because segment objects are immutable once written.
type Fetcher struct {
	storage     ObjectStorage
	concurrency int
	dir         string

	// inflight collapses concurrent downloads of one object into one.
	inflight singleflight.Group
}

// FetchResult maps object paths to their local copies.
type FetchResult struct {
	LocalPaths map[string]string
	CacheHits  int
	Downloads  int
}

// NewFetcher creates a fetcher.
// concurrency: maximum number of parallel downloads
// dir: directory holding the local copies
func NewFetcher(storage ObjectStorage, concurrency int, dir string) *Fetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Fetcher{storage: storage, concurrency: concurrency, dir: dir}
}

// Fetch downloads every object in paths. The first download error is
// returned after in-flight downloads finish.
func (f *Fetcher) Fetch(ctx context.Context, paths []string) (*FetchResult, error) {
	result := &FetchResult{LocalPaths: make(map[string]string, len(paths))}
	if len(paths) == 0 {
		return result, nil
	}
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create fetch directory: %w", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := semaphore.NewWeighted(int64(f.concurrency))

	for _, p := range paths {
		local := f.LocalPath(p)
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[p] = local
			result.CacheHits++
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("semaphore acquire failed: %w", err)
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(path, local string) {
			defer sem.Release(1)
			defer wg.Done()

			_, err, _ := f.inflight.Do(local, func() (interface{}, error) {
				return nil, f.download(ctx, path, local)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("storage: fetch %s: %w", path, err)
				}
				return
			}
			result.LocalPaths[path] = local
			result.Downloads++
		}(p, local)
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// download fetches one object into local through a uniquely named temporary
// file, so a failed or concurrent fetch never exposes a partial copy.
func (f *Fetcher) download(ctx context.Context, path, local string) error {
	if _, err := os.Stat(local); err == nil {
		return nil
	}
	tmp, err := os.CreateTemp(f.dir, filepath.Base(local)+".*.part")
	if err != nil {
		return err
	}
	name := tmp.Name()
	tmp.Close()

	if err := f.storage.Download(ctx, path, name); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, local); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// LocalPath returns the local filesystem path for an object. Separators are
// flattened so distinct objects never collide and never escape the directory.
func (f *Fetcher) LocalPath(objectPath string) string {
	return filepath.Join(f.dir, strings.ReplaceAll(filepath.ToSlash(objectPath), "/", "__"))
}
