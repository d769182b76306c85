package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/orderlake/internal/config"
)

func stores(t *testing.T) map[string]func(dir string) Store {
	return map[string]func(dir string) Store{
		"file": func(dir string) Store {
			s, err := NewFileStore(dir, nil)
			require.NoError(t, err)
			return s
		},
		"sqlite": func(dir string) Store {
			s, err := NewSQLiteStore(filepath.Join(dir, "checkpoints.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_AppendAndReopen(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			s := open(dir)
			set, err := s.ProcessedSet(ctx, "orders")
			require.NoError(t, err)
			assert.Empty(t, set)

			require.NoError(t, s.AppendProcessed(ctx, "orders", "a.json"))
			require.NoError(t, s.AppendProcessed(ctx, "orders", "b.json", "c.json"))
			require.NoError(t, s.AppendProcessed(ctx, "line_items", "a.json"))
			require.NoError(t, s.AppendProcessed(ctx, "orders"))
			require.NoError(t, s.Close())

			s = open(dir)
			defer s.Close()

			set, err = s.ProcessedSet(ctx, "orders")
			require.NoError(t, err)
			assert.Len(t, set, 3)
			assert.Contains(t, set, "c.json")

			items, err := s.ProcessedSet(ctx, "line_items")
			require.NoError(t, err)
			assert.Len(t, items, 1)
		})
	}
}

func TestStore_DuplicateAppendIsHarmless(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t.TempDir())
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.AppendProcessed(ctx, "q", "a.json"))
			require.NoError(t, s.AppendProcessed(ctx, "q", "a.json"))

			set, err := s.ProcessedSet(ctx, "q")
			require.NoError(t, err)
			assert.Len(t, set, 1)
		})
	}
}

func TestFileStore_TornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendProcessed(ctx, "orders", "a.json"))
	require.NoError(t, s.AppendProcessed(ctx, "orders", "b.json"))
	require.NoError(t, s.Close())

	// Simulate a crash mid-append: a header promising more bytes than exist.
	path := s.LogPath("orders")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04, '{'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = NewFileStore(dir, nil)
	require.NoError(t, err)
	set, err := s.ProcessedSet(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, set, 2)

	// Appends after recovery must remain readable.
	require.NoError(t, s.AppendProcessed(ctx, "orders", "c.json"))
	require.NoError(t, s.Close())

	s, err = NewFileStore(dir, nil)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.Entries("orders")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"c.json"}, entries[2].Files)
	assert.Equal(t, uint64(3), entries[2].Seq)
}

func TestFileStore_CorruptEntrySkipped(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendProcessed(ctx, "orders", "a.json"))
	require.NoError(t, s.AppendProcessed(ctx, "orders", "b.json"))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(s.LogPath("orders"))
	require.NoError(t, err)
	// Flip a payload byte of the first entry.
	data[frameHeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(s.LogPath("orders"), data, 0644))

	s, err = NewFileStore(dir, nil)
	require.NoError(t, err)
	defer s.Close()
	set, err := s.ProcessedSet(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"b.json": {}}, set)
}

func TestFileStore_SanitizesQueryName(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "orders%2Fstream%20v2.log", filepath.Base(s.LogPath("orders/stream v2")))
	assert.Equal(t, "line_items.log", filepath.Base(s.LogPath("line_items")))
}

func TestStore_SimilarQueryNamesStaySeparate(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s := open(dir)
			ctx := context.Background()

			require.NoError(t, s.AppendProcessed(ctx, "a b", "one.json"))
			require.NoError(t, s.AppendProcessed(ctx, "a_b", "two.json"))
			require.NoError(t, s.Close())

			s = open(dir)
			defer s.Close()
			set, err := s.ProcessedSet(ctx, "a b")
			require.NoError(t, err)
			assert.Len(t, set, 1)
			assert.Contains(t, set, "one.json")

			set, err = s.ProcessedSet(ctx, "a_b")
			require.NoError(t, err)
			assert.Len(t, set, 1)
			assert.Contains(t, set, "two.json")
		})
	}
}

func TestNew_Backends(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{"file", "sqlite"} {
		s, err := New(config.CheckpointConfig{Backend: backend, Dir: filepath.Join(dir, backend)}, nil)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
	_, err := New(config.CheckpointConfig{Backend: "etcd", Dir: dir}, nil)
	assert.Error(t, err)
}

func TestFileStore_ReopenProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("processed set survives reopen", prop.ForAll(
		func(batches []int) bool {
			dir := t.TempDir()
			ctx := context.Background()
			s, err := NewFileStore(dir, nil)
			if err != nil {
				return false
			}
			want := make(map[string]struct{})
			n := 0
			for _, size := range batches {
				files := make([]string, size)
				for i := range files {
					files[i] = fmt.Sprintf("f%04d.json", n)
					want[files[i]] = struct{}{}
					n++
				}
				if err := s.AppendProcessed(ctx, "q", files...); err != nil {
					return false
				}
			}
			s.Close()

			s, err = NewFileStore(dir, nil)
			if err != nil {
				return false
			}
			defer s.Close()
			got, err := s.ProcessedSet(ctx, "q")
			if err != nil || len(got) != len(want) {
				return false
			}
			for f := range want {
				if _, ok := got[f]; !ok {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 5)),
	))

	properties.TestingRun(t)
}
