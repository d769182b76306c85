package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStorage_UploadDownload(t *testing.T) {
	// Create temp directories
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	// Create a test file
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "test.txt")
	content := []byte("hello world")
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	ctx := context.Background()

	// Test Upload
	objectPath := "test/object.txt"
	if err := storage.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	// Test Exists
	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	// Test Download
	dstPath := filepath.Join(srcDir, "downloaded.txt")
	if err := storage.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	downloaded, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(downloaded) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", downloaded, content)
	}

	// Test Delete
	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	dstPath := filepath.Join(t.TempDir(), "downloaded.txt")

	err = storage.Download(ctx, "nonexistent/object.txt", dstPath)
	if err != ErrObjectNotFound {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestLocalStorage_ListObjects(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	src := writeSource(t, "segment")

	for _, p := range []string{
		"tables/orders/v1/b.sqlite",
		"tables/orders/v1/a.sqlite",
		"tables/line_items/v1/c.sqlite",
		"landing/orders-1.json",
	} {
		if err := storage.Upload(ctx, src, p); err != nil {
			t.Fatalf("Upload %s failed: %v", p, err)
		}
	}

	objects, err := storage.ListObjects(ctx, "tables/orders/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objects))
	}
	if objects[0].Path != "tables/orders/v1/a.sqlite" || objects[1].Path != "tables/orders/v1/b.sqlite" {
		t.Errorf("unexpected listing order: %v", objects)
	}
	if objects[0].Size != int64(len("segment")) {
		t.Errorf("size mismatch: got %d", objects[0].Size)
	}

	missing, err := storage.ListObjects(ctx, "nothing/here/")
	if err != nil {
		t.Fatalf("ListObjects on missing prefix failed: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("expected empty listing, got %v", missing)
	}
}

func TestLocalStorage_DeleteMissingIsNoop(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	if err := storage.Delete(context.Background(), "never/written"); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := storage.Upload(ctx, writeSource(t, "x"), "obj"); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
