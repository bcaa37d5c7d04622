package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newLocalStorage(t *testing.T) *LocalStorage {
	t.Helper()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	return store
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	store := newLocalStorage(t)
	ctx := context.Background()

	src := writeTempFile(t, "segment bytes")
	if err := store.Upload(ctx, src, "segments/wiki/seg1"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "downloaded")
	if err := store.Download(ctx, "segments/wiki/seg1", dest); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("failed to read download: %v", err)
	}
	if string(data) != "segment bytes" {
		t.Errorf("round trip corrupted content: %q", data)
	}
}

func TestLocalStorage_DownloadMissing(t *testing.T) {
	store := newLocalStorage(t)
	err := store.Download(context.Background(), "nope", filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_DeleteIsIdempotent(t *testing.T) {
	store := newLocalStorage(t)
	ctx := context.Background()

	src := writeTempFile(t, "x")
	if err := store.Upload(ctx, src, "segments/a"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if err := store.Delete(ctx, "segments/a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	exists, err := store.Exists(ctx, "segments/a")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if exists {
		t.Error("object should be gone after delete")
	}

	// Deleting a missing object succeeds
	if err := store.Delete(ctx, "segments/a"); err != nil {
		t.Errorf("repeated delete should succeed, got %v", err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	store := newLocalStorage(t)
	ctx := context.Background()

	src := writeTempFile(t, "x")
	for _, path := range []string{"segments/wiki/a", "segments/wiki/b", "segments/books/c"} {
		if err := store.Upload(ctx, src, path); err != nil {
			t.Fatalf("upload failed: %v", err)
		}
	}

	objects, err := store.ListObjects(ctx, "segments/wiki")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != 2 {
		t.Errorf("expected 2 objects under segments/wiki, got %d: %v", len(objects), objects)
	}

	objects, err = store.ListObjects(ctx, "missing-prefix")
	if err != nil {
		t.Fatalf("list of missing prefix failed: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("missing prefix should list nothing, got %v", objects)
	}
}
