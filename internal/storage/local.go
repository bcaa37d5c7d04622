package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage implements ObjectStorage using the local filesystem.
// This is primarily used for testing and development.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Upload uploads a file to local storage.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	destPath := l.fullPath(objectPath)

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	return nil
}

// Download downloads a file from local storage.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath := l.fullPath(objectPath)

	if _, err := os.Stat(srcPath); os.IsNotExist(err) {
		return ErrObjectNotFound
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	return nil
}

// Delete removes an object from local storage. Missing objects are not an
// error, matching S3 delete semantics.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(l.fullPath(objectPath)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// Exists checks if an object exists in local storage.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(l.fullPath(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListObjects returns all object paths under the given prefix.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	searchDir := l.fullPath(prefix)
	var objects []string

	err := filepath.Walk(searchDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // prefix doesn't exist, return empty list
			}
			return err
		}
		if !info.IsDir() {
			rel, err := filepath.Rel(l.basePath, path)
			if err != nil {
				return err
			}
			objects = append(objects, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return objects, nil
}

// fullPath returns the full filesystem path for an object.
func (l *LocalStorage) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, objectPath)
}
