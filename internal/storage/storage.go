// Package storage provides deep storage abstractions for segment data files.
// The metadata layer never reads segment contents; it only needs to publish,
// verify, list, and delete the objects that segment load specs point at.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts deep storage operations.
// Implementations include S3 and local filesystem for testing.
type ObjectStorage interface {
	// Upload uploads a file to object storage.
	// localPath is the path to the local file to upload.
	// objectPath is the destination path in object storage.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download downloads a file from object storage.
	// objectPath is the source path in object storage.
	// localPath is the destination path on the local filesystem.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object from storage. Deleting an object that does
	// not exist is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	// Used to detect orphaned segment files.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
