// Package storage provides object storage for pipeline inputs and result
// artifacts. Dataset files may live on the local filesystem or in S3; the
// engine fetches them to local scratch space before partitioning and can
// export result files back after a run.
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

// ObjectStorage abstracts the object store holding dataset files and
// exported results. Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies a local file to object storage.
	// localPath is the file to upload, objectPath its destination key.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies an object to the local filesystem.
	// Returns ErrObjectNotFound when the object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns the keys of all objects under the given prefix, in
	// lexicographic order. A dataset sharded into multiple files is
	// addressed by a shared prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
