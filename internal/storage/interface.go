package storage

import (
	"context"
	"io"
)

// ObjectStorage is where archived job records are written
type ObjectStorage interface {
	// Upload writes an object
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Delete removes an object
	Delete(ctx context.Context, key string) error

	// EnsureBucket creates the target bucket when the backend allows it
	EnsureBucket(ctx context.Context) error
}
