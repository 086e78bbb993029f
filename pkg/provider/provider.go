// Package provider defines the object storage surface used to publish
// reconstructed frames.
//
// Authentication uses SDK default credential chains; providers should not
// implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// ObjectPutter can create or overwrite objects.
//
// Implementations must be safe for concurrent use.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectHeader can read object metadata.
//
// Head returns ErrNotFound if the object does not exist.
type ObjectHeader interface {
	Head(ctx context.Context, key string) (*ObjectMeta, error)
}

// ObjectMeta is the metadata of a single stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// ProviderType identifies a storage provider.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local or mounted directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
