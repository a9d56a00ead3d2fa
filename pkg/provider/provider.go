// Package provider defines abstractions for the object storage that backs
// artifact blobs.
//
// Providers implement a minimal surface area: conditional create, read and
// metadata retrieval. Authentication uses SDK default credential chains -
// providers should not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider abstracts write-once object storage.
//
// Implementations should:
//   - Use SDK default credential chains (AWS default config)
//   - Reject a create for an existing key with ErrAlreadyExists, never overwrite
//   - Be safe for concurrent use
type Provider interface {
	// PutObjectIfAbsent stores body under key only if no object exists there.
	// When two writers race for the same key exactly one succeeds; the other
	// receives ErrAlreadyExists.
	PutObjectIfAbsent(ctx context.Context, key string, body io.Reader, contentLength int64, opts PutOptions) error

	// GetObject opens the object for reading along with its metadata.
	// Returns ErrNotFound if the object does not exist.
	GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectMeta, error)

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the provider.
	Close() error
}

// PutOptions carries object attributes recorded at create time.
type PutOptions struct {
	// ContentType is the MIME type stored with the object.
	ContentType string

	// Metadata contains user-defined metadata key-value pairs.
	Metadata map[string]string
}

// ObjectSummary contains basic object metadata.
type ObjectSummary struct {
	// Key is the full object key (path) in the bucket.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag reported by the backend, if any.
	ETag string

	// LastModified is when the object was written.
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
type ObjectMeta struct {
	ObjectSummary

	// ContentType is the MIME type of the object.
	ContentType string

	// Metadata contains user-defined metadata key-value pairs.
	Metadata map[string]string
}

// ProviderType identifies a storage provider.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
