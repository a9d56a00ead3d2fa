// Package blobstore stores finished job artifacts, keyed by job id.
//
// Every key is written at most once. Concurrent writers for the same key are
// resolved first-committer-wins: exactly one Put succeeds and the others fail
// with ErrBlobExists, leaving the original content untouched.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Sentinel errors for blob store operations.
var (
	// ErrBlobExists indicates a blob was already committed under the key.
	ErrBlobExists = errors.New("blob already exists")

	// ErrNotFound indicates no blob exists under the key.
	ErrNotFound = errors.New("blob not found")

	// ErrStoreUnavailable indicates the backend could not serve the request.
	ErrStoreUnavailable = errors.New("blob store unavailable")

	// ErrStoreMisconfigured accompanies ErrStoreUnavailable when the backend
	// rejected the request for a reason retrying cannot fix (credentials,
	// permissions, missing bucket).
	ErrStoreMisconfigured = errors.New("blob store misconfigured")

	// ErrInvalidKey indicates a key that is not canonical.
	ErrInvalidKey = errors.New("invalid blob key")
)

// Blob is one stored artifact. Data is nil when returned from Head.
type Blob struct {
	Key         string
	ContentType string
	Data        []byte
	Size        int64
	Checksum    string
	CreatedAt   time.Time
}

// Store is write-once artifact storage.
type Store interface {
	// Put commits data under key. It fails with ErrBlobExists if the key was
	// already written.
	Put(ctx context.Context, key, contentType string, data []byte) (*Blob, error)

	// Get returns the blob including its data.
	Get(ctx context.Context, key string) (*Blob, error)

	// Head returns the blob's attributes without data.
	Head(ctx context.Context, key string) (*Blob, error)
}

// Checksum returns the hex xxhash64 of data. It doubles as the HTTP ETag.
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// validateKey accepts only canonical keys: no empty, "." or ".." segments,
// no leading or trailing '/', no backslashes or control characters. Two
// distinct canonical keys never name the same object in any backend.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: blob key is required", ErrInvalidKey)
	}
	if strings.ContainsFunc(key, func(r rune) bool { return r == '\\' || unicode.IsControl(r) }) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// lookupKey validates a key for Get/Head. A key Put would reject was never
// stored, so it reads as not found.
func lookupKey(key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return nil
}
