package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/3leaps/cipherhub/pkg/provider"
)

const checksumMetaKey = "checksum"

// DefaultMaxBlobSize bounds how much of an object Get will read.
const DefaultMaxBlobSize int64 = 64 << 20

// Retry defaults for throttled or unavailable providers.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 100 * time.Millisecond
)

// ProviderStore persists blobs through an object storage provider.
//
// Keys are validated as canonical before they reach the provider, so two
// distinct keys never name the same object. Transient provider failures are
// retried; conditional creates make a retried Put safe.
type ProviderStore struct {
	p        provider.Provider
	maxSize  int64
	attempts int
	backoff  time.Duration
}

var _ Store = (*ProviderStore)(nil)

// ProviderOption configures a ProviderStore.
type ProviderOption func(*ProviderStore)

// WithRetry sets how many times a transient failure is attempted in total and
// the base delay between attempts (grows linearly).
func WithRetry(attempts int, backoff time.Duration) ProviderOption {
	return func(s *ProviderStore) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

func NewProviderStore(p provider.Provider, opts ...ProviderOption) *ProviderStore {
	s := &ProviderStore{p: p, maxSize: DefaultMaxBlobSize, attempts: DefaultAttempts, backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ProviderStore) Put(ctx context.Context, key, contentType string, data []byte) (*Blob, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	sum := Checksum(data)
	err := s.retry(ctx, func() error {
		return s.p.PutObjectIfAbsent(ctx, key, bytes.NewReader(data), int64(len(data)), provider.PutOptions{
			ContentType: contentType,
			Metadata:    map[string]string{checksumMetaKey: sum},
		})
	})
	if err != nil {
		return nil, mapProviderError(key, err)
	}

	meta, err := s.p.Head(ctx, key)
	if err != nil {
		// Committed; fall back to what we wrote.
		return &Blob{Key: key, ContentType: contentType, Size: int64(len(data)), Checksum: sum}, nil
	}
	return blobFromMeta(key, meta, sum), nil
}

func (s *ProviderStore) Get(ctx context.Context, key string) (*Blob, error) {
	if err := lookupKey(key); err != nil {
		return nil, err
	}
	var (
		rc   io.ReadCloser
		meta *provider.ObjectMeta
	)
	err := s.retry(ctx, func() error {
		var err error
		rc, meta, err = s.p.GetObject(ctx, key)
		return err
	})
	if err != nil {
		return nil, mapProviderError(key, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, key, err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("blob %s exceeds %d bytes", key, s.maxSize)
	}

	b := blobFromMeta(key, meta, Checksum(data))
	b.Data = data
	b.Size = int64(len(data))
	return b, nil
}

// Head returns the blob's attributes. When the provider has no recorded
// checksum (a file object read between link and sidecar publication, or an
// object written by another tool) the content is read and hashed.
func (s *ProviderStore) Head(ctx context.Context, key string) (*Blob, error) {
	if err := lookupKey(key); err != nil {
		return nil, err
	}
	var meta *provider.ObjectMeta
	err := s.retry(ctx, func() error {
		var err error
		meta, err = s.p.Head(ctx, key)
		return err
	})
	if err != nil {
		return nil, mapProviderError(key, err)
	}
	b := blobFromMeta(key, meta, "")
	if b.Checksum != "" {
		return b, nil
	}

	full, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	full.Data = nil
	return full, nil
}

// Ping reports whether the backing provider is reachable, when it can tell.
func (s *ProviderStore) Ping(ctx context.Context) error {
	pinger, ok := s.p.(provider.Pinger)
	if !ok {
		return nil
	}
	if err := pinger.Ping(ctx); err != nil {
		return mapProviderError("", err)
	}
	return nil
}

// Close releases the provider.
func (s *ProviderStore) Close() error {
	return s.p.Close()
}

func (s *ProviderStore) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !provider.IsTransient(err) || attempt >= s.attempts {
			return err
		}
		t := time.NewTimer(time.Duration(attempt) * s.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

func blobFromMeta(key string, meta *provider.ObjectMeta, fallbackSum string) *Blob {
	b := &Blob{Key: key, Checksum: fallbackSum}
	if meta == nil {
		return b
	}
	b.ContentType = meta.ContentType
	b.Size = meta.Size
	b.CreatedAt = meta.LastModified
	if sum := meta.Metadata[checksumMetaKey]; sum != "" {
		b.Checksum = sum
	}
	return b
}

// mapProviderError folds provider failures into the blob store taxonomy.
// Anything that is not a definitive exists/not-found answer is reported as
// ErrStoreUnavailable; rejections retrying cannot fix also carry
// ErrStoreMisconfigured.
func mapProviderError(key string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case provider.IsAlreadyExists(err):
		return fmt.Errorf("%w: %s", ErrBlobExists, key)
	case provider.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	case provider.IsAccessDenied(err), provider.IsInvalidCredentials(err), provider.IsBucketNotFound(err):
		return fmt.Errorf("%w: %w: %v", ErrStoreUnavailable, ErrStoreMisconfigured, err)
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
