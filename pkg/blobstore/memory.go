package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*Blob
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string]*Blob),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Put(ctx context.Context, key, contentType string, data []byte) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blobs[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrBlobExists, key)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	b := &Blob{
		Key:         key,
		ContentType: contentType,
		Data:        buf,
		Size:        int64(len(buf)),
		Checksum:    Checksum(buf),
		CreatedAt:   s.now(),
	}
	s.blobs[key] = b
	return b.head(), nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	out := *b
	out.Data = make([]byte, len(b.Data))
	copy(out.Data, b.Data)
	return &out, nil
}

func (s *MemoryStore) Head(ctx context.Context, key string) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return b.head(), nil
}

// Len reports the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func (b *Blob) head() *Blob {
	out := *b
	out.Data = nil
	return &out
}
