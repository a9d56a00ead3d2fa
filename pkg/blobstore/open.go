package blobstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/3leaps/cipherhub/pkg/provider/file"
	s3provider "github.com/3leaps/cipherhub/pkg/provider/s3"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendS3     = "s3"
)

// Config selects and configures a blob store backend.
type Config struct {
	Backend string
	Dir     string
	S3      s3provider.Config
}

// Open builds the configured Store. Stores that hold resources implement
// io.Closer.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		p, err := file.New(file.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("open file blob store: %w", err)
		}
		return NewProviderStore(p), nil
	case BackendS3:
		p, err := s3provider.New(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("open s3 blob store: %w", err)
		}
		return NewProviderStore(p), nil
	default:
		return nil, fmt.Errorf("unknown blob store backend %q", cfg.Backend)
	}
}
