package telemetry

import (
	"context"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
)

// Open builds the configured Store. Stores that hold resources implement
// io.Closer.
func Open(ctx context.Context, backend string, cfg DBConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQL, "sqlite", "libsql":
		return OpenSQLStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown telemetry backend %q", backend)
	}
}
