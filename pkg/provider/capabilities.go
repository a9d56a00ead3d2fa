package provider

import "context"

// Optional provider capability interfaces.
//
// These interfaces are used for feature detection (type assertions). The core
// Provider interface remains intentionally small.

// Pinger can verify the backend is reachable. Readiness checks use it when
// available.
type Pinger interface {
	Ping(ctx context.Context) error
}
