package collector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/3leaps/cipherhub/pkg/telemetry"
)

// Sampler produces one sample for a node. Implementations must honor ctx.
type Sampler interface {
	Sample(ctx context.Context, node Node) (telemetry.NodeSample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context, node Node) (telemetry.NodeSample, error)

func (f SamplerFunc) Sample(ctx context.Context, node Node) (telemetry.NodeSample, error) {
	return f(ctx, node)
}

// DefaultOS is reported by SimulatedSampler when the roster node has no OS.
const DefaultOS = "Ubuntu 24.04 LTS"

// SimulatedSampler stands in for real host metric collection. It reports
// whole-number cpu and ram percentages in [0,100) and status online.
type SimulatedSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

func NewSimulatedSampler(seed int64) *SimulatedSampler {
	return &SimulatedSampler{
		rng: rand.New(rand.NewSource(seed)),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *SimulatedSampler) Sample(ctx context.Context, node Node) (telemetry.NodeSample, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.NodeSample{}, err
	}

	s.mu.Lock()
	cpu := float64(s.rng.Intn(100))
	ram := float64(s.rng.Intn(100))
	s.mu.Unlock()

	os := node.OS
	if os == "" {
		os = DefaultOS
	}
	return telemetry.NodeSample{
		Hostname:        node.Hostname,
		OS:              os,
		CPUUsagePercent: cpu,
		RAMUsagePercent: ram,
		Status:          telemetry.StatusOnline,
		Timestamp:       s.now(),
	}, nil
}
