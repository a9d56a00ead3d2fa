// Package collector runs the periodic telemetry task: every tick it samples
// each node of a static roster and appends the results to a telemetry store.
package collector

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/cipherhub/pkg/telemetry"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultSampleTimeout = 5 * time.Second
	DefaultConcurrency   = 4
)

// Config wires a Collector. Zero values fall back to defaults.
type Config struct {
	Store   telemetry.Store
	Sampler Sampler
	Roster  Roster

	Interval      time.Duration
	SampleTimeout time.Duration
	Concurrency   int

	Logger        *zap.Logger
	MeterProvider metric.MeterProvider
}

// TickResult summarizes one collection pass.
type TickResult struct {
	Collected int
	Failed    int
}

// Collector owns the periodic collection loop.
type Collector struct {
	store         telemetry.Store
	sampler       Sampler
	roster        Roster
	interval      time.Duration
	sampleTimeout time.Duration
	concurrency   int
	logger        *zap.Logger

	samples metric.Int64Counter
	ticks   atomic.Int64
}

func New(cfg Config) (*Collector, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("collector: telemetry store is required")
	}
	if cfg.Sampler == nil {
		return nil, fmt.Errorf("collector: sampler is required")
	}
	roster := cfg.Roster.normalized()
	if len(roster) == 0 {
		roster = DefaultRoster()
	}
	if err := roster.Validate(); err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}

	c := &Collector{
		store:         cfg.Store,
		sampler:       cfg.Sampler,
		roster:        roster,
		interval:      cfg.Interval,
		sampleTimeout: cfg.SampleTimeout,
		concurrency:   cfg.Concurrency,
		logger:        cfg.Logger,
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if c.sampleTimeout <= 0 {
		c.sampleTimeout = DefaultSampleTimeout
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultConcurrency
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	mp := cfg.MeterProvider
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	counter, err := mp.Meter("github.com/3leaps/cipherhub/pkg/collector").Int64Counter(
		"cipherhub.telemetry.samples",
		metric.WithDescription("Node samples attempted by the collector"),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("").Int64Counter("cipherhub.telemetry.samples")
	}
	c.samples = counter

	return c, nil
}

// Interval returns the tick period.
func (c *Collector) Interval() time.Duration { return c.interval }

// Ticks returns the number of completed ticks.
func (c *Collector) Ticks() int64 { return c.ticks.Load() }

// Run collects once immediately and then every Interval until ctx is done.
//
// A tick in progress is never interrupted: cancellation is observed between
// ticks only.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("Telemetry collector started",
		zap.Duration("interval", c.interval),
		zap.Strings("nodes", c.roster.Hostnames()))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Telemetry collector stopped", zap.Int64("ticks", c.ticks.Load()))
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick samples every roster node once. Per-node failures are logged and
// counted; they never abort the other nodes.
func (c *Collector) Tick(ctx context.Context) TickResult {
	tickCtx := context.WithoutCancel(ctx)

	var (
		collected atomic.Int64
		failed    atomic.Int64
		g         errgroup.Group
	)
	g.SetLimit(c.concurrency)

	for _, node := range c.roster {
		g.Go(func() error {
			if err := c.collectNode(tickCtx, node); err != nil {
				failed.Add(1)
				c.samples.Add(tickCtx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
				c.logger.Warn("Failed to collect node sample",
					zap.String("hostname", node.Hostname),
					zap.Error(err))
				return nil
			}
			collected.Add(1)
			c.samples.Add(tickCtx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
			return nil
		})
	}
	_ = g.Wait()

	c.ticks.Add(1)
	res := TickResult{Collected: int(collected.Load()), Failed: int(failed.Load())}
	c.logger.Debug("Telemetry tick complete",
		zap.Int("collected", res.Collected),
		zap.Int("failed", res.Failed))
	return res
}

func (c *Collector) collectNode(ctx context.Context, node Node) error {
	ctx, cancel := context.WithTimeout(ctx, c.sampleTimeout)
	defer cancel()

	sample, err := c.sampler.Sample(ctx, node)
	if err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	if sample.Hostname == "" {
		sample.Hostname = node.Hostname
	}
	if err := c.store.Append(ctx, sample); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}
