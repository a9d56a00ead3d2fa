package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/cipherhub/pkg/jobregistry"
	"github.com/3leaps/cipherhub/pkg/query"
)

// DefaultPollInterval matches the browser client's status poll.
const DefaultPollInterval = 2 * time.Second

var (
	// ErrJobFailed is returned when the polled job ends in failed.
	ErrJobFailed = errors.New("job failed")

	// ErrMaxAttempts is returned when the attempt budget runs out first.
	ErrMaxAttempts = errors.New("poll attempts exhausted")
)

// JobReader is the subset of Client the poller needs.
type JobReader interface {
	Status(ctx context.Context, jobID string) (*query.JobView, error)
	Artifact(ctx context.Context, jobID string) (*Artifact, error)
}

type PollerConfig struct {
	// Interval between status queries. Defaults to DefaultPollInterval.
	Interval time.Duration

	// MaxAttempts bounds status queries; 0 polls until ctx ends.
	MaxAttempts int

	Logger *zap.Logger
}

// Result is a job's terminal state and, when completed, its artifact.
type Result struct {
	Job      query.JobView
	Artifact *Artifact
	Attempts int
}

// Poller waits for jobs to reach a terminal status.
type Poller struct {
	jobs        JobReader
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
}

func NewPoller(jobs JobReader, cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{jobs: jobs, interval: interval, maxAttempts: cfg.MaxAttempts, logger: logger}
}

// Wait queries the job's status every interval until it is terminal. Any
// status query failure is retried on the next tick. A completed job's
// artifact is fetched exactly once. Cancelling ctx stops the loop with
// ctx.Err() and has no effect on the server.
func (p *Poller) Wait(ctx context.Context, jobID string) (*Result, error) {
	limiter := rate.NewLimiter(rate.Every(p.interval), 1)

	var lastErr error
	for attempt := 1; ; attempt++ {
		if p.maxAttempts > 0 && attempt > p.maxAttempts {
			if lastErr != nil {
				return nil, fmt.Errorf("%w after %d attempts for %s: %v", ErrMaxAttempts, p.maxAttempts, jobID, lastErr)
			}
			return nil, fmt.Errorf("%w after %d attempts for %s", ErrMaxAttempts, p.maxAttempts, jobID)
		}
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("poll %s: %w", jobID, context.DeadlineExceeded)
		}

		view, err := p.jobs.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			p.logger.Debug("Status query failed; retrying",
				zap.String("job_id", jobID),
				zap.Int("attempt", attempt),
				zap.Bool("temporary", IsTemporary(err)),
				zap.Error(err))
			continue
		}

		switch jobregistry.JobStatus(view.Status) {
		case jobregistry.StatusCompleted:
			art, err := p.jobs.Artifact(ctx, jobID)
			if err != nil {
				return nil, fmt.Errorf("fetch artifact for %s: %w", jobID, err)
			}
			return &Result{Job: *view, Artifact: art, Attempts: attempt}, nil
		case jobregistry.StatusFailed:
			return &Result{Job: *view, Attempts: attempt}, fmt.Errorf("%w: %s", ErrJobFailed, jobID)
		default:
			p.logger.Debug("Job not finished",
				zap.String("job_id", jobID),
				zap.String("status", view.Status),
				zap.Int("attempt", attempt))
		}
	}
}
