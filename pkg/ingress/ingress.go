// Package ingress is the boundary through which external workers report job
// outcomes. A completion stores the artifact and then completes the job; a
// failure only transitions the job.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/3leaps/cipherhub/pkg/blobstore"
	"github.com/3leaps/cipherhub/pkg/jobregistry"
)

// ContentTypeBMP is the only artifact media type accepted.
const ContentTypeBMP = "image/bmp"

// Notification is a worker's report for one job.
type Notification struct {
	JobID       string
	Status      jobregistry.JobStatus
	Payload     []byte
	ContentType string
}

// Validate checks the notification shape; it does not consult the registry.
func (n *Notification) Validate() error {
	n.JobID = strings.TrimSpace(n.JobID)
	if n.JobID == "" {
		return &ValidationError{Field: "jobId", Message: "is required"}
	}
	if jobregistry.ValidateJobID(n.JobID) != nil {
		return &ValidationError{Field: "jobId", Message: "may only contain letters, digits, '-', '_' and '.', and must not start with '.'"}
	}
	switch n.Status {
	case jobregistry.StatusCompleted:
		if len(n.Payload) == 0 {
			return &ValidationError{Field: "payload", Message: "is required when status is completed"}
		}
		ct := strings.ToLower(strings.TrimSpace(n.ContentType))
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = strings.TrimSpace(ct[:i])
		}
		if ct == "" {
			ct = ContentTypeBMP
		}
		if ct != ContentTypeBMP {
			return &ValidationError{Field: "contentType", Message: fmt.Sprintf("unsupported media type %q", n.ContentType)}
		}
		n.ContentType = ct
	case jobregistry.StatusFailed:
		if len(n.Payload) > 0 {
			return &ValidationError{Field: "payload", Message: "must be empty when status is failed"}
		}
	default:
		return &ValidationError{Field: "status", Message: fmt.Sprintf("must be completed or failed, got %q", n.Status)}
	}
	return nil
}

// Config wires an Ingress.
type Config struct {
	Registry      *jobregistry.Registry
	Blobs         blobstore.Store
	Logger        *zap.Logger
	MeterProvider metric.MeterProvider
}

// Ingress applies worker notifications. The blob write and the registry
// transition for one job run under that job's lock, so concurrent duplicate
// notifications are applied one after another.
type Ingress struct {
	registry *jobregistry.Registry
	blobs    blobstore.Store
	logger   *zap.Logger
	locks    *keyLock

	notifications metric.Int64Counter
}

func New(cfg Config) (*Ingress, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("ingress: registry is required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("ingress: blob store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	counter, err := mp.Meter("github.com/3leaps/cipherhub/pkg/ingress").Int64Counter(
		"cipherhub.notifications",
		metric.WithDescription("Worker notifications by status and outcome"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("").Int64Counter("cipherhub.notifications")
	}

	return &Ingress{
		registry:      cfg.Registry,
		blobs:         cfg.Blobs,
		logger:        logger,
		locks:         newKeyLock(),
		notifications: counter,
	}, nil
}

// Notify applies a terminal notification and returns the resulting job.
//
// Repeating the notification that already completed or failed the job is a
// no-op success; a notification conflicting with the job's terminal state
// fails with jobregistry.ErrInvalidTransition.
func (in *Ingress) Notify(ctx context.Context, n Notification) (jobregistry.Job, error) {
	if err := n.Validate(); err != nil {
		in.record(ctx, n.Status, "invalid")
		return jobregistry.Job{}, err
	}

	unlock := in.locks.Lock(n.JobID)
	defer unlock()

	var (
		job jobregistry.Job
		err error
	)
	switch n.Status {
	case jobregistry.StatusFailed:
		job, err = in.fail(n.JobID)
	case jobregistry.StatusCompleted:
		job, err = in.complete(ctx, n)
	}
	if err != nil {
		in.record(ctx, n.Status, outcome(err))
		return jobregistry.Job{}, err
	}
	in.record(ctx, n.Status, "ok")
	return job, nil
}

// Acknowledge records a worker picking the job up (pending -> processing).
// Acknowledging a job already in processing is a no-op.
func (in *Ingress) Acknowledge(ctx context.Context, jobID string) (jobregistry.Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return jobregistry.Job{}, &ValidationError{Field: "jobId", Message: "is required"}
	}

	unlock := in.locks.Lock(jobID)
	defer unlock()

	job, err := in.registry.Transition(jobID, jobregistry.StatusProcessing, nil)
	if err != nil {
		in.record(ctx, jobregistry.StatusProcessing, outcome(err))
		return jobregistry.Job{}, err
	}
	in.record(ctx, jobregistry.StatusProcessing, "ok")
	in.logger.Debug("Job acknowledged", zap.String("job_id", jobID))
	return job, nil
}

func (in *Ingress) fail(jobID string) (jobregistry.Job, error) {
	job, err := in.registry.Transition(jobID, jobregistry.StatusFailed, nil)
	if err != nil {
		return jobregistry.Job{}, err
	}
	in.logger.Info("Job failed", zap.String("job_id", jobID))
	return job, nil
}

func (in *Ingress) complete(ctx context.Context, n Notification) (jobregistry.Job, error) {
	// Reject what the registry will certainly refuse before writing a blob.
	current, err := in.registry.Get(n.JobID)
	if err != nil {
		return jobregistry.Job{}, err
	}
	if current.Status == jobregistry.StatusFailed {
		return jobregistry.Job{}, &jobregistry.TransitionError{JobID: n.JobID, From: current.Status, To: jobregistry.StatusCompleted}
	}

	ref, wrote, err := in.storeArtifact(ctx, n)
	if err != nil {
		return jobregistry.Job{}, err
	}

	job, err := in.registry.Transition(n.JobID, jobregistry.StatusCompleted, ref)
	if err != nil {
		if wrote {
			in.logger.Warn("Artifact stored but job transition failed; blob is orphaned",
				zap.String("job_id", n.JobID),
				zap.String("artifact_key", ref.Key),
				zap.Error(err))
		}
		return jobregistry.Job{}, err
	}

	if wrote {
		in.logger.Info("Job completed",
			zap.String("job_id", n.JobID),
			zap.Int64("size", ref.Size),
			zap.String("checksum", ref.Checksum))
	} else {
		in.logger.Debug("Duplicate completion reused stored artifact", zap.String("job_id", n.JobID))
	}
	return job, nil
}

// storeArtifact writes the payload, or returns the ref of the blob a previous
// notification already committed for this job.
func (in *Ingress) storeArtifact(ctx context.Context, n Notification) (*jobregistry.ArtifactRef, bool, error) {
	blob, err := in.blobs.Put(ctx, n.JobID, n.ContentType, n.Payload)
	switch {
	case err == nil:
		return refFromBlob(blob), true, nil
	case errors.Is(err, blobstore.ErrBlobExists):
		existing, herr := in.blobs.Head(ctx, n.JobID)
		if herr != nil {
			return nil, false, fmt.Errorf("read existing artifact for %s: %w", n.JobID, herr)
		}
		return refFromBlob(existing), false, nil
	default:
		return nil, false, fmt.Errorf("store artifact for %s: %w", n.JobID, err)
	}
}

func refFromBlob(b *blobstore.Blob) *jobregistry.ArtifactRef {
	ct := b.ContentType
	if ct == "" {
		ct = ContentTypeBMP
	}
	return &jobregistry.ArtifactRef{
		Key:         b.Key,
		ContentType: ct,
		Size:        b.Size,
		Checksum:    b.Checksum,
	}
}

func (in *Ingress) record(ctx context.Context, status jobregistry.JobStatus, result string) {
	in.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("outcome", result),
	))
}

func outcome(err error) string {
	switch {
	case IsValidation(err):
		return "invalid"
	case jobregistry.IsUnknownJob(err):
		return "unknown_job"
	case jobregistry.IsInvalidTransition(err):
		return "invalid_transition"
	case errors.Is(err, blobstore.ErrStoreMisconfigured):
		return "store_misconfigured"
	case errors.Is(err, blobstore.ErrStoreUnavailable), errors.Is(err, jobregistry.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
