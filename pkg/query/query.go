// Package query is the read surface clients use: job status, artifact fetch
// and the telemetry snapshot. It also owns job submission, the single entry
// point through which new jobs reach the registry.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/cipherhub/pkg/blobstore"
	"github.com/3leaps/cipherhub/pkg/jobregistry"
	"github.com/3leaps/cipherhub/pkg/telemetry"
)

var (
	// ErrNotReady indicates the job exists but has not completed.
	ErrNotReady = errors.New("artifact not ready")

	// ErrInvalidRequest indicates malformed submission input.
	ErrInvalidRequest = errors.New("invalid request")
)

// Metadata keys understood on submission.
const (
	MetaOperation = "operation"
	MetaMode      = "mode"
)

var (
	operations = map[string]bool{"encrypt": true, "decrypt": true}
	modes      = map[string]bool{"ECB": true, "CBC": true}
)

// ArtifactView describes a completed job's artifact without its content.
type ArtifactView struct {
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum,omitempty"`
}

// JobView is the client-facing shape of a job.
type JobView struct {
	JobID     string            `json:"jobId"`
	Status    string            `json:"status"`
	ImageID   string            `json:"imageId,omitempty"`
	Artifact  *ArtifactView     `json:"artifact,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewJobView projects a registry job. ImageID is the artifact key, present
// only once the job completed.
func NewJobView(j jobregistry.Job) JobView {
	v := JobView{
		JobID:     j.ID,
		Status:    j.Status.String(),
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		Metadata:  j.Metadata,
	}
	if j.Status == jobregistry.StatusCompleted && j.Artifact != nil {
		v.ImageID = j.Artifact.Key
		v.Artifact = &ArtifactView{
			ContentType: j.Artifact.ContentType,
			Size:        j.Artifact.Size,
			Checksum:    j.Artifact.Checksum,
		}
	}
	return v
}

// SnapshotFilter narrows the telemetry snapshot.
type SnapshotFilter struct {
	// HostGlob is a doublestar pattern matched against hostnames.
	HostGlob string
}

type Config struct {
	Registry  *jobregistry.Registry
	Blobs     blobstore.Store
	Telemetry telemetry.Store
	Logger    *zap.Logger
}

// Service composes the registry, blob store and telemetry store.
type Service struct {
	registry  *jobregistry.Registry
	blobs     blobstore.Store
	telemetry telemetry.Store
	logger    *zap.Logger
}

func New(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("query: registry is required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("query: blob store is required")
	}
	if cfg.Telemetry == nil {
		return nil, fmt.Errorf("query: telemetry store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:  cfg.Registry,
		blobs:     cfg.Blobs,
		telemetry: cfg.Telemetry,
		logger:    logger,
	}, nil
}

// Submit registers a new pending job. An empty jobID is replaced by a fresh
// UUID. Recognised metadata values are checked; unknown keys pass through.
func (s *Service) Submit(jobID string, metadata map[string]string) (JobView, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		jobID = uuid.New().String()
	}
	meta, err := normalizeMetadata(metadata)
	if err != nil {
		return JobView{}, err
	}

	job, err := s.registry.Create(jobID, meta)
	if err != nil {
		return JobView{}, err
	}
	s.logger.Info("Job submitted", zap.String("job_id", job.ID))
	return NewJobView(job), nil
}

func normalizeMetadata(in map[string]string) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = strings.TrimSpace(v)
	}
	if op, ok := out[MetaOperation]; ok && op != "" {
		op = strings.ToLower(op)
		if !operations[op] {
			return nil, fmt.Errorf("%w: operation must be encrypt or decrypt, got %q", ErrInvalidRequest, op)
		}
		out[MetaOperation] = op
	}
	if mode, ok := out[MetaMode]; ok && mode != "" {
		mode = strings.ToUpper(mode)
		if !modes[mode] {
			return nil, fmt.Errorf("%w: mode must be ECB or CBC, got %q", ErrInvalidRequest, mode)
		}
		out[MetaMode] = mode
	}
	return out, nil
}

// JobStatus returns the job's current view; jobregistry.ErrUnknownJob if absent.
func (s *Service) JobStatus(jobID string) (JobView, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return JobView{}, err
	}
	return NewJobView(job), nil
}

// ListJobs returns every job, newest first.
func (s *Service) ListJobs() []JobView {
	jobs := s.registry.List()
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, NewJobView(j))
	}
	return out
}

// JobStats counts jobs per status.
func (s *Service) JobStats() map[string]int {
	stats := s.registry.Stats()
	out := make(map[string]int, len(stats))
	for k, v := range stats {
		out[k.String()] = v
	}
	return out
}

// Artifact returns the completed job's blob. It fails with ErrNotReady while
// the job is pending, processing or failed.
func (s *Service) Artifact(ctx context.Context, jobID string) (*blobstore.Blob, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobregistry.StatusCompleted || job.Artifact == nil {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotReady, job.ID, job.Status)
	}

	blob, err := s.blobs.Get(ctx, job.Artifact.Key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			s.logger.Error("Completed job has no stored artifact",
				zap.String("job_id", job.ID),
				zap.String("artifact_key", job.Artifact.Key))
		}
		return nil, err
	}
	if blob.ContentType == "" {
		blob.ContentType = job.Artifact.ContentType
	}
	return blob, nil
}

// TelemetrySnapshot returns the latest sample per hostname, ordered by
// hostname. It is never nil.
func (s *Service) TelemetrySnapshot(ctx context.Context, f SnapshotFilter) ([]telemetry.NodeSample, error) {
	samples, err := s.telemetry.Latest(ctx, telemetry.Filter{HostGlob: f.HostGlob})
	if err != nil {
		return nil, err
	}
	if samples == nil {
		samples = []telemetry.NodeSample{}
	}
	return samples, nil
}

// TelemetryHistory returns up to limit stored samples for one host, newest
// first. A non-positive limit uses telemetry.DefaultHistoryLimit.
func (s *Service) TelemetryHistory(ctx context.Context, hostname string, limit int) ([]telemetry.Record, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return nil, fmt.Errorf("%w: hostname is required", ErrInvalidRequest)
	}
	if limit > maxHistoryLimit {
		return nil, fmt.Errorf("%w: limit must be at most %d", ErrInvalidRequest, maxHistoryLimit)
	}
	recs, err := s.telemetry.History(ctx, hostname, limit)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []telemetry.Record{}
	}
	return recs, nil
}

const maxHistoryLimit = 1000

// RecordSample appends an externally produced sample. A zero timestamp is
// set to now.
func (s *Service) RecordSample(ctx context.Context, sample telemetry.NodeSample) (telemetry.NodeSample, error) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	if err := s.telemetry.Append(ctx, sample); err != nil {
		return telemetry.NodeSample{}, err
	}
	return sample, nil
}
