package jobregistry

import "time"

// JobStatus is the lifecycle state of a tracked job.
//
// NOTE: These values are persisted in job.json and returned by the HTTP API;
// they are part of the stable wire contract.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted out of s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s JobStatus) String() string {
	return string(s)
}

// successors lists the allowed forward transitions.
var successors = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether to is reachable from from in a single step.
func CanTransition(from, to JobStatus) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ArtifactRef points at the blob holding a completed job's result.
type ArtifactRef struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum,omitempty"`
}

// Job is the registry's view of one unit of externally performed work.
//
// Artifact is set if and only if Status is StatusCompleted.
type Job struct {
	ID        string            `json:"job_id"`
	Status    JobStatus         `json:"status"`
	Artifact  *ArtifactRef      `json:"artifact,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// clone returns a deep copy so callers never share mutable state with the registry.
func (j Job) clone() Job {
	out := j
	if j.Artifact != nil {
		a := *j.Artifact
		out.Artifact = &a
	}
	if j.Metadata != nil {
		out.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
