package jobregistry

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Persister durably records jobs. *Store satisfies it.
type Persister interface {
	Write(job *Job) error
	List() ([]Job, error)
}

// Registry owns the jobId -> Job mapping and is the single mutation entry
// point enforcing the job state machine.
//
// Transitions for the same job are serialized by a per-job mutex; different
// jobs transition concurrently. Callers only ever receive copies.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	persister Persister
	now       func() time.Time
}

type entry struct {
	mu  sync.Mutex
	job Job
}

// Option configures a Registry.
type Option func(*Registry)

// WithPersister writes every mutation through p before it becomes visible.
func WithPersister(p Persister) Option {
	return func(r *Registry) {
		r.persister = p
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		jobs: make(map[string]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore loads previously persisted jobs. Jobs already present in memory
// are left untouched. It returns the number of jobs loaded.
func (r *Registry) Restore() (int, error) {
	if r.persister == nil {
		return 0, nil
	}
	jobs, err := r.persister.List()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, j := range jobs {
		if _, exists := r.jobs[j.ID]; exists || ValidateJobID(j.ID) != nil {
			continue
		}
		r.jobs[j.ID] = &entry{job: j.clone()}
		loaded++
	}
	return loaded, nil
}

// Create registers a new job in StatusPending.
func (r *Registry) Create(jobID string, metadata map[string]string) (Job, error) {
	jobID = strings.TrimSpace(jobID)
	if err := ValidateJobID(jobID); err != nil {
		return Job{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[jobID]; exists {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
	}

	now := r.now()
	job := Job{
		ID:        jobID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
	}
	job = job.clone()

	if err := r.persist(&job); err != nil {
		return Job{}, err
	}
	r.jobs[jobID] = &entry{job: job}
	return job.clone(), nil
}

// Get returns the current state of a job.
func (r *Registry) Get(jobID string) (Job, error) {
	e, ok := r.lookup(jobID)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.clone(), nil
}

// Transition applies a forward status change.
//
// Re-applying the job's current status is an idempotent no-op that returns the
// current job; for StatusCompleted the artifact key must match (or be nil).
// StatusCompleted requires an artifact, which is attached in the same step.
func (r *Registry) Transition(jobID string, to JobStatus, artifact *ArtifactRef) (Job, error) {
	if !to.Valid() {
		return Job{}, fmt.Errorf("%w: unknown status %q", ErrInvalidJob, to)
	}

	e, ok := r.lookup(jobID)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.job
	if cur.Status == to {
		if to == StatusCompleted && artifact != nil && cur.Artifact != nil && artifact.Key != cur.Artifact.Key {
			return Job{}, &TransitionError{JobID: jobID, From: cur.Status, To: to}
		}
		return cur.clone(), nil
	}

	if !CanTransition(cur.Status, to) {
		return Job{}, &TransitionError{JobID: jobID, From: cur.Status, To: to}
	}

	switch {
	case to == StatusCompleted && (artifact == nil || strings.TrimSpace(artifact.Key) == ""):
		return Job{}, fmt.Errorf("%w: artifact is required to complete job %s", ErrInvalidJob, jobID)
	case to != StatusCompleted && artifact != nil:
		return Job{}, fmt.Errorf("%w: artifact only allowed when completing job %s", ErrInvalidJob, jobID)
	}

	next := cur.clone()
	next.Status = to
	next.UpdatedAt = r.now()
	if artifact != nil {
		a := *artifact
		next.Artifact = &a
	}

	if err := r.persist(&next); err != nil {
		return Job{}, err
	}
	e.job = next
	return next.clone(), nil
}

// List returns every job, newest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job.clone())
		e.mu.Unlock()
	}
	sortNewestFirst(out)
	return out
}

// Stats counts jobs per status.
func (r *Registry) Stats() map[JobStatus]int {
	stats := map[JobStatus]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for _, j := range r.List() {
		stats[j.Status]++
	}
	return stats
}

func (r *Registry) lookup(jobID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[strings.TrimSpace(jobID)]
	return e, ok
}

func (r *Registry) persist(job *Job) error {
	if r.persister == nil {
		return nil
	}
	if err := r.persister.Write(job); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
