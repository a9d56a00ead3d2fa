package jobregistry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func bmpRef(key string) *ArtifactRef {
	return &ArtifactRef{Key: key, ContentType: "image/bmp", Size: 17}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := New(WithClock(fixedClock()))

	job, err := r.Create("job-1", map[string]string{"operation": "encrypt"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, StatusPending, job.Status)
	assert.Nil(t, job.Artifact)
	assert.False(t, job.CreatedAt.IsZero())

	got, err := r.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	r := New()

	_, err := r.Create("job-1", nil)
	require.NoError(t, err)

	_, err = r.Create("job-1", nil)
	require.Error(t, err)
	assert.True(t, IsDuplicateJob(err))
}

func TestRegistry_CreateRequiresID(t *testing.T) {
	r := New()
	_, err := r.Create("   ", nil)
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestRegistry_CreateRejectsUnsafeIDs(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "jobs")
	r := New(WithPersister(NewStore(root)))

	for _, id := range []string{
		"../escaped",
		"./x",
		"a/b",
		".",
		"..",
		".hidden",
		`a\b`,
		"tab\tid",
		"nul\x00id",
		"sp ace",
		strings.Repeat("a", MaxJobIDLength+1),
	} {
		t.Run(fmt.Sprintf("%q", id), func(t *testing.T) {
			_, err := r.Create(id, nil)
			require.ErrorIs(t, err, ErrInvalidJob)
			assert.False(t, IsDuplicateJob(err))
		})
	}

	_, err := os.Stat(filepath.Join(parent, "escaped"))
	assert.True(t, os.IsNotExist(err), "nothing may be written beside the jobs root")
	assert.Empty(t, r.List())
}

func TestRegistry_ValidIDsSurviveRestore(t *testing.T) {
	store := NewStore(t.TempDir())
	r := New(WithPersister(store))

	ids := []string{"img-1.v2", "x", "A_b-C", strings.Repeat("z", MaxJobIDLength)}
	for _, id := range ids {
		_, err := r.Create(id, nil)
		require.NoError(t, err, id)
	}

	restored := New(WithPersister(store))
	n, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, len(ids), n)
	for _, id := range ids {
		_, err := restored.Get(id)
		assert.NoError(t, err, id)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := New()
	_, err := r.Get("job-x")
	assert.True(t, IsUnknownJob(err))
}

func TestRegistry_TransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		path    []JobStatus
		to      JobStatus
		wantErr error
	}{
		{name: "pending to processing", to: StatusProcessing},
		{name: "pending to completed", to: StatusCompleted},
		{name: "pending to failed", to: StatusFailed},
		{name: "processing to completed", path: []JobStatus{StatusProcessing}, to: StatusCompleted},
		{name: "processing to failed", path: []JobStatus{StatusProcessing}, to: StatusFailed},
		{name: "processing to pending", path: []JobStatus{StatusProcessing}, to: StatusPending, wantErr: ErrInvalidTransition},
		{name: "completed to failed", path: []JobStatus{StatusCompleted}, to: StatusFailed, wantErr: ErrInvalidTransition},
		{name: "completed to processing", path: []JobStatus{StatusCompleted}, to: StatusProcessing, wantErr: ErrInvalidTransition},
		{name: "failed to completed", path: []JobStatus{StatusFailed}, to: StatusCompleted, wantErr: ErrInvalidTransition},
		{name: "failed to pending", path: []JobStatus{StatusFailed}, to: StatusPending, wantErr: ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			_, err := r.Create("job-1", nil)
			require.NoError(t, err)

			for _, s := range tt.path {
				_, err := r.Transition("job-1", s, refFor(s))
				require.NoError(t, err)
			}

			job, err := r.Transition("job-1", tt.to, refFor(tt.to))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				var te *TransitionError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, tt.to, te.To)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, job.Status)
			assert.Equal(t, tt.to == StatusCompleted, job.Artifact != nil)
		})
	}
}

// refFor returns the artifact a transition to s must carry.
func refFor(s JobStatus) *ArtifactRef {
	if s == StatusCompleted {
		return bmpRef("job-1")
	}
	return nil
}

func TestRegistry_TransitionUnknown(t *testing.T) {
	r := New()
	_, err := r.Transition("job-x", StatusFailed, nil)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRegistry_CompletedRequiresArtifact(t *testing.T) {
	r := New()
	_, err := r.Create("job-1", nil)
	require.NoError(t, err)

	_, err = r.Transition("job-1", StatusCompleted, nil)
	require.ErrorIs(t, err, ErrInvalidJob)

	_, err = r.Transition("job-1", StatusFailed, bmpRef("job-1"))
	require.ErrorIs(t, err, ErrInvalidJob)

	job, err := r.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
}

func TestRegistry_TerminalIsIdempotent(t *testing.T) {
	r := New()
	_, err := r.Create("job-1", nil)
	require.NoError(t, err)

	first, err := r.Transition("job-1", StatusCompleted, bmpRef("job-1"))
	require.NoError(t, err)

	again, err := r.Transition("job-1", StatusCompleted, bmpRef("job-1"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = r.Transition("job-1", StatusCompleted, bmpRef("other"))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.Create("job-2", nil)
	require.NoError(t, err)
	_, err = r.Transition("job-2", StatusFailed, nil)
	require.NoError(t, err)
	_, err = r.Transition("job-2", StatusFailed, nil)
	require.NoError(t, err)
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r := New()
	_, err := r.Create("job-1", map[string]string{"mode": "ECB"})
	require.NoError(t, err)
	_, err = r.Transition("job-1", StatusCompleted, bmpRef("job-1"))
	require.NoError(t, err)

	job, err := r.Get("job-1")
	require.NoError(t, err)
	job.Metadata["mode"] = "CBC"
	job.Artifact.Key = "tampered"

	again, err := r.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, "ECB", again.Metadata["mode"])
	assert.Equal(t, "job-1", again.Artifact.Key)
}

func TestRegistry_ConcurrentTerminalTransitions(t *testing.T) {
	for i := 0; i < 20; i++ {
		r := New()
		_, err := r.Create("job-1", nil)
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			completed atomic.Int32
			failed    atomic.Int32
			rejected  atomic.Int32
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				var err error
				if w%2 == 0 {
					_, err = r.Transition("job-1", StatusCompleted, bmpRef("job-1"))
					if err == nil {
						completed.Add(1)
					}
				} else {
					_, err = r.Transition("job-1", StatusFailed, nil)
					if err == nil {
						failed.Add(1)
					}
				}
				if err != nil {
					assert.ErrorIs(t, err, ErrInvalidTransition)
					rejected.Add(1)
				}
			}(w)
		}
		wg.Wait()

		// Exactly one terminal state wins; its duplicates are no-ops, the other side is rejected.
		job, err := r.Get("job-1")
		require.NoError(t, err)
		if job.Status == StatusCompleted {
			assert.Equal(t, int32(4), completed.Load())
			assert.Equal(t, int32(0), failed.Load())
		} else {
			assert.Equal(t, StatusFailed, job.Status)
			assert.Equal(t, int32(4), failed.Load())
			assert.Equal(t, int32(0), completed.Load())
		}
		assert.Equal(t, int32(4), rejected.Load())
	}
}

func TestRegistry_ConcurrentJobs(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			_, err := r.Create(id, nil)
			assert.NoError(t, err)
			_, err = r.Transition(id, StatusProcessing, nil)
			assert.NoError(t, err)
			_, err = r.Transition(id, StatusFailed, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.List(), 50)
	assert.Equal(t, 50, r.Stats()[StatusFailed])
	assert.Equal(t, 0, r.Stats()[StatusPending])
}

func TestRegistry_ListNewestFirst(t *testing.T) {
	r := New(WithClock(fixedClock()))
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Create(id, nil)
		require.NoError(t, err)
	}

	jobs := r.List()
	require.Len(t, jobs, 3)
	assert.Equal(t, "c", jobs[0].ID)
	assert.Equal(t, "a", jobs[2].ID)
}

func TestRegistry_PersistAndRestore(t *testing.T) {
	store := NewStore(t.TempDir())
	r := New(WithPersister(store), WithClock(fixedClock()))

	_, err := r.Create("job-1", nil)
	require.NoError(t, err)
	_, err = r.Transition("job-1", StatusCompleted, bmpRef("job-1"))
	require.NoError(t, err)
	_, err = r.Create("job-2", nil)
	require.NoError(t, err)

	restored := New(WithPersister(store))
	n, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job, err := restored.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	require.NotNil(t, job.Artifact)
	assert.Equal(t, "job-1", job.Artifact.Key)

	_, err = restored.Transition("job-1", StatusFailed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

type failingPersister struct{}

func (failingPersister) Write(*Job) error     { return errors.New("disk full") }
func (failingPersister) List() ([]Job, error) { return nil, errors.New("disk full") }

func TestRegistry_PersistFailureLeavesStateUnchanged(t *testing.T) {
	r := New(WithPersister(failingPersister{}))

	_, err := r.Create("job-1", nil)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = r.Get("job-1")
	assert.ErrorIs(t, err, ErrUnknownJob)

	_, err = r.Restore()
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.False(t, CanTransition(StatusProcessing, StatusProcessing))
	assert.False(t, CanTransition(StatusCompleted, StatusFailed))
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, JobStatus("queued").Valid())
}
