package query

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/cipherhub/pkg/blobstore"
	"github.com/3leaps/cipherhub/pkg/ingress"
	"github.com/3leaps/cipherhub/pkg/jobregistry"
	"github.com/3leaps/cipherhub/pkg/telemetry"
)

var bmp17 = []byte{'B', 'M', 0x11, 0, 0, 0, 0, 0, 0, 0, 0x0e, 0, 0, 0, 0xde, 0xad, 0xbe}

type fixture struct {
	svc   *Service
	in    *ingress.Ingress
	reg   *jobregistry.Registry
	blobs *blobstore.MemoryStore
	tel   *telemetry.MemoryStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg := jobregistry.New()
	blobs := blobstore.NewMemoryStore()
	tel := telemetry.NewMemoryStore()

	svc, err := New(Config{Registry: reg, Blobs: blobs, Telemetry: tel})
	require.NoError(t, err)
	in, err := ingress.New(ingress.Config{Registry: reg, Blobs: blobs})
	require.NoError(t, err)
	return fixture{svc: svc, in: in, reg: reg, blobs: blobs, tel: tel}
}

func TestSubmitNotifyFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.Submit("job-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "pending", view.Status)
	assert.Empty(t, view.ImageID)

	_, err = f.in.Notify(ctx, ingress.Notification{JobID: "job-1", Status: jobregistry.StatusCompleted, Payload: bmp17})
	require.NoError(t, err)

	view, err = f.svc.JobStatus("job-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", view.Status)
	assert.Equal(t, "job-1", view.ImageID)
	require.NotNil(t, view.Artifact)
	assert.Equal(t, int64(17), view.Artifact.Size)

	blob, err := f.svc.Artifact(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, bmp17, blob.Data)
	assert.Len(t, blob.Data, 17)
	assert.Equal(t, "image/bmp", blob.ContentType)
}

func TestArtifact_NotReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit("job-2", nil)
	require.NoError(t, err)

	_, err = f.svc.Artifact(ctx, "job-2")
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = f.in.Acknowledge(ctx, "job-2")
	require.NoError(t, err)
	_, err = f.svc.Artifact(ctx, "job-2")
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = f.in.Notify(ctx, ingress.Notification{JobID: "job-2", Status: jobregistry.StatusFailed})
	require.NoError(t, err)
	_, err = f.svc.Artifact(ctx, "job-2")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestArtifact_UnknownJob(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Artifact(context.Background(), "missing")
	assert.ErrorIs(t, err, jobregistry.ErrUnknownJob)

	_, err = f.svc.JobStatus("missing")
	assert.ErrorIs(t, err, jobregistry.ErrUnknownJob)
}

func TestArtifact_UnknownJobNotificationLeavesNothingReachable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.in.Notify(ctx, ingress.Notification{JobID: "job-x", Status: jobregistry.StatusCompleted, Payload: bmp17})
	require.ErrorIs(t, err, jobregistry.ErrUnknownJob)

	_, err = f.svc.Artifact(ctx, "job-x")
	assert.ErrorIs(t, err, jobregistry.ErrUnknownJob)
	_, err = f.svc.JobStatus("job-x")
	assert.ErrorIs(t, err, jobregistry.ErrUnknownJob)
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)

	t.Run("assigns uuid", func(t *testing.T) {
		view, err := f.svc.Submit("  ", nil)
		require.NoError(t, err)
		_, perr := uuid.Parse(view.JobID)
		assert.NoError(t, perr)
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := f.svc.Submit("dup", nil)
		require.NoError(t, err)
		_, err = f.svc.Submit("dup", nil)
		assert.ErrorIs(t, err, jobregistry.ErrDuplicateJob)
	})

	t.Run("normalizes metadata", func(t *testing.T) {
		view, err := f.svc.Submit("meta", map[string]string{"operation": "Encrypt", "mode": "cbc", "note": "x"})
		require.NoError(t, err)
		assert.Equal(t, "encrypt", view.Metadata["operation"])
		assert.Equal(t, "CBC", view.Metadata["mode"])
		assert.Equal(t, "x", view.Metadata["note"])
	})

	t.Run("rejects bad operation", func(t *testing.T) {
		_, err := f.svc.Submit("bad-op", map[string]string{"operation": "compress"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		_, err = f.reg.Get("bad-op")
		assert.ErrorIs(t, err, jobregistry.ErrUnknownJob)
	})

	t.Run("rejects path-like id", func(t *testing.T) {
		for _, id := range []string{"../x", "./x", "a/b", "."} {
			_, err := f.svc.Submit(id, nil)
			assert.ErrorIs(t, err, jobregistry.ErrInvalidJob, id)
		}
	})

	t.Run("rejects bad mode", func(t *testing.T) {
		_, err := f.svc.Submit("bad-mode", map[string]string{"mode": "GCM"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestListJobsAndStats(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.svc.Submit(id, nil)
		require.NoError(t, err)
	}
	_, err := f.in.Notify(context.Background(), ingress.Notification{JobID: "b", Status: jobregistry.StatusFailed})
	require.NoError(t, err)

	assert.Len(t, f.svc.ListJobs(), 3)
	stats := f.svc.JobStats()
	assert.Equal(t, 2, stats["pending"])
	assert.Equal(t, 1, stats["failed"])
	assert.Equal(t, 0, stats["completed"])
}

func TestTelemetrySnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.svc.TelemetrySnapshot(ctx, SnapshotFilter{})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	base := time.Unix(0, 0).UTC()
	for _, s := range []telemetry.NodeSample{
		{Hostname: "n1", CPUUsagePercent: 10, Status: "online", Timestamp: base.Add(100 * time.Second)},
		{Hostname: "n1", CPUUsagePercent: 20, Status: "online", Timestamp: base.Add(130 * time.Second)},
		{Hostname: "openmpi-worker", CPUUsagePercent: 30, Status: "online", Timestamp: base.Add(110 * time.Second)},
	} {
		require.NoError(t, f.tel.Append(ctx, s))
	}

	snap, err := f.svc.TelemetrySnapshot(ctx, SnapshotFilter{})
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "n1", snap[0].Hostname)
	assert.Equal(t, base.Add(130*time.Second), snap[0].Timestamp)

	filtered, err := f.svc.TelemetrySnapshot(ctx, SnapshotFilter{HostGlob: "openmpi-*"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "openmpi-worker", filtered[0].Hostname)

	_, err = f.svc.TelemetrySnapshot(ctx, SnapshotFilter{HostGlob: "[bad"})
	assert.ErrorIs(t, err, telemetry.ErrInvalidFilter)
}

func TestRecordSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.svc.RecordSample(ctx, telemetry.NodeSample{Hostname: "n1", CPUUsagePercent: 5, RAMUsagePercent: 6})
	require.NoError(t, err)
	assert.False(t, got.Timestamp.IsZero())
	hist, err := f.svc.TelemetryHistory(ctx, "n1", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	_, err = f.svc.RecordSample(ctx, telemetry.NodeSample{Hostname: "", CPUUsagePercent: 5})
	assert.ErrorIs(t, err, telemetry.ErrInvalidSample)
}

func TestTelemetryHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := f.svc.RecordSample(ctx, telemetry.NodeSample{
			Hostname:        "openmpi-master",
			CPUUsagePercent: float64(i),
			RAMUsagePercent: 10,
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	hist, err := f.svc.TelemetryHistory(ctx, " openmpi-master ", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, float64(3), hist[0].CPUUsagePercent)
	assert.Equal(t, float64(2), hist[1].CPUUsagePercent)

	empty, err := f.svc.TelemetryHistory(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = f.svc.TelemetryHistory(ctx, "  ", 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.TelemetryHistory(ctx, "openmpi-master", 5000)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNew_RequiresStores(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Registry: jobregistry.New(), Blobs: blobstore.NewMemoryStore()})
	assert.Error(t, err)
}
