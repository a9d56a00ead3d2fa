package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/cipherhub/internal/server"
	"github.com/3leaps/cipherhub/internal/server/handlers"
	"github.com/3leaps/cipherhub/pkg/blobstore"
	"github.com/3leaps/cipherhub/pkg/ingress"
	"github.com/3leaps/cipherhub/pkg/jobregistry"
	"github.com/3leaps/cipherhub/pkg/query"
	"github.com/3leaps/cipherhub/pkg/telemetry"
)

var bmp17 = []byte{'B', 'M', 0x11, 0, 0, 0, 0, 0, 0, 0, 0x0e, 0, 0, 0, 0xde, 0xad, 0xbe}

func newTestService(t *testing.T) (*Client, *telemetry.MemoryStore) {
	t.Helper()
	reg := jobregistry.New()
	blobs := blobstore.NewMemoryStore()
	tel := telemetry.NewMemoryStore()
	q, err := query.New(query.Config{Registry: reg, Blobs: blobs, Telemetry: tel})
	require.NoError(t, err)
	in, err := ingress.New(ingress.Config{Registry: reg, Blobs: blobs})
	require.NoError(t, err)
	api, err := handlers.NewAPI(handlers.APIConfig{Query: q, Ingress: in})
	require.NoError(t, err)

	ts := httptest.NewServer(server.New("127.0.0.1", 0, server.WithAPI(api)).Handler())
	t.Cleanup(ts.Close)

	c, err := New(ts.URL)
	require.NoError(t, err)
	return c, tel
}

func TestClient_EndToEnd(t *testing.T) {
	c, _ := newTestService(t)
	ctx := context.Background()

	view, err := c.Submit(ctx, SubmitRequest{JobID: "job-1", Operation: "decrypt", Mode: "ECB"})
	require.NoError(t, err)
	assert.Equal(t, "pending", view.Status)

	_, err = c.Artifact(ctx, "job-1")
	assert.ErrorIs(t, err, query.ErrNotReady)

	_, err = c.Acknowledge(ctx, "job-1")
	require.NoError(t, err)

	view, err = c.Notify(ctx, "job-1", jobregistry.StatusCompleted, bmp17)
	require.NoError(t, err)
	assert.Equal(t, "completed", view.Status)

	art, err := c.Artifact(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, bmp17, art.Data)
	assert.Equal(t, "image/bmp", art.ContentType)
	assert.Equal(t, blobstore.Checksum(bmp17), art.ETag)

	list, err := c.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, 1, list.Stats["completed"])
}

func TestClient_Errors(t *testing.T) {
	c, _ := newTestService(t)
	ctx := context.Background()

	_, err := c.Status(ctx, "job-x")
	require.ErrorIs(t, err, jobregistry.ErrUnknownJob)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.RequestID)
	assert.False(t, IsTemporary(err))

	_, err = c.Notify(ctx, "job-x", jobregistry.StatusCompleted, bmp17)
	assert.ErrorIs(t, err, jobregistry.ErrUnknownJob)

	_, err = c.Submit(ctx, SubmitRequest{JobID: "a"})
	require.NoError(t, err)
	_, err = c.Submit(ctx, SubmitRequest{JobID: "a"})
	assert.ErrorIs(t, err, jobregistry.ErrDuplicateJob)

	_, err = c.Notify(ctx, "a", jobregistry.StatusFailed, nil)
	require.NoError(t, err)
	_, err = c.Notify(ctx, "a", jobregistry.StatusCompleted, bmp17)
	assert.ErrorIs(t, err, jobregistry.ErrInvalidTransition)
}

func TestClient_Snapshot(t *testing.T) {
	c, tel := newTestService(t)
	ctx := context.Background()

	nodes, err := c.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, nodes)

	require.NoError(t, c.RecordSample(ctx, telemetry.NodeSample{Hostname: "java-mdb", CPUUsagePercent: 12, RAMUsagePercent: 34, Status: "online"}))
	require.NoError(t, tel.Append(ctx, telemetry.NodeSample{Hostname: "nodejs-db", CPUUsagePercent: 1, Status: "online", Timestamp: time.Now()}))

	nodes, err = c.Snapshot(ctx, "java-*")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "java-mdb", nodes[0].Hostname)
}

func TestClient_History(t *testing.T) {
	c, tel := newTestService(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, tel.Append(ctx, telemetry.NodeSample{
			Hostname: "openmpi-master", CPUUsagePercent: float64(10 * i), Status: "online",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	hist, err := c.History(ctx, "openmpi-master", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, float64(20), hist[0].CPUUsagePercent)
	assert.Equal(t, int64(3), hist[0].Seq)

	hist, err = c.History(ctx, "openmpi-master", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 3)

	hist, err = c.History(ctx, "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("localhost:8080")
	assert.Error(t, err)
	_, err = New("ftp://example.test")
	assert.Error(t, err)

	c, err := New("http://example.test/")
	require.NoError(t, err)
	assert.Equal(t, "http://example.test", c.baseURL.String())
}

func TestDecodeAPIError_NonEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	c, err := New(ts.URL)
	require.NoError(t, err)

	_, err = c.Status(context.Background(), "job-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "bad gateway", apiErr.Message)
	assert.True(t, IsTemporary(err))
}

// scriptedReader replays a sequence of status results.
type scriptedReader struct {
	steps     []func() (*query.JobView, error)
	calls     atomic.Int32
	artifacts atomic.Int32
}

func (s *scriptedReader) Status(ctx context.Context, jobID string) (*query.JobView, error) {
	i := int(s.calls.Add(1)) - 1
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i]()
}

func (s *scriptedReader) Artifact(ctx context.Context, jobID string) (*Artifact, error) {
	s.artifacts.Add(1)
	return &Artifact{Data: bmp17, ContentType: "image/bmp"}, nil
}

func status(s string) func() (*query.JobView, error) {
	return func() (*query.JobView, error) { return &query.JobView{JobID: "job-1", Status: s}, nil }
}

func failing(err error) func() (*query.JobView, error) {
	return func() (*query.JobView, error) { return nil, err }
}

func TestPoller_RetriesTransientFailures(t *testing.T) {
	r := &scriptedReader{steps: []func() (*query.JobView, error){
		status("pending"),
		failing(errors.New("connection refused")),
		failing(&APIError{StatusCode: http.StatusServiceUnavailable, Code: "STORE_UNAVAILABLE"}),
		status("processing"),
		status("completed"),
	}}
	core, logs := observer.New(zap.DebugLevel)
	p := NewPoller(r, PollerConfig{Interval: time.Millisecond, Logger: zap.New(core)})

	res, err := p.Wait(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Attempts)

	failures := logs.FilterMessage("Status query failed; retrying").All()
	require.Len(t, failures, 2)
	for _, e := range failures {
		assert.Equal(t, true, e.ContextMap()["temporary"])
	}
	assert.Equal(t, bmp17, res.Artifact.Data)
	assert.Equal(t, int32(1), r.artifacts.Load(), "artifact fetched exactly once")
}

func TestPoller_LogsPermanentFailures(t *testing.T) {
	r := &scriptedReader{steps: []func() (*query.JobView, error){
		failing(&APIError{StatusCode: http.StatusNotFound, Code: "UNKNOWN_JOB"}),
		status("failed"),
	}}
	core, logs := observer.New(zap.DebugLevel)
	p := NewPoller(r, PollerConfig{Interval: time.Millisecond, Logger: zap.New(core)})

	_, err := p.Wait(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrJobFailed)

	failures := logs.FilterMessage("Status query failed; retrying").All()
	require.Len(t, failures, 1)
	assert.Equal(t, false, failures[0].ContextMap()["temporary"])
}

func TestPoller_JobFailed(t *testing.T) {
	r := &scriptedReader{steps: []func() (*query.JobView, error){status("pending"), status("failed")}}
	p := NewPoller(r, PollerConfig{Interval: time.Millisecond})

	res, err := p.Wait(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrJobFailed)
	require.NotNil(t, res)
	assert.Equal(t, "failed", res.Job.Status)
	assert.Equal(t, int32(0), r.artifacts.Load())
}

func TestPoller_MaxAttempts(t *testing.T) {
	r := &scriptedReader{steps: []func() (*query.JobView, error){failing(errors.New("boom"))}}
	p := NewPoller(r, PollerConfig{Interval: time.Millisecond, MaxAttempts: 3})

	_, err := p.Wait(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrMaxAttempts)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int32(3), r.calls.Load())
}

func TestPoller_Cancellation(t *testing.T) {
	r := &scriptedReader{steps: []func() (*query.JobView, error){status("pending")}}
	p := NewPoller(r, PollerConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := p.Wait(ctx, "job-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), r.artifacts.Load())
}

func TestPoller_FixedInterval(t *testing.T) {
	r := &scriptedReader{steps: []func() (*query.JobView, error){status("pending"), status("pending"), status("completed")}}
	p := NewPoller(r, PollerConfig{Interval: 20 * time.Millisecond})

	start := time.Now()
	_, err := p.Wait(context.Background(), "job-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond, "first query is immediate, later ones wait one interval")
}

func TestPoller_AgainstServer(t *testing.T) {
	c, _ := newTestService(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, SubmitRequest{JobID: "job-1"})
	require.NoError(t, err)

	time.AfterFunc(20*time.Millisecond, func() {
		_, _ = c.Notify(context.Background(), "job-1", jobregistry.StatusCompleted, bmp17)
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := NewPoller(c, PollerConfig{Interval: 5 * time.Millisecond}).Wait(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, bmp17, res.Artifact.Data)
}
