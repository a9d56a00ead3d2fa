package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/cipherhub/internal/config"
	"github.com/3leaps/cipherhub/pkg/blobstore"
	"github.com/3leaps/cipherhub/pkg/client"
	"github.com/3leaps/cipherhub/pkg/query"
	"github.com/3leaps/cipherhub/pkg/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			ShutdownTimeout: 2 * time.Second,
			MaxUploadBytes:  1 << 20,
		},
		Logging:   config.LoggingConfig{Level: "info", Profile: "structured"},
		Health:    config.HealthConfig{Enabled: true},
		Blobs:     config.BlobsConfig{Backend: "memory"},
		Telemetry: config.TelemetryConfig{Backend: "memory"},
		Collector: config.CollectorConfig{
			Interval:      time.Hour,
			SampleTimeout: time.Second,
			Concurrency:   2,
		},
	}
}

// startService builds the service and exposes it on an httptest server.
func startService(t *testing.T, cfg *config.Config) (*service, string) {
	t.Helper()
	svc, err := buildService(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	ts := httptest.NewServer(svc.server.Handler())
	t.Cleanup(ts.Close)
	return svc, ts.URL
}

func TestServeOverrides(t *testing.T) {
	t.Run("only changed flags", func(t *testing.T) {
		cmd := &cobra.Command{Use: "serve"}
		addServeFlags(cmd)
		require.NoError(t, cmd.Flags().Parse([]string{"--port", "9000", "--blob-backend", "file", "--no-collector"}))

		got := serveOverrides(cmd)
		assert.Equal(t, map[string]any{"port": 9000}, got["server"])
		assert.Equal(t, map[string]any{"backend": "file"}, got["blobs"])
		assert.Equal(t, map[string]any{"enabled": false}, got["collector"])
		assert.NotContains(t, got, "telemetry")
		assert.NotContains(t, got, "jobs")
	})

	t.Run("none", func(t *testing.T) {
		cmd := &cobra.Command{Use: "serve"}
		addServeFlags(cmd)
		require.NoError(t, cmd.Flags().Parse(nil))
		assert.Empty(t, serveOverrides(cmd))
	})
}

func TestBuildServiceRejectsBadBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Blobs.Backend = "tape"
	_, err := buildService(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Collector.Enabled = true
	cfg.Collector.RosterFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = buildService(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestHealthCheckers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Jobs.Dir = filepath.Join(t.TempDir(), "jobs")
	_, baseURL := startService(t, cfg)

	resp, err := http.Get(baseURL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Checks["jobs"])

	require.NoError(t, os.RemoveAll(cfg.Jobs.Dir))
	resp2, err := http.Get(baseURL + "/health/ready")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestJobsPersistAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Jobs.Dir = filepath.Join(t.TempDir(), "jobs")

	svc, err := buildService(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	_, err = svc.registry.Create("persisted", nil)
	require.NoError(t, err)
	svc.Close()

	svc2, err := buildService(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer svc2.Close()
	job, err := svc2.registry.Get("persisted")
	require.NoError(t, err)
	assert.Equal(t, "pending", job.Status.String())
}

func TestServiceRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Collector.Enabled = true

	svc, err := buildService(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()
	require.NotNil(t, svc.collector)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, ln, cfg.Server.ShutdownTimeout) }()

	require.Eventually(t, func() bool { return svc.collector.Ticks() >= 1 }, 5*time.Second, 10*time.Millisecond)

	c, err := client.New("http://" + ln.Addr().String())
	require.NoError(t, err)
	nodes, err := c.Snapshot(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, nodes, 5)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not shut down")
	}
}

func TestCLIJobLifecycle(t *testing.T) {
	_, baseURL := startService(t, testConfig(t))
	image := append([]byte("BM"), make([]byte, 62)...)
	imagePath := filepath.Join(t.TempDir(), "in.bmp")
	require.NoError(t, os.WriteFile(imagePath, image, 0644))

	out, err := runCLI(t, "submit", "job-1", "--operation", "Encrypt", "--mode", "cbc", "--json", "--server", baseURL)
	require.NoError(t, err)
	var view query.JobView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "job-1", view.JobID)
	assert.Equal(t, "pending", view.Status)
	assert.Equal(t, "encrypt", view.Metadata["operation"])
	assert.Equal(t, "CBC", view.Metadata["mode"])

	out, err = runCLI(t, "ack", "job-1", "--server", baseURL)
	require.NoError(t, err)
	assert.Contains(t, out, "processing")

	out, err = runCLI(t, "notify", "job-1", "--status", "completed", "--file", imagePath, "--server", baseURL)
	require.NoError(t, err)
	assert.Contains(t, out, "completed")

	outPath := filepath.Join(t.TempDir(), "out.bmp")
	out, err = runCLI(t, "poll", "job-1", "--interval", "10ms", "--out", outPath, "--server", baseURL)
	require.NoError(t, err)
	assert.Contains(t, out, "Job job-1 completed")
	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, image, got)

	out, err = runCLI(t, "status", "job-1", "--server", baseURL)
	require.NoError(t, err)
	assert.Contains(t, out, "Image:    job-1")

	out, err = runCLI(t, "jobs", "--server", baseURL)
	require.NoError(t, err)
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "0 pending, 0 processing, 1 completed, 0 failed")
}

func TestCLISubmitAndWaitForFailure(t *testing.T) {
	svc, baseURL := startService(t, testConfig(t))

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := svc.registry.Transition("doomed", "failed", nil); err == nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_, err := runCLI(t, "submit", "doomed", "--wait", "--interval", "10ms", "--server", baseURL)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrJobFailed)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestCLIPollGivesUp(t *testing.T) {
	_, baseURL := startService(t, testConfig(t))
	_, err := runCLI(t, "submit", "slow", "--server", baseURL)
	require.NoError(t, err)

	_, err = runCLI(t, "poll", "slow", "--interval", "5ms", "--max-attempts", "3", "--server", baseURL)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrMaxAttempts)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, exitCode(err))
}

func TestCLINotifyErrors(t *testing.T) {
	_, baseURL := startService(t, testConfig(t))

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "completed without file", args: []string{"notify", "x", "--status", "completed"}, want: foundry.ExitInvalidArgument},
		{name: "failed with file", args: []string{"notify", "x", "--status", "failed", "--file", "a.bmp"}, want: foundry.ExitInvalidArgument},
		{name: "bad status", args: []string{"notify", "x", "--status", "done"}, want: foundry.ExitInvalidArgument},
		{name: "missing file", args: []string{"notify", "x", "--file", filepath.Join(t.TempDir(), "nope.bmp")}, want: foundry.ExitFileNotFound},
		{name: "unknown job", args: []string{"notify", "x", "--status", "failed"}, want: foundry.ExitInvalidArgument},
		{name: "ack unknown job", args: []string{"ack", "x"}, want: foundry.ExitInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, append(tt.args, "--server", baseURL)...)
			require.Error(t, err)
			assert.Equal(t, tt.want, exitCode(err))
		})
	}
}

func TestCLIStats(t *testing.T) {
	_, baseURL := startService(t, testConfig(t))

	out, err := runCLI(t, "stats", "--server", baseURL)
	require.NoError(t, err)
	assert.Contains(t, out, "No telemetry yet.")

	c, err := client.New(baseURL)
	require.NoError(t, err)
	ts := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	for _, s := range []telemetry.NodeSample{
		{Hostname: "java-mdb", OS: "linux", CPUUsagePercent: 12, RAMUsagePercent: 40, Status: "online", Timestamp: ts},
		{Hostname: "rabbitmq", OS: "linux", CPUUsagePercent: 3, RAMUsagePercent: 20, Status: "online", Timestamp: ts},
	} {
		require.NoError(t, c.RecordSample(context.Background(), s))
	}

	out, err = runCLI(t, "stats", "--server", baseURL)
	require.NoError(t, err)
	assert.Contains(t, out, "java-mdb")
	assert.Contains(t, out, "rabbitmq")

	out, err = runCLI(t, "stats", "--host", "java-*", "--json", "--server", baseURL)
	require.NoError(t, err)
	var nodes []telemetry.NodeSample
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "java-mdb", nodes[0].Hostname)
	assert.Equal(t, 12.0, nodes[0].CPUUsagePercent)

	require.NoError(t, c.RecordSample(context.Background(), telemetry.NodeSample{
		Hostname: "java-mdb", OS: "linux", CPUUsagePercent: 55, RAMUsagePercent: 41, Status: "online", Timestamp: ts.Add(time.Minute),
	}))
	out, err = runCLI(t, "stats", "--history", "java-mdb", "--server", baseURL)
	require.NoError(t, err)
	assert.Contains(t, out, "SEQ")
	assert.Contains(t, out, "55.0")
	assert.Contains(t, out, "12.0")

	out, err = runCLI(t, "stats", "--history", "java-mdb", "--limit", "1", "--json", "--server", baseURL)
	require.NoError(t, err)
	var records []telemetry.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, 55.0, records[0].CPUUsagePercent)

	out, err = runCLI(t, "stats", "--history", "nobody", "--server", baseURL)
	require.NoError(t, err)
	assert.Contains(t, out, "No telemetry for nobody.")

	_, err = runCLI(t, "stats", "--limit", "3", "--server", baseURL)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(err))
	_, err = runCLI(t, "stats", "--history", "java-mdb", "--host", "java-*", "--server", baseURL)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(err))
}

func TestCLIServiceUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = runCLI(t, "jobs", "--server", "http://"+addr)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, exitCode(err))
}

type pingStore struct {
	blobstore.Store
	err error
}

func (p pingStore) Ping(context.Context) error { return p.err }

func TestCheckBlobStore(t *testing.T) {
	misconfigured := fmt.Errorf("%w: %w: access denied", blobstore.ErrStoreUnavailable, blobstore.ErrStoreMisconfigured)
	tests := []struct {
		name    string
		store   blobstore.Store
		wantErr bool
		warned  int
	}{
		{name: "no pinger", store: blobstore.NewMemoryStore()},
		{name: "healthy", store: pingStore{}},
		{name: "transient outage", store: pingStore{err: fmt.Errorf("%w: throttled", blobstore.ErrStoreUnavailable)}, warned: 1},
		{name: "misconfigured", store: pingStore{err: misconfigured}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			err := checkBlobStore(context.Background(), tt.store, zap.New(core))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, blobstore.ErrStoreMisconfigured))
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.warned, logs.Len())
		})
	}
}
