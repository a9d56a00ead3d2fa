package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/cipherhub/internal/config"
	"github.com/3leaps/cipherhub/internal/observability"
	"github.com/3leaps/cipherhub/internal/server"
	"github.com/3leaps/cipherhub/internal/server/handlers"
	"github.com/3leaps/cipherhub/pkg/blobstore"
	"github.com/3leaps/cipherhub/pkg/collector"
	"github.com/3leaps/cipherhub/pkg/ingress"
	"github.com/3leaps/cipherhub/pkg/jobregistry"
	"github.com/3leaps/cipherhub/pkg/query"
	"github.com/3leaps/cipherhub/pkg/telemetry"
)

var (
	serveHost         string
	servePort         int
	serveJobsDir      string
	serveBlobBackend  string
	serveBlobDir      string
	serveTelemetry    string
	serveTelemetryDB  string
	serveNoCollector  bool
	serveInterval     time.Duration
	serveRosterFile   string
	serveServerLogLvl string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cipherhub HTTP service",
	Long: `Run the job registry, artifact store, telemetry collector and HTTP API
in one process.

Configuration is read from defaults, the config file (CIPHERHUB_CONFIG or
~/.config/cipherhub/config.yaml), CIPHERHUB_* environment variables, and
finally the flags below.

Examples:
  cipherhub serve
  cipherhub serve --port 9000 --blob-backend file --blob-dir ./artifacts
  cipherhub serve --telemetry-backend sql --telemetry-db ./telemetry.db`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	cmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
	cmd.Flags().StringVar(&serveJobsDir, "jobs-dir", "", "Persist jobs under this directory")
	cmd.Flags().StringVar(&serveBlobBackend, "blob-backend", "", "Artifact store backend (memory|file|s3)")
	cmd.Flags().StringVar(&serveBlobDir, "blob-dir", "", "Artifact directory for the file backend")
	cmd.Flags().StringVar(&serveTelemetry, "telemetry-backend", "", "Telemetry store backend (memory|sql)")
	cmd.Flags().StringVar(&serveTelemetryDB, "telemetry-db", "", "SQLite path for the sql telemetry backend")
	cmd.Flags().BoolVar(&serveNoCollector, "no-collector", false, "Disable the periodic telemetry collector")
	cmd.Flags().DurationVar(&serveInterval, "collect-interval", 0, "Telemetry collection interval")
	cmd.Flags().StringVar(&serveRosterFile, "roster", "", "YAML file listing the nodes to sample")
	cmd.Flags().StringVar(&serveServerLogLvl, "server-log-level", "", "Service log level (overrides logging.level)")
}

// serveOverrides turns explicitly set flags into a config override map.
func serveOverrides(cmd *cobra.Command) map[string]any {
	srv := map[string]any{}
	blobs := map[string]any{}
	tel := map[string]any{}
	coll := map[string]any{}
	out := map[string]any{}

	flags := cmd.Flags()
	if flags.Changed("host") {
		srv["host"] = serveHost
	}
	if flags.Changed("port") {
		srv["port"] = servePort
	}
	if flags.Changed("jobs-dir") {
		out["jobs"] = map[string]any{"dir": serveJobsDir}
	}
	if flags.Changed("blob-backend") {
		blobs["backend"] = serveBlobBackend
	}
	if flags.Changed("blob-dir") {
		blobs["dir"] = serveBlobDir
	}
	if flags.Changed("telemetry-backend") {
		tel["backend"] = serveTelemetry
	}
	if flags.Changed("telemetry-db") {
		tel["db_path"] = serveTelemetryDB
	}
	if flags.Changed("no-collector") {
		coll["enabled"] = !serveNoCollector
	}
	if flags.Changed("collect-interval") {
		coll["interval"] = serveInterval.String()
	}
	if flags.Changed("roster") {
		coll["roster_file"] = serveRosterFile
	}
	if flags.Changed("server-log-level") {
		out["logging"] = map[string]any{"level": serveServerLogLvl}
	}

	for key, m := range map[string]map[string]any{"server": srv, "blobs": blobs, "telemetry": tel, "collector": coll} {
		if len(m) > 0 {
			out[key] = m
		}
	}
	return out
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(ctx, serveOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	if err := observability.InitServerLogger("cipherhub", cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.ServerLogger

	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start service", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start service", err)
	}
	defer svc.Close()

	ln, err := net.Listen("tcp", svc.server.Addr())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to listen", err)
	}

	logger.Info("Starting cipherhub",
		zap.String("version", versionInfo.Version),
		zap.String("addr", ln.Addr().String()),
		zap.String("blob_backend", cfg.Blobs.Backend),
		zap.String("telemetry_backend", cfg.Telemetry.Backend),
		zap.Bool("collector", svc.collector != nil))

	if err := svc.Run(ctx, ln, cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
		return exitError(exitFailure, "Service failed", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// service is one fully wired cipherhub process.
type service struct {
	registry  *jobregistry.Registry
	blobs     blobstore.Store
	telemetry telemetry.Store
	collector *collector.Collector
	server    *server.Server
	health    *handlers.HealthManager
	logger    *zap.Logger
	closers   []io.Closer
}

func buildService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (svc *service, err error) {
	svc = &service{logger: logger}
	defer func() {
		if err != nil {
			svc.Close()
			svc = nil
		}
	}()

	var regOpts []jobregistry.Option
	if cfg.Jobs.Dir != "" {
		regOpts = append(regOpts, jobregistry.WithPersister(jobregistry.NewStore(cfg.Jobs.Dir)))
	}
	svc.registry = jobregistry.New(regOpts...)
	restored, err := svc.registry.Restore()
	if err != nil {
		return svc, fmt.Errorf("restore jobs: %w", err)
	}
	if restored > 0 {
		logger.Info("Restored jobs", zap.Int("count", restored), zap.String("dir", cfg.Jobs.Dir))
	}

	if svc.blobs, err = blobstore.Open(ctx, cfg.BlobStoreConfig()); err != nil {
		return svc, err
	}
	svc.track(svc.blobs)
	if err := checkBlobStore(ctx, svc.blobs, logger); err != nil {
		return svc, err
	}

	if svc.telemetry, err = telemetry.Open(ctx, cfg.Telemetry.Backend, cfg.TelemetryDBConfig()); err != nil {
		return svc, err
	}
	svc.track(svc.telemetry)

	mp := observability.MeterProvider(cfg.Metrics.Enabled)

	if cfg.Collector.Enabled {
		roster := collector.DefaultRoster()
		if cfg.Collector.RosterFile != "" {
			if roster, err = collector.LoadRoster(cfg.Collector.RosterFile); err != nil {
				return svc, err
			}
		}
		svc.collector, err = collector.New(collector.Config{
			Store:         svc.telemetry,
			Sampler:       collector.NewSimulatedSampler(cfg.Collector.Seed),
			Roster:        roster,
			Interval:      cfg.Collector.Interval,
			SampleTimeout: cfg.Collector.SampleTimeout,
			Concurrency:   cfg.Collector.Concurrency,
			Logger:        logger.Named("collector"),
			MeterProvider: mp,
		})
		if err != nil {
			return svc, err
		}
	}

	queries, err := query.New(query.Config{
		Registry:  svc.registry,
		Blobs:     svc.blobs,
		Telemetry: svc.telemetry,
		Logger:    logger.Named("query"),
	})
	if err != nil {
		return svc, err
	}
	in, err := ingress.New(ingress.Config{
		Registry:      svc.registry,
		Blobs:         svc.blobs,
		Logger:        logger.Named("ingress"),
		MeterProvider: mp,
	})
	if err != nil {
		return svc, err
	}
	api, err := handlers.NewAPI(handlers.APIConfig{
		Query:          queries,
		Ingress:        in,
		Logger:         logger.Named("api"),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})
	if err != nil {
		return svc, err
	}

	if cfg.Health.Enabled {
		handlers.InitHealthManager(versionInfo.Version)
		svc.health = handlers.GetHealthManager()
		svc.registerHealthCheckers(cfg.Jobs.Dir)
	}

	svc.server = server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithAPI(api),
		server.WithLogger(logger.Named("http")),
		server.WithCORSOrigins(cfg.Server.CORSOrigins),
		server.WithServerTiming(cfg.Server.ServerTiming),
		server.WithHTTPMetrics(observability.NewHTTPMetrics(mp)),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)
	return svc, nil
}

func (s *service) track(v any) {
	if c, ok := v.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// checkBlobStore refuses to start against a backend that rejects our
// credentials or has no bucket. A merely unreachable backend is logged; the
// readiness check reports it until it recovers.
func checkBlobStore(ctx context.Context, blobs blobstore.Store, logger *zap.Logger) error {
	p, ok := blobs.(pinger)
	if !ok {
		return nil
	}
	err := p.Ping(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, blobstore.ErrStoreMisconfigured):
		return fmt.Errorf("blob store: %w", err)
	default:
		logger.Warn("Blob store not reachable at startup", zap.Error(err))
		return nil
	}
}

func (s *service) registerHealthCheckers(jobsDir string) {
	if jobsDir != "" {
		s.health.RegisterChecker("jobs", handlers.HealthCheckerFunc(func(context.Context) error {
			info, err := os.Stat(jobsDir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", jobsDir)
			}
			return nil
		}))
	}
	if p, ok := s.blobs.(pinger); ok {
		s.health.RegisterChecker("blobstore", handlers.HealthCheckerFunc(p.Ping))
	}
	if p, ok := s.telemetry.(pinger); ok {
		s.health.RegisterChecker("telemetry", handlers.HealthCheckerFunc(p.Ping))
	}
}

// Run serves on ln and runs the collector until ctx is cancelled, then shuts
// the HTTP server down within shutdownTimeout.
func (s *service) Run(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.server.Serve(ln)
	})
	if s.collector != nil {
		g.Go(func() error {
			return s.collector.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down", zap.Duration("timeout", shutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases store resources in reverse open order.
func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warn("Failed to close store", zap.Error(err))
		}
	}
	s.closers = nil
}
