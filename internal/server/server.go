// Package server wires the HTTP router: health and version endpoints, the
// /api surface, and the shared middleware chain.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	servertiming "github.com/mitchellh/go-server-timing"
	"github.com/rs/cors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/cipherhub/internal/errors"
	"github.com/3leaps/cipherhub/internal/observability"
	"github.com/3leaps/cipherhub/internal/server/handlers"
	"github.com/3leaps/cipherhub/internal/server/middleware"
)

type Server struct {
	host    string
	port    int
	router  chi.Router
	handler http.Handler
	httpSrv *http.Server
	logger  *zap.Logger

	api          *handlers.API
	corsOrigins  []string
	serverTiming bool
	metrics      *observability.HTTPMetrics
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

type Option func(*Server)

// WithAPI mounts the job and telemetry endpoints under /api.
func WithAPI(api *handlers.API) Option {
	return func(s *Server) { s.api = api }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCORSOrigins allows browser clients from the given origins ("*" for any).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithServerTiming emits a Server-Timing header on every response.
func WithServerTiming(enabled bool) Option {
	return func(s *Server) { s.serverTiming = enabled }
}

func WithHTTPMetrics(m *observability.HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout, s.writeTimeout, s.idleTimeout = read, write, idle
	}
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.handler = s.wrap(s.router)
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(s.logger, s.metrics))
	r.Use(middleware.ErrorHandler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteHTTPError(w, r, apperrors.NewNotFoundError("route not found: "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteHTTPError(w, r, apperrors.NewMethodNotAllowedError(
			fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path)))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.api != nil {
		r.Route("/api", s.api.Routes)
	}
	return r
}

func (s *Server) wrap(h http.Handler) http.Handler {
	if s.serverTiming {
		h = servertiming.Middleware(h, nil)
	}
	if len(s.corsOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader, "If-None-Match"},
			ExposedHeaders: []string{"ETag", middleware.RequestIDHeader, "Server-Timing"},
		}).Handler(h)
	}
	return h
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
