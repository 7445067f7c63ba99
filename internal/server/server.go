// Package server exposes the job registry over HTTP.
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
	"go.uber.org/zap"

	apperrors "github.com/3leaps/taskd/internal/errors"
	"github.com/3leaps/taskd/internal/server/handlers"
	"github.com/3leaps/taskd/internal/server/middleware"
	"github.com/3leaps/taskd/pkg/alarm"
)

// Timeouts configures the underlying http.Server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// VersionInfo is served on /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Option configures a Server.
type Option func(*Server)

// WithJobs mounts the job registry endpoints under /jobs.
func WithJobs(h *handlers.JobsHandler) Option {
	return func(s *Server) { s.jobs = h }
}

// WithPlugins mounts the plugin listing endpoints under /plugins.
func WithPlugins(h *handlers.PluginsHandler) Option {
	return func(s *Server) { s.plugins = h }
}

// WithAlarms serves ring on /alarms.
func WithAlarms(ring *alarm.Ring) Option {
	return func(s *Server) { s.alarms = ring }
}

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeouts sets the http.Server timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

// WithVersion sets the build information served on /version.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// Server is the taskd HTTP server.
type Server struct {
	host     string
	port     int
	timeouts Timeouts
	version  VersionInfo
	logger   *zap.Logger

	jobs    *handlers.JobsHandler
	plugins *handlers.PluginsHandler
	alarms  *alarm.Ring

	router *chi.Mux
	srv    *http.Server
}

// New builds a server listening on host:port once Start is called.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:    host,
		port:    port,
		version: VersionInfo{Version: "dev"},
		logger:  zap.NewNop(),
		timeouts: Timeouts{
			Read:     30 * time.Second,
			Write:    30 * time.Second,
			Idle:     120 * time.Second,
			Shutdown: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.ErrorHandler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithCode(w, r, http.StatusNotFound, apperrors.CodeNotFound,
			fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithCode(w, r, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path), nil)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		apperrors.RespondWithJSON(w, http.StatusOK, s.version)
	})

	if s.jobs != nil {
		r.Route("/jobs", s.jobs.Routes)
	}
	if s.plugins != nil {
		r.Route("/plugins", s.plugins.Routes)
	}
	if s.alarms != nil {
		r.Get("/alarms", handlers.AlarmsHandler(s.alarms))
	}
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until ctx is cancelled or the listener fails. Cancellation
// triggers a graceful shutdown bounded by the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return s.Shutdown()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	timeout := s.timeouts.Shutdown
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	return s.srv.Shutdown(ctx)
}
