// Package server exposes a read-only HTTP API over the job queues.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/pbqueue/internal/errors"
	"github.com/3leaps/pbqueue/internal/observability"
	"github.com/3leaps/pbqueue/internal/server/handlers"
	"github.com/3leaps/pbqueue/internal/server/middleware"
)

// Server is the pbqueue status API.
type Server struct {
	host   string
	port   int
	router chi.Router
	logger *zap.Logger
	queues handlers.QueueSource
	health *handlers.HealthManager

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithQueues mounts the /v1/queues routes over source.
func WithQueues(source handlers.QueueSource) Option {
	return func(s *Server) { s.queues = source }
}

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithHealthManager sets the manager behind the /health routes. Without it
// the server reports healthy with no checks.
func WithHealthManager(m *handlers.HealthManager) Option {
	return func(s *Server) { s.health = m }
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{host: host, port: port}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrNop(s.logger)
	if s.health == nil {
		s.health = handlers.NewHealthManager(handlers.CurrentVersion().Version)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/health/ready", s.health.ReadinessHandler)
	r.Get("/health/startup", s.health.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.queues != nil {
		q := &handlers.Queues{Source: s.queues}
		r.Route("/v1/queues", func(r chi.Router) {
			r.Get("/", q.ListQueues)
			r.Get("/{kind}/jobs", q.ListJobs)
			r.Get("/{kind}/jobs/{id}", q.GetJob)
			r.Get("/{kind}/jobs/{id}/log", q.GetJobLog)
		})
	}
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, fmt.Sprint(s.port))
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
