package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kozaktomas/shelf-matcher/internal/config"
	"github.com/kozaktomas/shelf-matcher/internal/database"
	"github.com/kozaktomas/shelf-matcher/internal/metrics"
	"github.com/kozaktomas/shelf-matcher/internal/web/handlers"
	"github.com/kozaktomas/shelf-matcher/internal/web/middleware"
)

// Deps are the components the server exposes over HTTP.
type Deps struct {
	Runner   handlers.Runner
	Store    database.DetectionReader
	Metrics  *metrics.Metrics
	Defaults handlers.MatchDefaults
	Logger   *zap.Logger
}

// Server represents the web server
type Server struct {
	config     config.WebConfig
	deps       Deps
	router     *chi.Mux
	httpServer *http.Server
	jobManager *handlers.JobManager
	matches    *handlers.MatchHandler
	logger     *zap.Logger
}

// NewServer creates a new web server
func NewServer(cfg config.WebConfig, deps Deps) *Server {
	r := chi.NewRouter()
	logger := deps.Logger
	if logger == nil {
		logger = zap.L()
	}

	s := &Server{
		config:     cfg,
		deps:       deps,
		router:     r,
		jobManager: handlers.NewJobManager(),
		logger:     logger.Named("web"),
	}
	s.matches = handlers.NewMatchHandler(deps.Runner, s.jobManager, deps.Defaults, s.logger)

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Minute, // Long timeout for SSE
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting web server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown cancels running jobs, gracefully shuts down the server and waits
// for the cancelled jobs to write their last results.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	s.cancelJobs()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	// jobs started while open streams were draining
	s.cancelJobs()
	if err := s.matches.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for match jobs: %w", err)
	}
	return nil
}

func (s *Server) cancelJobs() {
	for _, job := range s.jobManager.ListJobs() {
		job.Cancel()
	}
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
