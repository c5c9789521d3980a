package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/shelf-matcher/internal/web/handlers"
	"github.com/kozaktomas/shelf-matcher/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	matchHandler := s.matches
	detectionsHandler := handlers.NewDetectionsHandler(s.deps.Store, s.logger)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Handle("/metrics", s.deps.Metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.APIToken))

		// Match jobs (long-running)
		r.Post("/match", matchHandler.Start)
		r.Get("/match/{jobId}", matchHandler.Status)
		r.Get("/match/{jobId}/events", matchHandler.Events)
		r.Delete("/match/{jobId}", matchHandler.Cancel)

		// Stored results
		r.Get("/detections/{id}", detectionsHandler.Get)
		r.Get("/detections/{id}/candidates", detectionsHandler.Candidates)
	})
}
