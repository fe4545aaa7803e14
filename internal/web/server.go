// Package web exposes the engine's HTTP API: event intake, run and job
// queries, log retrieval and cancellation.
package web

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/matrixci/internal/service"
)

// Server is the API HTTP server
type Server struct {
	addr   string
	router chi.Router
	srv    *http.Server
}

// NewServer creates a new API server
func NewServer(addr string, orchestrator *service.OrchestratorService) *Server {
	s := &Server{addr: addr}
	handlers := NewHandlers(orchestrator)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", handlers.SubmitEvent)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", handlers.ListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", handlers.GetRun)
				r.Delete("/", handlers.DeleteRun)
				r.Post("/cancel", handlers.CancelRun)
				r.Get("/jobs", handlers.ListJobs)
				r.Get("/jobs/{instanceID}/logs", handlers.GetJobLogs)
			})
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", handlers.ListWorkflows)
			r.Post("/", handlers.RegisterWorkflow)
			r.Get("/{name}", handlers.GetWorkflow)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.router = r
	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
