// Package api serves the lifecycle engine over HTTP/JSON.
package api

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/engine"
	"github.com/rendis/lifecycle/internal/hooks"
	"github.com/rendis/lifecycle/internal/metrics"
	"github.com/rendis/lifecycle/internal/store"
)

// Deps holds the collaborators of the API server.
type Deps struct {
	Executor    engine.Executor
	Store       store.Store
	Definitions *definition.Registry
	Router      *hooks.Router
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Server serves the admin and hook endpoints.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())

	// CRUD layer hooks.
	mux.HandleFunc("POST /v1/hooks", s.handleHook)

	// Instances.
	mux.HandleFunc("GET /v1/instances", s.handleListInstances)
	mux.HandleFunc("POST /v1/instances", s.handleCreateInstance)
	mux.HandleFunc("GET /v1/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("DELETE /v1/instances/{id}", s.handleDeleteInstance)
	mux.HandleFunc("POST /v1/instances/{id}/events", s.handleSubmitEvent)
	mux.HandleFunc("GET /v1/instances/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /v1/instances/{id}/actions", s.handleListActions)

	// Definitions.
	mux.HandleFunc("GET /v1/definitions", s.handleListDefinitions)
	mux.HandleFunc("GET /v1/definitions/{object}/diagram", s.handleDiagram)

	// SSE streams.
	mux.HandleFunc("GET /v1/stream", s.handleSSEGlobal)
	mux.HandleFunc("GET /v1/instances/{id}/stream", s.handleSSEInstance)

	return s.logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
