// Package httpapi implements the Submission and Query Endpoints: the
// public HTTP surface for uploading artifacts and polling job/report state.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/hazyhaar/malscan/internal/artifactstore"
	"github.com/hazyhaar/malscan/internal/metrics"
	"github.com/hazyhaar/malscan/internal/queue"
	"github.com/hazyhaar/malscan/internal/registry"
)

// Server holds the dependencies the HTTP handlers need: the registry and
// artifact store (synchronous, offloaded by Go's own goroutine-per-request
// model) and the queue publisher.
type Server struct {
	Registry    *registry.Registry
	Store       *artifactstore.Store
	Queue       *queue.Q
	MaxFileSize int64
	StagesTotal int
	CORSOrigins []string
	validate    *validator.Validate
}

// NewRouter builds the chi router with the full middleware stack and
// mounted routes.
func NewRouter(s *Server) http.Handler {
	s.validate = validator.New()

	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(TraceID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(s.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/files", s.handleUpload)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Get("/reports/{id}", s.handleReport)
	})

	return r
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
