/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/projects/*       Project lists, results pages, exports
  /api/usage            Meter readings
  /api/units/*          Per-unit journal
  /api/results/*        Initialization
  /api/cache/*          Reload
  /api/settings         Data location
  /api/sync/*           Sync run history
  /metrics              Prometheus
  /*                    Static files (frontend)

STATIC FILE SERVING:
  Serves the built frontend from web/dist/ when present, falling back to
  index.html for client-side routing.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer // nil disables /metrics
	StaticDir      string              // defaults to ./web/dist
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Get("/pending", h.PendingProjects)
			r.Get("/{project}/tasks", h.ListTasks)
			r.Get("/{project}/results", h.ProjectResults)
			r.Get("/{project}/export", h.ExportProject)
		})

		r.Post("/usage", h.RecordUsage)
		r.Get("/units/{code}/history", h.UnitHistory)

		r.Post("/results/initialize", h.Initialize)
		r.Post("/cache/reload", h.ReloadCache)

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)

		r.Get("/sync/runs", h.ListSyncRuns)
	})

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	staticDir := opts.StaticDir
	if staticDir == "" {
		staticDir = "./web/dist"
		if _, err := os.Stat(staticDir); os.IsNotExist(err) {
			exe, _ := os.Executable()
			staticDir = filepath.Join(filepath.Dir(exe), "web", "dist")
		}
	}

	if _, err := os.Stat(staticDir); err == nil {
		fileServer := http.FileServer(http.Dir(staticDir))
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			fullPath := filepath.Join(staticDir, filepath.Clean("/"+r.URL.Path))
			if _, err := os.Stat(fullPath); os.IsNotExist(err) {
				// SPA routing: serve index.html
				http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
				return
			}
			fileServer.ServeHTTP(w, r)
		})
	} else {
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Cable Ledger</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Cable Ledger API</h1>
<p>The frontend is not built. The API is available:</p>
<ul>
<li><a href="/api/projects/pending">/api/projects/pending</a> - Projects awaiting usage</li>
<li><a href="/api/projects">/api/projects</a> - All projects</li>
<li><a href="/api/sync/runs">/api/sync/runs</a> - Sync history</li>
<li><a href="/metrics">/metrics</a> - Metrics</li>
</ul>
</body>
</html>`))
		})
	}

	return r
}
