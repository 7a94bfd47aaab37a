// Package api implements the workspace runtime's operator-facing admin
// HTTP surface: server connect/disconnect requests, status listing,
// diagnostics, health, and Prometheus metrics. It never reaches into
// server.Record state directly -- only the SCM goroutine may touch a
// record -- and talks to the WM and Broker exactly like any other caller.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "go.wsrt.dev/docs" // registers the swagger spec served at /swagger/*

	"go.wsrt.dev/internal/diagnostics"
	"go.wsrt.dev/internal/wm"
)

// Ready reports whether both the WM and SCM loops are running; wired by
// cmd/workspaced after their goroutines start.
type Ready func() bool

// NewRouter builds the admin HTTP router.
func NewRouter(w *wm.WM, warn *diagnostics.Service, ready Ready) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthzHandler(ready))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.Mount("/servers", NewServersHandler(w).Routes())
	r.Mount("/warnings", NewWarningsHandler(warn).Routes())

	return r
}

// healthzHandler handles GET /healthz
//
//	@Summary		Liveness probe
//	@Description	Returns 200 once both the WM and SCM loops are running
//	@Tags			ops
//	@Success		200
//	@Failure		503
//	@Router			/healthz [get]
func healthzHandler(ready Ready) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
