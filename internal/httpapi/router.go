// Package httpapi exposes the transaction and customer services over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/correlation"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/logging"
)

// Routable mounts its routes on the /api subrouter.
type Routable interface {
	Routes(r chi.Router)
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger         *zap.Logger
	AllowedOrigins []string
	ServiceName    string
	RequestTimeout time.Duration
}

// NewRouter builds the HTTP handler with the shared middleware stack,
// /health, /metrics and the given API handlers under /api.
func NewRouter(opts RouterOptions, handlers ...Routable) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(correlation.Middleware)
	r.Use(logging.AccessLog(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", correlation.HeaderName},
		ExposedHeaders: []string{correlation.HeaderName},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, envelope{
			Success: true,
			Data:    map[string]string{"status": "ok", "service": opts.ServiceName},
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		for _, h := range handlers {
			h.Routes(r)
		}
	})

	return r
}
