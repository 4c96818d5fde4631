package handler

import (
	"net/http"

	"communityhub/internal/logging"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter
type RouterOptions struct {
	Logger *zap.Logger
	// Events serves GET /events when set
	Events http.Handler
	// Metrics serves GET /metrics when set
	Metrics http.Handler
	// CORSOrigins defaults to every origin
	CORSOrigins []string
}

// NewRouter mounts the API routes and middleware
func NewRouter(h *CommunityHandler, opts RouterOptions) http.Handler {
	logger := logging.OrNop(opts.Logger)
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(Logger(logger))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	router.Route("/api", func(r chi.Router) {
		r.Get("/graph", h.GetGraph)
		r.Get("/profiles/trusted", h.ListTrustedProfiles)
		r.Get("/profiles/{id}", h.GetProfile)

		r.Get("/feed", h.GetFeed)
		r.Put("/feed", h.UpdateFeed)
		r.Post("/feed/refresh", h.RefreshFeed)

		r.Delete("/cache", h.ClearCache)
		r.Delete("/cache/{kind}", h.ClearCache)

		r.Get("/status", h.GetStatus)
		r.Get("/export/{format}", h.Export)
	})

	if opts.Events != nil {
		router.Method(http.MethodGet, "/events", opts.Events)
	}
	if opts.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return router
}
