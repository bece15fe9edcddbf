// Package api provides the HTTP API server and handlers for plantree.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/civicplan/plantree/internal/metrics"
	"github.com/civicplan/plantree/internal/ratelimit"
	"github.com/civicplan/plantree/internal/service"
	"github.com/civicplan/plantree/internal/sse"
	"github.com/civicplan/plantree/internal/store"
)

// Options tune the HTTP surface.
type Options struct {
	AllowedOrigins []string
	// MutationRate and MutationBurst bound mutations per tree and client.
	MutationRate  float64
	MutationBurst int
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	store      store.Store
	trees      *service.TreeService
	sseManager *sse.Manager
	sseHandler *sse.Handler
	metrics    *metrics.Metrics
	limiter    *ratelimit.KeyedRateLimiter
	router     *chi.Mux
	api        huma.API
	logger     *slog.Logger
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(st store.Store, trees *service.TreeService, sseManager *sse.Manager, m *metrics.Metrics, opts Options, logger *slog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		store:      st,
		trees:      trees,
		sseManager: sseManager,
		metrics:    m,
		router:     router,
		logger:     logger,
	}
	if sseManager != nil {
		s.sseHandler = sse.NewHandler(sseManager, logger)
	}
	if opts.MutationRate > 0 {
		s.limiter = ratelimit.New(opts.MutationRate, max(opts.MutationBurst, 1), ratelimit.DefaultIdleTTL)
	}

	s.setupMiddleware(opts)

	humaConfig := huma.DefaultConfig("plantree API", "1.0.0")
	humaConfig.Info.Description = "Hierarchical vocabularies, plans and CMS sections."
	humaConfig.Transformers = append(humaConfig.Transformers, EnvelopeTransformer)
	s.api = humachi.New(router, humaConfig)
	RegisterErrorHandler()

	s.registerHealthRoutes()
	s.registerTreeRoutes()
	s.registerNodeRoutes()
	s.registerReferenceRoutes()

	if m != nil {
		router.Handle("/metrics", m.Handler())
	}
	if s.sseHandler != nil {
		router.Get(service.APIPrefix+"/{treeID}/events", s.sseHandler.ServeHTTP)
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// API exposes the huma API, for OpenAPI generation and tests.
func (s *Server) API() huma.API {
	return s.api
}

// Shutdown stops background work owned by the server.
func (s *Server) Shutdown() error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return nil
}

// setupMiddleware configures middleware stack.
func (s *Server) setupMiddleware(opts Options) {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         int((12 * time.Hour).Seconds()),
	}))
}
