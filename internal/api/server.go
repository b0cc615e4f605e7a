package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/txlog"
)

// Dependencies are the collaborators served by the API.
type Dependencies struct {
	Pipeline *pipeline.Pipeline

	// Log is nil when the transaction log is disabled.
	Log *txlog.Writer

	Cache   domain.Cache
	Bus     domain.EventBus
	Metrics *observability.Metrics
	Version string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)    // CORS for browser clients
	router.Use(RecoverMiddleware) // Recover from panics
	router.Use(TracingMiddleware) // OpenTelemetry tracing
	router.Use(LoggingMiddleware) // Request logging
	if deps.Metrics != nil {
		router.Use(MetricsMiddleware(deps.Metrics))
	}
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Service endpoints
	router.Get("/", handler.Info)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// Scoring
	router.Post("/predict", handler.Predict)
	router.Post("/predict/async", handler.PredictAsync)

	// Transaction log
	router.Route("/transactions", func(r chi.Router) {
		r.Get("/", handler.ListTransactions)
		r.Get("/{id}", handler.GetTransaction)
		r.Delete("/{id}", handler.DeleteTransaction)
	})
	router.Route("/flagged", func(r chi.Router) {
		r.Get("/", handler.ListFlagged)
		r.Get("/{id}", handler.GetFlag)
		r.Post("/{id}/review", handler.ReviewFlag)
	})
	router.Get("/statistics", handler.Statistics)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
