package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/alerts"
	"example.com/backstage/services/fleet/internal/api/handlers"
	"example.com/backstage/services/fleet/internal/api/middleware"
	"example.com/backstage/services/fleet/internal/broadcast"
	"example.com/backstage/services/fleet/internal/metrics"
	"example.com/backstage/services/fleet/internal/repositories"
	"example.com/backstage/services/fleet/internal/scoring"
	"example.com/backstage/services/fleet/internal/search"
	"example.com/backstage/services/fleet/internal/telemetry"
	"example.com/backstage/services/fleet/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Deps bundles everything the HTTP surface exposes
type Deps struct {
	Pipeline   *telemetry.Pipeline
	Hub        *broadcast.Hub
	Engine     *scoring.Engine
	Dispatcher *alerts.Dispatcher
	Scores     *repositories.ScoreRepository
	Alerts     *repositories.AlertRepository
	Elastic    *search.ElasticClient
	Metrics    *metrics.Metrics
	Tracer     tracing.Tracer
}

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, deps Deps) *Server {
	server := &Server{
		config: cfg,
		deps:   deps,
	}

	router := server.setupRouter()
	server.router = router

	server.httpServer = &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())

	// Unauthenticated surface: operational endpoints and the device ingest
	// path, which authenticates by device identity
	metricsHandler := handlers.NewMetricsHandler(s.deps.Metrics, s.deps.Tracer)
	metricsHandler.RegisterRoutes(router)

	telemetryHandler := handlers.NewTelemetryHandler(s.deps.Pipeline, s.deps.Tracer)
	telemetryHandler.RegisterRoutes(router)

	streamHandler := handlers.NewStreamHandler(s.deps.Hub)
	streamHandler.RegisterRoutes(router)

	// Tenant-scoped surface
	tenanted := router.Group("", middleware.RequireTenant())
	scoringHandler := handlers.NewScoringHandler(s.deps.Engine, s.deps.Scores, s.deps.Tracer)
	scoringHandler.RegisterRoutes(tenanted)

	alertsHandler := handlers.NewAlertsHandler(s.deps.Dispatcher, s.deps.Alerts, s.deps.Tracer)
	alertsHandler.RegisterRoutes(tenanted)

	eventsHandler := handlers.NewEventsHandler(s.deps.Elastic, s.deps.Tracer)
	eventsHandler.RegisterRoutes(tenanted)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	return nil
}
