package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/alerts"
	"example.com/backstage/services/fleet/internal/api"
	"example.com/backstage/services/fleet/internal/broadcast"
	"example.com/backstage/services/fleet/internal/cache"
	"example.com/backstage/services/fleet/internal/database"
	"example.com/backstage/services/fleet/internal/metrics"
	"example.com/backstage/services/fleet/internal/repositories"
	"example.com/backstage/services/fleet/internal/scoring"
	"example.com/backstage/services/fleet/internal/search"
	"example.com/backstage/services/fleet/internal/telemetry"
	"example.com/backstage/services/fleet/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server for telemetry ingestion, live streaming and fleet operations`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, cleanup, err := buildApplication(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	app.deps.Pipeline.Start(ctx)
	defer app.deps.Pipeline.Stop()

	go monitorHealth(ctx, app.deps.Metrics, app.health, 30*time.Second)

	go func() {
		if err := app.deps.Hub.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Broadcast hub error")
		}
	}()

	server := api.NewServer(cfg, app.deps)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

// application is the wired object graph shared by the api and worker
// processes
type application struct {
	deps    api.Deps
	tenants *repositories.TenantRepository
	health  map[string]healthCheck
}

func buildApplication(cfg config.Config) (*application, func(), error) {
	db, readOnlyDB, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, nil, err
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache, _ = cache.NewRedisCache(config.RedisConfig{Enabled: false})
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	}

	m := metrics.NewMetrics()

	tenants := repositories.NewTenantRepository(db, readOnlyDB)
	vehicles := repositories.NewVehicleRepository(db, readOnlyDB)
	geofences := repositories.NewGeofenceRepository(db, readOnlyDB)
	assignments := repositories.NewAssignmentRepository(db, readOnlyDB)
	samples := repositories.NewTelemetryRepository(db, readOnlyDB)
	events := repositories.NewEventRepository(db, readOnlyDB)
	scores := repositories.NewScoreRepository(db, readOnlyDB)
	alertRepo := repositories.NewAlertRepository(db, readOnlyDB)
	outbox := repositories.NewNotificationRepository(db, readOnlyDB)

	var indexer telemetry.EventIndexer
	if elasticClient != nil {
		indexer = elasticClient
	}

	pipeline := telemetry.NewPipeline(
		cfg.Pipeline,
		telemetry.NewNormalizer(vehicles),
		telemetry.NewCachedFenceProvider(geofences, time.Minute),
		assignments,
		samples,
		events,
		indexer,
		redisCache,
		m,
		tracer,
	)

	hub := broadcast.NewHub(redisCache, cfg.Pipeline.SubscriberBufferSize, func() {
		m.IncrementCounter("broadcast_dropped")
	})

	engine := scoring.NewEngine(cfg.Scoring, events, assignments, scores, outbox, nil, m, tracer)

	dispatcher := alerts.NewDispatcher(
		cfg.Alerts,
		events,
		outbox,
		alertRepo,
		redisCache,
		alerts.LogCourier{},
		alerts.StaticResolver{},
		m,
		tracer,
	)

	health := map[string]healthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if cfg.Redis.Enabled {
		health["redis"] = redisCache.Ping
	}

	app := &application{
		health: health,
		deps: api.Deps{
			Pipeline:   pipeline,
			Hub:        hub,
			Engine:     engine,
			Dispatcher: dispatcher,
			Scores:     scores,
			Alerts:     alertRepo,
			Elastic:    elasticClient,
			Metrics:    m,
			Tracer:     tracer,
		},
		tenants: tenants,
	}

	cleanup := func() {
		if err := redisCache.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing Redis connection")
		}
	}

	return app, cleanup, nil
}
