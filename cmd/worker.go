package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/messaging"
	"example.com/backstage/services/fleet/internal/scoring"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker: Service Bus telemetry intake, scheduled scoring runs and alert delivery sweeps`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)

	app, cleanup, err := buildApplication(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	app.deps.Pipeline.Start(ctx)
	defer app.deps.Pipeline.Stop()

	go monitorHealth(ctx, app.deps.Metrics, app.health, 30*time.Second)

	busClient, err := messaging.NewServiceBusClient(cfg.Azure)
	if err != nil {
		return err
	}
	defer busClient.Close()

	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting telemetry intake processor")
		return busClient.ProcessMessages(ctx, app.deps.Pipeline)
	})

	g.Go(func() error {
		return runScheduler(ctx, cfg, app)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// runScheduler drives the periodic jobs: scoring runs per tenant and alert
// dispatcher sweeps
func runScheduler(ctx context.Context, cfg config.Config, app *application) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	// Score the most recently closed period for every tenant once an hour.
	// Idempotent reruns make the aggressive schedule safe: a period already
	// scored is simply overwritten with identical rows.
	_, err = scheduler.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			runScoringPass(ctx, cfg, app)
		}),
	)
	if err != nil {
		return err
	}

	// Alert collection and delivery sweep
	_, err = scheduler.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() {
			if err := app.deps.Dispatcher.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Alert sweep failed")
			}
		}),
	)
	if err != nil {
		return err
	}

	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}

func runScoringPass(ctx context.Context, cfg config.Config, app *application) {
	list, err := app.tenants.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list tenants for scoring pass")
		return
	}

	periodStart := lastClosedPeriod(time.Now().UTC(), cfg.Scoring.Period, cfg.Scoring.GraceWindow)

	for _, tenant := range list {
		_, err := app.deps.Engine.Run(ctx, tenant.ID, periodStart)
		if err != nil {
			if errors.Is(err, scoring.ErrRerunConflict) {
				continue
			}
			log.Error().Err(err).Str("tenantId", tenant.ID.String()).Msg("Scheduled scoring run failed")
		}
	}
}

// lastClosedPeriod returns the start of the most recent period whose end
// plus grace window has passed
func lastClosedPeriod(now time.Time, period, grace time.Duration) time.Time {
	return now.Add(-grace).Truncate(period).Add(-period)
}
