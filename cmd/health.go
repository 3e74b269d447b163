package cmd

import (
	"context"
	"time"

	"example.com/backstage/services/fleet/internal/metrics"

	"github.com/rs/zerolog/log"
)

// healthCheck probes one dependency; nil means healthy
type healthCheck func(ctx context.Context) error

// runHealthChecks evaluates every registered probe once and records the
// results on the metrics collector backing the health endpoint
func runHealthChecks(ctx context.Context, m *metrics.Metrics, checks map[string]healthCheck) {
	for name, check := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check(probeCtx)
		cancel()

		if err != nil {
			log.Warn().Err(err).Str("component", name).Msg("Health check failed")
		}
		m.SetHealth(name, err == nil)
	}
}

// monitorHealth keeps the health map fresh until ctx is cancelled
func monitorHealth(ctx context.Context, m *metrics.Metrics, checks map[string]healthCheck, interval time.Duration) {
	runHealthChecks(ctx, m, checks)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runHealthChecks(ctx, m, checks)
		case <-ctx.Done():
			return
		}
	}
}
