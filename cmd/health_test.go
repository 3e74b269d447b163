package cmd

import (
	"context"
	"testing"

	"example.com/backstage/services/fleet/internal/metrics"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRunHealthChecksRecordsEachProbe(t *testing.T) {
	m := metrics.NewMetrics()

	runHealthChecks(context.Background(), m, map[string]healthCheck{
		"database": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
	})

	checks := m.GetHealthChecks()
	require.True(t, checks["database"])
	require.False(t, checks["redis"])
}

func TestRunHealthChecksFlipsOnRecovery(t *testing.T) {
	m := metrics.NewMetrics()

	var dbErr error = errors.New("dial timeout")
	probe := map[string]healthCheck{
		"database": func(ctx context.Context) error { return dbErr },
	}

	runHealthChecks(context.Background(), m, probe)
	require.False(t, m.GetHealthChecks()["database"])

	dbErr = nil
	runHealthChecks(context.Background(), m, probe)
	require.True(t, m.GetHealthChecks()["database"])
}
