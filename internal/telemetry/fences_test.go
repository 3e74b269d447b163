package telemetry

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/fleet/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type countingLister struct {
	rows  []models.Geofence
	err   error
	calls int
}

func (l *countingLister) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Geofence, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.rows, nil
}

func depotGeofence() models.Geofence {
	return models.Geofence{
		ID:       uuid.New(),
		Name:     "depot",
		Boundary: []byte(`[{"lat":0,"lng":0},{"lat":1,"lng":0},{"lat":1,"lng":1},{"lat":0,"lng":1}]`),
	}
}

func TestFenceProviderCachesWithinTTL(t *testing.T) {
	lister := &countingLister{rows: []models.Geofence{depotGeofence()}}
	provider := NewCachedFenceProvider(lister, time.Minute)
	tenantID := uuid.New()

	first := provider.FencesForTenant(context.Background(), tenantID)
	second := provider.FencesForTenant(context.Background(), tenantID)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	require.Equal(t, 1, lister.calls)
}

func TestFenceProviderServesStaleOnFailure(t *testing.T) {
	lister := &countingLister{rows: []models.Geofence{depotGeofence()}}
	provider := NewCachedFenceProvider(lister, -time.Second)
	tenantID := uuid.New()

	// TTL already expired, so every call refreshes
	first := provider.FencesForTenant(context.Background(), tenantID)
	require.Len(t, first, 1)

	lister.err = errors.New("connection refused")
	second := provider.FencesForTenant(context.Background(), tenantID)
	require.Equal(t, first, second)
}

func TestFenceProviderSkipsMalformedFences(t *testing.T) {
	bad := depotGeofence()
	bad.Boundary = []byte(`[{"lat":0,"lng":0}]`)

	lister := &countingLister{rows: []models.Geofence{depotGeofence(), bad}}
	provider := NewCachedFenceProvider(lister, time.Minute)

	fences := provider.FencesForTenant(context.Background(), uuid.New())
	require.Len(t, fences, 1)
}
