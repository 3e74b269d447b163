package telemetry

import (
	"testing"

	"example.com/backstage/services/fleet/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCompileFence(t *testing.T) {
	g := &models.Geofence{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "depot",
		Boundary: []byte(`[{"lat":0,"lng":0},{"lat":1,"lng":0},{"lat":1,"lng":1},{"lat":0,"lng":1}]`),
	}

	fence, err := CompileFence(g)
	require.NoError(t, err)
	require.Equal(t, g.ID, fence.ID)
	require.Len(t, fence.Ring, 4)
}

func TestCompileFenceRejectsBadBoundaries(t *testing.T) {
	_, err := CompileFence(&models.Geofence{Boundary: []byte(`not json`)})
	require.Error(t, err)

	_, err = CompileFence(&models.Geofence{Boundary: []byte(`[{"lat":0,"lng":0},{"lat":1,"lng":1}]`)})
	require.Error(t, err)
}

func TestFenceContains(t *testing.T) {
	fence := squareFence(0, 0, 1)

	require.True(t, fence.Contains(Point{Lat: 0.5, Lng: 0.5}))
	require.False(t, fence.Contains(Point{Lat: 1.5, Lng: 0.5}))
	require.False(t, fence.Contains(Point{Lat: -0.5, Lng: 0.5}))
	require.False(t, fence.Contains(Point{Lat: 0.5, Lng: 2}))
}

func TestFenceContainsConcavePolygon(t *testing.T) {
	// L-shaped fence: the notch at the top right is outside
	fence := &Fence{
		ID: uuid.New(),
		Ring: []Point{
			{Lat: 0, Lng: 0},
			{Lat: 2, Lng: 0},
			{Lat: 2, Lng: 1},
			{Lat: 1, Lng: 1},
			{Lat: 1, Lng: 2},
			{Lat: 0, Lng: 2},
		},
	}

	require.True(t, fence.Contains(Point{Lat: 0.5, Lng: 0.5}))
	require.True(t, fence.Contains(Point{Lat: 1.5, Lng: 0.5}))
	require.True(t, fence.Contains(Point{Lat: 0.5, Lng: 1.5}))
	require.False(t, fence.Contains(Point{Lat: 1.5, Lng: 1.5}))
}
