package telemetry

import (
	"encoding/json"

	"example.com/backstage/services/fleet/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Point is a geographic coordinate
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fence is a geofence with its boundary decoded, ready for containment
// checks
type Fence struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Name         string
	Ring         []Point
	AlertOnEntry bool
	AlertOnExit  bool
}

// CompileFence decodes a stored geofence boundary into a checkable polygon.
// The boundary is a JSON array of {lat,lng} vertices; the ring is implicitly
// closed.
func CompileFence(g *models.Geofence) (*Fence, error) {
	var ring []Point
	if err := json.Unmarshal(g.Boundary, &ring); err != nil {
		return nil, errors.Wrap(err, "failed to decode geofence boundary")
	}
	if len(ring) < 3 {
		return nil, errors.Errorf("geofence %s has %d vertices, need at least 3", g.ID, len(ring))
	}

	return &Fence{
		ID:           g.ID,
		TenantID:     g.TenantID,
		Name:         g.Name,
		Ring:         ring,
		AlertOnEntry: g.AlertOnEntry,
		AlertOnExit:  g.AlertOnExit,
	}, nil
}

// Contains reports whether the point lies inside the fence boundary,
// using the even-odd ray casting rule. Points exactly on an edge may land
// on either side; the tracker's hysteresis absorbs that jitter.
func (f *Fence) Contains(p Point) bool {
	inside := false
	n := len(f.Ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := f.Ring[i], f.Ring[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := (b.Lng-a.Lng)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lng
			if p.Lng < x {
				inside = !inside
			}
		}
	}
	return inside
}
