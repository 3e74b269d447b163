package telemetry

import (
	"context"
	"sync"
	"time"

	"example.com/backstage/services/fleet/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// GeofenceLister loads geofence definitions for a tenant
type GeofenceLister interface {
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Geofence, error)
}

// FenceProvider hands the pipeline the compiled fences for a tenant
type FenceProvider interface {
	FencesForTenant(ctx context.Context, tenantID uuid.UUID) []*Fence
}

type cachedFences struct {
	fences  []*Fence
	expires time.Time
}

// CachedFenceProvider compiles tenant geofences once and refreshes them on a
// TTL, so the per-sample containment check never hits the database
type CachedFenceProvider struct {
	lister GeofenceLister
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[uuid.UUID]cachedFences
}

// NewCachedFenceProvider creates a fence provider with the given refresh TTL
func NewCachedFenceProvider(lister GeofenceLister, ttl time.Duration) *CachedFenceProvider {
	return &CachedFenceProvider{
		lister: lister,
		ttl:    ttl,
		cache:  make(map[uuid.UUID]cachedFences),
	}
}

// FencesForTenant returns the compiled fences for a tenant. On load failure
// the previous snapshot is served; a tenant with no loadable fences gets an
// empty set rather than an error, since classification must go on.
func (p *CachedFenceProvider) FencesForTenant(ctx context.Context, tenantID uuid.UUID) []*Fence {
	p.mu.RLock()
	entry, ok := p.cache[tenantID]
	p.mu.RUnlock()

	if ok && time.Now().Before(entry.expires) {
		return entry.fences
	}

	rows, err := p.lister.ListByTenant(ctx, tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("Failed to refresh geofences")
		return entry.fences
	}

	fences := make([]*Fence, 0, len(rows))
	for i := range rows {
		fence, err := CompileFence(&rows[i])
		if err != nil {
			log.Warn().Err(err).Str("geofence_id", rows[i].ID.String()).Msg("Skipping malformed geofence")
			continue
		}
		fences = append(fences, fence)
	}

	p.mu.Lock()
	p.cache[tenantID] = cachedFences{fences: fences, expires: time.Now().Add(p.ttl)}
	p.mu.Unlock()

	return fences
}
