package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/metrics"
	"example.com/backstage/services/fleet/internal/models"
	"example.com/backstage/services/fleet/internal/tracing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakes record the order of pipeline side effects

type fakeResolver struct {
	vehicle *models.Vehicle
}

func (f *fakeResolver) GetByMCU(ctx context.Context, mcu string) (*models.Vehicle, error) {
	if f.vehicle == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return f.vehicle, nil
}

type fakeFences struct {
	fences []*Fence
}

func (f *fakeFences) FencesForTenant(ctx context.Context, tenantID uuid.UUID) []*Fence {
	return f.fences
}

type fakeAssignments struct {
	driverID *uuid.UUID
}

func (f *fakeAssignments) GetActiveAtTime(ctx context.Context, vehicleID uuid.UUID, at time.Time) (*models.DriverAssignment, error) {
	if f.driverID == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return &models.DriverAssignment{DriverID: *f.driverID, VehicleID: vehicleID}, nil
}

type opLog struct {
	mu  sync.Mutex
	ops []string

	samples []*models.TelemetryRecord
	events  []*models.BehaviorEvent
}

func (l *opLog) record(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeSampleStore struct{ log *opLog }

func (s *fakeSampleStore) Create(ctx context.Context, rec *models.TelemetryRecord) error {
	s.log.record("persist-sample")
	s.log.mu.Lock()
	s.log.samples = append(s.log.samples, rec)
	s.log.mu.Unlock()
	return nil
}

type fakeEventStore struct{ log *opLog }

func (s *fakeEventStore) Create(ctx context.Context, event *models.BehaviorEvent) error {
	s.log.record("persist-event")
	s.log.mu.Lock()
	s.log.events = append(s.log.events, event)
	s.log.mu.Unlock()
	return nil
}

type fakeBroadcaster struct {
	log  *opLog
	done chan struct{}
}

func (b *fakeBroadcaster) LiveStateUpdate(ctx context.Context, tenantID, vehicleID uuid.UUID, fields map[string]interface{}, lat, lng float64) error {
	b.log.record("live-state")
	return nil
}

func (b *fakeBroadcaster) Publish(ctx context.Context, tenantID, vehicleID uuid.UUID, payload []byte) error {
	b.log.record("publish")
	select {
	case b.done <- struct{}{}:
	default:
	}
	return nil
}

func newTestPipeline(t *testing.T, resolver DeviceResolver, assignments AssignmentResolver, log *opLog, bc *fakeBroadcaster) *Pipeline {
	t.Helper()
	cfg := testPipelineConfig()
	cfg.Shards = 1
	cfg.ShardBuffer = 16
	cfg.IdleThreshold = 5 * time.Minute
	cfg.BroadcastSoftBudget = 3 * time.Second
	cfg.BroadcastHardBudget = 6 * time.Second

	tracer, _ := tracing.NewTracer(config.TracingConfig{})
	return NewPipeline(
		cfg,
		NewNormalizer(resolver),
		&fakeFences{},
		assignments,
		&fakeSampleStore{log: log},
		&fakeEventStore{log: log},
		nil,
		bc,
		metrics.NewMetrics(),
		tracer,
	)
}

func TestPipelinePersistsBeforeBroadcast(t *testing.T) {
	vehicle := &models.Vehicle{ID: uuid.New(), TenantID: uuid.New()}
	driverID := uuid.New()
	log := &opLog{}
	bc := &fakeBroadcaster{log: log, done: make(chan struct{}, 16)}

	p := newTestPipeline(t, &fakeResolver{vehicle: vehicle}, &fakeAssignments{driverID: &driverID}, log, bc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	base := time.Now().UTC()

	// Two samples, the second braking hard enough to classify
	raw1 := validRaw()
	raw1.Timestamp = base
	raw1.SpeedMph = 70
	_, err := p.Ingest(ctx, raw1)
	require.NoError(t, err)

	raw2 := validRaw()
	raw2.Timestamp = base.Add(2 * time.Second)
	raw2.SpeedMph = 40
	_, err = p.Ingest(ctx, raw2)
	require.NoError(t, err)

	p.Stop()

	// Single shard, so the side-effect order is deterministic: for each
	// sample the durable append comes first, broadcast last. The first
	// sample is speeding at 70 on a 65 limit, the second classifies a
	// harsh brake; each event is persisted before anything is published
	// for its sample.
	require.Equal(t, []string{
		"persist-sample", "persist-event", "live-state", "publish", "publish",
		"persist-sample", "persist-event", "live-state", "publish", "publish",
	}, log.snapshot())

	// Both events carry the assigned driver
	require.Len(t, log.events, 2)
	require.Equal(t, models.BehaviorSpeeding, log.events[0].Type)
	require.Equal(t, models.BehaviorHarshBraking, log.events[1].Type)
	for _, ev := range log.events {
		require.Equal(t, driverID, *ev.DriverID)
		require.Equal(t, vehicle.ID, ev.VehicleID)
		require.NotNil(t, ev.SampleID)
	}
}

func TestPipelineDropsStaleSamplesInOrder(t *testing.T) {
	vehicle := &models.Vehicle{ID: uuid.New(), TenantID: uuid.New()}
	log := &opLog{}
	bc := &fakeBroadcaster{log: log, done: make(chan struct{}, 16)}

	p := newTestPipeline(t, &fakeResolver{vehicle: vehicle}, &fakeAssignments{}, log, bc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	base := time.Now().UTC()

	raw1 := validRaw()
	raw1.Timestamp = base
	_, err := p.Ingest(ctx, raw1)
	require.NoError(t, err)

	// Stale: same vehicle, older timestamp. Accepted by Ingest, dropped on
	// the shard.
	raw2 := validRaw()
	raw2.Timestamp = base.Add(-time.Second)
	_, err = p.Ingest(ctx, raw2)
	require.NoError(t, err)

	p.Stop()

	require.Len(t, log.samples, 1)
	require.Equal(t, base, log.samples[0].Timestamp)
}

func TestPipelineClassificationFaultSkipsSampleNotShard(t *testing.T) {
	vehicle := &models.Vehicle{ID: uuid.New(), TenantID: uuid.New()}
	log := &opLog{}
	bc := &fakeBroadcaster{log: log, done: make(chan struct{}, 16)}

	p := newTestPipeline(t, &fakeResolver{vehicle: vehicle}, &fakeAssignments{}, log, bc)
	p.classify = func(prev, cur *Sample, trans Transitions) []Event {
		panic("missing previous state")
	}

	events, err := p.classifySafe(nil, &Sample{VehicleID: vehicle.ID}, Transitions{})
	require.Empty(t, events)
	require.ErrorIs(t, err, ErrClassificationFault)

	// The shard survives: samples keep flowing, just without events
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	base := time.Now().UTC()
	for i := 0; i < 2; i++ {
		raw := validRaw()
		raw.Timestamp = base.Add(time.Duration(i) * time.Second)
		_, err := p.Ingest(ctx, raw)
		require.NoError(t, err)
	}
	p.Stop()

	require.Len(t, log.samples, 2)
	require.Empty(t, log.events)
}

func TestPipelineIngestRejectsInvalidAndUnknown(t *testing.T) {
	log := &opLog{}
	bc := &fakeBroadcaster{log: log, done: make(chan struct{}, 16)}

	// No vehicle mapping at all
	p := newTestPipeline(t, &fakeResolver{}, &fakeAssignments{}, log, bc)

	ctx := context.Background()

	_, err := p.Ingest(ctx, validRaw())
	require.ErrorIs(t, err, ErrUnknownDevice)

	bad := validRaw()
	bad.SpeedMph = -10
	_, err = p.Ingest(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidSample)
}
