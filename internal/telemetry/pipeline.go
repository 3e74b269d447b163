package telemetry

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/metrics"
	"example.com/backstage/services/fleet/internal/models"
	"example.com/backstage/services/fleet/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// SampleStore appends normalized samples to durable storage
type SampleStore interface {
	Create(ctx context.Context, rec *models.TelemetryRecord) error
}

// EventStore appends behavior events to durable storage
type EventStore interface {
	Create(ctx context.Context, event *models.BehaviorEvent) error
}

// AssignmentResolver finds the driver assigned to a vehicle at a point in
// time
type AssignmentResolver interface {
	GetActiveAtTime(ctx context.Context, vehicleID uuid.UUID, at time.Time) (*models.DriverAssignment, error)
}

// Broadcaster pushes committed updates to the live fan-out transport and
// the live state cache. Both are best-effort: failures degrade the live
// view but never block ingestion.
type Broadcaster interface {
	LiveStateUpdate(ctx context.Context, tenantID, vehicleID uuid.UUID, fields map[string]interface{}, lat, lng float64) error
	Publish(ctx context.Context, tenantID, vehicleID uuid.UUID, payload []byte) error
}

// EventIndexer mirrors committed events into the search index
type EventIndexer interface {
	IndexEvent(ctx context.Context, event *models.BehaviorEvent) error
}

// StreamMessage is the wire format delivered to live subscribers
type StreamMessage struct {
	Kind      string               `json:"kind"` // "location" or "event"
	VehicleID uuid.UUID            `json:"vehicle_id"`
	TenantID  uuid.UUID            `json:"tenant_id"`
	Timestamp time.Time            `json:"timestamp"`
	Latitude  float64              `json:"latitude,omitempty"`
	Longitude float64              `json:"longitude,omitempty"`
	SpeedMph  float64              `json:"speed_mph,omitempty"`
	EventType models.BehaviorType  `json:"event_type,omitempty"`
	Severity  models.EventSeverity `json:"severity,omitempty"`
	Magnitude float64              `json:"magnitude,omitempty"`
}

// Pipeline runs the normalize → track → classify → persist → broadcast flow.
// Samples are routed to a fixed shard by vehicle ID, and each shard is a
// single goroutine with its own state arena, so samples for one vehicle are
// applied strictly in order while vehicles on different shards proceed in
// parallel.
type Pipeline struct {
	cfg         config.PipelineConfig
	normalizer  *Normalizer
	classify    func(prev, cur *Sample, trans Transitions) []Event
	fences      FenceProvider
	assignments AssignmentResolver
	samples     SampleStore
	events      EventStore
	indexer     EventIndexer
	broadcast   Broadcaster
	metrics     *metrics.Metrics
	tracer      tracing.Tracer

	shards []chan *Sample
	wg     sync.WaitGroup
}

// NewPipeline wires the pipeline. indexer and broadcast may be nil when the
// corresponding backend is unavailable; the pipeline then skips those steps.
func NewPipeline(
	cfg config.PipelineConfig,
	normalizer *Normalizer,
	fences FenceProvider,
	assignments AssignmentResolver,
	samples SampleStore,
	events EventStore,
	indexer EventIndexer,
	broadcast Broadcaster,
	m *metrics.Metrics,
	tracer tracing.Tracer,
) *Pipeline {
	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = 1
	}

	shards := make([]chan *Sample, shardCount)
	for i := range shards {
		shards[i] = make(chan *Sample, cfg.ShardBuffer)
	}

	return &Pipeline{
		cfg:         cfg,
		normalizer:  normalizer,
		classify:    NewClassifier(cfg).Classify,
		fences:      fences,
		assignments: assignments,
		samples:     samples,
		events:      events,
		indexer:     indexer,
		broadcast:   broadcast,
		metrics:     m,
		tracer:      tracer,
		shards:      shards,
	}
}

// Start launches the shard workers. They run until Stop is called or ctx is
// cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	for i := range p.shards {
		p.wg.Add(1)
		go p.runShard(ctx, i)
	}
	log.Info().Int("shards", len(p.shards)).Msg("Telemetry pipeline started")
}

// Stop closes the shard channels and waits for in-flight samples to drain
func (p *Pipeline) Stop() {
	for _, ch := range p.shards {
		close(ch)
	}
	p.wg.Wait()
	log.Info().Msg("Telemetry pipeline stopped")
}

// Ingest is the ingestion entry point: it validates and resolves one raw
// sample, then hands it to the owning shard. The error classifies the
// rejection (ErrInvalidSample, ErrUnknownDevice); staleness is decided
// later, in order, on the shard and is not an error to the caller.
func (p *Pipeline) Ingest(ctx context.Context, raw *RawSample) (*Sample, error) {
	sample, err := p.normalizer.Normalize(ctx, raw)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSample):
			p.metrics.IncrementCounter("samples_invalid")
		case errors.Is(err, ErrUnknownDevice):
			p.metrics.IncrementCounter("samples_unknown_device")
		}
		log.Warn().Err(err).Str("device", raw.DeviceMCU).Msg("Sample rejected")
		return nil, err
	}

	shard := p.shardFor(sample.VehicleID)
	select {
	case p.shards[shard] <- sample:
		return sample, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) shardFor(vehicleID uuid.UUID) int {
	h := fnv.New32a()
	h.Write(vehicleID[:])
	return int(h.Sum32() % uint32(len(p.shards)))
}

func (p *Pipeline) runShard(ctx context.Context, idx int) {
	defer p.wg.Done()

	tracker := NewTracker(p.cfg.IdleThreshold)
	for {
		select {
		case sample, ok := <-p.shards[idx]:
			if !ok {
				return
			}
			// A failure on one vehicle's sample must never take down the
			// shard that other vehicles share.
			p.process(ctx, tracker, sample)

		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, tracker *Tracker, sample *Sample) {
	txn := p.tracer.StartTransaction("process-sample")
	defer p.tracer.EndTransaction(txn)

	fences := p.fences.FencesForTenant(ctx, sample.TenantID)

	prev, _, trans, accepted := tracker.Apply(sample, fences)
	if !accepted {
		p.metrics.IncrementCounter("samples_stale")
		log.Debug().
			Str("vehicle_id", sample.VehicleID.String()).
			Time("timestamp", sample.Timestamp).
			Msg("Stale sample dropped")
		return
	}

	// Durable append comes first: nothing is broadcast before it is
	// committed and visible to readers.
	rec := &models.TelemetryRecord{
		ID:         uuid.New(),
		VehicleID:  sample.VehicleID,
		TenantID:   sample.TenantID,
		Timestamp:  sample.Timestamp,
		Latitude:   sample.Latitude,
		Longitude:  sample.Longitude,
		SpeedMph:   sample.SpeedMph,
		HeadingDeg: sample.HeadingDeg,
		FuelPct:    sample.FuelPct,
		FaultCodes: sample.FaultCodes,
	}

	span := p.tracer.StartSpan("persist-sample", txn)
	err := p.samples.Create(ctx, rec)
	span.End()
	if err != nil {
		p.tracer.RecordError(txn, err)
		p.metrics.IncrementCounter("samples_persist_failed")
		log.Error().Err(err).Str("vehicle_id", sample.VehicleID.String()).Msg("Failed to persist sample")
		return
	}
	p.metrics.IncrementCounter("samples_processed")

	events, err := p.classifySafe(prev, sample, trans)
	if err != nil {
		p.tracer.RecordError(txn, err)
		p.metrics.IncrementCounter("classification_faults")
		log.Error().Err(err).
			Str("vehicle_id", sample.VehicleID.String()).
			Msg("Classification fault, sample skipped")
	}
	stored := p.persistEvents(ctx, sample, rec.ID, events)

	p.publish(ctx, sample, stored)

	latency := time.Since(sample.ReceivedAt)
	p.metrics.RecordTimer("pipeline_latency", latency)
	if latency > p.cfg.BroadcastHardBudget {
		p.metrics.IncrementCounter("latency_hard_breaches")
		log.Error().
			Dur("latency", latency).
			Str("vehicle_id", sample.VehicleID.String()).
			Msg("Pipeline latency exceeded hard budget")
	} else if latency > p.cfg.BroadcastSoftBudget {
		p.metrics.IncrementCounter("latency_soft_breaches")
		log.Warn().
			Dur("latency", latency).
			Str("vehicle_id", sample.VehicleID.String()).
			Msg("Pipeline latency exceeded target budget")
	}
}

// classifySafe runs the classifier, converting any internal invariant
// violation into ErrClassificationFault instead of a dead shard
func (p *Pipeline) classifySafe(prev *Sample, cur *Sample, trans Transitions) (events []Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = errors.Wrapf(ErrClassificationFault, "%v", r)
		}
	}()

	return p.classify(prev, cur, trans), nil
}

func (p *Pipeline) persistEvents(ctx context.Context, sample *Sample, sampleID uuid.UUID, events []Event) []*models.BehaviorEvent {
	if len(events) == 0 {
		return nil
	}

	// Resolve the driver once per sample: events attribute to whoever was
	// assigned at the event's timestamp.
	var driverID *uuid.UUID
	assignment, err := p.assignments.GetActiveAtTime(ctx, sample.VehicleID, sample.Timestamp)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn().Err(err).Str("vehicle_id", sample.VehicleID.String()).Msg("Driver assignment lookup failed")
		}
	} else {
		driverID = &assignment.DriverID
	}

	stored := make([]*models.BehaviorEvent, 0, len(events))
	for _, ev := range events {
		sid := sampleID
		record := &models.BehaviorEvent{
			ID:         uuid.New(),
			VehicleID:  sample.VehicleID,
			DriverID:   driverID,
			TenantID:   sample.TenantID,
			Type:       ev.Type,
			Severity:   ev.Severity,
			Magnitude:  ev.Magnitude,
			Timestamp:  ev.Timestamp,
			GeofenceID: ev.GeofenceID,
			SampleID:   &sid,
		}

		if err := p.events.Create(ctx, record); err != nil {
			p.metrics.IncrementCounter("events_persist_failed")
			log.Error().Err(err).
				Str("vehicle_id", sample.VehicleID.String()).
				Str("type", string(ev.Type)).
				Msg("Failed to persist behavior event")
			continue
		}
		p.metrics.IncrementCounter("events_emitted")
		stored = append(stored, record)

		if p.indexer != nil {
			if err := p.indexer.IndexEvent(ctx, record); err != nil {
				log.Warn().Err(err).Str("event_id", record.ID.String()).Msg("Failed to index event")
			}
		}
	}

	return stored
}

// publish fans the committed sample and events out to live subscribers.
// Everything here is best-effort and decoupled from the durability
// guarantee.
func (p *Pipeline) publish(ctx context.Context, sample *Sample, events []*models.BehaviorEvent) {
	if p.broadcast == nil {
		return
	}

	fields := map[string]interface{}{
		"vehicle_id":  sample.VehicleID.String(),
		"tenant_id":   sample.TenantID.String(),
		"lat":         sample.Latitude,
		"lng":         sample.Longitude,
		"speed_mph":   sample.SpeedMph,
		"heading_deg": sample.HeadingDeg,
		"timestamp":   sample.Timestamp.Unix(),
	}
	if err := p.broadcast.LiveStateUpdate(ctx, sample.TenantID, sample.VehicleID, fields, sample.Latitude, sample.Longitude); err != nil {
		log.Warn().Err(err).Str("vehicle_id", sample.VehicleID.String()).Msg("Live state update failed")
	}

	messages := make([]StreamMessage, 0, 1+len(events))
	messages = append(messages, StreamMessage{
		Kind:      "location",
		VehicleID: sample.VehicleID,
		TenantID:  sample.TenantID,
		Timestamp: sample.Timestamp,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		SpeedMph:  sample.SpeedMph,
	})
	for _, ev := range events {
		messages = append(messages, StreamMessage{
			Kind:      "event",
			VehicleID: ev.VehicleID,
			TenantID:  ev.TenantID,
			Timestamp: ev.Timestamp,
			EventType: ev.Type,
			Severity:  ev.Severity,
			Magnitude: ev.Magnitude,
		})
	}

	for _, msg := range messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal stream message")
			continue
		}
		if err := p.broadcast.Publish(ctx, sample.TenantID, sample.VehicleID, payload); err != nil {
			p.metrics.IncrementCounter("broadcast_failed")
			log.Warn().Err(err).Str("vehicle_id", sample.VehicleID.String()).Msg("Broadcast publish failed")
		}
	}
}
