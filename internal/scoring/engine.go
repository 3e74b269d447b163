package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/metrics"
	"example.com/backstage/services/fleet/internal/models"
	"example.com/backstage/services/fleet/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrRerunConflict means the requested period is not closed yet: its end
// plus the late-event grace window is still in the future
var ErrRerunConflict = errors.New("scoring period still inside grace window")

// EventLister loads committed behavior events for a closed period
type EventLister interface {
	ListForPeriod(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]models.BehaviorEvent, error)
}

// ActivitySource lists drivers with vehicle assignment activity inside a
// period. A driver who drove but produced no events still gets scored, and a
// clean period is what earns the achievement.
type ActivitySource interface {
	ActiveDrivers(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]uuid.UUID, error)
}

// ScoreWriter persists computed score periods, keyed by (driver, period)
type ScoreWriter interface {
	Upsert(ctx context.Context, score *models.DriverScorePeriod) error
}

// Outbox appends scoring notifications; duplicates are suppressed by
// dedup key
type Outbox interface {
	CreateIfAbsent(ctx context.Context, n *models.Notification) (bool, error)
}

// ComplianceRecord carries the per-driver inputs that do not derive from
// behavior events
type ComplianceRecord struct {
	FuelVariancePct  float64
	PolicyViolations int
	Incidents        int
}

// ComplianceSource supplies compliance records for a period. Deployments
// without a compliance feed use ZeroCompliance.
type ComplianceSource interface {
	RecordFor(ctx context.Context, driverID uuid.UUID, periodStart time.Time) (ComplianceRecord, error)
}

// ZeroCompliance reports a clean record for every driver
type ZeroCompliance struct{}

func (ZeroCompliance) RecordFor(ctx context.Context, driverID uuid.UUID, periodStart time.Time) (ComplianceRecord, error) {
	return ComplianceRecord{}, nil
}

// Engine computes driver score periods from the committed event stream.
// Run is idempotent: the same closed period and event set always produces
// the same rows.
type Engine struct {
	cfg        config.ScoringConfig
	events     EventLister
	activity   ActivitySource
	scores     ScoreWriter
	outbox     Outbox
	compliance ComplianceSource
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
}

// NewEngine creates a scoring engine. A nil compliance source defaults to
// ZeroCompliance; a nil activity source limits the batch to drivers with
// events.
func NewEngine(
	cfg config.ScoringConfig,
	events EventLister,
	activity ActivitySource,
	scores ScoreWriter,
	outbox Outbox,
	compliance ComplianceSource,
	m *metrics.Metrics,
	tracer tracing.Tracer,
) *Engine {
	if compliance == nil {
		compliance = ZeroCompliance{}
	}
	if activity == nil {
		activity = noActivity{}
	}
	return &Engine{
		cfg:        cfg,
		events:     events,
		activity:   activity,
		scores:     scores,
		outbox:     outbox,
		compliance: compliance,
		metrics:    m,
		tracer:     tracer,
	}
}

// noActivity restricts scoring to drivers that appear in the event stream
type noActivity struct{}

func (noActivity) ActiveDrivers(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

// tally is the per-driver event aggregation for one period
type tally struct {
	harshBraking int
	harshAccel   int
	sharpTurns   int
	speeding     int
	idleMinutes  float64
}

// Run scores every driver with events or assignment activity in the period
// starting at periodStart.
// The period must be closed: now must be past period end plus the grace
// window, otherwise ErrRerunConflict is returned and nothing is written.
func (e *Engine) Run(ctx context.Context, tenantID uuid.UUID, periodStart time.Time) ([]models.DriverScorePeriod, error) {
	txn := e.tracer.StartTransaction("scoring.Run")
	defer e.tracer.EndTransaction(txn)

	periodStart = periodStart.UTC()
	periodEnd := periodStart.Add(e.cfg.Period)

	if time.Now().UTC().Before(periodEnd.Add(e.cfg.GraceWindow)) {
		return nil, errors.Wrapf(ErrRerunConflict, "period ending %s", periodEnd.Format(time.RFC3339))
	}

	start := time.Now()
	events, err := e.events.ListForPeriod(ctx, tenantID, periodStart, periodEnd)
	if err != nil {
		e.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "loading events for scoring period")
	}

	tallies := make(map[uuid.UUID]*tally)
	unattributed := 0
	for _, ev := range events {
		if ev.DriverID == nil {
			unattributed++
			continue
		}
		t := tallies[*ev.DriverID]
		if t == nil {
			t = &tally{}
			tallies[*ev.DriverID] = t
		}
		switch ev.Type {
		case models.BehaviorHarshBraking:
			t.harshBraking++
		case models.BehaviorHarshAccel:
			t.harshAccel++
		case models.BehaviorSharpTurn:
			t.sharpTurns++
		case models.BehaviorSpeeding:
			t.speeding++
		case models.BehaviorExcessiveIdle:
			t.idleMinutes += ev.Magnitude
		}
	}
	// Drivers who were assigned a vehicle in the period but produced no
	// events score a clean period, they are not skipped
	active, err := e.activity.ActiveDrivers(ctx, tenantID, periodStart, periodEnd)
	if err != nil {
		e.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "loading active drivers for scoring period")
	}
	for _, id := range active {
		if _, ok := tallies[id]; !ok {
			tallies[id] = &tally{}
		}
	}

	if unattributed > 0 {
		log.Warn().
			Str("tenantId", tenantID.String()).
			Int("count", unattributed).
			Msg("Events without a driver assignment excluded from scoring")
		e.metrics.IncrementCounterBy("scoring_unattributed_events", int64(unattributed))
	}

	// Deterministic ordering so reruns write the same rows in the same order
	driverIDs := make([]uuid.UUID, 0, len(tallies))
	for id := range tallies {
		driverIDs = append(driverIDs, id)
	}
	sort.Slice(driverIDs, func(i, j int) bool {
		return driverIDs[i].String() < driverIDs[j].String()
	})

	periods := make([]models.DriverScorePeriod, 0, len(driverIDs))
	for _, driverID := range driverIDs {
		rec, err := e.compliance.RecordFor(ctx, driverID, periodStart)
		if err != nil {
			log.Error().Err(err).
				Str("driverId", driverID.String()).
				Msg("Compliance lookup failed, driver skipped this run")
			e.metrics.IncrementCounter("scoring_driver_errors")
			continue
		}
		periods = append(periods, e.score(tenantID, driverID, periodStart, periodEnd, tallies[driverID], rec))
	}

	e.rank(periods)

	written := make([]models.DriverScorePeriod, 0, len(periods))
	for i := range periods {
		p := &periods[i]
		if err := e.scores.Upsert(ctx, p); err != nil {
			log.Error().Err(err).
				Str("driverId", p.DriverID.String()).
				Msg("Failed to upsert driver score period")
			e.metrics.IncrementCounter("scoring_driver_errors")
			continue
		}
		e.notify(ctx, p)
		written = append(written, *p)
	}

	e.metrics.RecordTimer("scoring_run", time.Since(start))
	e.metrics.IncrementCounterBy("scoring_periods_written", int64(len(written)))
	log.Info().
		Str("tenantId", tenantID.String()).
		Time("periodStart", periodStart).
		Int("drivers", len(written)).
		Msg("Scoring run complete")

	return written, nil
}

func (e *Engine) score(
	tenantID, driverID uuid.UUID,
	periodStart, periodEnd time.Time,
	t *tally,
	rec ComplianceRecord,
) models.DriverScorePeriod {
	safety := 100 -
		e.cfg.HarshBrakingWeight*float64(t.harshBraking) -
		e.cfg.SpeedingWeight*float64(t.speeding) -
		e.cfg.HarshAccelWeight*float64(t.harshAccel) -
		e.cfg.SharpTurnWeight*float64(t.sharpTurns)

	efficiency := 100 -
		t.idleMinutes/e.cfg.IdleMinutesDivisor -
		e.cfg.FuelVarianceWeight*rec.FuelVariancePct

	compliance := 100 -
		e.cfg.ViolationWeight*float64(rec.PolicyViolations) -
		e.cfg.IncidentWeight*float64(rec.Incidents)

	safety = clamp(safety)
	efficiency = clamp(efficiency)
	compliance = clamp(compliance)
	overall := (safety + efficiency + compliance) / 3

	return models.DriverScorePeriod{
		ID:              uuid.New(),
		DriverID:        driverID,
		TenantID:        tenantID,
		PeriodStart:     periodStart,
		PeriodEnd:       periodEnd,
		SafetyScore:     round2(safety),
		EfficiencyScore: round2(efficiency),
		ComplianceScore: round2(compliance),
		OverallScore:    round2(overall),
		HarshBraking:    t.harshBraking,
		HarshAccel:      t.harshAccel,
		SharpTurns:      t.sharpTurns,
		Speeding:        t.speeding,
		IdleMinutes:     round2(t.idleMinutes),
	}
}

// rank assigns fleet rank and percentile in a second pass over the scored
// batch. Ties break on driver ID so the ordering is stable across reruns.
func (e *Engine) rank(periods []models.DriverScorePeriod) {
	if len(periods) == 0 {
		return
	}

	order := make([]int, len(periods))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		pa, pb := &periods[order[a]], &periods[order[b]]
		if pa.OverallScore != pb.OverallScore {
			return pa.OverallScore > pb.OverallScore
		}
		return pa.DriverID.String() < pb.DriverID.String()
	})

	n := float64(len(periods))
	for pos, idx := range order {
		periods[idx].Rank = pos + 1
		periods[idx].Percentile = round2((n - float64(pos+1)) / n * 100)
	}
}

// notify appends achievement and training-flag notifications to the outbox.
// Dedup keys make reruns of the same period a no-op.
func (e *Engine) notify(ctx context.Context, p *models.DriverScorePeriod) {
	if p.OverallScore >= e.cfg.AchievementMin {
		e.enqueue(ctx, p, models.NotificationAchievement, "Safety Star")
	}
	if p.SafetyScore < e.cfg.TrainingFlagMax {
		e.enqueue(ctx, p, models.NotificationTrainingFlag, "Defensive driving refresher recommended")
	}
}

func (e *Engine) enqueue(ctx context.Context, p *models.DriverScorePeriod, kind models.NotificationKind, title string) {
	created, err := e.outbox.CreateIfAbsent(ctx, &models.Notification{
		ID:          uuid.New(),
		TenantID:    p.TenantID,
		DriverID:    p.DriverID,
		Kind:        kind,
		Title:       title,
		PeriodStart: p.PeriodStart,
		DedupKey:    NotificationDedupKey(p.DriverID, p.PeriodStart, kind),
	})
	if err != nil {
		log.Error().Err(err).
			Str("driverId", p.DriverID.String()).
			Str("kind", string(kind)).
			Msg("Failed to enqueue scoring notification")
		return
	}
	if created {
		e.metrics.IncrementCounter("scoring_notifications_enqueued")
	}
}

// NotificationDedupKey builds the outbox dedup key for one driver, period
// and notification kind
func NotificationDedupKey(driverID uuid.UUID, periodStart time.Time, kind models.NotificationKind) string {
	return fmt.Sprintf("score:%s:%s:%s", driverID, periodStart.UTC().Format(time.RFC3339), kind)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
