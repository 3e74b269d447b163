package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/metrics"
	"example.com/backstage/services/fleet/internal/models"
	"example.com/backstage/services/fleet/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrDeliveryExhausted means every configured channel ran out of delivery
// attempts without a single success
var ErrDeliveryExhausted = errors.New("alert delivery exhausted")

// EventSource feeds the dispatcher behavior events that have not been
// alerted on yet
type EventSource interface {
	GetUnalerted(ctx context.Context, types []models.BehaviorType, limit int) ([]models.BehaviorEvent, error)
	MarkAlerted(ctx context.Context, id uuid.UUID) error
}

// OutboxSource feeds the dispatcher unprocessed scoring notifications
type OutboxSource interface {
	GetUnprocessed(ctx context.Context, limit int) ([]models.Notification, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
}

// AlertStore persists alerts and their delivery attempts
type AlertStore interface {
	CreateIfAbsent(ctx context.Context, alert *models.Alert) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Alert, error)
	GetPending(ctx context.Context, limit int) ([]models.Alert, error)
	AppendAttempt(ctx context.Context, attempt *models.AlertDeliveryAttempt) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.AlertStatus) error
	Acknowledge(ctx context.Context, id uuid.UUID, at time.Time) error
	Escalate(ctx context.Context, id uuid.UUID, at time.Time) error
}

// DedupClaimer is the fast-path dedup guard in front of the DB unique
// index. Claiming an already-claimed key returns false.
type DedupClaimer interface {
	ClaimDedupKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Courier delivers one alert to one recipient over one channel
type Courier interface {
	Deliver(ctx context.Context, channel, recipient string, alert *models.Alert) error
}

// PreferenceResolver maps an alert to the recipients configured for a
// channel. An empty slice means nobody subscribed, which counts as a
// successful no-op delivery.
type PreferenceResolver interface {
	RecipientsFor(ctx context.Context, alert *models.Alert, channel string) ([]string, error)
}

// Dispatcher turns qualifying events and outbox notifications into alerts
// and drives their delivery. Deduplication, retry backoff and attempt
// bookkeeping all live here; couriers only talk to providers.
type Dispatcher struct {
	cfg     config.AlertConfig
	events  EventSource
	outbox  OutboxSource
	store   AlertStore
	dedup   DedupClaimer
	courier Courier
	prefs   PreferenceResolver
	metrics *metrics.Metrics
	tracer  tracing.Tracer
}

// NewDispatcher creates an alert dispatcher
func NewDispatcher(
	cfg config.AlertConfig,
	events EventSource,
	outbox OutboxSource,
	store AlertStore,
	dedup DedupClaimer,
	courier Courier,
	prefs PreferenceResolver,
	m *metrics.Metrics,
	tracer tracing.Tracer,
) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		events:  events,
		outbox:  outbox,
		store:   store,
		dedup:   dedup,
		courier: courier,
		prefs:   prefs,
		metrics: m,
		tracer:  tracer,
	}
}

var qualifyingTypes = []models.BehaviorType{
	models.BehaviorHarshBraking,
	models.BehaviorHarshAccel,
	models.BehaviorSharpTurn,
	models.BehaviorSpeeding,
	models.BehaviorGeofenceEntry,
	models.BehaviorGeofenceExit,
	models.BehaviorExcessiveIdle,
}

// Sweep runs one dispatcher cycle: fold new events and outbox rows into
// alerts, then attempt delivery of everything pending and due
func (d *Dispatcher) Sweep(ctx context.Context) error {
	txn := d.tracer.StartTransaction("alerts.Sweep")
	defer d.tracer.EndTransaction(txn)

	if err := d.collectEvents(ctx); err != nil {
		d.tracer.RecordError(txn, err)
		return err
	}
	if err := d.collectOutbox(ctx); err != nil {
		d.tracer.RecordError(txn, err)
		return err
	}
	return d.deliverPending(ctx)
}

// collectEvents folds unalerted behavior events into alerts. INFO events
// are consumed without raising anything; the dedup key collapses event
// storms inside one window into a single alert.
func (d *Dispatcher) collectEvents(ctx context.Context) error {
	events, err := d.events.GetUnalerted(ctx, qualifyingTypes, d.cfg.PollBatch)
	if err != nil {
		return errors.Wrap(err, "polling unalerted events")
	}

	for i := range events {
		ev := &events[i]
		if ev.Severity != models.SeverityInfo {
			entity := ev.VehicleID.String()
			key := DedupKey(string(ev.Type), entity, ev.Timestamp, d.cfg.DedupWindow)
			ctxPayload, _ := json.Marshal(map[string]interface{}{
				"eventId":   ev.ID,
				"magnitude": ev.Magnitude,
			})
			d.raise(ctx, &models.Alert{
				ID:          uuid.New(),
				TenantID:    ev.TenantID,
				VehicleID:   &ev.VehicleID,
				DriverID:    ev.DriverID,
				Rule:        string(ev.Type),
				Severity:    ev.Severity,
				Status:      models.AlertPending,
				DedupKey:    key,
				Context:     ctxPayload,
				TriggeredAt: ev.Timestamp,
			})
		}

		if err := d.events.MarkAlerted(ctx, ev.ID); err != nil {
			log.Error().Err(err).Str("eventId", ev.ID.String()).Msg("Failed to mark event alerted")
		}
	}
	return nil
}

// collectOutbox folds scoring notifications into alerts
func (d *Dispatcher) collectOutbox(ctx context.Context) error {
	notifications, err := d.outbox.GetUnprocessed(ctx, d.cfg.PollBatch)
	if err != nil {
		return errors.Wrap(err, "polling notification outbox")
	}

	for i := range notifications {
		n := &notifications[i]
		severity := models.SeverityInfo
		if n.Kind == models.NotificationTrainingFlag {
			severity = models.SeverityWarning
		}
		ctxPayload, _ := json.Marshal(map[string]interface{}{
			"notificationId": n.ID,
			"periodStart":    n.PeriodStart,
			"title":          n.Title,
		})
		d.raise(ctx, &models.Alert{
			ID:          uuid.New(),
			TenantID:    n.TenantID,
			DriverID:    &n.DriverID,
			Rule:        string(n.Kind),
			Severity:    severity,
			Status:      models.AlertPending,
			DedupKey:    DedupKey(string(n.Kind), n.DriverID.String(), n.PeriodStart, d.cfg.DedupWindow),
			Context:     ctxPayload,
			TriggeredAt: n.CreatedAt,
		})

		if err := d.outbox.MarkProcessed(ctx, n.ID); err != nil {
			log.Error().Err(err).Str("notificationId", n.ID.String()).Msg("Failed to mark notification processed")
		}
	}
	return nil
}

// raise creates an alert unless its dedup key is already claimed. The redis
// claim is the fast path; the DB unique index is the arbiter when redis is
// down or the claim races.
func (d *Dispatcher) raise(ctx context.Context, alert *models.Alert) {
	claimed, err := d.dedup.ClaimDedupKey(ctx, alert.DedupKey, d.cfg.DedupWindow)
	if err != nil {
		log.Warn().Err(err).Msg("Dedup claim failed, falling through to DB constraint")
	} else if !claimed {
		d.metrics.IncrementCounter("alerts_deduplicated")
		return
	}

	created, err := d.store.CreateIfAbsent(ctx, alert)
	if err != nil {
		log.Error().Err(err).Str("rule", alert.Rule).Msg("Failed to create alert")
		return
	}
	if !created {
		d.metrics.IncrementCounter("alerts_deduplicated")
		return
	}
	d.metrics.IncrementCounter("alerts_created")
}

// deliverPending walks pending alerts and attempts each configured channel
// that is due for a retry. Channels are independent: one channel failing or
// exhausting never blocks another.
func (d *Dispatcher) deliverPending(ctx context.Context) error {
	pending, err := d.store.GetPending(ctx, d.cfg.PollBatch)
	if err != nil {
		return errors.Wrap(err, "polling pending alerts")
	}

	for i := range pending {
		if err := d.deliver(ctx, &pending[i]); errors.Is(err, ErrDeliveryExhausted) {
			log.Error().Err(err).
				Str("rule", pending[i].Rule).
				Msg("Alert delivery gave up on every channel")
		}
	}
	return nil
}

// channelState summarizes prior attempts on one channel
type channelState struct {
	attempts  int
	lastTry   time.Time
	succeeded bool
}

func (d *Dispatcher) deliver(ctx context.Context, alert *models.Alert) error {
	states := make(map[string]*channelState, len(d.cfg.Channels))
	for _, ch := range d.cfg.Channels {
		states[ch] = &channelState{}
	}
	for _, at := range alert.Attempts {
		st, ok := states[at.Channel]
		if !ok {
			continue
		}
		st.attempts++
		if at.AttemptedAt.After(st.lastTry) {
			st.lastTry = at.AttemptedAt
		}
		if at.Status == models.AttemptSucceeded {
			st.succeeded = true
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	now := time.Now().UTC()

	for _, channel := range d.cfg.Channels {
		st := states[channel]
		if st.succeeded || st.attempts >= d.cfg.MaxAttempts {
			continue
		}
		if st.attempts > 0 && now.Before(d.nextDue(st)) {
			continue
		}

		wg.Add(1)
		go func(channel string, st *channelState) {
			defer wg.Done()
			ok := d.attemptChannel(ctx, alert, channel, st.attempts+1)
			mu.Lock()
			st.attempts++
			st.succeeded = st.succeeded || ok
			mu.Unlock()
		}(channel, st)
	}
	wg.Wait()

	anySucceeded := false
	allDone := true
	for _, st := range states {
		if st.succeeded {
			anySucceeded = true
			continue
		}
		if st.attempts < d.cfg.MaxAttempts {
			allDone = false
		}
	}

	switch {
	case anySucceeded:
		d.transition(ctx, alert.ID, models.AlertDelivered)
	case allDone:
		d.transition(ctx, alert.ID, models.AlertExhausted)
		d.metrics.IncrementCounter("alerts_exhausted")
		return errors.Wrapf(ErrDeliveryExhausted, "alert %s", alert.ID)
	}
	return nil
}

// nextDue computes when a channel may be retried: the backoff base doubles
// with each failed attempt
func (d *Dispatcher) nextDue(st *channelState) time.Time {
	backoff := d.cfg.BackoffBase * time.Duration(1<<(st.attempts-1))
	return st.lastTry.Add(backoff)
}

// attemptChannel performs one delivery attempt and records it. Returns true
// on success.
func (d *Dispatcher) attemptChannel(ctx context.Context, alert *models.Alert, channel string, attemptNo int) bool {
	recipients, err := d.prefs.RecipientsFor(ctx, alert, channel)
	if err != nil {
		d.recordAttempt(ctx, alert.ID, channel, attemptNo, models.AttemptFailed, err)
		return false
	}

	for _, recipient := range recipients {
		if err := d.courier.Deliver(ctx, channel, recipient, alert); err != nil {
			log.Warn().Err(err).
				Str("alertId", alert.ID.String()).
				Str("channel", channel).
				Int("attempt", attemptNo).
				Msg("Alert delivery attempt failed")
			d.recordAttempt(ctx, alert.ID, channel, attemptNo, models.AttemptFailed, err)
			return false
		}
	}

	d.recordAttempt(ctx, alert.ID, channel, attemptNo, models.AttemptSucceeded, nil)
	d.metrics.IncrementCounter("alerts_delivered_" + channel)
	return true
}

func (d *Dispatcher) recordAttempt(ctx context.Context, alertID uuid.UUID, channel string, attemptNo int, status models.AttemptStatus, attemptErr error) {
	attempt := &models.AlertDeliveryAttempt{
		ID:          uuid.New(),
		AlertID:     alertID,
		Channel:     channel,
		AttemptNo:   attemptNo,
		Status:      status,
		AttemptedAt: time.Now().UTC(),
	}
	if attemptErr != nil {
		msg := attemptErr.Error()
		attempt.Error = &msg
	}
	if err := d.store.AppendAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Str("alertId", alertID.String()).Msg("Failed to record delivery attempt")
	}
}

func (d *Dispatcher) transition(ctx context.Context, id uuid.UUID, status models.AlertStatus) {
	if err := d.store.UpdateStatus(ctx, id, status); err != nil {
		log.Error().Err(err).Str("alertId", id.String()).Msg("Failed to update alert status")
	}
}

// Acknowledge records operator acknowledgement
func (d *Dispatcher) Acknowledge(ctx context.Context, id uuid.UUID) error {
	if _, err := d.store.GetByID(ctx, id); err != nil {
		return err
	}
	return d.store.Acknowledge(ctx, id, time.Now().UTC())
}

// Escalate is an explicit operator action, never automatic. The alert is
// re-sent to the escalation channel and stamped.
func (d *Dispatcher) Escalate(ctx context.Context, id uuid.UUID) error {
	alert, err := d.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := d.store.Escalate(ctx, id, time.Now().UTC()); err != nil {
		return err
	}

	recipients, err := d.prefs.RecipientsFor(ctx, alert, "escalation")
	if err != nil {
		return errors.Wrap(err, "resolving escalation recipients")
	}
	for _, recipient := range recipients {
		if err := d.courier.Deliver(ctx, "escalation", recipient, alert); err != nil {
			return errors.Wrap(err, "delivering escalation")
		}
	}
	d.metrics.IncrementCounter("alerts_escalated")
	return nil
}

// DedupKey builds the alert dedup key from rule, entity and the time bucket
// the trigger falls into
func DedupKey(rule, entity string, at time.Time, window time.Duration) string {
	bucket := at.UTC().Truncate(window).Unix()
	return fmt.Sprintf("%s:%s:%d", rule, entity, bucket)
}
