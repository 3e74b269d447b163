package alerts

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/metrics"
	"example.com/backstage/services/fleet/internal/models"
	"example.com/backstage/services/fleet/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockEventSource struct {
	mock.Mock
}

func (m *MockEventSource) GetUnalerted(ctx context.Context, types []models.BehaviorType, limit int) ([]models.BehaviorEvent, error) {
	args := m.Called(ctx, types, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.BehaviorEvent), args.Error(1)
}

func (m *MockEventSource) MarkAlerted(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockOutboxSource struct {
	mock.Mock
}

func (m *MockOutboxSource) GetUnprocessed(ctx context.Context, limit int) ([]models.Notification, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Notification), args.Error(1)
}

func (m *MockOutboxSource) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockAlertStore struct {
	mock.Mock
}

func (m *MockAlertStore) CreateIfAbsent(ctx context.Context, alert *models.Alert) (bool, error) {
	args := m.Called(ctx, alert)
	return args.Bool(0), args.Error(1)
}

func (m *MockAlertStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Alert), args.Error(1)
}

func (m *MockAlertStore) GetPending(ctx context.Context, limit int) ([]models.Alert, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Alert), args.Error(1)
}

func (m *MockAlertStore) AppendAttempt(ctx context.Context, attempt *models.AlertDeliveryAttempt) error {
	args := m.Called(ctx, attempt)
	return args.Error(0)
}

func (m *MockAlertStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.AlertStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockAlertStore) Acknowledge(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockAlertStore) Escalate(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

type MockDedupClaimer struct {
	mock.Mock
}

func (m *MockDedupClaimer) ClaimDedupKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

type MockCourier struct {
	mock.Mock
}

func (m *MockCourier) Deliver(ctx context.Context, channel, recipient string, alert *models.Alert) error {
	args := m.Called(ctx, channel, recipient, alert)
	return args.Error(0)
}

func testAlertConfig() config.AlertConfig {
	return config.AlertConfig{
		Channels:    []string{"push", "email"},
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		DedupWindow: 5 * time.Minute,
		PollBatch:   100,
	}
}

func newTestDispatcher(
	cfg config.AlertConfig,
	events *MockEventSource,
	outbox *MockOutboxSource,
	store *MockAlertStore,
	dedup *MockDedupClaimer,
	courier *MockCourier,
	prefs PreferenceResolver,
) *Dispatcher {
	tracer, _ := tracing.NewTracer(config.TracingConfig{})
	if prefs == nil {
		prefs = StaticResolver{Recipients: map[string][]string{
			"push":       {"device-token-1"},
			"email":      {"ops@example.com"},
			"escalation": {"supervisor@example.com"},
		}}
	}
	return NewDispatcher(cfg, events, outbox, store, dedup, courier, prefs, metrics.NewMetrics(), tracer)
}

func warningEvent(tenantID uuid.UUID) models.BehaviorEvent {
	driverID := uuid.New()
	return models.BehaviorEvent{
		ID:        uuid.New(),
		TenantID:  tenantID,
		VehicleID: uuid.New(),
		DriverID:  &driverID,
		Type:      models.BehaviorHarshBraking,
		Severity:  models.SeverityWarning,
		Magnitude: 0.7,
		Timestamp: time.Now().UTC(),
	}
}

func TestSweepCreatesAlertFromWarningEvent(t *testing.T) {
	tenantID := uuid.New()
	ev := warningEvent(tenantID)

	events := new(MockEventSource)
	events.On("GetUnalerted", mock.Anything, qualifyingTypes, 100).
		Return([]models.BehaviorEvent{ev}, nil)
	events.On("MarkAlerted", mock.Anything, ev.ID).Return(nil)

	outbox := new(MockOutboxSource)
	outbox.On("GetUnprocessed", mock.Anything, 100).Return([]models.Notification{}, nil)

	store := new(MockAlertStore)
	store.On("CreateIfAbsent", mock.Anything, mock.MatchedBy(func(a *models.Alert) bool {
		return a.Rule == string(models.BehaviorHarshBraking) &&
			a.TenantID == tenantID &&
			*a.VehicleID == ev.VehicleID &&
			a.Status == models.AlertPending
	})).Return(true, nil)
	store.On("GetPending", mock.Anything, 100).Return([]models.Alert{}, nil)

	dedup := new(MockDedupClaimer)
	dedup.On("ClaimDedupKey", mock.Anything, mock.AnythingOfType("string"), 5*time.Minute).Return(true, nil)

	d := newTestDispatcher(testAlertConfig(), events, outbox, store, dedup, new(MockCourier), nil)
	require.NoError(t, d.Sweep(context.Background()))

	store.AssertExpectations(t)
	events.AssertExpectations(t)
}

func TestSweepConsumesInfoEventsSilently(t *testing.T) {
	ev := warningEvent(uuid.New())
	ev.Severity = models.SeverityInfo

	events := new(MockEventSource)
	events.On("GetUnalerted", mock.Anything, qualifyingTypes, 100).
		Return([]models.BehaviorEvent{ev}, nil)
	events.On("MarkAlerted", mock.Anything, ev.ID).Return(nil)

	outbox := new(MockOutboxSource)
	outbox.On("GetUnprocessed", mock.Anything, 100).Return([]models.Notification{}, nil)

	store := new(MockAlertStore)
	store.On("GetPending", mock.Anything, 100).Return([]models.Alert{}, nil)

	d := newTestDispatcher(testAlertConfig(), events, outbox, store, new(MockDedupClaimer), new(MockCourier), nil)
	require.NoError(t, d.Sweep(context.Background()))

	// Event consumed, no alert raised
	events.AssertCalled(t, "MarkAlerted", mock.Anything, ev.ID)
	store.AssertNotCalled(t, "CreateIfAbsent", mock.Anything, mock.Anything)
}

func TestSweepDeduplicatesByClaim(t *testing.T) {
	ev := warningEvent(uuid.New())

	events := new(MockEventSource)
	events.On("GetUnalerted", mock.Anything, qualifyingTypes, 100).
		Return([]models.BehaviorEvent{ev}, nil)
	events.On("MarkAlerted", mock.Anything, ev.ID).Return(nil)

	outbox := new(MockOutboxSource)
	outbox.On("GetUnprocessed", mock.Anything, 100).Return([]models.Notification{}, nil)

	store := new(MockAlertStore)
	store.On("GetPending", mock.Anything, 100).Return([]models.Alert{}, nil)

	dedup := new(MockDedupClaimer)
	dedup.On("ClaimDedupKey", mock.Anything, mock.AnythingOfType("string"), 5*time.Minute).Return(false, nil)

	d := newTestDispatcher(testAlertConfig(), events, outbox, store, dedup, new(MockCourier), nil)
	require.NoError(t, d.Sweep(context.Background()))

	store.AssertNotCalled(t, "CreateIfAbsent", mock.Anything, mock.Anything)
}

func TestSweepTurnsTrainingFlagIntoWarningAlert(t *testing.T) {
	n := models.Notification{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		DriverID:    uuid.New(),
		Kind:        models.NotificationTrainingFlag,
		Title:       "Defensive driving refresher recommended",
		PeriodStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:   time.Now().UTC(),
	}

	events := new(MockEventSource)
	events.On("GetUnalerted", mock.Anything, qualifyingTypes, 100).
		Return([]models.BehaviorEvent{}, nil)

	outbox := new(MockOutboxSource)
	outbox.On("GetUnprocessed", mock.Anything, 100).Return([]models.Notification{n}, nil)
	outbox.On("MarkProcessed", mock.Anything, n.ID).Return(nil)

	store := new(MockAlertStore)
	store.On("CreateIfAbsent", mock.Anything, mock.MatchedBy(func(a *models.Alert) bool {
		return a.Rule == string(models.NotificationTrainingFlag) &&
			a.Severity == models.SeverityWarning &&
			*a.DriverID == n.DriverID
	})).Return(true, nil)
	store.On("GetPending", mock.Anything, 100).Return([]models.Alert{}, nil)

	dedup := new(MockDedupClaimer)
	dedup.On("ClaimDedupKey", mock.Anything, mock.AnythingOfType("string"), 5*time.Minute).Return(true, nil)

	d := newTestDispatcher(testAlertConfig(), events, outbox, store, dedup, new(MockCourier), nil)
	require.NoError(t, d.Sweep(context.Background()))

	store.AssertExpectations(t)
	outbox.AssertExpectations(t)
}

func pendingAlert(attempts []models.AlertDeliveryAttempt) models.Alert {
	vehicleID := uuid.New()
	return models.Alert{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		VehicleID:   &vehicleID,
		Rule:        string(models.BehaviorSpeeding),
		Severity:    models.SeverityCritical,
		Status:      models.AlertPending,
		DedupKey:    "speeding:test:0",
		TriggeredAt: time.Now().UTC().Add(-time.Hour),
		Attempts:    attempts,
	}
}

func emptySweepSources(t *testing.T) (*MockEventSource, *MockOutboxSource) {
	t.Helper()
	events := new(MockEventSource)
	events.On("GetUnalerted", mock.Anything, qualifyingTypes, 100).
		Return([]models.BehaviorEvent{}, nil)
	outbox := new(MockOutboxSource)
	outbox.On("GetUnprocessed", mock.Anything, 100).Return([]models.Notification{}, nil)
	return events, outbox
}

func TestDeliverySuccessOnOneChannelDeliversAlert(t *testing.T) {
	alert := pendingAlert(nil)

	events, outbox := emptySweepSources(t)

	store := new(MockAlertStore)
	store.On("GetPending", mock.Anything, 100).Return([]models.Alert{alert}, nil)
	store.On("AppendAttempt", mock.Anything, mock.AnythingOfType("*models.AlertDeliveryAttempt")).Return(nil)
	store.On("UpdateStatus", mock.Anything, alert.ID, models.AlertDelivered).Return(nil)

	courier := new(MockCourier)
	courier.On("Deliver", mock.Anything, "push", "device-token-1", mock.Anything).
		Return(errors.New("provider timeout"))
	courier.On("Deliver", mock.Anything, "email", "ops@example.com", mock.Anything).
		Return(nil)

	d := newTestDispatcher(testAlertConfig(), events, outbox, store, new(MockDedupClaimer), courier, nil)
	require.NoError(t, d.Sweep(context.Background()))

	// One channel failing never blocks the sibling; one success delivers
	store.AssertCalled(t, "UpdateStatus", mock.Anything, alert.ID, models.AlertDelivered)
	courier.AssertExpectations(t)
}

func TestDeliveryExhaustsAfterMaxAttempts(t *testing.T) {
	// Both channels already carry two old failed attempts
	old := time.Now().UTC().Add(-time.Hour)
	var attempts []models.AlertDeliveryAttempt
	for _, ch := range []string{"push", "email"} {
		for i := 1; i <= 2; i++ {
			attempts = append(attempts, models.AlertDeliveryAttempt{
				ID:          uuid.New(),
				Channel:     ch,
				AttemptNo:   i,
				Status:      models.AttemptFailed,
				AttemptedAt: old.Add(time.Duration(i) * time.Minute),
			})
		}
	}
	alert := pendingAlert(attempts)

	events, outbox := emptySweepSources(t)

	store := new(MockAlertStore)
	store.On("GetPending", mock.Anything, 100).Return([]models.Alert{alert}, nil)
	store.On("AppendAttempt", mock.Anything, mock.MatchedBy(func(a *models.AlertDeliveryAttempt) bool {
		return a.AttemptNo == 3 && a.Status == models.AttemptFailed
	})).Return(nil)
	store.On("UpdateStatus", mock.Anything, alert.ID, models.AlertExhausted).Return(nil)

	courier := new(MockCourier)
	courier.On("Deliver", mock.Anything, mock.AnythingOfType("string"), mock.AnythingOfType("string"), mock.Anything).
		Return(errors.New("provider down"))

	d := newTestDispatcher(testAlertConfig(), events, outbox, store, new(MockDedupClaimer), courier, nil)
	require.NoError(t, d.Sweep(context.Background()))

	store.AssertCalled(t, "UpdateStatus", mock.Anything, alert.ID, models.AlertExhausted)
}

func TestDeliverReportsExhaustion(t *testing.T) {
	// Every channel already burned its attempt budget without a success
	old := time.Now().UTC().Add(-time.Hour)
	var attempts []models.AlertDeliveryAttempt
	for _, ch := range []string{"push", "email"} {
		for i := 1; i <= 3; i++ {
			attempts = append(attempts, models.AlertDeliveryAttempt{
				ID:          uuid.New(),
				Channel:     ch,
				AttemptNo:   i,
				Status:      models.AttemptFailed,
				AttemptedAt: old.Add(time.Duration(i) * time.Minute),
			})
		}
	}
	alert := pendingAlert(attempts)

	store := new(MockAlertStore)
	store.On("UpdateStatus", mock.Anything, alert.ID, models.AlertExhausted).Return(nil)

	courier := new(MockCourier)

	d := newTestDispatcher(testAlertConfig(), new(MockEventSource), new(MockOutboxSource), store, new(MockDedupClaimer), courier, nil)
	err := d.deliver(context.Background(), &alert)

	require.ErrorIs(t, err, ErrDeliveryExhausted)
	courier.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestDeliveryRespectsBackoff(t *testing.T) {
	// One failed attempt seconds ago: backoff of 30s has not elapsed
	alert := pendingAlert([]models.AlertDeliveryAttempt{
		{
			ID:          uuid.New(),
			Channel:     "push",
			AttemptNo:   1,
			Status:      models.AttemptFailed,
			AttemptedAt: time.Now().UTC().Add(-5 * time.Second),
		},
		{
			ID:          uuid.New(),
			Channel:     "email",
			AttemptNo:   1,
			Status:      models.AttemptFailed,
			AttemptedAt: time.Now().UTC().Add(-5 * time.Second),
		},
	})

	events, outbox := emptySweepSources(t)

	store := new(MockAlertStore)
	store.On("GetPending", mock.Anything, 100).Return([]models.Alert{alert}, nil)

	courier := new(MockCourier)

	d := newTestDispatcher(testAlertConfig(), events, outbox, store, new(MockDedupClaimer), courier, nil)
	require.NoError(t, d.Sweep(context.Background()))

	// Not due: no delivery attempted, no status change
	courier.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestEscalateSendsToEscalationChannel(t *testing.T) {
	alert := pendingAlert(nil)

	store := new(MockAlertStore)
	store.On("GetByID", mock.Anything, alert.ID).Return(&alert, nil)
	store.On("Escalate", mock.Anything, alert.ID, mock.AnythingOfType("time.Time")).Return(nil)

	courier := new(MockCourier)
	courier.On("Deliver", mock.Anything, "escalation", "supervisor@example.com", &alert).Return(nil)

	d := newTestDispatcher(testAlertConfig(), new(MockEventSource), new(MockOutboxSource), store, new(MockDedupClaimer), courier, nil)
	require.NoError(t, d.Escalate(context.Background(), alert.ID))

	store.AssertExpectations(t)
	courier.AssertExpectations(t)
}

func TestDedupKeyBuckets(t *testing.T) {
	window := 5 * time.Minute
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Same bucket
	k1 := DedupKey("speeding", "vehicle-1", base.Add(time.Minute), window)
	k2 := DedupKey("speeding", "vehicle-1", base.Add(4*time.Minute), window)
	require.Equal(t, k1, k2)

	// Next bucket
	k3 := DedupKey("speeding", "vehicle-1", base.Add(6*time.Minute), window)
	require.NotEqual(t, k1, k3)

	// Different rule or entity
	require.NotEqual(t, k1, DedupKey("harsh_braking", "vehicle-1", base, window))
	require.NotEqual(t, k1, DedupKey("speeding", "vehicle-2", base, window))
}
