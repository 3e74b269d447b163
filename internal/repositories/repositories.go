package repositories

import (
	"context"
	"time"

	"example.com/backstage/services/fleet/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VehicleRepository provides access to vehicle data
type VehicleRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewVehicleRepository creates a new vehicle repository
func NewVehicleRepository(db *gorm.DB, readOnlyDB *gorm.DB) *VehicleRepository {
	return &VehicleRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByMCU gets a vehicle by its telematics device MCU identifier
func (r *VehicleRepository) GetByMCU(ctx context.Context, mcu string) (*models.Vehicle, error) {
	var vehicle models.Vehicle
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).Where("device_mcu = ?", mcu).First(&vehicle).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get vehicle by MCU")
	}
	return &vehicle, nil
}

// GetByID gets a vehicle by ID
func (r *VehicleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Vehicle, error) {
	var vehicle models.Vehicle
	err := r.readOnlyDB.WithContext(ctx).First(&vehicle, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get vehicle by ID")
	}
	return &vehicle, nil
}

// TenantRepository provides access to tenant data
type TenantRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewTenantRepository creates a new repository
func NewTenantRepository(db *gorm.DB, readOnlyDB *gorm.DB) *TenantRepository {
	return &TenantRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// List returns all tenants
func (r *TenantRepository) List(ctx context.Context) ([]models.Tenant, error) {
	var tenants []models.Tenant
	err := r.readOnlyDB.WithContext(ctx).Find(&tenants).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tenants")
	}
	return tenants, nil
}

// GeofenceRepository provides access to geofence definitions
type GeofenceRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewGeofenceRepository creates a new repository
func NewGeofenceRepository(db *gorm.DB, readOnlyDB *gorm.DB) *GeofenceRepository {
	return &GeofenceRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// ListByTenant returns all geofences belonging to a tenant
func (r *GeofenceRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Geofence, error) {
	var fences []models.Geofence
	err := r.readOnlyDB.WithContext(ctx).Where("tenant_id = ?", tenantID).Find(&fences).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list geofences")
	}
	return fences, nil
}

// AssignmentRepository provides access to driver-vehicle assignments
type AssignmentRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewAssignmentRepository creates a new repository
func NewAssignmentRepository(db *gorm.DB, readOnlyDB *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetActiveAtTime gets the assignment active for a vehicle at a specific time.
// Returns gorm.ErrRecordNotFound when the vehicle had no driver then.
func (r *AssignmentRepository) GetActiveAtTime(ctx context.Context, vehicleID uuid.UUID, at time.Time) (*models.DriverAssignment, error) {
	var assignment models.DriverAssignment
	err := r.readOnlyDB.WithContext(ctx).
		Where("vehicle_id = ? AND start <= ? AND (\"end\" IS NULL OR \"end\" > ?)",
			vehicleID, at, at).
		First(&assignment).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get active driver assignment")
	}
	return &assignment, nil
}

// ActiveDrivers returns the distinct drivers assigned to any vehicle during
// the window, including drivers whose vehicles produced no events
func (r *AssignmentRepository) ActiveDrivers(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.DriverAssignment{}).
		Distinct().
		Where("tenant_id = ? AND start < ? AND (\"end\" IS NULL OR \"end\" > ?)",
			tenantID, end, start).
		Pluck("driver_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active drivers")
	}
	return ids, nil
}

// TelemetryRepository provides access to the append-only telemetry log
type TelemetryRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewTelemetryRepository creates a new repository
func NewTelemetryRepository(db *gorm.DB, readOnlyDB *gorm.DB) *TelemetryRepository {
	return &TelemetryRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create appends a telemetry record
func (r *TelemetryRepository) Create(ctx context.Context, rec *models.TelemetryRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// CreateBatch appends a batch of telemetry records
func (r *TelemetryRepository) CreateBatch(ctx context.Context, recs []*models.TelemetryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(recs, 500).Error
}

// EventRepository provides access to behavior events
type EventRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewEventRepository creates a new repository
func NewEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EventRepository {
	return &EventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create appends a behavior event
func (r *EventRepository) Create(ctx context.Context, event *models.BehaviorEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// ListForPeriod returns all committed events for a tenant inside a period,
// ordered deterministically so callers can aggregate reproducibly.
func (r *EventRepository) ListForPeriod(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]models.BehaviorEvent, error) {
	var events []models.BehaviorEvent
	err := r.readOnlyDB.WithContext(ctx).
		Where("tenant_id = ? AND timestamp >= ? AND timestamp < ?", tenantID, start, end).
		Order("timestamp ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events for period")
	}
	return events, nil
}

// GetUnalerted returns qualifying events the alert dispatcher has not picked
// up yet
func (r *EventRepository) GetUnalerted(ctx context.Context, types []models.BehaviorType, limit int) ([]models.BehaviorEvent, error) {
	var events []models.BehaviorEvent
	err := r.readOnlyDB.WithContext(ctx).
		Where("alerted = ? AND type IN ?", false, types).
		Order("timestamp ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get unalerted events")
	}
	return events, nil
}

// MarkAlerted marks an event as picked up by the alert dispatcher
func (r *EventRepository) MarkAlerted(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.BehaviorEvent{}).
		Where("id = ?", id).
		Update("alerted", true)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark event alerted")
	}
	if result.RowsAffected == 0 {
		return errors.New("no event updated")
	}
	return nil
}

// ScoreRepository provides access to driver score periods
type ScoreRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewScoreRepository creates a new repository
func NewScoreRepository(db *gorm.DB, readOnlyDB *gorm.DB) *ScoreRepository {
	return &ScoreRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Upsert writes a score period record, replacing any previous computation
// for the same (driver, period_start) key
func (r *ScoreRepository) Upsert(ctx context.Context, score *models.DriverScorePeriod) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "driver_id"}, {Name: "period_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"period_end", "safety_score", "efficiency_score", "compliance_score",
			"overall_score", "harsh_braking", "harsh_accel", "sharp_turns",
			"speeding", "idle_minutes", "rank", "percentile", "updated_at",
		}),
	}).Create(score).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert driver score period")
	}
	return nil
}

// GetByDriverPeriod returns the score record for one driver and period start
func (r *ScoreRepository) GetByDriverPeriod(ctx context.Context, driverID uuid.UUID, periodStart time.Time) (*models.DriverScorePeriod, error) {
	var score models.DriverScorePeriod
	err := r.readOnlyDB.WithContext(ctx).
		Where("driver_id = ? AND period_start = ?", driverID, periodStart).
		First(&score).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get driver score period")
	}
	return &score, nil
}

// AlertRepository provides access to alerts and their delivery attempts
type AlertRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewAlertRepository creates a new repository
func NewAlertRepository(db *gorm.DB, readOnlyDB *gorm.DB) *AlertRepository {
	return &AlertRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// CreateIfAbsent inserts an alert unless one with the same dedup key already
// exists. Returns true when the alert was created.
func (r *AlertRepository) CreateIfAbsent(ctx context.Context, alert *models.Alert) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoNothing: true,
	}).Create(alert)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to create alert")
	}
	return result.RowsAffected > 0, nil
}

// GetByID gets an alert with its delivery attempts
func (r *AlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	var alert models.Alert
	err := r.readOnlyDB.WithContext(ctx).Preload("Attempts").First(&alert, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get alert by ID")
	}
	return &alert, nil
}

// ListByEntity returns alert history for a vehicle or driver
func (r *AlertRepository) ListByEntity(ctx context.Context, vehicleID, driverID *uuid.UUID, limit int) ([]models.Alert, error) {
	query := r.readOnlyDB.WithContext(ctx).Preload("Attempts").Order("triggered_at DESC").Limit(limit)
	if vehicleID != nil {
		query = query.Where("vehicle_id = ?", *vehicleID)
	}
	if driverID != nil {
		query = query.Where("driver_id = ?", *driverID)
	}

	var alerts []models.Alert
	if err := query.Find(&alerts).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list alerts")
	}
	return alerts, nil
}

// GetPending returns alerts still awaiting delivery
func (r *AlertRepository) GetPending(ctx context.Context, limit int) ([]models.Alert, error) {
	var alerts []models.Alert
	err := r.readOnlyDB.WithContext(ctx).
		Preload("Attempts").
		Where("status = ?", models.AlertPending).
		Order("triggered_at ASC").
		Limit(limit).
		Find(&alerts).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pending alerts")
	}
	return alerts, nil
}

// AppendAttempt records a delivery attempt for an alert
func (r *AlertRepository) AppendAttempt(ctx context.Context, attempt *models.AlertDeliveryAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

// UpdateStatus transitions an alert to a new delivery status
func (r *AlertRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.AlertStatus) error {
	result := r.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update alert status")
	}
	if result.RowsAffected == 0 {
		return errors.New("no alert updated")
	}
	return nil
}

// Acknowledge records operator acknowledgement of an alert
func (r *AlertRepository) Acknowledge(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          models.AlertAcknowledged,
			"acknowledged_at": at,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to acknowledge alert")
	}
	if result.RowsAffected == 0 {
		return errors.New("no alert updated")
	}
	return nil
}

// Escalate records an explicit supervisor escalation of an alert
func (r *AlertRepository) Escalate(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ?", id).
		Update("escalated_at", at)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to escalate alert")
	}
	if result.RowsAffected == 0 {
		return errors.New("no alert updated")
	}
	return nil
}

// NotificationRepository provides access to the scoring notification outbox
type NotificationRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewNotificationRepository creates a new repository
func NewNotificationRepository(db *gorm.DB, readOnlyDB *gorm.DB) *NotificationRepository {
	return &NotificationRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// CreateIfAbsent appends an outbox notification unless the dedup key already
// exists, so scoring reruns do not duplicate notifications
func (r *NotificationRepository) CreateIfAbsent(ctx context.Context, n *models.Notification) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoNothing: true,
	}).Create(n)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to create notification")
	}
	return result.RowsAffected > 0, nil
}

// GetUnprocessed returns outbox notifications not yet dispatched
func (r *NotificationRepository) GetUnprocessed(ctx context.Context, limit int) ([]models.Notification, error) {
	var notifications []models.Notification
	err := r.readOnlyDB.WithContext(ctx).
		Where("is_processed = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get unprocessed notifications")
	}
	return notifications, nil
}

// MarkProcessed marks an outbox notification as dispatched
func (r *NotificationRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ?", id).
		Update("is_processed", true)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark notification processed")
	}
	if result.RowsAffected == 0 {
		return errors.New("no notification updated")
	}
	return nil
}
