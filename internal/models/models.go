package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Tenant represents a fleet operator account
type Tenant struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `gorm:"not null" json:"name"`
}

// Vehicle represents a fleet vehicle and the telematics device installed in it
type Vehicle struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name         string         `gorm:"not null" json:"name"`
	LicensePlate string         `json:"license_plate"`
	DeviceMCU    string         `gorm:"column:device_mcu;not null;uniqueIndex" json:"device_mcu"`
	IsActive     bool           `gorm:"not null;default:true" json:"is_active"`
	Tenant       Tenant         `gorm:"foreignKey:TenantID" json:"-"`
}

// Driver represents a driver belonging to a tenant
type Driver struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name      string         `gorm:"not null" json:"name"`
	Email     *string        `json:"email"`
	Phone     *string        `json:"phone"`
	Tenant    Tenant         `gorm:"foreignKey:TenantID" json:"-"`
}

// DriverAssignment links a driver to a vehicle over a time window. Events
// attribute to whichever driver was assigned at the event's timestamp.
type DriverAssignment struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	VehicleID uuid.UUID      `gorm:"type:uuid;not null;index" json:"vehicle_id"`
	DriverID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"driver_id"`
	TenantID  uuid.UUID      `gorm:"type:uuid;not null" json:"tenant_id"`
	Start     time.Time      `gorm:"not null" json:"start"`
	End       *time.Time     `json:"end"`
	Vehicle   Vehicle        `gorm:"foreignKey:VehicleID" json:"-"`
	Driver    Driver         `gorm:"foreignKey:DriverID" json:"-"`
}

// Geofence is a tenant-scoped polygon boundary. The pipeline only reads
// geofences; they are managed by the configuration service.
type Geofence struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name         string         `gorm:"not null" json:"name"`
	Boundary     []byte         `gorm:"type:jsonb;not null" json:"boundary"`
	AlertOnEntry bool           `gorm:"not null;default:false" json:"alert_on_entry"`
	AlertOnExit  bool           `gorm:"not null;default:false" json:"alert_on_exit"`
}

// TelemetryRecord is a normalized, append-only telemetry sample
type TelemetryRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	VehicleID  uuid.UUID `gorm:"type:uuid;not null;index:idx_telemetry_vehicle_time" json:"vehicle_id"`
	TenantID   uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Timestamp  time.Time `gorm:"not null;index:idx_telemetry_vehicle_time" json:"timestamp"`
	Latitude   float64   `gorm:"not null" json:"latitude"`
	Longitude  float64   `gorm:"not null" json:"longitude"`
	SpeedMph   float64   `gorm:"not null" json:"speed_mph"`
	HeadingDeg float64   `gorm:"not null" json:"heading_deg"`
	FuelPct    *float64  `json:"fuel_pct"`
	FaultCodes *string   `json:"fault_codes"`
}

// BehaviorType enumerates the discrete behaviors derived from telemetry
type BehaviorType string

const (
	BehaviorHarshBraking  BehaviorType = "harsh_braking"
	BehaviorHarshAccel    BehaviorType = "harsh_acceleration"
	BehaviorSharpTurn     BehaviorType = "sharp_turn"
	BehaviorSpeeding      BehaviorType = "speeding"
	BehaviorGeofenceEntry BehaviorType = "geofence_entry"
	BehaviorGeofenceExit  BehaviorType = "geofence_exit"
	BehaviorExcessiveIdle BehaviorType = "excessive_idle"
)

// EventSeverity classifies how serious a behavior event is
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "INFO"
	SeverityWarning  EventSeverity = "WARNING"
	SeverityCritical EventSeverity = "CRITICAL"
)

// BehaviorEvent is an immutable classified occurrence derived from samples.
// The driver is resolved from the assignment active at the event timestamp
// and stamped here at classification time.
type BehaviorEvent struct {
	ID         uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time     `gorm:"autoCreateTime" json:"created_at"`
	VehicleID  uuid.UUID     `gorm:"type:uuid;not null;index:idx_events_vehicle_time" json:"vehicle_id"`
	DriverID   *uuid.UUID    `gorm:"type:uuid;index" json:"driver_id"`
	TenantID   uuid.UUID     `gorm:"type:uuid;not null;index:idx_events_tenant_time" json:"tenant_id"`
	Type       BehaviorType  `gorm:"not null;index" json:"type"`
	Severity   EventSeverity `gorm:"not null" json:"severity"`
	Magnitude  float64       `gorm:"not null" json:"magnitude"`
	Timestamp  time.Time     `gorm:"not null;index:idx_events_vehicle_time;index:idx_events_tenant_time" json:"timestamp"`
	GeofenceID *uuid.UUID    `gorm:"type:uuid" json:"geofence_id"`
	SampleID   *uuid.UUID    `gorm:"type:uuid" json:"sample_id"`
	Alerted    bool          `gorm:"not null;default:false;index" json:"alerted"`
}

// DriverScorePeriod holds the scores for one driver over one period.
// Rows are keyed by (driver, period_start) and overwritten on recomputation,
// so reruns over an unchanged event set produce identical records.
type DriverScorePeriod struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	DriverID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_score_driver_period" json:"driver_id"`
	TenantID        uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	PeriodStart     time.Time `gorm:"not null;uniqueIndex:idx_score_driver_period" json:"period_start"`
	PeriodEnd       time.Time `gorm:"not null" json:"period_end"`
	SafetyScore     float64   `gorm:"not null" json:"safety_score"`
	EfficiencyScore float64   `gorm:"not null" json:"efficiency_score"`
	ComplianceScore float64   `gorm:"not null" json:"compliance_score"`
	OverallScore    float64   `gorm:"not null" json:"overall_score"`
	HarshBraking    int       `gorm:"not null;default:0" json:"harsh_braking"`
	HarshAccel      int       `gorm:"not null;default:0" json:"harsh_accel"`
	SharpTurns      int       `gorm:"not null;default:0" json:"sharp_turns"`
	Speeding        int       `gorm:"not null;default:0" json:"speeding"`
	IdleMinutes     float64   `gorm:"not null;default:0" json:"idle_minutes"`
	Rank            int       `gorm:"not null;default:0" json:"rank"`
	Percentile      float64   `gorm:"not null;default:0" json:"percentile"`
}

// AlertStatus tracks the delivery lifecycle of an alert
type AlertStatus string

const (
	AlertPending      AlertStatus = "pending"
	AlertDelivered    AlertStatus = "delivered"
	AlertExhausted    AlertStatus = "delivery_exhausted"
	AlertAcknowledged AlertStatus = "acknowledged"
)

// Alert is created by the dispatcher from qualifying events or score
// crossings. It is mutated only to append delivery attempts or record
// acknowledgement/escalation.
type Alert struct {
	ID             uuid.UUID              `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time              `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time              `gorm:"autoUpdateTime" json:"updated_at"`
	TenantID       uuid.UUID              `gorm:"type:uuid;not null;index" json:"tenant_id"`
	VehicleID      *uuid.UUID             `gorm:"type:uuid;index" json:"vehicle_id"`
	DriverID       *uuid.UUID             `gorm:"type:uuid;index" json:"driver_id"`
	Rule           string                 `gorm:"not null" json:"rule"`
	Severity       EventSeverity          `gorm:"not null" json:"severity"`
	Status         AlertStatus            `gorm:"not null;default:'pending';index" json:"status"`
	DedupKey       string                 `gorm:"not null;uniqueIndex" json:"dedup_key"`
	Context        []byte                 `gorm:"type:jsonb" json:"context"`
	TriggeredAt    time.Time              `gorm:"not null" json:"triggered_at"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at"`
	EscalatedAt    *time.Time             `json:"escalated_at"`
	Attempts       []AlertDeliveryAttempt `gorm:"foreignKey:AlertID" json:"attempts"`
}

// AttemptStatus is the outcome of a single delivery attempt on one channel
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptExhausted AttemptStatus = "exhausted"
)

// AlertDeliveryAttempt records one delivery attempt of an alert on a channel
type AlertDeliveryAttempt struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
	AlertID     uuid.UUID     `gorm:"type:uuid;not null;index" json:"alert_id"`
	Channel     string        `gorm:"not null" json:"channel"`
	AttemptNo   int           `gorm:"not null" json:"attempt_no"`
	Status      AttemptStatus `gorm:"not null" json:"status"`
	Error       *string       `json:"error"`
	AttemptedAt time.Time     `gorm:"not null" json:"attempted_at"`
}

// NotificationKind enumerates outbox notification types
type NotificationKind string

const (
	NotificationAchievement  NotificationKind = "achievement"
	NotificationTrainingFlag NotificationKind = "training_flag"
)

// Notification is an outbox row appended by the scoring engine. The
// dispatcher polls unprocessed rows and turns them into alerts; the dedup
// key (driver, period, kind) suppresses duplicates across reruns.
type Notification struct {
	ID          uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	TenantID    uuid.UUID        `gorm:"type:uuid;not null;index" json:"tenant_id"`
	DriverID    uuid.UUID        `gorm:"type:uuid;not null" json:"driver_id"`
	Kind        NotificationKind `gorm:"not null" json:"kind"`
	Title       string           `gorm:"not null" json:"title"`
	PeriodStart time.Time        `gorm:"not null" json:"period_start"`
	DedupKey    string           `gorm:"not null;uniqueIndex" json:"dedup_key"`
	IsProcessed bool             `gorm:"not null;default:false;index" json:"is_processed"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Tenant{},
		&Vehicle{},
		&Driver{},
		&DriverAssignment{},
		&Geofence{},
		&TelemetryRecord{},
		&BehaviorEvent{},
		&DriverScorePeriod{},
		&Alert{},
		&AlertDeliveryAttempt{},
		&Notification{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
