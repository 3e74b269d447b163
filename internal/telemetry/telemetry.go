package telemetry

import (
	"time"

	"example.com/backstage/services/fleet/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Sentinel errors for the ingestion path. Callers match with errors.Is; the
// wrapping detail carries the reason.
var (
	// ErrUnknownDevice means the sample's device MCU has no vehicle mapping.
	// The sample is dropped and logged, never retried.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrInvalidSample means the sample failed bounds or range validation
	ErrInvalidSample = errors.New("invalid sample")

	// ErrStaleSample means the sample is not newer than the last applied
	// sample for its vehicle. Dropped and logged, not an error to the caller.
	ErrStaleSample = errors.New("stale sample")

	// ErrClassificationFault means an internal invariant was violated while
	// classifying. The sample is skipped; the vehicle's stream keeps going.
	ErrClassificationFault = errors.New("classification fault")
)

// IsRejection reports whether err means the sample itself was unacceptable,
// as opposed to a transient infrastructure failure worth retrying
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidSample) ||
		errors.Is(err, ErrUnknownDevice) ||
		errors.Is(err, ErrStaleSample)
}

// RawSample is one reading as submitted by a telematics gateway, keyed by
// device rather than vehicle
type RawSample struct {
	DeviceMCU  string    `json:"device"`
	Timestamp  time.Time `json:"ts"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lng"`
	SpeedMph   float64   `json:"speed_mph"`
	HeadingDeg float64   `json:"heading_deg"`
	FuelPct    *float64  `json:"fuel_pct,omitempty"`
	FaultCodes *string   `json:"fault_codes,omitempty"`
}

// Sample is a validated, unit-normalized reading resolved to a vehicle
type Sample struct {
	VehicleID  uuid.UUID
	TenantID   uuid.UUID
	Timestamp  time.Time
	ReceivedAt time.Time
	Latitude   float64
	Longitude  float64
	SpeedMph   float64
	HeadingDeg float64
	FuelPct    *float64
	FaultCodes *string
}

// Event is one classified behavior occurrence before persistence
type Event struct {
	Type       models.BehaviorType
	Severity   models.EventSeverity
	Magnitude  float64
	Timestamp  time.Time
	GeofenceID *uuid.UUID
}
