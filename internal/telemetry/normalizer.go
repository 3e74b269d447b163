package telemetry

import (
	"context"
	"time"

	"example.com/backstage/services/fleet/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// DeviceResolver maps a device MCU to the vehicle it is installed in
type DeviceResolver interface {
	GetByMCU(ctx context.Context, mcu string) (*models.Vehicle, error)
}

// Normalizer validates raw samples and resolves them to a vehicle identity.
// It is stateless and safe to call from any number of goroutines.
type Normalizer struct {
	resolver DeviceResolver
}

// NewNormalizer creates a new normalizer
func NewNormalizer(resolver DeviceResolver) *Normalizer {
	return &Normalizer{resolver: resolver}
}

// Normalize validates a raw sample and resolves its device to a vehicle.
// Returns ErrInvalidSample on out-of-range values and ErrUnknownDevice when
// the device has no vehicle mapping.
func (n *Normalizer) Normalize(ctx context.Context, raw *RawSample) (*Sample, error) {
	if raw.DeviceMCU == "" {
		return nil, errors.Wrap(ErrInvalidSample, "missing device identifier")
	}
	if raw.Timestamp.IsZero() {
		return nil, errors.Wrap(ErrInvalidSample, "missing timestamp")
	}
	if raw.Latitude < -90 || raw.Latitude > 90 {
		return nil, errors.Wrapf(ErrInvalidSample, "latitude %f out of range", raw.Latitude)
	}
	if raw.Longitude < -180 || raw.Longitude > 180 {
		return nil, errors.Wrapf(ErrInvalidSample, "longitude %f out of range", raw.Longitude)
	}
	if raw.SpeedMph < 0 || raw.SpeedMph > 250 {
		return nil, errors.Wrapf(ErrInvalidSample, "speed %f out of range", raw.SpeedMph)
	}
	if raw.HeadingDeg < 0 || raw.HeadingDeg >= 360 {
		return nil, errors.Wrapf(ErrInvalidSample, "heading %f out of range", raw.HeadingDeg)
	}
	if raw.FuelPct != nil && (*raw.FuelPct < 0 || *raw.FuelPct > 100) {
		return nil, errors.Wrapf(ErrInvalidSample, "fuel level %f out of range", *raw.FuelPct)
	}

	vehicle, err := n.resolver.GetByMCU(ctx, raw.DeviceMCU)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrUnknownDevice, "device %s", raw.DeviceMCU)
		}
		return nil, errors.Wrap(err, "device resolution failed")
	}

	return &Sample{
		VehicleID:  vehicle.ID,
		TenantID:   vehicle.TenantID,
		Timestamp:  raw.Timestamp.UTC(),
		ReceivedAt: time.Now().UTC(),
		Latitude:   raw.Latitude,
		Longitude:  raw.Longitude,
		SpeedMph:   raw.SpeedMph,
		HeadingDeg: raw.HeadingDeg,
		FuelPct:    raw.FuelPct,
		FaultCodes: raw.FaultCodes,
	}, nil
}
