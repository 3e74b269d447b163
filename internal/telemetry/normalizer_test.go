package telemetry

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/fleet/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type MockDeviceResolver struct {
	mock.Mock
}

func (m *MockDeviceResolver) GetByMCU(ctx context.Context, mcu string) (*models.Vehicle, error) {
	args := m.Called(ctx, mcu)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Vehicle), args.Error(1)
}

func validRaw() *RawSample {
	return &RawSample{
		DeviceMCU:  "mcu-001",
		Timestamp:  time.Now(),
		Latitude:   1.2921,
		Longitude:  36.8219,
		SpeedMph:   45,
		HeadingDeg: 90,
	}
}

func TestNormalizeResolvesVehicle(t *testing.T) {
	resolver := new(MockDeviceResolver)
	vehicle := &models.Vehicle{ID: uuid.New(), TenantID: uuid.New()}
	resolver.On("GetByMCU", mock.Anything, "mcu-001").Return(vehicle, nil)

	n := NewNormalizer(resolver)
	sample, err := n.Normalize(context.Background(), validRaw())

	require.NoError(t, err)
	require.Equal(t, vehicle.ID, sample.VehicleID)
	require.Equal(t, vehicle.TenantID, sample.TenantID)
	require.False(t, sample.ReceivedAt.IsZero())
	require.Equal(t, time.UTC, sample.Timestamp.Location())
	resolver.AssertExpectations(t)
}

func TestNormalizeUnknownDevice(t *testing.T) {
	resolver := new(MockDeviceResolver)
	resolver.On("GetByMCU", mock.Anything, "mcu-001").
		Return(nil, errors.Wrap(gorm.ErrRecordNotFound, "failed to get vehicle by MCU"))

	n := NewNormalizer(resolver)
	_, err := n.Normalize(context.Background(), validRaw())

	require.ErrorIs(t, err, ErrUnknownDevice)
	require.True(t, IsRejection(err))
}

func TestNormalizeRejectsOutOfRangeValues(t *testing.T) {
	n := NewNormalizer(new(MockDeviceResolver))

	cases := map[string]func(*RawSample){
		"missing device":    func(r *RawSample) { r.DeviceMCU = "" },
		"missing timestamp": func(r *RawSample) { r.Timestamp = time.Time{} },
		"latitude low":      func(r *RawSample) { r.Latitude = -90.1 },
		"latitude high":     func(r *RawSample) { r.Latitude = 90.1 },
		"longitude high":    func(r *RawSample) { r.Longitude = 180.1 },
		"negative speed":    func(r *RawSample) { r.SpeedMph = -1 },
		"implausible speed": func(r *RawSample) { r.SpeedMph = 251 },
		"heading 360":       func(r *RawSample) { r.HeadingDeg = 360 },
		"negative heading":  func(r *RawSample) { r.HeadingDeg = -5 },
		"fuel over 100":     func(r *RawSample) { f := 100.5; r.FuelPct = &f },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			raw := validRaw()
			mutate(raw)
			_, err := n.Normalize(context.Background(), raw)
			require.ErrorIs(t, err, ErrInvalidSample)
		})
	}
}

func TestNormalizeBoundaryValuesAccepted(t *testing.T) {
	resolver := new(MockDeviceResolver)
	vehicle := &models.Vehicle{ID: uuid.New(), TenantID: uuid.New()}
	resolver.On("GetByMCU", mock.Anything, "mcu-001").Return(vehicle, nil)

	n := NewNormalizer(resolver)

	raw := validRaw()
	raw.Latitude = -90
	raw.Longitude = 180
	raw.SpeedMph = 0
	raw.HeadingDeg = 0
	fuel := 0.0
	raw.FuelPct = &fuel

	_, err := n.Normalize(context.Background(), raw)
	require.NoError(t, err)
}
