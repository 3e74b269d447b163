package telemetry

import (
	"testing"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		HarshBrakingG:     0.6,
		HarshAccelG:       0.5,
		SharpTurnG:        0.45,
		SpeedLimitMph:     65,
		SpeedingMarginMph: 5,
		SevereSpeedingMph: 10,
	}
}

func pair(prevSpeed, curSpeed, prevHeading, curHeading float64, dt time.Duration) (*Sample, *Sample) {
	vehicleID := uuid.New()
	base := time.Now()
	prev := &Sample{
		VehicleID:  vehicleID,
		Timestamp:  base,
		SpeedMph:   prevSpeed,
		HeadingDeg: prevHeading,
	}
	cur := &Sample{
		VehicleID:  vehicleID,
		Timestamp:  base.Add(dt),
		SpeedMph:   curSpeed,
		HeadingDeg: curHeading,
	}
	return prev, cur
}

func eventTypes(events []Event) []models.BehaviorType {
	types := make([]models.BehaviorType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestClassifyHarshBraking(t *testing.T) {
	c := NewClassifier(testPipelineConfig())

	// 70 to 40 mph in 2s is about 0.68g of deceleration
	prev, cur := pair(70, 40, 0, 0, 2*time.Second)
	events := c.Classify(prev, cur, Transitions{})

	require.Equal(t, []models.BehaviorType{models.BehaviorHarshBraking}, eventTypes(events))
	require.InDelta(t, 0.684, events[0].Magnitude, 0.001)
	require.Equal(t, models.SeverityWarning, events[0].Severity)

	// Gentle braking stays quiet: 70 to 60 in 2s
	prev, cur = pair(70, 60, 0, 0, 2*time.Second)
	require.Empty(t, c.Classify(prev, cur, Transitions{}))
}

func TestClassifyHarshAcceleration(t *testing.T) {
	c := NewClassifier(testPipelineConfig())

	// 20 to 45 mph in 2s is about 0.57g
	prev, cur := pair(20, 45, 0, 0, 2*time.Second)
	events := c.Classify(prev, cur, Transitions{})

	require.Equal(t, []models.BehaviorType{models.BehaviorHarshAccel}, eventTypes(events))
	require.InDelta(t, 0.570, events[0].Magnitude, 0.001)
}

func TestClassifySharpTurn(t *testing.T) {
	c := NewClassifier(testPipelineConfig())

	// 90 degree swing in 2s at 45 mph average: about 1.6g lateral
	prev, cur := pair(45, 45, 0, 90, 2*time.Second)
	events := c.Classify(prev, cur, Transitions{})

	require.Equal(t, []models.BehaviorType{models.BehaviorSharpTurn}, eventTypes(events))
	require.Greater(t, events[0].Magnitude, 0.45)
}

func TestClassifySharpTurnHeadingWrap(t *testing.T) {
	c := NewClassifier(testPipelineConfig())

	// 350 to 10 degrees is a 20 degree swing, not 340
	prev, cur := pair(45, 45, 350, 10, 2*time.Second)
	events := c.Classify(prev, cur, Transitions{})
	require.Empty(t, events)
}

func TestClassifySpeedingTiers(t *testing.T) {
	c := NewClassifier(testPipelineConfig())

	// 4 over the limit is inside the margin
	prev, cur := pair(69, 69, 0, 0, 2*time.Second)
	require.Empty(t, c.Classify(prev, cur, Transitions{}))

	// Exactly the margin fires
	prev, cur = pair(70, 70, 0, 0, 2*time.Second)
	events := c.Classify(prev, cur, Transitions{})
	require.Equal(t, []models.BehaviorType{models.BehaviorSpeeding}, eventTypes(events))
	require.Equal(t, models.SeverityWarning, events[0].Severity)
	require.InDelta(t, 5, events[0].Magnitude, 0.001)

	// 8 over is still a warning
	prev, cur = pair(73, 73, 0, 0, 2*time.Second)
	events = c.Classify(prev, cur, Transitions{})
	require.Equal(t, models.SeverityWarning, events[0].Severity)

	// Exactly the severe margin is already critical
	prev, cur = pair(75, 75, 0, 0, 2*time.Second)
	events = c.Classify(prev, cur, Transitions{})
	require.Equal(t, models.SeverityCritical, events[0].Severity)

	// 15 over is critical
	prev, cur = pair(80, 80, 0, 0, 2*time.Second)
	events = c.Classify(prev, cur, Transitions{})
	require.Equal(t, models.SeverityCritical, events[0].Severity)
}

func TestClassifyBrakingWhileSpeedingPair(t *testing.T) {
	c := NewClassifier(testPipelineConfig())

	// 70 then 40 mph within 2s on a 65 limit: the first sample is speeding,
	// the second is a harsh brake
	first, second := pair(70, 40, 0, 0, 2*time.Second)

	var all []models.BehaviorType
	all = append(all, eventTypes(c.Classify(nil, first, Transitions{}))...)
	all = append(all, eventTypes(c.Classify(first, second, Transitions{}))...)

	require.Contains(t, all, models.BehaviorSpeeding)
	require.Contains(t, all, models.BehaviorHarshBraking)
}

func TestClassifyMultipleRulesFireTogether(t *testing.T) {
	c := NewClassifier(testPipelineConfig())

	// Braking hard from 100 to 73: still speeding at cur, and well over the
	// deceleration threshold
	prev, cur := pair(100, 73, 0, 0, 2*time.Second)
	events := c.Classify(prev, cur, Transitions{})

	require.Equal(t,
		[]models.BehaviorType{models.BehaviorHarshBraking, models.BehaviorSpeeding},
		eventTypes(events))
}

func TestClassifyFirstSampleSkipsKinematicRules(t *testing.T) {
	c := NewClassifier(testPipelineConfig())

	_, cur := pair(0, 80, 0, 0, 2*time.Second)
	events := c.Classify(nil, cur, Transitions{})

	// Only speeding, which needs no previous sample
	require.Equal(t, []models.BehaviorType{models.BehaviorSpeeding}, eventTypes(events))
}

func TestClassifyTransitionsBecomeEvents(t *testing.T) {
	c := NewClassifier(testPipelineConfig())

	entered := &Fence{ID: uuid.New()}
	exited := &Fence{ID: uuid.New()}
	idleFor := 7 * time.Minute

	prev, cur := pair(0, 0, 0, 0, 2*time.Second)
	events := c.Classify(prev, cur, Transitions{
		Entered:      []*Fence{entered},
		Exited:       []*Fence{exited},
		IdleExceeded: &idleFor,
	})

	require.Equal(t,
		[]models.BehaviorType{
			models.BehaviorGeofenceEntry,
			models.BehaviorGeofenceExit,
			models.BehaviorExcessiveIdle,
		},
		eventTypes(events))

	require.Equal(t, entered.ID, *events[0].GeofenceID)
	require.Equal(t, exited.ID, *events[1].GeofenceID)
	require.InDelta(t, 7, events[2].Magnitude, 0.001)

	// Unflagged fences cross at info severity
	require.Equal(t, models.SeverityInfo, events[0].Severity)
	require.Equal(t, models.SeverityInfo, events[1].Severity)
}

func TestClassifyFlaggedFenceRaisesSeverity(t *testing.T) {
	c := NewClassifier(testPipelineConfig())

	watched := &Fence{ID: uuid.New(), AlertOnEntry: true}
	quiet := &Fence{ID: uuid.New()}

	prev, cur := pair(30, 30, 0, 0, 2*time.Second)
	events := c.Classify(prev, cur, Transitions{Entered: []*Fence{watched, quiet}})

	require.Len(t, events, 2)
	require.Equal(t, models.SeverityWarning, events[0].Severity)
	require.Equal(t, models.SeverityInfo, events[1].Severity)

	guarded := &Fence{ID: uuid.New(), AlertOnExit: true}
	events = c.Classify(prev, cur, Transitions{Exited: []*Fence{guarded}})
	require.Equal(t, models.SeverityWarning, events[0].Severity)
}
