package telemetry

import (
	"math"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/models"
)

// Conversion constants. One g of acceleration is about 21.94 mph per second.
const (
	gInMphPerSec = 21.93685
	mphToMps     = 0.44704
	gInMps2      = 9.80665
)

// Classifier derives discrete behavior events from consecutive samples. It
// is a pure function of its inputs: it never touches storage, which keeps it
// trivially unit-testable.
type Classifier struct {
	cfg config.PipelineConfig
}

// NewClassifier creates a classifier with the given thresholds
func NewClassifier(cfg config.PipelineConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify evaluates all behavior rules against (prev, cur) and the tracker
// transitions. Rules run in a fixed order and fire independently, so a
// single sample pair can produce several events. prev is nil for the first
// accepted sample of a vehicle, which disables the kinematic rules.
func (c *Classifier) Classify(prev, cur *Sample, trans Transitions) []Event {
	var events []Event

	if prev != nil {
		dt := cur.Timestamp.Sub(prev.Timestamp).Seconds()
		if dt > 0 {
			// Harsh braking: deceleration over the sample interval
			decelG := (prev.SpeedMph - cur.SpeedMph) / dt / gInMphPerSec
			if decelG >= c.cfg.HarshBrakingG {
				events = append(events, Event{
					Type:      models.BehaviorHarshBraking,
					Severity:  models.SeverityWarning,
					Magnitude: decelG,
					Timestamp: cur.Timestamp,
				})
			}

			// Harsh acceleration
			accelG := (cur.SpeedMph - prev.SpeedMph) / dt / gInMphPerSec
			if accelG >= c.cfg.HarshAccelG {
				events = append(events, Event{
					Type:      models.BehaviorHarshAccel,
					Severity:  models.SeverityWarning,
					Magnitude: accelG,
					Timestamp: cur.Timestamp,
				})
			}

			// Sharp cornering: lateral acceleration from the heading change
			// at the average speed over the interval
			lateralG := lateralAccelG(prev, cur, dt)
			if lateralG >= c.cfg.SharpTurnG {
				events = append(events, Event{
					Type:      models.BehaviorSharpTurn,
					Severity:  models.SeverityWarning,
					Magnitude: lateralG,
					Timestamp: cur.Timestamp,
				})
			}
		}
	}

	// Speeding: at or past the margin over the limit, with a higher
	// severity tier from the severe margin on
	over := cur.SpeedMph - c.cfg.SpeedLimitMph
	if over >= c.cfg.SpeedingMarginMph {
		severity := models.SeverityWarning
		if over >= c.cfg.SevereSpeedingMph {
			severity = models.SeverityCritical
		}
		events = append(events, Event{
			Type:      models.BehaviorSpeeding,
			Severity:  severity,
			Magnitude: over,
			Timestamp: cur.Timestamp,
		})
	}

	// Geofence transitions as committed by the tracker. A fence flagged for
	// alerting raises the crossing to warning severity so the dispatcher
	// picks it up.
	for _, f := range trans.Entered {
		fenceID := f.ID
		severity := models.SeverityInfo
		if f.AlertOnEntry {
			severity = models.SeverityWarning
		}
		events = append(events, Event{
			Type:       models.BehaviorGeofenceEntry,
			Severity:   severity,
			Magnitude:  1,
			Timestamp:  cur.Timestamp,
			GeofenceID: &fenceID,
		})
	}
	for _, f := range trans.Exited {
		fenceID := f.ID
		severity := models.SeverityInfo
		if f.AlertOnExit {
			severity = models.SeverityWarning
		}
		events = append(events, Event{
			Type:       models.BehaviorGeofenceExit,
			Severity:   severity,
			Magnitude:  1,
			Timestamp:  cur.Timestamp,
			GeofenceID: &fenceID,
		})
	}

	// Excessive idling, at most once per episode; magnitude is minutes idle
	if trans.IdleExceeded != nil {
		events = append(events, Event{
			Type:      models.BehaviorExcessiveIdle,
			Severity:  models.SeverityInfo,
			Magnitude: trans.IdleExceeded.Minutes(),
			Timestamp: cur.Timestamp,
		})
	}

	return events
}

// lateralAccelG estimates lateral acceleration in g from the heading swing
// between two samples
func lateralAccelG(prev, cur *Sample, dt float64) float64 {
	dHeading := math.Abs(cur.HeadingDeg - prev.HeadingDeg)
	if dHeading > 180 {
		dHeading = 360 - dHeading
	}
	omega := dHeading * math.Pi / 180 / dt

	avgSpeedMps := (prev.SpeedMph + cur.SpeedMph) / 2 * mphToMps
	return avgSpeedMps * omega / gInMps2
}
