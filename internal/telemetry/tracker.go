package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// VehicleState is the mutable per-vehicle record owned by the tracker. It is
// only ever touched by the single shard goroutine that owns the vehicle key,
// so no locking is needed.
type VehicleState struct {
	LastSample *Sample

	// Confirmed geofence memberships. Pending holds a containment set that
	// differs from Confirmed but has not yet survived a full sample interval.
	Confirmed map[uuid.UUID]bool
	Pending   map[uuid.UUID]bool

	// IdleSince is set when speed crosses to zero and cleared when the
	// vehicle moves again. IdleEmitted guards the one-event-per-episode rule.
	IdleSince   *time.Time
	IdleEmitted bool
}

// Transitions describes what changed when a sample was applied
type Transitions struct {
	// Entered and Exited list geofences whose membership change has held for
	// at least one full sample interval. The fence is carried whole so the
	// classifier can honor its alert flags.
	Entered []*Fence
	Exited  []*Fence

	// IdleExceeded is non-nil when this sample pushed the current idle
	// episode past the threshold; the value is the idle duration so far.
	// Set at most once per episode.
	IdleExceeded *time.Duration
}

// Tracker owns the per-vehicle state arena for one shard. Samples for a
// given vehicle always reach the same tracker and are applied sequentially,
// which is what keeps the ordering and hysteresis rules sound.
type Tracker struct {
	states        map[uuid.UUID]*VehicleState
	idleThreshold time.Duration
}

// NewTracker creates a tracker with an empty arena
func NewTracker(idleThreshold time.Duration) *Tracker {
	return &Tracker{
		states:        make(map[uuid.UUID]*VehicleState),
		idleThreshold: idleThreshold,
	}
}

// Apply folds a sample into the vehicle's state. It returns the previous
// state snapshot, the updated state, the membership/idle transitions, and
// whether the sample was accepted. A sample not newer than the last applied
// one is rejected and leaves the state untouched.
func (t *Tracker) Apply(sample *Sample, fences []*Fence) (prev *Sample, state *VehicleState, trans Transitions, accepted bool) {
	st, ok := t.states[sample.VehicleID]
	if !ok {
		// First sample for this vehicle: establish the baseline. Current
		// containment is confirmed immediately so pre-existing membership
		// does not fire a spurious entry event.
		st = &VehicleState{
			Confirmed: containment(sample, fences),
		}
		if sample.SpeedMph <= 0 {
			ts := sample.Timestamp
			st.IdleSince = &ts
		}
		st.LastSample = sample
		t.states[sample.VehicleID] = st
		return nil, st, Transitions{}, true
	}

	if !sample.Timestamp.After(st.LastSample.Timestamp) {
		return st.LastSample, st, Transitions{}, false
	}

	prev = st.LastSample
	trans.Entered, trans.Exited = t.applyGeofences(st, sample, fences)
	trans.IdleExceeded = t.applyIdle(st, prev, sample)
	st.LastSample = sample

	return prev, st, trans, true
}

// State returns the current state for a vehicle, or nil if none exists.
// Only safe to call from the owning shard goroutine.
func (t *Tracker) State(vehicleID uuid.UUID) *VehicleState {
	return t.states[vehicleID]
}

// applyGeofences recomputes containment and advances the hysteresis state
// machine. A membership change becomes real only when two consecutive
// samples agree on it; a single-sample double-crossing is GPS jitter and
// produces nothing.
func (t *Tracker) applyGeofences(st *VehicleState, sample *Sample, fences []*Fence) (entered, exited []*Fence) {
	raw := containment(sample, fences)

	if setsEqual(raw, st.Confirmed) {
		// Back where we were: any pending change was jitter.
		st.Pending = nil
		return nil, nil
	}

	if st.Pending != nil && setsEqual(raw, st.Pending) {
		// The change held for a full sample interval. Commit it.
		byID := make(map[uuid.UUID]*Fence, len(fences))
		for _, f := range fences {
			byID[f.ID] = f
		}
		for id := range raw {
			if !st.Confirmed[id] {
				entered = append(entered, byID[id])
			}
		}
		for id := range st.Confirmed {
			if !raw[id] {
				// A fence deleted mid-crossing has nothing to exit from
				if f := byID[id]; f != nil {
					exited = append(exited, f)
				}
			}
		}
		st.Confirmed = raw
		st.Pending = nil
		return entered, exited
	}

	// New candidate change: start (or restart) the hold clock.
	st.Pending = raw
	return nil, nil
}

// applyIdle tracks idle episodes. An episode starts when speed crosses to
// zero, ends when the vehicle moves, and emits exactly one threshold
// crossing regardless of how long idling continues.
func (t *Tracker) applyIdle(st *VehicleState, prev, sample *Sample) *time.Duration {
	moving := sample.SpeedMph > 0

	if moving {
		st.IdleSince = nil
		st.IdleEmitted = false
		return nil
	}

	if st.IdleSince == nil {
		ts := sample.Timestamp
		st.IdleSince = &ts
		return nil
	}

	if st.IdleEmitted {
		return nil
	}

	idleFor := sample.Timestamp.Sub(*st.IdleSince)
	if idleFor >= t.idleThreshold {
		st.IdleEmitted = true
		return &idleFor
	}

	return nil
}

func containment(sample *Sample, fences []*Fence) map[uuid.UUID]bool {
	inside := make(map[uuid.UUID]bool)
	p := Point{Lat: sample.Latitude, Lng: sample.Longitude}
	for _, f := range fences {
		if f.Contains(p) {
			inside[f.ID] = true
		}
	}
	return inside
}

func setsEqual(a, b map[uuid.UUID]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}
