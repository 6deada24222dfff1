// Package behavior implements kanyo's behavior state machine (spec.md
// §4.7): turns a boolean detection signal plus a timestamp into a stream of
// durable, debounced lifecycle events.
package behavior

import "time"

// State is the behavior state enumeration (spec.md §3).
type State string

const (
	Absent          State = "ABSENT"
	PendingStartup  State = "PENDING_STARTUP"
	Visiting        State = "VISITING"
	Roosting        State = "ROOSTING"
	Activity        State = "ACTIVITY"
)

// EventKind is the BehaviorEvent tag enumeration (spec.md §3).
type EventKind string

const (
	Arrived          EventKind = "ARRIVED"
	Departed         EventKind = "DEPARTED"
	RoostingEvent    EventKind = "ROOSTING"
	ActivityStart    EventKind = "ACTIVITY_START"
	ActivityEnd      EventKind = "ACTIVITY_END"
	StartupConfirmed EventKind = "STARTUP_CONFIRMED"
)

// Event is a BehaviorEvent: a kind, a timestamp, and free-form metadata.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Metadata  map[string]any
}

// Params are the state machine's timing parameters, as time.Duration. Callers
// must validate these against spec.md §4.7's invariants before
// constructing a Machine (internal/config.validate already enforces them
// for the on-disk config; Params lets tests construct arbitrary values).
type Params struct {
	ExitTimeout         time.Duration
	RoostingThreshold   time.Duration
	RoostingExitTimeout time.Duration
	ActivityTimeout     time.Duration
}

// Machine is a single stream's behavior state machine. Not safe for
// concurrent use — spec.md §5 requires it be touched only from the main
// detection loop.
type Machine struct {
	params Params

	state State

	visitStart     time.Time
	lastDetection  time.Time
	lastAbsenceStart time.Time
	hasAbsenceStart  bool

	activityStart time.Time

	initializing bool

	peakConfidence float64
}

// New constructs a Machine in ABSENT state. Call SetInitializing(true)
// during the orchestrator's startup confirmation window (spec.md §4.9) to
// suppress ARRIVED while the detection ratio is being accumulated.
func New(params Params) *Machine {
	return &Machine{params: params, state: Absent}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// VisitStart returns the current visit's start timestamp (zero if no visit
// is active).
func (m *Machine) VisitStart() time.Time { return m.visitStart }

// SetInitializing toggles the orchestrator-level initialization window; no
// ARRIVED is ever emitted while true (spec.md §8 arrival-suppression
// invariant).
func (m *Machine) SetInitializing(v bool) { m.initializing = v }

// Initializing reports whether the machine is in the startup window.
func (m *Machine) Initializing() bool { return m.initializing }

// Update feeds one (detected, timestamp) pair into the machine and returns
// zero or more emitted events, in the order spec.md §4.7's table lists
// them. confidence, if detected and greater than any value already
// recorded for this visit, is remembered for the eventual VisitRecord.
func (m *Machine) Update(detected bool, ts time.Time, confidence float64) []Event {
	if detected {
		m.lastDetection = ts
		m.hasAbsenceStart = false
		if confidence > m.peakConfidence {
			m.peakConfidence = confidence
		}
	} else if !m.hasAbsenceStart {
		m.lastAbsenceStart = ts
		m.hasAbsenceStart = true
	}

	switch m.state {
	case Absent:
		return m.updateAbsent(detected, ts, confidence)
	case Visiting:
		return m.updateVisiting(detected, ts)
	case Roosting:
		return m.updateRoosting(detected, ts)
	case Activity:
		return m.updateActivity(detected, ts)
	case PendingStartup:
		// Only confirm/reset transitions move out of PENDING_STARTUP, and
		// those are orchestrator-driven (ConfirmStartupPresence /
		// ResetToAbsent), not emitted from Update.
		return nil
	default:
		return nil
	}
}

func (m *Machine) updateAbsent(detected bool, ts time.Time, confidence float64) []Event {
	if !detected {
		return nil
	}
	m.visitStart = ts
	m.peakConfidence = confidence
	m.state = Visiting
	if m.initializing {
		return nil
	}
	return []Event{{Kind: Arrived, Timestamp: ts}}
}

func (m *Machine) updateVisiting(detected bool, ts time.Time) []Event {
	if detected && !ts.Before(m.visitStart.Add(m.params.RoostingThreshold)) {
		m.state = Roosting
		return []Event{{Kind: RoostingEvent, Timestamp: ts}}
	}
	if m.hasAbsenceStart && !ts.Before(m.lastAbsenceStart.Add(m.params.ExitTimeout)) {
		departedAt := m.lastDetection
		m.resetToAbsentLocked()
		return []Event{{Kind: Departed, Timestamp: departedAt}}
	}
	return nil
}

func (m *Machine) updateRoosting(detected bool, ts time.Time) []Event {
	if !m.hasAbsenceStart {
		return nil
	}
	absence := ts.Sub(m.lastAbsenceStart)
	if absence >= m.params.RoostingExitTimeout {
		departedAt := m.lastDetection
		m.resetToAbsentLocked()
		return []Event{{Kind: Departed, Timestamp: departedAt}}
	}
	if absence >= m.params.ActivityTimeout {
		m.activityStart = m.lastAbsenceStart
		m.state = Activity
		return []Event{{Kind: ActivityStart, Timestamp: ts}}
	}
	return nil
}

func (m *Machine) updateActivity(detected bool, ts time.Time) []Event {
	if detected {
		m.state = Roosting
		return []Event{{Kind: ActivityEnd, Timestamp: ts, Metadata: map[string]any{
			"activity_start": m.activityStart,
			"activity_end":   ts,
		}}}
	}
	if !ts.Before(m.activityStart.Add(m.params.RoostingExitTimeout)) {
		departedAt := m.lastDetection
		m.resetToAbsentLocked()
		return []Event{{Kind: Departed, Timestamp: departedAt}}
	}
	return nil
}

// ConfirmStartupPresence transitions PENDING_STARTUP directly to ROOSTING,
// preserving visitStart from the first detection time so downstream
// durations are not zero (spec.md §4.7, §4.9). Emits STARTUP_CONFIRMED, not
// ARRIVED.
func (m *Machine) ConfirmStartupPresence(firstDetectionTime, now time.Time) []Event {
	m.visitStart = firstDetectionTime
	m.lastDetection = now
	m.hasAbsenceStart = false
	m.state = Roosting
	return []Event{{Kind: StartupConfirmed, Timestamp: now}}
}

// ResetToAbsent discards any preliminary state and returns to ABSENT,
// clearing all visit timestamps (spec.md invariant 4). Used when the
// startup detection ratio fails to meet threshold, or on forced shutdown.
func (m *Machine) ResetToAbsent() {
	m.resetToAbsentLocked()
	m.peakConfidence = 0
}

// resetToAbsentLocked clears the visit timestamps. It keeps peakConfidence
// so that PeakConfidence still reports the visit a DEPARTED just closed.
func (m *Machine) resetToAbsentLocked() {
	m.state = Absent
	m.visitStart = time.Time{}
	m.lastDetection = time.Time{}
	m.lastAbsenceStart = time.Time{}
	m.hasAbsenceStart = false
	m.activityStart = time.Time{}
}

// EnterPendingStartup sets the initial state to PENDING_STARTUP (boot with
// the subject visible, spec.md §3) and records the first detection time as
// the provisional visit start.
func (m *Machine) EnterPendingStartup(firstDetectionTime time.Time) {
	m.state = PendingStartup
	m.visitStart = firstDetectionTime
	m.lastDetection = firstDetectionTime
}

// PeakConfidence returns the highest detection confidence observed during
// the current (or most recently closed) visit.
func (m *Machine) PeakConfidence() float64 { return m.peakConfidence }

// LastDetection returns the timestamp of the most recent detected=true
// update; DEPARTED events always carry this as their timestamp, not "now"
// (spec.md §4.7 departure timestamp policy).
func (m *Machine) LastDetection() time.Time { return m.lastDetection }
