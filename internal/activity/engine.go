package activity

import (
	"fmt"
	"time"
)

// Default debounce tuning.
const (
	DefaultStandardDebounce = 3000 * time.Millisecond
	DefaultExtendedDebounce = 8000 * time.Millisecond
	DefaultActiveHold       = 5000 * time.Millisecond
	DefaultRequiredActive   = 2
	DefaultRequiredInactive = 4
	DefaultRapidWindow      = 10000 * time.Millisecond
	DefaultMaxRapidChanges  = 5
)

// Tuning holds the thresholds of the hysteresis state machine.
type Tuning struct {
	StandardDebounce time.Duration // minimum time between committed changes
	ExtendedDebounce time.Duration // used instead of StandardDebounce while flapping
	ActiveHold       time.Duration // keep reporting active this long after raw activity
	RequiredActive   int           // consecutive active checks to go active
	RequiredInactive int           // consecutive inactive checks to go inactive
	RapidWindow      time.Duration // flap detection window
	MaxRapidChanges  int           // changes per window that count as flapping
}

// DefaultTuning returns the tuning used when nothing is configured.
func DefaultTuning() Tuning {
	return Tuning{
		StandardDebounce: DefaultStandardDebounce,
		ExtendedDebounce: DefaultExtendedDebounce,
		ActiveHold:       DefaultActiveHold,
		RequiredActive:   DefaultRequiredActive,
		RequiredInactive: DefaultRequiredInactive,
		RapidWindow:      DefaultRapidWindow,
		MaxRapidChanges:  DefaultMaxRapidChanges,
	}
}

// Validate checks that the tuning describes a usable state machine.
func (t Tuning) Validate() error {
	if t.RequiredActive < 1 || t.RequiredInactive < 1 {
		return fmt.Errorf("required checks must be at least 1 (active=%d, inactive=%d)", t.RequiredActive, t.RequiredInactive)
	}
	if t.StandardDebounce < 0 || t.ExtendedDebounce < 0 || t.ActiveHold < 0 || t.RapidWindow < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if t.ExtendedDebounce < t.StandardDebounce {
		return fmt.Errorf("extended debounce %s is shorter than standard debounce %s", t.ExtendedDebounce, t.StandardDebounce)
	}
	if t.MaxRapidChanges < 1 {
		return fmt.Errorf("max rapid changes must be at least 1, got %d", t.MaxRapidChanges)
	}
	return nil
}

// Engine applies per-device hysteresis to raw activity readings.
// It is safe for concurrent use; state lives in the Store.
type Engine struct {
	store  *Store
	tuning Tuning
}

// NewEngine returns an Engine keeping its state in store.
func NewEngine(store *Store, tuning Tuning) *Engine {
	return &Engine{store: store, tuning: tuning}
}

// Store returns the state store of the engine.
func (e *Engine) Store() *Store {
	return e.store
}

// Evaluate folds a raw reading for a device into its state and returns the
// reported activity. Standard devices and devices without an id are
// reported as read.
func (e *Engine) Evaluate(id string, raw bool, class DeviceClass, now time.Time) bool {
	if class != ClassBluetooth || id == "" {
		return raw
	}

	var reported bool
	e.store.Update(id, now, func(st *DeviceState) {
		reported = e.step(st, raw, now)
	})
	return reported
}

// step runs one transition of the state machine.
//
// Going active takes RequiredActive checks, going inactive takes
// RequiredInactive checks outside both the hold-off after the last raw
// activity and the debounce interval after the last committed change.
func (e *Engine) step(st *DeviceState, raw bool, now time.Time) bool {
	t := e.tuning

	st.Flap.roll(now, t.RapidWindow)
	if raw {
		st.LastActivityAt = now
	}

	debounce := t.StandardDebounce
	if st.Flap.Flapping(t.MaxRapidChanges) {
		debounce = t.ExtendedDebounce
	}
	held := now.Sub(st.LastActivityAt) < t.ActiveHold

	if raw != st.RawActive {
		st.Flap.record()

		if raw {
			st.InactiveChecks.Reset()
			st.ActiveChecks.Inc(t.RequiredActive + 1)
			if st.ActiveChecks.Reached(t.RequiredActive) {
				st.commit(true, now)
			}
			return st.ReportedActive
		}

		st.ActiveChecks.Reset()
		st.InactiveChecks.Inc(t.RequiredInactive + 1)
		switch {
		case held:
			return true
		case now.Sub(st.LastStateChangeAt) < debounce:
			return st.ReportedActive
		case st.InactiveChecks.Reached(t.RequiredInactive):
			st.commit(false, now)
		}
		return st.ReportedActive
	}

	if raw {
		st.InactiveChecks.Reset()
		st.ActiveChecks.Inc(t.RequiredActive + 1)
		// Commits without touching LastStateChangeAt, so the report time can
		// run ahead of the recorded transition time.
		if st.ActiveChecks.Reached(t.RequiredActive) && !st.ReportedActive {
			st.ReportedActive = true
			st.LastReportAt = now
		}
		return st.ReportedActive
	}

	if held {
		return true
	}
	st.ActiveChecks.Reset()
	st.InactiveChecks.Inc(t.RequiredInactive + 1)
	return st.ReportedActive
}
