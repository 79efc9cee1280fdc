package activity

import (
	"slices"
	"sync"
	"time"
)

// DeviceState is the hysteresis state of one device.
type DeviceState struct {
	// RawActive is the raw reading the engine last accepted. It moves only
	// when a transition is committed, so a poll "changes" the raw state for
	// as long as it disagrees with the accepted reading.
	RawActive bool `json:"raw_active"`
	// ReportedActive is the stabilized value handed to callers.
	ReportedActive bool `json:"reported_active"`

	LastStateChangeAt time.Time `json:"last_state_change_at"` // RawActive last flipped
	LastActivityAt    time.Time `json:"last_activity_at"`     // raw reading last true
	LastReportAt      time.Time `json:"last_report_at"`       // ReportedActive last changed

	ActiveChecks   Counter `json:"active_checks"`
	InactiveChecks Counter `json:"inactive_checks"`

	Flap FlapDetector `json:"flap"`
}

func newDeviceState(now time.Time) *DeviceState {
	return &DeviceState{
		LastStateChangeAt: now,
		LastActivityAt:    now,
		LastReportAt:      now,
		Flap:              FlapDetector{WindowStart: now},
	}
}

// commit accepts raw as the new state and reports it.
func (s *DeviceState) commit(raw bool, now time.Time) {
	s.RawActive = raw
	s.ReportedActive = raw
	s.LastStateChangeAt = now
	s.LastReportAt = now
}

// Store maps device identities to their hysteresis state.
// It is safe for concurrent use.
//
// Entries are created on first use and never removed; the number of entries
// is bounded by the audio endpoints the host has ever exposed.
type Store struct {
	mu     sync.Mutex
	states map[string]*DeviceState
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{states: make(map[string]*DeviceState)}
}

// Update runs fn on the state of id while holding the store lock, creating
// the state first if id has not been seen before.
func (s *Store) Update(id string, now time.Time, fn func(*DeviceState)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		st = newDeviceState(now)
		s.states[id] = st
	}
	fn(st)
}

// Snapshot returns a copy of the state of id.
func (s *Store) Snapshot(id string) (DeviceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return DeviceState{}, false
	}
	return *st, true
}

// IDs returns the identities with stored state in sorted order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of devices with stored state.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
