// Package activity turns noisy, instantaneous audio activity readings into a
// stable per-device "in use" state.
//
// A poll of a device goes through three steps: the sampler combines the
// platform indicators into a raw reading, the classifier decides whether the
// device belongs to the unreliable Bluetooth class, and the engine applies
// hysteresis for Bluetooth devices using state kept in a Store.
package activity

import (
	"context"
	"errors"
)

// DeviceClass determines which debounce policy applies to a device.
type DeviceClass string

const (
	// ClassStandard devices report activity reliably and are not debounced.
	ClassStandard DeviceClass = "standard"
	// ClassBluetooth devices drop out, power-save and misreport volume.
	ClassBluetooth DeviceClass = "bluetooth"
)

// Flow is the direction of an audio endpoint.
type Flow string

const (
	// FlowCapture covers microphones and other input endpoints.
	FlowCapture Flow = "capture"
	// FlowRender covers speakers, headphones and other output endpoints.
	FlowRender Flow = "render"
)

// Valid reports whether f is a known flow.
func (f Flow) Valid() bool {
	return f == FlowCapture || f == FlowRender
}

// SessionState mirrors the state of a platform audio session.
type SessionState int

const (
	// SessionInactive is a session that exists but is not streaming.
	SessionInactive SessionState = iota
	// SessionActive is a session that is currently streaming.
	SessionActive
	// SessionExpired is a session whose client has gone away.
	SessionExpired
)

// Session is a per-client audio stream on a device.
type Session struct {
	PID    uint32
	State  SessionState
	Volume float32 // 0.0 - 1.0
	Muted  bool
}

// DeviceMetadata holds the identifying properties used for classification.
// Any field may be empty.
type DeviceMetadata struct {
	InstanceID   string
	HardwareIDs  []string
	ParentID     string
	BusTypeID    string
	ClassGUID    string
	FriendlyName string
}

// ErrIndicatorUnavailable is returned by an Indicators source when the platform cannot
// answer a particular indicator.
var ErrIndicatorUnavailable = errors.New("indicator unavailable")

// Indicators reads the instantaneous activity indicators of one device.
// Each method may fail independently of the others.
type Indicators interface {
	// PeakValue returns the current meter peak (0.0 - 1.0).
	PeakValue() (float32, error)
	// Padding returns the number of queued but unplayed frames.
	Padding() (uint32, error)
	// Sessions returns the audio sessions open on the device.
	Sessions() ([]Session, error)
}

// Device is an audio endpoint as reported by a DeviceSource.
type Device struct {
	ID         string
	Name       string
	Flow       Flow
	Default    bool // the system default endpoint of its flow
	Metadata   DeviceMetadata
	Indicators Indicators
}

// DeviceSource enumerates the audio endpoints of the host.
type DeviceSource interface {
	Devices(ctx context.Context, flow Flow) ([]Device, error)
}

// ProcessResolver maps a process id to its executable path.
type ProcessResolver interface {
	ExecutablePath(ctx context.Context, pid uint32) string
}
