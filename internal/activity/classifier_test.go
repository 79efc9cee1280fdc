package activity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name      string
		meta      DeviceMetadata
		class     DeviceClass
		heuristic string
	}{
		{"empty", DeviceMetadata{}, ClassStandard, ""},
		{"usb microphone", DeviceMetadata{InstanceID: `USB\VID_046D&PID_0A44`, FriendlyName: "Headset Microphone"}, ClassStandard, ""},
		{"instance id", DeviceMetadata{InstanceID: `bthenum\{0000111e-0000}`}, ClassBluetooth, "instance_id"},
		{"hardware id", DeviceMetadata{HardwareIDs: []string{`HDAUDIO\FUNC_01`, `BTH\MS_BTHPAN`}}, ClassBluetooth, "hardware_id"},
		{"parent id", DeviceMetadata{ParentID: `BTHENUM\Dev_001122334455`}, ClassBluetooth, "parent_id"},
		{"class guid", DeviceMetadata{ClassGUID: "{e0cbf06c-cd8b-4647-bb8a-263b43f0f974}"}, ClassBluetooth, "class_guid"},
		{"bus type", DeviceMetadata{BusTypeID: "{2BD67D8B-8BEB-48D5-87E0-6CDA3428040A}"}, ClassBluetooth, "bus_type"},
		{"hands-free name", DeviceMetadata{FriendlyName: "Headset (WH-1000XM4 Hands-Free AG Audio)"}, ClassBluetooth, "friendly_name"},
		{"airpods name", DeviceMetadata{FriendlyName: "AirPods Pro"}, ClassBluetooth, "friendly_name"},
		{"wireless audio name", DeviceMetadata{FriendlyName: "Wireless Stereo Audio"}, ClassBluetooth, "friendly_name"},
		{"wireless only", DeviceMetadata{FriendlyName: "Wireless Receiver"}, ClassStandard, ""},
		{"identifier wins over name", DeviceMetadata{InstanceID: "BLUETOOTH", FriendlyName: "AirPods"}, ClassBluetooth, "instance_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, heuristic := c.Classify(tt.meta)
			assert.Equal(t, tt.class, class)
			assert.Equal(t, tt.heuristic, heuristic)
		})
	}
}

func TestClassifyCustomHeuristics(t *testing.T) {
	c := NewClassifier(Heuristic{Name: "vendor", Match: func(m DeviceMetadata) bool {
		return m.FriendlyName == "Acme Buds"
	}})

	class, name := c.Classify(DeviceMetadata{FriendlyName: "Acme Buds"})
	assert.Equal(t, ClassBluetooth, class)
	assert.Equal(t, "vendor", name)

	class, _ = c.Classify(DeviceMetadata{FriendlyName: "AirPods"})
	assert.Equal(t, ClassStandard, class, "custom list replaces the defaults")
}

func TestIsSessionActive(t *testing.T) {
	tests := []struct {
		name      string
		session   Session
		standard  bool
		bluetooth bool
	}{
		{"active with volume", Session{State: SessionActive, Volume: 0.5}, true, true},
		{"active zero volume", Session{State: SessionActive, Volume: 0}, false, true},
		{"active tiny volume", Session{State: SessionActive, Volume: 0.0005}, true, false},
		{"muted", Session{State: SessionActive, Volume: 0.5, Muted: true}, false, false},
		{"inactive", Session{State: SessionInactive, Volume: 0.5}, false, false},
		{"expired", Session{State: SessionExpired, Volume: 0.5}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.standard, IsSessionActive(tt.session, ClassStandard))
			assert.Equal(t, tt.bluetooth, IsSessionActive(tt.session, ClassBluetooth))
		})
	}
}

type fakeIndicators struct {
	peak        float32
	peakErr     error
	padding     uint32
	paddingErr  error
	sessions    []Session
	sessionsErr error

	peakCalls, paddingCalls, sessionCalls int
}

func (p *fakeIndicators) PeakValue() (float32, error) {
	p.peakCalls++
	return p.peak, p.peakErr
}

func (p *fakeIndicators) Padding() (uint32, error) {
	p.paddingCalls++
	return p.padding, p.paddingErr
}

func (p *fakeIndicators) Sessions() ([]Session, error) {
	p.sessionCalls++
	return p.sessions, p.sessionsErr
}

func TestSampleShortCircuits(t *testing.T) {
	p := &fakeIndicators{peak: 0.2, padding: 10}
	assert.True(t, Sample("dev", p, ClassStandard))
	assert.Equal(t, 1, p.peakCalls)
	assert.Zero(t, p.paddingCalls)
	assert.Zero(t, p.sessionCalls)

	p = &fakeIndicators{padding: 10}
	assert.True(t, Sample("dev", p, ClassStandard))
	assert.Zero(t, p.sessionCalls)
}

func TestSampleToleratesUnavailableIndicators(t *testing.T) {
	p := &fakeIndicators{
		peakErr:    ErrIndicatorUnavailable,
		paddingErr: errors.New("device busy"),
		sessions:   []Session{{PID: 42, State: SessionActive, Volume: 0}},
	}
	assert.False(t, Sample("dev", p, ClassStandard))
	assert.True(t, Sample("dev", p, ClassBluetooth))

	p = &fakeIndicators{
		peakErr:     ErrIndicatorUnavailable,
		paddingErr:  ErrIndicatorUnavailable,
		sessionsErr: ErrIndicatorUnavailable,
	}
	assert.False(t, Sample("dev", p, ClassBluetooth))
	assert.False(t, Sample("dev", nil, ClassBluetooth))
}
