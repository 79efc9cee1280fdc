package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultClassCacheSize is the number of device classifications kept.
const DefaultClassCacheSize = 64

// Error code and domains reported in a failed Result.
const (
	InfoErrorCode      = 1
	CaptureErrorDomain = "AudioProcessMonitor"
	RenderErrorDomain  = "RenderProcessMonitor"
)

// Sentinel errors for monitor operations.
var (
	// ErrEnumeration means the device source could not list devices at all.
	// It is never reported as "no active devices".
	ErrEnumeration     = errors.New("device enumeration failed")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrNoDefaultDevice = errors.New("no default capture device")
)

// Reading is the outcome of polling one device.
type Reading struct {
	DeviceID string      `json:"device_id"`
	Name     string      `json:"name"`
	Flow     Flow        `json:"flow"`
	Class    DeviceClass `json:"class"`
	Raw      bool        `json:"raw"`
	Active   bool        `json:"active"`
}

// ProcessInfo describes a process using an audio device.
type ProcessInfo struct {
	ProcessName string `json:"processName"`
	ProcessID   uint32 `json:"processId,omitempty"`
	Path        string `json:"path"`
	DeviceName  string `json:"deviceName"`
	IsActive    bool   `json:"isActive"`
}

// Result is the outcome of a process listing. A failed listing is reported
// with Success false so callers can tell it apart from an empty one.
type Result struct {
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Code      int           `json:"code,omitempty"`
	Domain    string        `json:"domain,omitempty"`
	Processes []ProcessInfo `json:"processes"`
}

// Options configures a Monitor.
type Options struct {
	Tuning         Tuning
	Clock          Clock           // defaults to SystemClock
	Classifier     *Classifier     // defaults to NewClassifier()
	Processes      ProcessResolver // required for process listings
	Store          *Store          // defaults to NewStore()
	ClassCacheSize int             // defaults to DefaultClassCacheSize
}

// Monitor answers activity questions about the devices of a DeviceSource.
// It is safe for concurrent use.
type Monitor struct {
	source     DeviceSource
	engine     *Engine
	classifier *Classifier
	clock      Clock
	processes  ProcessResolver
	classes    *lru.Cache[string, DeviceClass]
}

// NewMonitor returns a Monitor reading devices from source.
func NewMonitor(source DeviceSource, opts Options) (*Monitor, error) {
	if err := opts.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier()
	}
	if opts.Store == nil {
		opts.Store = NewStore()
	}
	if opts.ClassCacheSize <= 0 {
		opts.ClassCacheSize = DefaultClassCacheSize
	}

	classes, err := lru.New[string, DeviceClass](opts.ClassCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create class cache: %w", err)
	}

	return &Monitor{
		source:     source,
		engine:     NewEngine(opts.Store, opts.Tuning),
		classifier: opts.Classifier,
		clock:      opts.Clock,
		processes:  opts.Processes,
		classes:    classes,
	}, nil
}

// Engine returns the debounce engine of the monitor.
func (m *Monitor) Engine() *Engine {
	return m.engine
}

// IsDeviceActive returns the debounced activity of the device with the given id.
func (m *Monitor) IsDeviceActive(ctx context.Context, id string) (bool, error) {
	dev, err := m.findDevice(ctx, id)
	if err != nil {
		return false, err
	}
	return m.evaluate(dev).Active, nil
}

// Classify returns the class of the device with the given id.
func (m *Monitor) Classify(ctx context.Context, id string) (DeviceClass, error) {
	if class, ok := m.classes.Get(id); ok {
		return class, nil
	}
	dev, err := m.findDevice(ctx, id)
	if err != nil {
		return ClassStandard, err
	}
	return m.classify(dev), nil
}

// Poll evaluates every device of a flow once.
func (m *Monitor) Poll(ctx context.Context, flow Flow) ([]Reading, error) {
	devices, err := m.devices(ctx, flow)
	if err != nil {
		return nil, err
	}

	readings := make([]Reading, 0, len(devices))
	for i := range devices {
		readings = append(readings, m.evaluate(&devices[i]))
	}
	return readings, nil
}

// ActiveProcesses lists the processes using devices of a flow.
//
// Capture devices are debounced first and only sessions of devices reported
// active are listed, each executable once. Render sessions are listed per
// device whenever they are active and not muted.
func (m *Monitor) ActiveProcesses(ctx context.Context, flow Flow) Result {
	domain := CaptureErrorDomain
	if flow == FlowRender {
		domain = RenderErrorDomain
	}

	devices, err := m.devices(ctx, flow)
	if err != nil {
		return failedResult(domain, err)
	}

	processes := []ProcessInfo{}
	seen := make(map[string]struct{})
	for i := range devices {
		dev := &devices[i]
		if flow == FlowCapture && !m.evaluate(dev).Active {
			continue
		}

		sessions, err := dev.Indicators.Sessions()
		if err != nil {
			continue
		}
		for _, s := range sessions {
			if s.PID == 0 || s.State != SessionActive {
				continue
			}
			if flow == FlowRender && s.Muted {
				continue
			}

			path := m.executablePath(ctx, s.PID)
			key := path
			if flow == FlowRender {
				key = fmt.Sprintf("%s|%d", dev.ID, s.PID)
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			processes = append(processes, ProcessInfo{
				ProcessName: processName(path),
				ProcessID:   s.PID,
				Path:        path,
				DeviceName:  dev.Name,
				IsActive:    true,
			})
		}
	}

	return Result{Success: true, Processes: processes}
}

// MicrophoneProcesses lists the executables with active sessions on the
// default capture device. The device is read as is, without debouncing, and
// nothing is listed unless its peak meter or buffer padding shows audio.
func (m *Monitor) MicrophoneProcesses(ctx context.Context) Result {
	dev, err := m.defaultCapture(ctx)
	if err != nil {
		return failedResult(CaptureErrorDomain, err)
	}
	if !streaming(dev.Indicators, false) {
		return Result{Success: true, Processes: []ProcessInfo{}}
	}

	sessions, err := dev.Indicators.Sessions()
	if err != nil {
		return failedResult(CaptureErrorDomain, fmt.Errorf("list sessions of %s: %w", dev.ID, err))
	}
	return Result{Success: true, Processes: m.captureProcesses(ctx, dev, sessions)}
}

// InputProcesses returns the executable paths with active sessions on the
// default capture device while its peak meter shows audio. On platforms
// without a meter the buffer padding is used instead. Only a failed
// enumeration is an error; every other failure yields an empty list.
func (m *Monitor) InputProcesses(ctx context.Context) ([]string, error) {
	paths := []string{}

	dev, err := m.defaultCapture(ctx)
	if errors.Is(err, ErrNoDefaultDevice) {
		return paths, nil
	}
	if err != nil {
		return nil, err
	}
	if !streaming(dev.Indicators, true) {
		return paths, nil
	}

	sessions, err := dev.Indicators.Sessions()
	if err != nil {
		slog.Debug("audio sessions unavailable", "device", dev.ID, "error", err)
		return paths, nil
	}
	for _, p := range m.captureProcesses(ctx, dev, sessions) {
		paths = append(paths, p.Path)
	}
	return paths, nil
}

// defaultCapture returns the default capture device, or the first one when
// the source marks none as default.
func (m *Monitor) defaultCapture(ctx context.Context) (*Device, error) {
	devices, err := m.devices(ctx, FlowCapture)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].Default {
			return &devices[i], nil
		}
	}
	if len(devices) == 0 {
		return nil, ErrNoDefaultDevice
	}
	return &devices[0], nil
}

// captureProcesses lists the unique executables of the active sessions of dev.
func (m *Monitor) captureProcesses(ctx context.Context, dev *Device, sessions []Session) []ProcessInfo {
	processes := []ProcessInfo{}
	seen := make(map[string]struct{})
	for _, s := range sessions {
		if s.PID == 0 || s.State != SessionActive {
			continue
		}
		path := m.executablePath(ctx, s.PID)
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		processes = append(processes, ProcessInfo{
			ProcessName: processName(path),
			ProcessID:   s.PID,
			Path:        path,
			DeviceName:  dev.Name,
			IsActive:    true,
		})
	}
	return processes
}

// streaming reports whether the meter or the buffer of a device shows audio.
// With peakOnly the padding is read only when the meter is unavailable.
func streaming(p Indicators, peakOnly bool) bool {
	if p == nil {
		return false
	}
	peak, err := p.PeakValue()
	if err == nil && peak > 0 {
		return true
	}
	if peakOnly && err == nil {
		return false
	}
	padding, err := p.Padding()
	return err == nil && padding > 0
}

func failedResult(domain string, err error) Result {
	return Result{
		Success:   false,
		Error:     err.Error(),
		Code:      InfoErrorCode,
		Domain:    domain,
		Processes: []ProcessInfo{},
	}
}

// evaluate samples, classifies and debounces one device.
func (m *Monitor) evaluate(dev *Device) Reading {
	class := m.classify(dev)
	raw := Sample(dev.ID, dev.Indicators, class)
	return Reading{
		DeviceID: dev.ID,
		Name:     dev.Name,
		Flow:     dev.Flow,
		Class:    class,
		Raw:      raw,
		Active:   m.engine.Evaluate(dev.ID, raw, class, m.clock.Now()),
	}
}

func (m *Monitor) classify(dev *Device) DeviceClass {
	if class, ok := m.classes.Get(dev.ID); ok {
		return class
	}
	class, _ := m.classifier.Classify(dev.Metadata)
	m.classes.Add(dev.ID, class)
	return class
}

func (m *Monitor) devices(ctx context.Context, flow Flow) ([]Device, error) {
	devices, err := m.source.Devices(ctx, flow)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumeration, err)
	}
	return devices, nil
}

func (m *Monitor) findDevice(ctx context.Context, id string) (*Device, error) {
	for _, flow := range []Flow{FlowCapture, FlowRender} {
		devices, err := m.devices(ctx, flow)
		if err != nil {
			return nil, err
		}
		for i := range devices {
			if devices[i].ID == id {
				return &devices[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

func (m *Monitor) executablePath(ctx context.Context, pid uint32) string {
	if m.processes == nil {
		return "Unknown"
	}
	return m.processes.ExecutablePath(ctx, pid)
}

// processName returns the file name of an executable path, accepting both
// slash and backslash separators.
func processName(path string) string {
	if i := strings.LastIndex(path, `\`); i >= 0 {
		return path[i+1:]
	}
	return filepath.Base(path)
}
