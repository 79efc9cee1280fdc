// Package eventlog records device activity changes and system events
// in a single JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// EventType represents the type of event.
type EventType string

// Device event types.
const (
	DeviceActive   EventType = "device_active"
	DeviceInactive EventType = "device_inactive"
)

// System event types.
const (
	EnumerationFailed   EventType = "enumeration_failed"
	EnumerationRestored EventType = "enumeration_restored"
	ArchiveUploaded     EventType = "archive_uploaded"
	ArchiveFailed       EventType = "archive_failed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// DeviceDetails contains device-specific event details.
type DeviceDetails struct {
	Name       string `json:"name,omitempty"`
	Flow       string `json:"flow,omitempty"`
	Class      string `json:"class,omitempty"`
	PreviousMs int64  `json:"previous_ms,omitempty"` // Duration of the previous state
}

// SystemDetails contains details of system events.
type SystemDetails struct {
	Flow  string `json:"flow,omitempty"`
	Key   string `json:"key,omitempty"` // Archive object key
	Error string `json:"error,omitempty"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath(port int) string {
	switch runtime.GOOS {
	case "windows":
		// %PROGRAMDATA% is typically C:\ProgramData
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "audiowatch", "logs", fmt.Sprintf("%d", port), "events.jsonl")
	default: // linux, darwin
		//nolint:gocritic // Intentional absolute path for Unix systems
		return filepath.Join("/var/log/audiowatch", fmt.Sprintf("%d", port), "events.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	l := &Logger{filePath: filePath}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

// open opens the log file for appending. Caller must hold l.mu or own l.
func (l *Logger) open() error {
	if err := os.MkdirAll(filepath.Dir(l.filePath), 0o755); err != nil {
		return util.WrapError("create log directory", err)
	}

	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open log file", err)
	}

	l.file = file
	l.encoder = json.NewEncoder(file)
	return nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.encoder == nil {
		return fmt.Errorf("event log %s is closed", l.filePath)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// LogDevice logs a change of the reported activity of a device.
func (l *Logger) LogDevice(active bool, id, name, flow, class string, previous time.Duration) error {
	eventType := DeviceInactive
	if active {
		eventType = DeviceActive
	}
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		DeviceID:  id,
		Details: &DeviceDetails{
			Name:       name,
			Flow:       flow,
			Class:      class,
			PreviousMs: previous.Milliseconds(),
		},
	})
}

// LogSystem logs a system event.
func (l *Logger) LogSystem(eventType EventType, message string, details *SystemDetails) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Message:   message,
		Details:   details,
	})
}

// Rotate closes the current file, renames it with a timestamp suffix and
// starts a new one. It returns the path of the rotated file, or "" when the
// current file was empty and nothing was rotated.
func (l *Logger) Rotate() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.filePath)
	if err != nil && !os.IsNotExist(err) {
		return "", util.WrapError("stat log file", err)
	}
	if err != nil || info.Size() == 0 {
		return "", nil
	}

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return "", util.WrapError("close log file", err)
		}
		l.file, l.encoder = nil, nil
	}

	rotated := rotatedName(l.filePath, time.Now())
	if err := os.Rename(l.filePath, rotated); err != nil {
		// Keep logging to the original file.
		if openErr := l.open(); openErr != nil {
			return "", fmt.Errorf("%w (reopen: %w)", util.WrapError("rotate log file", err), openErr)
		}
		return "", util.WrapError("rotate log file", err)
	}

	if err := l.open(); err != nil {
		return rotated, err
	}
	return rotated, nil
}

// rotatedName returns path with a UTC timestamp inserted before the
// extension, adding a counter when that name is taken.
func rotatedName(path string, at time.Time) string {
	ext := filepath.Ext(path)
	base := fmt.Sprintf("%s-%s", strings.TrimSuffix(path, ext), at.UTC().Format("20060102T150405.000Z"))
	name := base + ext
	for i := 1; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file, l.encoder = nil, nil
		return err
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll    TypeFilter = ""
	FilterDevice TypeFilter = "device"
	FilterSystem TypeFilter = "system"
)

// Valid reports whether f is a known filter.
func (f TypeFilter) Valid() bool {
	return f == FilterAll || f == FilterDevice || f == FilterSystem
}

// matches reports whether an event of type t passes the filter.
func (f TypeFilter) matches(t EventType) bool {
	switch f {
	case FilterDevice:
		return IsDeviceEvent(t)
	case FilterSystem:
		return IsSystemEvent(t)
	default:
		return true
	}
}

// MaxReadLimit is the maximum number of events that can be read at once.
// This prevents denial-of-service via excessive memory allocation.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type.
// Events are returned in reverse chronological order (newest first).
// The n parameter is capped at MaxReadLimit to prevent excessive memory allocation.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}
	offset = max(offset, 0)

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	// Read all lines
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	// Walk newest first; collect one event past the page to report hasMore.
	events := make([]Event, 0, n)
	skipped := 0
	hasMore := false
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			hasMore = true
			break
		}
		events = append(events, event)
	}

	return events, hasMore, nil
}

// IsDeviceEvent returns true if the event type is a device event.
func IsDeviceEvent(t EventType) bool {
	return t == DeviceActive || t == DeviceInactive
}

// IsSystemEvent returns true if the event type is a system event.
func IsSystemEvent(t EventType) bool {
	return t == EnumerationFailed || t == EnumerationRestored || t == ArchiveUploaded || t == ArchiveFailed
}
