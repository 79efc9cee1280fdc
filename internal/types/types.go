// Package types provides shared type definitions used across the monitor.
package types

import "time"

// ShutdownTimeout is the duration to wait for graceful shutdown.
const ShutdownTimeout = 3000 * time.Millisecond

// DeviceStatus is the last known debounced state of one audio endpoint.
type DeviceStatus struct {
	ID     string    `json:"id"`              // Stable device identity
	Name   string    `json:"name"`            // Display name
	Flow   string    `json:"flow"`            // "capture" or "render"
	Class  string    `json:"class"`           // "standard" or "bluetooth"
	Active bool      `json:"active"`          // Debounced activity
	Raw    bool      `json:"raw"`             // Undebounced activity of the last poll
	Since  time.Time `json:"since"`           // When Active last changed
	Stale  bool      `json:"stale,omitempty"` // Last poll of the flow failed
}

// Transition describes a change of the debounced activity of a device.
type Transition struct {
	Device   DeviceStatus  // State after the change
	Previous time.Duration // How long the previous state lasted
}

// WSStatusResponse is sent to clients after every poll.
type WSStatusResponse struct {
	Type      string         `json:"type"`                 // Message type identifier
	Devices   []DeviceStatus `json:"devices"`              // All known devices
	LastError string         `json:"last_error,omitempty"` // Most recent enumeration error
	Platform  string         `json:"platform"`             // Operating system platform
	Version   VersionInfo    `json:"version"`              // Version information
}

// WSTestResult is sent to clients after a test operation completes.
type WSTestResult struct {
	Type     string `json:"type"`            // Message type identifier
	TestType string `json:"test_type"`       // Type of test performed
	Success  bool   `json:"success"`         // Test succeeded
	Error    string `json:"error,omitempty"` // Error message if failed
}

// GraphConfig contains Microsoft Graph API settings for email notifications.
type GraphConfig struct {
	TenantID     string `json:"tenant_id,omitempty"`     // Azure AD tenant ID
	ClientID     string `json:"client_id,omitempty"`     // App registration client ID
	ClientSecret string `json:"client_secret,omitempty"` // App registration client secret
	FromAddress  string `json:"from_address,omitempty"`  // Shared mailbox address (sender)
	Recipients   string `json:"recipients,omitempty"`    // Comma-separated recipients
}

// ZabbixConfig contains settings for sending trapper items to a Zabbix server.
type ZabbixConfig struct {
	Server string `json:"server,omitempty"`
	Port   int    `json:"port,omitempty"`
	Host   string `json:"host,omitempty"`
	Key    string `json:"key,omitempty"`
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
	CheckedAt   string `json:"checked_at,omitempty"` // Last release lookup, RFC 3339
	CheckError  string `json:"check_error,omitempty"`
}
