// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-audiowatch/internal/activity"
	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort            = 8080
	DefaultStationName        = "ZuidWest FM"
	DefaultPollIntervalMs     = 100
	DefaultClassCacheSize     = activity.DefaultClassCacheSize
	DefaultArchiveIntervalHrs = 24
	DefaultArchivePrefix      = "audiowatch"
	DefaultZabbixPort         = 10051
)

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	Port        int    `json:"port" validate:"gte=1,lte=65535"`            // HTTP server port
	APIKey      string `json:"api_key" validate:"min=16"`                  // API key for REST and WebSocket access
	PwDumpPath  string `json:"pw_dump_path" validate:"omitempty,max=4096"` // Path to pw-dump (empty = use PATH)
	StationName string `json:"station_name" validate:"min=1,max=30"`       // Name used in notifications
}

// MonitorConfig holds polling and debounce settings.
type MonitorConfig struct {
	PollIntervalMs         int64    `json:"poll_interval_ms" validate:"gte=20,lte=60000"`
	Flows                  []string `json:"flows" validate:"min=1,dive,oneof=capture render"`
	StandardDebounceMs     int64    `json:"standard_debounce_ms" validate:"gte=0,lte=600000"`
	ExtendedDebounceMs     int64    `json:"extended_debounce_ms" validate:"gtefield=StandardDebounceMs,lte=600000"`
	ActiveHoldMs           int64    `json:"active_hold_ms" validate:"gte=0,lte=600000"`
	RequiredActiveChecks   int      `json:"required_active_checks" validate:"gte=1,lte=100"`
	RequiredInactiveChecks int      `json:"required_inactive_checks" validate:"gte=1,lte=100"`
	RapidWindowMs          int64    `json:"rapid_window_ms" validate:"gte=0,lte=600000"`
	MaxRapidChanges        int      `json:"max_rapid_changes" validate:"gte=1,lte=1000"`
	ClassCacheSize         int      `json:"class_cache_size" validate:"gte=1,lte=4096"`
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url" validate:"omitempty,url,max=2048"` // Webhook URL for activity changes
}

// EmailConfig holds Microsoft Graph email notification settings.
type EmailConfig struct {
	TenantID     string `json:"tenant_id" validate:"omitempty,max=100"`     // Azure AD tenant ID
	ClientID     string `json:"client_id" validate:"omitempty,max=100"`     // App registration client ID
	ClientSecret string `json:"client_secret" validate:"omitempty,max=500"` // App registration client secret
	FromAddress  string `json:"from_address" validate:"omitempty,max=254"`  // Shared mailbox sender address
	Recipients   string `json:"recipients" validate:"omitempty,max=1000"`   // Comma-separated recipient addresses
}

// ZabbixConfig holds Zabbix trapper settings.
type ZabbixConfig struct {
	Server string `json:"server" validate:"omitempty,max=253"`
	Port   int    `json:"port" validate:"omitempty,gte=1,lte=65535"`
	Host   string `json:"host" validate:"omitempty,max=253"`
	Key    string `json:"key" validate:"omitempty,max=256"`
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	Webhook WebhookConfig `json:"webhook"`
	Email   EmailConfig   `json:"email"`
	Zabbix  ZabbixConfig  `json:"zabbix"`
}

// EventLogConfig holds event log settings.
type EventLogConfig struct {
	Path string `json:"path" validate:"omitempty,max=4096"` // JSON lines file (empty = platform default)
}

// ArchiveConfig holds event log archival settings.
type ArchiveConfig struct {
	Enabled         bool   `json:"enabled"`
	Endpoint        string `json:"endpoint" validate:"omitempty,url"`                     // S3-compatible endpoint URL
	Bucket          string `json:"bucket" validate:"required_if=Enabled true,max=63"`     // S3 bucket name
	Prefix          string `json:"prefix" validate:"max=256"`                             // Key prefix
	AccessKeyID     string `json:"access_key_id" validate:"required_if=Enabled true"`     // S3 access key ID
	SecretAccessKey string `json:"secret_access_key" validate:"required_if=Enabled true"` // S3 secret access key
	IntervalHours   int    `json:"interval_hours" validate:"gte=1,lte=720"`               // Rotation interval
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System        SystemConfig        `json:"system"`
	Monitor       MonitorConfig       `json:"monitor"`
	Notifications NotificationsConfig `json:"notifications"`
	EventLog      EventLogConfig      `json:"event_log"`
	Archive       ArchiveConfig       `json:"archive"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{filePath: filePath}
	c.presetDurations()
	c.applyDefaults()
	return c
}

// Load reads config from file, creating a default if none exists.
// A missing API key is generated and persisted.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if err != nil && !os.IsNotExist(err) {
		return util.WrapError("read config", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, c); err != nil {
			return util.WrapError("parse config", err)
		}
	}

	c.applyDefaults()

	save := os.IsNotExist(err)
	if c.System.APIKey == "" {
		key, err := GenerateAPIKey()
		if err != nil {
			return util.WrapError("generate API key", err)
		}
		c.System.APIKey = key
		save = true
	}

	if err := c.validate(); err != nil {
		return err
	}

	if save {
		return c.saveLocked()
	}
	return nil
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	if err := util.Validator().Struct(c); err != nil {
		return util.ToValidationError(err)
	}
	if c.EventLog.Path != "" {
		if err := util.ValidatePath("event_log.path", c.EventLog.Path); err != nil {
			return err
		}
	}
	return nil
}

// presetDurations sets the monitor durations for which zero is a valid
// setting. They are filled in before the file is read, so only keys missing
// from the file keep their default.
func (c *Config) presetDurations() {
	tuning := activity.DefaultTuning()
	c.Monitor.StandardDebounceMs = tuning.StandardDebounce.Milliseconds()
	c.Monitor.ExtendedDebounceMs = tuning.ExtendedDebounce.Milliseconds()
	c.Monitor.ActiveHoldMs = tuning.ActiveHold.Milliseconds()
	c.Monitor.RapidWindowMs = tuning.RapidWindow.Milliseconds()
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	tuning := activity.DefaultTuning()

	// System defaults
	c.System.Port = cmp.Or(c.System.Port, DefaultWebPort)
	c.System.StationName = cmp.Or(c.System.StationName, DefaultStationName)

	// Monitor defaults
	m := &c.Monitor
	m.PollIntervalMs = cmp.Or(m.PollIntervalMs, DefaultPollIntervalMs)
	if len(m.Flows) == 0 {
		m.Flows = []string{string(activity.FlowCapture)}
	}
	m.RequiredActiveChecks = cmp.Or(m.RequiredActiveChecks, tuning.RequiredActive)
	m.RequiredInactiveChecks = cmp.Or(m.RequiredInactiveChecks, tuning.RequiredInactive)
	m.MaxRapidChanges = cmp.Or(m.MaxRapidChanges, tuning.MaxRapidChanges)
	m.ClassCacheSize = cmp.Or(m.ClassCacheSize, DefaultClassCacheSize)

	// Notification defaults
	if c.Notifications.Zabbix.Server != "" {
		c.Notifications.Zabbix.Port = cmp.Or(c.Notifications.Zabbix.Port, DefaultZabbixPort)
	}

	// Archive defaults
	c.Archive.IntervalHours = cmp.Or(c.Archive.IntervalHours, DefaultArchiveIntervalHrs)
	c.Archive.Prefix = cmp.Or(c.Archive.Prefix, DefaultArchivePrefix)
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// SetWebhookURL updates the webhook URL and saves the configuration.
func (c *Config) SetWebhookURL(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Webhook.URL = url
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	WebPort     int
	APIKey      string
	PwDumpPath  string
	StationName string

	// Monitor
	PollInterval   time.Duration
	Flows          []activity.Flow
	Tuning         activity.Tuning
	ClassCacheSize int

	// Notifications
	WebhookURL        string
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphFromAddress  string
	GraphRecipients   string
	Zabbix            types.ZabbixConfig

	// Event log
	EventLogPath string

	// Archive
	ArchiveEnabled   bool
	ArchiveEndpoint  string
	ArchiveBucket    string
	ArchivePrefix    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveInterval  time.Duration
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := c.Monitor
	flows := make([]activity.Flow, 0, len(m.Flows))
	for _, f := range m.Flows {
		flow := activity.Flow(f)
		if !slices.Contains(flows, flow) {
			flows = append(flows, flow)
		}
	}

	return Snapshot{
		// System
		WebPort:     c.System.Port,
		APIKey:      c.System.APIKey,
		PwDumpPath:  c.System.PwDumpPath,
		StationName: c.System.StationName,

		// Monitor
		PollInterval: time.Duration(m.PollIntervalMs) * time.Millisecond,
		Flows:        flows,
		Tuning: activity.Tuning{
			StandardDebounce: time.Duration(m.StandardDebounceMs) * time.Millisecond,
			ExtendedDebounce: time.Duration(m.ExtendedDebounceMs) * time.Millisecond,
			ActiveHold:       time.Duration(m.ActiveHoldMs) * time.Millisecond,
			RequiredActive:   m.RequiredActiveChecks,
			RequiredInactive: m.RequiredInactiveChecks,
			RapidWindow:      time.Duration(m.RapidWindowMs) * time.Millisecond,
			MaxRapidChanges:  m.MaxRapidChanges,
		},
		ClassCacheSize: m.ClassCacheSize,

		// Notifications
		WebhookURL:        c.Notifications.Webhook.URL,
		GraphTenantID:     c.Notifications.Email.TenantID,
		GraphClientID:     c.Notifications.Email.ClientID,
		GraphClientSecret: c.Notifications.Email.ClientSecret,
		GraphFromAddress:  c.Notifications.Email.FromAddress,
		GraphRecipients:   c.Notifications.Email.Recipients,
		Zabbix: types.ZabbixConfig{
			Server: c.Notifications.Zabbix.Server,
			Port:   c.Notifications.Zabbix.Port,
			Host:   c.Notifications.Zabbix.Host,
			Key:    c.Notifications.Zabbix.Key,
		},

		// Event log
		EventLogPath: c.EventLog.Path,

		// Archive
		ArchiveEnabled:   c.Archive.Enabled,
		ArchiveEndpoint:  c.Archive.Endpoint,
		ArchiveBucket:    c.Archive.Bucket,
		ArchivePrefix:    c.Archive.Prefix,
		ArchiveAccessKey: c.Archive.AccessKeyID,
		ArchiveSecretKey: c.Archive.SecretAccessKey,
		ArchiveInterval:  time.Duration(c.Archive.IntervalHours) * time.Hour,
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasGraph reports whether Microsoft Graph email notifications are configured.
func (s *Snapshot) HasGraph() bool {
	return s.GraphTenantID != "" && s.GraphClientID != "" && s.GraphClientSecret != "" &&
		s.GraphFromAddress != "" && s.GraphRecipients != ""
}

// HasZabbix reports whether Zabbix trapper notifications are configured.
func (s *Snapshot) HasZabbix() bool {
	return s.Zabbix.Server != "" && s.Zabbix.Host != "" && s.Zabbix.Key != ""
}

// HasArchive reports whether event log archival is enabled and complete.
func (s *Snapshot) HasArchive() bool {
	return s.ArchiveEnabled && s.ArchiveBucket != "" && s.ArchiveAccessKey != "" && s.ArchiveSecretKey != ""
}

// GraphConfig returns the Microsoft Graph settings of the snapshot.
func (s *Snapshot) GraphConfig() types.GraphConfig {
	return types.GraphConfig{
		TenantID:     s.GraphTenantID,
		ClientID:     s.GraphClientID,
		ClientSecret: s.GraphClientSecret,
		FromAddress:  s.GraphFromAddress,
		Recipients:   s.GraphRecipients,
	}
}

// --- Utility functions ---

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
