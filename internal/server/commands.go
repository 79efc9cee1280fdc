package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-audiowatch/internal/activity"
	"github.com/oszuidwest/zwfm-audiowatch/internal/config"
	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
)

// commandTimeout bounds device enumeration and notification tests started from a command.
const commandTimeout = 30 * time.Second

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DeviceMonitor answers activity questions about individual devices.
type DeviceMonitor interface {
	IsDeviceActive(ctx context.Context, id string) (bool, error)
	Classify(ctx context.Context, id string) (activity.DeviceClass, error)
	ActiveProcesses(ctx context.Context, flow activity.Flow) activity.Result
	MicrophoneProcesses(ctx context.Context) activity.Result
	InputProcesses(ctx context.Context) ([]string, error)
}

// StatusProvider exposes the debounced state tracked by the watcher.
type StatusProvider interface {
	Statuses() []types.DeviceStatus
	StatusesFor(flow activity.Flow) []types.DeviceStatus
	LastError() string
}

// ProcessLister lists the executables currently running.
type ProcessLister interface {
	RunningProcesses(ctx context.Context) ([]string, error)
}

// DeviceActivity is the answer to an activity query for one device.
type DeviceActivity struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// DeviceClassification is the answer to a classification query for one device.
type DeviceClassification struct {
	ID    string               `json:"id"`
	Class activity.DeviceClass `json:"class"`
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg       *config.Config
	monitor   DeviceMonitor
	statuses  StatusProvider
	processes ProcessLister
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(cfg *config.Config, monitor DeviceMonitor, statuses StatusProvider, processes ProcessLister) *CommandHandler {
	return &CommandHandler{
		cfg:       cfg,
		monitor:   monitor,
		statuses:  statuses,
		processes: processes,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "devices/list", "notifications/webhook/test")
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	parts := strings.SplitN(cmd.Type, "/", 3)
	namespace := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	subaction := ""
	if len(parts) > 2 {
		subaction = parts[2]
	}

	switch namespace {
	case "devices":
		h.handleDevices(action, cmd, send)
	case "processes":
		h.handleProcesses(action, cmd, send)
	case "notifications":
		h.handleNotifications(action, subaction, cmd, send)
	case "status":
		h.handleStatus(action)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
	}

	triggerStatusUpdate()
}

// --- Namespace handlers ---

// handleDevices routes devices/* commands
func (h *CommandHandler) handleDevices(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "list":
		handleSync(cmd, send, func(req *DeviceListRequest) (any, error) {
			if req.Flow == "" {
				return h.statuses.Statuses(), nil
			}
			return h.statuses.StatusesFor(activity.Flow(req.Flow)), nil
		})
	case "active":
		handleAsync(cmd, send, func(ctx context.Context, req *DeviceRequest) (any, error) {
			active, err := h.monitor.IsDeviceActive(ctx, req.ID)
			if err != nil {
				return nil, err
			}
			return DeviceActivity{ID: req.ID, Active: active}, nil
		})
	case "classify":
		handleAsync(cmd, send, func(ctx context.Context, req *DeviceRequest) (any, error) {
			class, err := h.monitor.Classify(ctx, req.ID)
			if err != nil {
				return nil, err
			}
			return DeviceClassification{ID: req.ID, Class: class}, nil
		})
	default:
		slog.Warn("unknown devices action", "action", action)
	}
}

// handleProcesses routes processes/* commands
func (h *CommandHandler) handleProcesses(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "list":
		handleAsync(cmd, send, func(ctx context.Context, req *ProcessListRequest) (any, error) {
			return h.monitor.ActiveProcesses(ctx, activity.Flow(req.Flow)), nil
		})
	case "microphone":
		handleAsync(cmd, send, func(ctx context.Context, _ *struct{}) (any, error) {
			return h.monitor.MicrophoneProcesses(ctx), nil
		})
	case "input":
		handleAsync(cmd, send, func(ctx context.Context, _ *struct{}) (any, error) {
			return h.monitor.InputProcesses(ctx)
		})
	case "running":
		handleAsync(cmd, send, func(ctx context.Context, _ *struct{}) (any, error) {
			return h.processes.RunningProcesses(ctx)
		})
	default:
		slog.Warn("unknown processes action", "action", action)
	}
}

// handleNotifications routes notifications/*/* commands
func (h *CommandHandler) handleNotifications(action, subaction string, cmd WSCommand, send chan<- any) {
	switch action {
	case "webhook":
		switch subaction {
		case "update":
			h.handleWebhookUpdate(cmd, send)
		case "test":
			h.handleTest(send, "webhook")
		default:
			slog.Warn("unknown webhook action", "subaction", subaction)
		}
	case "email", "zabbix":
		if subaction != "test" {
			slog.Warn("unknown notifications action", "action", action, "subaction", subaction)
			return
		}
		h.handleTest(send, action)
	default:
		slog.Warn("unknown notifications action", "action", action)
	}
}

// handleStatus routes status/* commands
func (h *CommandHandler) handleStatus(action string) {
	switch action {
	case "get":
		// Status is sent automatically, but explicit get triggers immediate update
		slog.Debug("status/get received, status update will be triggered")
	default:
		slog.Warn("unknown status action", "action", action)
	}
}
