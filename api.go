package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-audiowatch/internal/activity"
	"github.com/oszuidwest/zwfm-audiowatch/internal/archive"
	"github.com/oszuidwest/zwfm-audiowatch/internal/eventlog"
	"github.com/oszuidwest/zwfm-audiowatch/internal/server"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// apiTimeout bounds enumeration and notification work done for one request.
const apiTimeout = 30 * time.Second

// Default page size for GET /api/events.
const defaultEventLimit = 50

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeLookupError maps device lookup errors to status codes.
func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, activity.ErrDeviceNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, activity.ErrEnumeration):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// validateQuery validates req and writes a 400 with field errors when it fails.
func (s *Server) validateQuery(w http.ResponseWriter, req any) bool {
	if err := util.Validator().Struct(req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": util.ToValidationError(err)})
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

// handleAPIDevices returns the debounced state of all known devices.
// GET /api/devices?flow=capture|render
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	req := server.DeviceListRequest{Flow: r.URL.Query().Get("flow")}
	if !s.validateQuery(w, &req) {
		return
	}

	devices := s.statuses.Statuses()
	if req.Flow != "" {
		devices = s.statuses.StatusesFor(activity.Flow(req.Flow))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices":    devices,
		"last_error": s.statuses.LastError(),
	})
}

// handleAPIDeviceActive evaluates one device.
// GET /api/devices/active?id=...
func (s *Server) handleAPIDeviceActive(w http.ResponseWriter, r *http.Request) {
	req := server.DeviceRequest{ID: r.URL.Query().Get("id")}
	if !s.validateQuery(w, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	active, err := s.monitor.IsDeviceActive(ctx, req.ID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, server.DeviceActivity{ID: req.ID, Active: active})
}

// handleAPIDeviceClass reports the debounce class of one device.
// GET /api/devices/class?id=...
func (s *Server) handleAPIDeviceClass(w http.ResponseWriter, r *http.Request) {
	req := server.DeviceRequest{ID: r.URL.Query().Get("id")}
	if !s.validateQuery(w, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	class, err := s.monitor.Classify(ctx, req.ID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, server.DeviceClassification{ID: req.ID, Class: class})
}

// handleAPIProcesses lists the processes using devices of one flow.
// GET /api/processes/microphone, GET /api/processes/speakers
func (s *Server) handleAPIProcesses(flow activity.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
		defer cancel()

		s.writeResult(w, s.monitor.ActiveProcesses(ctx, flow))
	}
}

// handleAPIMicrophoneProcesses lists the processes of the default capture
// device without debouncing.
// GET /api/processes/microphone/live
func (s *Server) handleAPIMicrophoneProcesses(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	s.writeResult(w, s.monitor.MicrophoneProcesses(ctx))
}

// handleAPIInputProcesses lists the executables capturing from the default
// capture device while its meter shows audio.
// GET /api/processes/input
func (s *Server) handleAPIInputProcesses(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	paths, err := s.monitor.InputProcesses(ctx)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"processes": paths})
}

// writeResult writes a process listing, answering 503 for a failed one.
func (s *Server) writeResult(w http.ResponseWriter, result activity.Result) {
	status := http.StatusOK
	if !result.Success {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, result)
}

// handleAPIRunningProcesses lists the running executables.
// GET /api/processes/running
func (s *Server) handleAPIRunningProcesses(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	names, err := s.processes.RunningProcesses(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"processes": names})
}

// eventsQuery holds the query parameters of GET /api/events.
type eventsQuery struct {
	Limit  int    `json:"limit" validate:"gte=1,lte=500"`
	Offset int    `json:"offset" validate:"gte=0"`
	Filter string `json:"filter" validate:"omitempty,oneof=device system"`
}

// handleAPIEvents returns a page of the event log, newest first.
// GET /api/events?limit=50&offset=0&filter=device|system
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := eventsQuery{Limit: limit, Offset: offset, Filter: r.URL.Query().Get("filter")}
	if !s.validateQuery(w, &req) {
		return
	}

	events, hasMore, err := eventlog.ReadLast(s.eventLogPath, req.Limit, req.Offset, eventlog.TypeFilter(req.Filter))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": hasMore,
	})
}

// handleAPITestNotification sends a test notification.
// POST /api/notifications/test?type=webhook|email|zabbix
func (s *Server) handleAPITestNotification(w http.ResponseWriter, r *http.Request) {
	testType := r.URL.Query().Get("type")
	switch testType {
	case "webhook", "email", "zabbix":
	default:
		s.writeError(w, http.StatusBadRequest, "type must be one of: webhook email zabbix")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	if err := server.RunNotificationTest(ctx, s.config, testType); err != nil {
		slog.Error("test failed", "test", testType, "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "test_type": testType})
}

// handleAPITestArchive checks the archive bucket with a test object.
// POST /api/archive/test
func (s *Server) handleAPITestArchive(w http.ResponseWriter, r *http.Request) {
	cfg := archiveConfig(s.config.Snapshot())
	if !cfg.IsConfigured() {
		s.writeError(w, http.StatusBadRequest, "archive not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	if err := archive.TestConnection(ctx, &cfg); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleAPIVersion returns version information.
// GET /api/version
func (s *Server) handleAPIVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.version.Info())
}
